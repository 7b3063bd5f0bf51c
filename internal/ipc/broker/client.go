package broker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/magx-io/magx/internal/ipc"
)

const processHeader = "x-magx-process"

func peerName(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(processHeader); len(v) > 0 {
			return v[0]
		}
	}
	if p, ok := peer.FromContext(ctx); ok {
		return p.Addr.String()
	}
	return "unknown"
}

// Conn is a worker's connection to a broker Server. It implements ipc.Backend.
type Conn struct {
	cc     *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
	logger *zap.Logger
	done   chan struct{}

	// Messages are handed to a dispatch goroutine so a handler may Subscribe
	// and wait for an ack that the receive goroutine delivers.
	queueMu sync.Mutex
	queue   []frame
	wake    chan struct{}

	sendMu sync.Mutex

	mu       sync.Mutex
	handlers map[string]ipc.Handler
	pending  map[float64]chan struct{}
	nextID   float64
	closed   bool
}

var _ ipc.Backend = (*Conn)(nil)

// Dial connects to the broker at addr and opens the relay stream. Extra dial
// options are appended after insecure transport credentials.
func Dial(ctx context.Context, addr, processID string, logger *zap.Logger, opts ...grpc.DialOption) (*Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cc, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dialing broker %s: %w", addr, err)
	}

	streamCtx, cancel := context.WithCancel(metadata.AppendToOutgoingContext(context.Background(), processHeader, processID))
	stream, err := cc.NewStream(streamCtx, &serviceDesc.Streams[0], relayMethod)
	if err != nil {
		cancel()
		_ = cc.Close()
		return nil, fmt.Errorf("opening broker stream: %w", err)
	}

	c := &Conn{
		cc:       cc,
		stream:   stream,
		cancel:   cancel,
		logger:   logger,
		done:     make(chan struct{}),
		wake:     make(chan struct{}, 1),
		handlers: make(map[string]ipc.Handler),
		pending:  make(map[float64]chan struct{}),
	}
	go c.receive()
	go c.dispatch()

	// A round trip proves the stream is up before the Conn is handed out.
	if err := c.call(ctx, opUnsub, ""); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("handshaking with broker %s: %w", addr, err)
	}
	return c, nil
}

func (c *Conn) receive() {
	defer close(c.done)
	for {
		in := new(structpb.Struct)
		if err := c.stream.RecvMsg(in); err != nil {
			if !c.isClosed() {
				c.logger.Warn("broker stream ended", zap.Error(err))
			}
			return
		}
		f, err := parseFrame(in)
		if err != nil {
			c.logger.Warn("discarding malformed broker frame", zap.Error(err))
			continue
		}
		switch f.Op {
		case opAck:
			c.mu.Lock()
			ch := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ch != nil {
				close(ch)
			}
		case opMsg:
			c.queueMu.Lock()
			c.queue = append(c.queue, f)
			c.queueMu.Unlock()
			select {
			case c.wake <- struct{}{}:
			default:
			}
		}
	}
}

func (c *Conn) dispatch() {
	for {
		select {
		case <-c.wake:
		case <-c.done:
			return
		}
		for {
			c.queueMu.Lock()
			if len(c.queue) == 0 {
				c.queueMu.Unlock()
				break
			}
			f := c.queue[0]
			c.queue = c.queue[1:]
			c.queueMu.Unlock()

			c.mu.Lock()
			h := c.handlers[f.Channel]
			c.mu.Unlock()
			if h != nil {
				h(f.Payload)
			}
		}
	}
}

func (c *Conn) send(f frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.stream.SendMsg(f.toStruct())
}

// call sends a sub or unsub frame and waits for its acknowledgement.
func (c *Conn) call(ctx context.Context, op, channel string) error {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ack := make(chan struct{})
	c.pending[id] = ack
	c.mu.Unlock()

	if err := c.send(frame{Op: op, Channel: channel, ID: id}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("sending %s %s: %w", op, channel, err)
	}
	select {
	case <-ack:
		return nil
	case <-c.done:
		return ipc.ErrClosed
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Publish relays payload through the broker.
func (c *Conn) Publish(_ context.Context, channel string, payload []byte) error {
	if c.isClosed() {
		return ipc.ErrClosed
	}
	if err := c.send(frame{Op: opPub, Channel: channel, Payload: payload}); err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	return nil
}

// Subscribe replaces the handler for channel and waits for the broker to
// acknowledge the subscription.
func (c *Conn) Subscribe(ctx context.Context, channel string, h ipc.Handler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ipc.ErrClosed
	}
	_, existed := c.handlers[channel]
	c.handlers[channel] = h
	c.mu.Unlock()
	if existed {
		return nil
	}
	if err := c.call(ctx, opSub, channel); err != nil {
		c.mu.Lock()
		delete(c.handlers, channel)
		c.mu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe drops the handler for channel.
func (c *Conn) Unsubscribe(_ context.Context, channel string) error {
	c.mu.Lock()
	_, existed := c.handlers[channel]
	delete(c.handlers, channel)
	closed := c.closed
	c.mu.Unlock()
	if !existed || closed {
		return nil
	}
	if err := c.send(frame{Op: opUnsub, Channel: channel}); err != nil {
		return fmt.Errorf("unsubscribing from %s: %w", channel, err)
	}
	return nil
}

// Close ends the relay stream and the client connection.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.handlers = make(map[string]ipc.Handler)
	c.mu.Unlock()

	c.sendMu.Lock()
	_ = c.stream.CloseSend()
	c.sendMu.Unlock()
	c.cancel()
	return c.cc.Close()
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
