package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/magx-io/magx/internal/ipc"
)

// Server fans publications out to every subscribed peer.
type Server struct {
	logger *zap.Logger

	mu    sync.Mutex
	peers map[*relayPeer]struct{}
}

type relayPeer struct {
	name string
	send func(frame) error

	mu       sync.Mutex
	channels map[string]struct{}
}

func (p *relayPeer) subscribed(channel string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.channels[channel]
	return ok
}

var _ relayServer = (*Server)(nil)

// NewServer creates a broker Server.
func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{logger: logger, peers: make(map[*relayPeer]struct{})}
}

// Register attaches the broker service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// PeerCount returns the number of attached peers, the local one included.
func (s *Server) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

func (s *Server) attach(p *relayPeer) {
	s.mu.Lock()
	s.peers[p] = struct{}{}
	n := len(s.peers)
	s.mu.Unlock()
	s.logger.Debug("broker peer attached", zap.String("peer", p.name), zap.Int("peers", n))
}

func (s *Server) detach(p *relayPeer) {
	s.mu.Lock()
	delete(s.peers, p)
	n := len(s.peers)
	s.mu.Unlock()
	s.logger.Debug("broker peer detached", zap.String("peer", p.name), zap.Int("peers", n))
}

func (s *Server) publish(channel string, payload []byte) {
	s.mu.Lock()
	targets := make([]*relayPeer, 0, len(s.peers))
	for p := range s.peers {
		targets = append(targets, p)
	}
	s.mu.Unlock()

	for _, p := range targets {
		if !p.subscribed(channel) {
			continue
		}
		if err := p.send(frame{Op: opMsg, Channel: channel, Payload: payload}); err != nil {
			s.logger.Debug("relaying message", zap.String("peer", p.name), zap.String("channel", channel), zap.Error(err))
		}
	}
}

// handle applies one client frame from p and returns the frame to answer with, if any.
func (s *Server) handle(p *relayPeer, f frame) *frame {
	switch f.Op {
	case opSub:
		p.mu.Lock()
		p.channels[f.Channel] = struct{}{}
		p.mu.Unlock()
		return &frame{Op: opAck, ID: f.ID}
	case opUnsub:
		p.mu.Lock()
		delete(p.channels, f.Channel)
		p.mu.Unlock()
		return &frame{Op: opAck, ID: f.ID}
	case opPub:
		s.publish(f.Channel, f.Payload)
		return nil
	default:
		s.logger.Warn("unknown broker frame", zap.String("peer", p.name), zap.String("op", f.Op))
		return nil
	}
}

func (s *Server) relay(stream grpc.ServerStream) error {
	var sendMu sync.Mutex
	p := &relayPeer{
		name:     peerName(stream.Context()),
		channels: make(map[string]struct{}),
		send: func(f frame) error {
			sendMu.Lock()
			defer sendMu.Unlock()
			return stream.SendMsg(f.toStruct())
		},
	}
	s.attach(p)
	defer s.detach(p)

	for {
		in := new(structpb.Struct)
		if err := stream.RecvMsg(in); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		f, err := parseFrame(in)
		if err != nil {
			s.logger.Warn("discarding malformed broker frame", zap.String("peer", p.name), zap.Error(err))
			continue
		}
		if reply := s.handle(p, f); reply != nil {
			if err := p.send(*reply); err != nil {
				return fmt.Errorf("acknowledging %s: %w", f.Op, err)
			}
		}
	}
}

// Local returns a Backend for the process hosting the Server. It bypasses gRPC.
func (s *Server) Local() ipc.Backend {
	l := &localConn{server: s, handlers: make(map[string]ipc.Handler)}
	l.peer = &relayPeer{name: "local", channels: make(map[string]struct{}), send: l.deliver}
	s.attach(l.peer)
	return l
}

type localConn struct {
	server *Server
	peer   *relayPeer

	mu       sync.Mutex
	handlers map[string]ipc.Handler
	closed   bool
}

func (l *localConn) deliver(f frame) error {
	l.mu.Lock()
	h := l.handlers[f.Channel]
	l.mu.Unlock()
	if h != nil {
		h(f.Payload)
	}
	return nil
}

func (l *localConn) Publish(_ context.Context, channel string, payload []byte) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ipc.ErrClosed
	}
	l.server.publish(channel, append([]byte(nil), payload...))
	return nil
}

func (l *localConn) Subscribe(_ context.Context, channel string, h ipc.Handler) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ipc.ErrClosed
	}
	l.handlers[channel] = h
	l.server.handle(l.peer, frame{Op: opSub, Channel: channel})
	return nil
}

func (l *localConn) Unsubscribe(_ context.Context, channel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, channel)
	l.server.handle(l.peer, frame{Op: opUnsub, Channel: channel})
	return nil
}

func (l *localConn) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.handlers = make(map[string]ipc.Handler)
	l.mu.Unlock()
	l.server.detach(l.peer)
	return nil
}
