package main

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/magx-io/magx/internal/auth"
	"github.com/magx-io/magx/internal/cache"
	"github.com/magx-io/magx/internal/cache/ipccache"
	"github.com/magx-io/magx/internal/config"
	"github.com/magx-io/magx/internal/ipc"
	"github.com/magx-io/magx/internal/ipc/broker"
	"github.com/magx-io/magx/internal/ipc/memory"
	"github.com/magx-io/magx/internal/ipc/natsbus"
	"github.com/magx-io/magx/internal/ipc/redisbus"
	"github.com/magx-io/magx/internal/room"
	"github.com/magx-io/magx/internal/server"
	"github.com/magx-io/magx/internal/storage/postgres"
)

// Collection names shared by every registry backend.
const (
	roomsCollection    = "rooms"
	sessionsCollection = "sessions"
)

// openBackend returns the pub/sub backend named by cfg. When this process
// hosts the broker, the returned Service runs its gRPC listener.
func openBackend(ctx context.Context, cfg config.IPCConfig, pid string, logger *zap.Logger) (ipc.Backend, server.Service, error) {
	switch cfg.Backend {
	case "memory":
		return memory.NewBus().Conn(), nil, nil
	case "redis":
		c, err := redisbus.Dial(ctx, cfg.RedisAddr, logger)
		return c, nil, err
	case "nats":
		c, err := natsbus.Dial(cfg.NATSURL, pid, logger)
		return c, nil, err
	case "broker":
		if cfg.BrokerListen == "" {
			c, err := broker.Dial(ctx, cfg.BrokerAddr, pid, logger)
			return c, nil, err
		}
		return hostBroker(cfg.BrokerListen, logger)
	}
	return nil, nil, fmt.Errorf("unknown ipc backend %q", cfg.Backend)
}

func hostBroker(addr string, logger *zap.Logger) (ipc.Backend, server.Service, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening for broker peers on %s: %w", addr, err)
	}
	gs := grpc.NewServer()
	bs := broker.NewServer(logger)
	bs.Register(gs)
	svc := &server.FuncService{
		StartFn: func(context.Context) error {
			if err := gs.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		},
		StopFn: func(context.Context) error {
			gs.GracefulStop()
			return nil
		},
	}
	logger.Info("hosting ipc broker", zap.String("addr", ln.Addr().String()))
	return bs.Local(), svc, nil
}

// Stores are the shared room registry and session store of a process.
type Stores struct {
	Rooms    room.Registry
	Sessions cache.Cache[auth.Session]
	close    func()
}

// Close releases the connections behind the stores.
func (s *Stores) Close() {
	if s.close != nil {
		s.close()
	}
}

// openStores builds the registry named by cfg.Registry. With the ipc backend
// the owner process serves both collections to its peers over ipcm, so it
// must run before ipcm starts.
func openStores(ctx context.Context, cfg config.Config, ipcm *ipc.Manager, logger *zap.Logger) (*Stores, error) {
	switch cfg.Registry.Backend {
	case "local":
		return &Stores{
			Rooms:    cache.NewLocal[room.RoomRecord](),
			Sessions: cache.NewLocal[auth.Session](),
		}, nil
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		logger.Info("database connected", zap.String("host", cfg.Database.Host))
		return &Stores{
			Rooms:    postgres.NewDocumentCache[room.RoomRecord](pool.DB(), roomsCollection),
			Sessions: postgres.NewDocumentCache[auth.Session](pool.DB(), sessionsCollection),
			close:    pool.Close,
		}, nil
	case "ipc":
		if cfg.Registry.Owner == ipcm.ProcessID() {
			rooms := cache.NewLocal[room.RoomRecord]()
			sessions := cache.NewLocal[auth.Session]()
			srv := ipccache.NewServer(ipcm)
			ipccache.Register[room.RoomRecord](srv, roomsCollection, rooms)
			ipccache.Register[auth.Session](srv, sessionsCollection, sessions)
			logger.Info("serving registry to peers")
			return &Stores{Rooms: rooms, Sessions: sessions}, nil
		}
		return &Stores{
			Rooms:    ipccache.NewClient[room.RoomRecord](ipcm, cfg.Registry.Owner, roomsCollection),
			Sessions: ipccache.NewClient[auth.Session](ipcm, cfg.Registry.Owner, sessionsCollection),
		}, nil
	}
	return nil, fmt.Errorf("unknown registry backend %q", cfg.Registry.Backend)
}
