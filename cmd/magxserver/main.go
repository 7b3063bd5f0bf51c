// Package main provides the magx room server: the HTTP room API and the
// websocket transport for the rooms this process hosts.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/magx-io/magx/internal/api"
	"github.com/magx-io/magx/internal/auth"
	"github.com/magx-io/magx/internal/balancer"
	"github.com/magx-io/magx/internal/catalog"
	"github.com/magx-io/magx/internal/config"
	"github.com/magx-io/magx/internal/ipc"
	"github.com/magx-io/magx/internal/observability"
	"github.com/magx-io/magx/internal/room"
	"github.com/magx-io/magx/internal/scripting"
	"github.com/magx-io/magx/internal/server"
	"github.com/magx-io/magx/internal/transport/websocket"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	pid := cfg.Server.ProcessID
	if pid == "" {
		pid = uuid.NewString()
	}
	logger = observability.ForProcess(logger, pid)

	lifecycle := server.NewLifecycle(logger, cfg.HTTP.ShutdownTimeout)

	backend, brokerSvc, err := openBackend(ctx, cfg.IPC, pid, logger)
	if err != nil {
		logger.Fatal("opening ipc backend", zap.String("backend", cfg.IPC.Backend), zap.Error(err))
	}
	if brokerSvc != nil {
		lifecycle.Add("broker", brokerSvc)
	}

	ipcm := ipc.NewManager(backend, ipc.Options{
		ProcessID:         pid,
		State:             ipc.ProcessState{"port": cfg.Server.PublicPort},
		Timeout:           cfg.IPC.RequestTimeout,
		HeartbeatInterval: cfg.IPC.HeartbeatInterval,
		Logger:            logger,
	})

	stores, err := openStores(ctx, cfg, ipcm, logger)
	if err != nil {
		logger.Fatal("opening stores", zap.String("registry", cfg.Registry.Backend), zap.Error(err))
	}
	defer stores.Close()

	if err := ipcm.Start(ctx); err != nil {
		logger.Fatal("starting ipc", zap.Error(err))
	}
	logger.Info("ipc started",
		zap.String("backend", cfg.IPC.Backend),
		zap.Duration("elapsed", time.Since(start)),
	)

	insp := room.NewInspector(stores.Rooms, ipcm, logger)
	rooms := room.NewManager(insp, room.Options{
		ProcessID:         pid,
		Port:              cfg.Server.PublicPort,
		ConnectionTimeout: cfg.Server.ConnectionTimeout,
		ReservationTTL:    cfg.Server.ReservationTTL,
		PatchRate:         cfg.Rooms.PatchRate,
		Logger:            logger,
	})
	if err := defineRoomTypes(rooms, insp, cfg.Rooms); err != nil {
		logger.Fatal("defining room types", zap.String("catalog", cfg.Rooms.Catalog), zap.Error(err))
	}
	logger.Info("room types defined", zap.Strings("types", rooms.Types()))

	bal := balancer.New(ipcm, rooms, logger)
	sessions := auth.NewSessionAuth(stores.Sessions, cfg.Auth.BcryptCost)

	apiSrv := api.New(sessions, bal, cfg.HTTP.Prefix, logger)
	mux := http.NewServeMux()
	apiSrv.Register(mux)
	mux.Handle(websocket.Pattern(apiSrv.Prefix()), websocket.NewHandler(sessions, rooms, websocket.Options{
		PingInterval:   cfg.HTTP.PingInterval,
		MaxPingRetries: cfg.HTTP.MaxPingRetries,
		Logger:         logger,
	}))

	ln, err := net.Listen("tcp", cfg.HTTP.Addr())
	if err != nil {
		logger.Fatal("listening", zap.String("addr", cfg.HTTP.Addr()), zap.Error(err))
	}

	lifecycle.Add("ipc", &server.FuncService{
		StartFn: func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		},
		StopFn: ipcm.Close,
	})
	lifecycle.Add("rooms", &server.FuncService{
		StartFn: func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		},
		StopFn: func(ctx context.Context) error {
			rooms.Shutdown(ctx)
			return nil
		},
	})
	lifecycle.Add("http", server.NewHTTPService(ln, apiSrv.Logged(mux)))

	logger.Info("magx server ready",
		zap.String("addr", ln.Addr().String()),
		zap.String("prefix", apiSrv.Prefix()),
		zap.Duration("startup", time.Since(start)),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Error("server stopped", zap.Error(err))
	}
}

func defineRoomTypes(rooms *room.Manager, insp *room.Inspector, cfg config.RoomsConfig) error {
	builders := map[string]catalog.Builder{
		catalog.BehaviorRelay: func(catalog.Entry) (room.Factory, error) { return room.Relay(), nil },
		catalog.BehaviorLobby: func(catalog.Entry) (room.Factory, error) { return room.Lobby(insp), nil },
		catalog.BehaviorScript: scripting.Builder(cfg.ScriptInstructionLimit),
	}
	if cfg.Catalog == "" {
		rooms.Define(catalog.BehaviorRelay, room.Relay(), room.TypeOptions{})
		rooms.Define(catalog.BehaviorLobby, room.Lobby(insp), room.TypeOptions{})
		return nil
	}
	c, err := catalog.LoadFromFile(cfg.Catalog)
	if err != nil {
		return err
	}
	if err := c.Install(rooms, builders); err != nil {
		return fmt.Errorf("installing catalog: %w", err)
	}
	return nil
}
