package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"chatgrid/gateway/internal/bridge"
	"chatgrid/gateway/internal/codec"
	"chatgrid/gateway/internal/config"
	"chatgrid/gateway/internal/history"
	httpapi "chatgrid/gateway/internal/http"
	"chatgrid/gateway/internal/logging"
	"chatgrid/gateway/internal/retry"
	"chatgrid/gateway/internal/rooms"
	"chatgrid/gateway/internal/rpc"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.L().Error("invalid configuration", logging.Error(err))
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		logging.L().Error("logger setup failed", logging.Error(err))
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("gateway exited", logging.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A broken wire schema can never recover at runtime; refuse to start.
	schemaVersion, err := codec.SchemaVersion()
	if err != nil {
		return fmt.Errorf("wire schema unavailable: %w", err)
	}
	logger.Info("wire schema loaded", logging.Int64("schema_version", int64(schemaVersion)))

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer rdb.Close()

	opts := []GatewayOption{
		WithCounter(rooms.NewRedisCounter(rdb, "")),
		WithHistory(history.NewRedisRecorder(rdb, cfg.HistoryLimit)),
	}
	if cfg.AuthSecret != "" {
		authenticator, err := newHMACWebsocketAuthenticator(cfg.AuthSecret)
		if err != nil {
			return err
		}
		opts = append(opts, WithAuthenticator(authenticator))
	} else {
		logger.Warn("no auth secret configured, admitting all connections")
	}

	roomBridge := bridge.New(bridge.Options{
		Broker:  bridge.NewRedisBroker(rdb),
		Logger:  logger,
		Backoff: retry.NewPolicy(cfg.BackoffBase, cfg.BackoffMax),
	})
	opts = append(opts, WithPublisher(roomBridge))

	gateway := NewGateway(cfg, logger, opts...)
	defer gateway.Close()

	// The bridge replays cross-process frames straight into local delivery.
	roomBridge.SetLocal(gateway.Router())
	go roomBridge.Run(ctx)

	registerDefaultHandlers(gateway)

	if err := rdb.Ping(ctx).Err(); err != nil {
		// Degraded but serviceable: local delivery keeps working.
		logger.Warn("redis unreachable at startup", logging.Error(err))
		gateway.SetStartupError(err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gateway.ServeWS)
	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:       logger,
		Readiness:    gateway,
		Delivery:     gateway.Deliveries(),
		Failover:     roomBridge.FailedOver,
		Disconnector: gateway,
		AdminToken:   cfg.AdminToken,
		RateLimiter:  httpapi.NewSlidingWindowLimiter(time.Minute, 10, nil),
	})
	handlers.Register(mux)

	server := &http.Server{
		Addr:    cfg.Address,
		Handler: logging.HTTPTraceMiddleware(logger)(mux),
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gateway listening", logging.String("addr", cfg.Address))
		var err error
		if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
			err = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if cfg.GRPCAddr != "" {
		grpcServer, err := startCollaboratorServer(cfg, logger, gateway)
		if err != nil {
			return err
		}
		defer grpcServer.GracefulStop()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// registerDefaultHandlers wires the built-in collaborator handlers: messaging,
// typing and presence envelopes fan back out to the sender's room.
func registerDefaultHandlers(gateway *Gateway) {
	rebroadcast := func(connID string, env *codec.Envelope) {
		if env.RoomID == "" {
			return
		}
		if err := gateway.BroadcastEnvelope(context.Background(), env); err != nil {
			logging.L().Warn("broadcast failed",
				logging.String("conn_id", connID),
				logging.String("room_id", env.RoomID),
				logging.Error(err))
		}
	}
	for _, kind := range []codec.Kind{codec.KindMessaging, codec.KindTyping, codec.KindPresence} {
		if err := gateway.RegisterHandler(kind, rebroadcast); err != nil {
			logging.L().Error("handler registration failed",
				logging.String("kind", string(kind)), logging.Error(err))
		}
	}
}

func startCollaboratorServer(cfg *config.Config, logger *logging.Logger, gateway *Gateway) (*grpc.Server, error) {
	opts, err := rpc.ServerOptions(cfg, logger)
	if err != nil {
		return nil, err
	}
	listener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return nil, err
	}
	server := grpc.NewServer(opts...)
	rpc.Register(server, rpc.NewService(gateway.Router(), gateway.Rooms(), logger))
	go func() {
		logger.Info("collaborator API listening", logging.String("addr", cfg.GRPCAddr))
		if err := server.Serve(listener); err != nil {
			logger.Error("collaborator API stopped", logging.Error(err))
		}
	}()
	return server, nil
}
