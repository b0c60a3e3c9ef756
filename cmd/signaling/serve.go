package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mossy-p/consult-signaling/config"
	"github.com/mossy-p/consult-signaling/internal/call"
	"github.com/mossy-p/consult-signaling/internal/chat"
	"github.com/mossy-p/consult-signaling/internal/coordinator"
	"github.com/mossy-p/consult-signaling/internal/handlers"
	"github.com/mossy-p/consult-signaling/internal/keylock"
	"github.com/mossy-p/consult-signaling/internal/presence"
	"github.com/mossy-p/consult-signaling/internal/redis"
	"github.com/mossy-p/consult-signaling/internal/session"
	"github.com/mossy-p/consult-signaling/internal/signaling"
	"github.com/mossy-p/consult-signaling/internal/store"
	"github.com/mossy-p/consult-signaling/internal/store/memory"
	"github.com/mossy-p/consult-signaling/internal/store/mongo"
	"github.com/mossy-p/consult-signaling/internal/store/redisstore"
	"github.com/mossy-p/consult-signaling/internal/store/sqlite"
)

const (
	registryShards  = 64
	shutdownTimeout = 10 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and websocket server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level, cfg.IsProduction())

	backends, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer backends.close()

	writer := store.NewWriter(cfg.Writer.Workers, cfg.Writer.Queue, cfg.Writer.Timeout)
	rooms := session.NewRegistry("rooms", registryShards)
	locks := keylock.New(keylock.DefaultStripes)
	typing := presence.NewTracker(rooms, presence.WithWindow(cfg.Typing.Window))
	calls := call.NewManager(session.NewRegistry("calls", registryShards), locks, backends.access, backends.calls, writer,
		call.WithHistoryLimit(cfg.History.CallLimit))
	co := coordinator.New(coordinator.Deps{
		Rooms:       rooms,
		Locks:       locks,
		Access:      backends.access,
		Typing:      typing,
		Chat:        chat.NewRelay(rooms, typing, backends.messages, writer),
		Calls:       calls,
		Signals:     signaling.NewRelay(calls),
		Mirror:      backends.mirror,
		Writer:      writer,
		RoomHistory: cfg.History.RoomLimit,
	})

	gateway := handlers.NewGateway(co, cfg.WS)
	router := handlers.NewRouter(handlers.RouterDeps{
		AllowedOrigins: cfg.AllowedOrigins,
		JWTSecret:      cfg.JWTSecret,
		Production:     cfg.IsProduction(),
		Coordinator:    co,
		Calls:          calls,
		Records:        backends.calls,
		Access:         backends.admin,
		Gateway:        gateway,
		ICEServers:     handlers.NewICEServers(cfg.ICEServers),
	})

	addr := ":" + cfg.Port
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}

	// The writer outlives the HTTP server so disconnects during shutdown
	// still get persisted.
	writerCtx, stopWriter := context.WithCancel(context.Background())
	defer stopWriter()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return writer.Run(writerCtx)
	})
	g.Go(func() error {
		return typing.Run(gctx, cfg.Typing.Sweep)
	})
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("store", cfg.Store.Driver).Str("access", cfg.Access.Mode).Msg("signaling server started")
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		err := srv.Shutdown(shutdownCtx)
		// every disconnect must be queued before the writer drains
		if gwErr := gateway.Shutdown(shutdownCtx); gwErr != nil {
			log.Warn().Err(gwErr).Msg("websocket connections did not close in time")
		}
		stopWriter()
		if err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info().Msg("server exited gracefully")
	return nil
}

// backends are the stores selected by configuration.
type backends struct {
	messages store.MessageStore
	calls    store.CallStore
	access   store.AccessChecker
	admin    store.AccessAdmin
	mirror   store.PresenceMirror
	closers  []func() error
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			log.Warn().Err(err).Msg("failed to close backend")
		}
	}
}

func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	b := &backends{mirror: store.NopMirror{}}
	var (
		grants interface {
			store.AccessChecker
			store.AccessAdmin
		}
		rs *redisstore.Store
	)

	if cfg.Redis.Enabled {
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, client.Close)
		rs = redisstore.New(client)
		b.mirror = rs
		log.Info().Str("addr", cfg.Redis.Host+":"+cfg.Redis.Port).Msg("Redis connection established")
	}

	switch cfg.Store.Driver {
	case config.DriverMemory:
		st := memory.New()
		b.messages, b.calls, grants = st, st, st
		if rs != nil {
			b.calls = rs
		}
	case config.DriverSQLite:
		st, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, st.Close)
		b.messages, b.calls, grants = st, st, st
	case config.DriverMongo:
		st, err := mongo.Connect(ctx, mongo.Config{URI: cfg.Mongo.URI, Database: cfg.Mongo.Database, Timeout: cfg.Mongo.Timeout})
		if err != nil {
			b.close()
			return nil, err
		}
		b.closers = append(b.closers, func() error { return st.Close(context.Background()) })
		b.messages, b.calls = st, st
	}

	switch cfg.Access.Mode {
	case config.AccessOpen:
		b.access = store.AllowAll{}
	case config.AccessRedis:
		b.access, b.admin = rs, rs
	case config.AccessStore:
		if grants == nil {
			b.close()
			return nil, fmt.Errorf("access.mode store is not supported by store.driver %s", cfg.Store.Driver)
		}
		b.access, b.admin = grants, grants
	}
	return b, nil
}
