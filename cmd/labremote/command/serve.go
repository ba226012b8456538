package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"labremote/internal/api"
	"labremote/internal/config"
	"labremote/internal/network"
	"labremote/internal/presence"
	"labremote/internal/protocol"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator",
	Long: `Accept workstation connections on LISTEN_PORT and expose the admin API on
HTTP_PORT. Presence is mirrored to Redis when REDIS_URL is set and session
history is kept in Postgres when DATABASE_URL is set.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := network.NewEventBus(logger)
	hosts := presence.NewHostDirectory()
	bus.Subscribe(hosts)
	bus.Subscribe(coordinatorLog(logger))

	recorder := openRecorder(cfg, logger)
	bus.Subscribe(recorder)

	var history api.SessionHistory
	store := openSessionStore(cfg, logger)
	if store != nil {
		bus.Subscribe(store)
		history = store
	}

	registry := network.NewRegistry(bus, network.RegistryOptions{
		Logger:            logger,
		HeartbeatInterval: cfg.HeartbeatInterval,
		AcceptRate:        rate.Limit(cfg.AcceptRate),
	})

	authority, err := api.NewTokenAuthority(cfg.JWTSecret)
	if err != nil {
		return err
	}
	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.NewClientHandler(registry, hosts, history, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           api.NewRouter(handler, authority, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("starting_coordinator",
		"listen_port", cfg.ListenPort,
		"http_port", cfg.HTTPPort,
		"heartbeat_interval", cfg.HeartbeatInterval.String(),
		"redis", recorder != nil,
		"session_history", store != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := registry.ListenAndServe(gctx, fmt.Sprintf(":%d", cfg.ListenPort))
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("received_shutdown_signal")

	err = multierr.Combine(err, registry.Close(), recorder.Close())
	if store != nil {
		err = multierr.Append(err, store.Close())
	}
	if err == nil {
		logger.Info("coordinator_stopped_gracefully")
	}
	return err
}

// openRecorder returns nil when Redis is not configured or not reachable.
func openRecorder(cfg *config.Config, logger *slog.Logger) *presence.RedisRecorder {
	if cfg.RedisURL == "" {
		return nil
	}
	recorder, err := presence.NewRedisRecorder(cfg.RedisURL, logger)
	if err != nil {
		logger.Warn("presence_disabled", "error", err.Error())
		return nil
	}
	return recorder
}

func openSessionStore(cfg *config.Config, logger *slog.Logger) *presence.SessionStore {
	if cfg.DatabaseURL == "" {
		return nil
	}
	store, err := presence.OpenSessionStore(cfg.DatabaseURL, logger)
	if err != nil {
		logger.Warn("session_history_disabled", "error", err.Error())
		return nil
	}
	return store
}

// coordinatorLog records what workstations report back.
func coordinatorLog(logger *slog.Logger) *network.ObserverFuncs {
	return &network.ObserverFuncs{
		Packet: func(p protocol.DataPacket, identity string) {
			switch p.Tag {
			case protocol.TagAppStateChange:
				logger.Info("app_state_changed",
					"identity", identity,
					"state", fmt.Sprint(p.Payload),
				)
			case protocol.TagHostInfo:
				if info, ok := p.Payload.(protocol.HostInfo); ok {
					logger.Info("host_announced",
						"identity", identity,
						"host_name", info.HostName,
					)
				}
			case protocol.TagMessage:
				logger.Info("message_received",
					"identity", identity,
					"text", fmt.Sprint(p.Payload),
				)
			}
		},
	}
}
