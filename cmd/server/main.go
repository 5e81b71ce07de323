package main

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

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/manpreetbhatti/rendezvous/backend/internal/api"
	"github.com/manpreetbhatti/rendezvous/backend/internal/config"
	"github.com/manpreetbhatti/rendezvous/backend/internal/db"
	"github.com/manpreetbhatti/rendezvous/backend/internal/dynamo"
	"github.com/manpreetbhatti/rendezvous/backend/internal/events"
	"github.com/manpreetbhatti/rendezvous/backend/internal/ratelimit"
	"github.com/manpreetbhatti/rendezvous/backend/internal/reaper"
	"github.com/manpreetbhatti/rendezvous/backend/internal/room"
	"github.com/manpreetbhatti/rendezvous/backend/internal/store"
	"github.com/manpreetbhatti/rendezvous/backend/internal/ws"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "rendezvous",
	Short: "WebRTC signaling server",
	Long: `rendezvous pairs a caller with a callee and relays their session
descriptions and ICE candidates until they can talk directly.

Settings come from flags, RENDEZVOUS_* environment variables and an optional
config file (rendezvous.yaml in the working directory by default).`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile, cmd.Flags())
		if err != nil {
			return err
		}

		logger, closer, err := config.NewLogger(cfg)
		if err != nil {
			return err
		}
		defer closer.Close()
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return run(ctx, cfg, logger)
	},
}

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "path to a config file")
	rootCmd.Flags().String("listen", ":8080", "address to listen on")
	rootCmd.Flags().String("log-level", "info", "log level (none, error, warn, info, debug)")
	rootCmd.Flags().String("store", config.BackendNone, "room store for the REST binding (none, sqlite, dynamodb)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if st != nil {
		defer st.Close()
	}

	publisher, closePublisher, err := openPublisher(cfg, logger)
	if err != nil {
		return fmt.Errorf("connect events broker: %w", err)
	}
	defer closePublisher()

	hub := ws.NewHub(room.NewRegistry(), publisher, logger)
	go hub.Run()
	defer hub.Stop()

	sweeper := reaper.New(hub.Coordinator(), st, reaper.Config{
		Interval:   cfg.SweepInterval,
		StaleAfter: cfg.StaleAfter,
	}, logger)
	sweeper.Start()
	defer sweeper.Stop()

	limiters := ratelimit.NewClientLimiters(cfg.APIRequestsPerSecond, cfg.APIBurst)
	defer limiters.Stop()

	mux := http.NewServeMux()
	mux.Handle("/ws", ws.Handler(hub, ws.Options{
		AllowedOrigins:    cfg.AllowedOrigins,
		MessagesPerSecond: cfg.MessagesPerSecond,
		MessageBurst:      cfg.MessageBurst,
	}))
	api.New(hub, st, api.Options{
		ICEServers: toICEServers(cfg.ICEServers),
		Limiters:   limiters,
	}, logger).Routes(mux)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.CORS(cfg.AllowedOrigins, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("rendezvous server starting",
		"addr", cfg.ListenAddr,
		"store", cfg.Store.Backend,
		"stale_after", cfg.StaleAfter,
	)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server exited: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server exited after shutdown: %w", err)
	}
	return nil
}

// openStore returns nil when the REST binding has no backend configured.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendSQLite:
		return db.New(cfg.Store.SQLitePath, logger)
	case config.BackendDynamoDB:
		return dynamo.New(ctx, dynamo.Options{
			Table:    cfg.Store.DynamoDBTable,
			Region:   cfg.Store.DynamoDBRegion,
			Endpoint: cfg.Store.DynamoDBEndpoint,
			TTL:      cfg.Store.DynamoDBTTL,
		})
	default:
		return nil, nil
	}
}

func openPublisher(cfg *config.Config, logger *slog.Logger) (events.Publisher, func(), error) {
	if cfg.Events.MQTTBroker == "" {
		return events.Nop{}, func() {}, nil
	}

	clientID := "rendezvous-" + uuid.NewString()[:8]
	p, err := events.NewMQTTPublisher(cfg.Events.MQTTBroker, clientID, cfg.Events.MQTTTopicPrefix, logger)
	if err != nil {
		return nil, nil, err
	}
	return p, p.Close, nil
}

func toICEServers(servers []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
		}
		out = append(out, server)
	}
	return out
}
