package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/oakheartlabs/treechat/pkg/chat"
	"github.com/oakheartlabs/treechat/pkg/chat/provider"
	"github.com/oakheartlabs/treechat/pkg/config"
	"github.com/oakheartlabs/treechat/pkg/conversation/convstore"
	"github.com/oakheartlabs/treechat/pkg/server"
	"github.com/oakheartlabs/treechat/pkg/streambackend"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "treechat",
		Short: "Branched-conversation chat server with websocket streaming",
	}
	rootCmd.AddCommand(newServeCommand())
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	var (
		configPath   string
		addr         string
		dbPath       string
		redisEnabled bool
		redisAddr    string
		logLevel     string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the websocket chat API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("db") {
				cfg.Storage.Path = dbPath
			}
			if cmd.Flags().Changed("redis-enabled") {
				cfg.Redis.Enabled = redisEnabled
			}
			if cmd.Flags().Changed("redis-addr") {
				cfg.Redis.Addr = redisAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Logging.Level = logLevel
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to YAML config file")
	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&dbPath, "db", "", "SQLite database file (in-memory store when empty)")
	cmd.Flags().BoolVar(&redisEnabled, "redis-enabled", false, "Carry client streams over Redis Streams")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "localhost:6379", "Redis address host:port")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	if err := config.SetupLogging(cfg.Logging.Level); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	backend, err := streambackend.New(cfg.Redis)
	if err != nil {
		return errors.Wrap(err, "build stream backend")
	}
	defer func() { _ = backend.Close() }()

	estimator, err := provider.NewUsageEstimator()
	if err != nil {
		log.Warn().Err(err).Msg("token usage estimation disabled")
	}

	registry := chat.NewRegistry()
	canceller := chat.NewCanceller()
	orchestrator, err := chat.NewOrchestrator(chat.OrchestratorConfig{
		Store:           store,
		Canceller:       canceller,
		Publisher:       backend.Publisher(),
		Provider:        &provider.EchoProvider{Delay: time.Duration(cfg.Chat.EchoDelayMs) * time.Millisecond},
		Estimator:       estimator,
		SummaryMaxChars: cfg.Chat.SummaryMaxChars,
	})
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		BaseCtx:         ctx,
		Addr:            cfg.Server.Addr,
		Registry:        registry,
		Canceller:       canceller,
		Orchestrator:    orchestrator,
		Store:           store,
		Backend:         backend,
		SummaryMaxChars: cfg.Chat.SummaryMaxChars,
	})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return err
	}
	defer srv.Stop()

	httpServer := srv.BuildHTTPServer()
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Bool("redis", cfg.Redis.Enabled).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func buildStore(cfg config.StorageConfig) (convstore.Store, error) {
	if cfg.DSN != "" {
		return convstore.NewSQLiteStore(cfg.DSN)
	}
	if cfg.Path != "" {
		dsn, err := convstore.SQLiteDSNForFile(cfg.Path)
		if err != nil {
			return nil, err
		}
		return convstore.NewSQLiteStore(dsn)
	}
	log.Info().Msg("no storage configured, using in-memory conversation store")
	return convstore.NewMemoryStore(), nil
}
