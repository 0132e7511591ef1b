package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/roach88/weave/internal/config"
	"github.com/roach88/weave/internal/relay"
	"github.com/roach88/weave/internal/store"
	"github.com/roach88/weave/internal/store/pgstore"
	"github.com/roach88/weave/internal/version"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ConfigPath string
	EnvFile    string
	Listen     string
	Database   string
	PGURL      string
	RedisURL   string
	NodeID     string
}

const shutdownTimeout = 10 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long: `Run the relay: websocket sessions at /docs/{doc}/ws and the version
REST endpoints under /docs/{doc}/versions.

Settings come from the CUE config file, then the environment (WEAVE_*),
then flags. A .env file is loaded into the environment first when present.

Examples:
  weave serve --db ./weave.db
  weave serve --config relay.cue --redis-url redis://localhost:6379/0
  weave serve --pg-url postgres://weave@localhost/weave --node-id relay-a`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to CUE config file")
	cmd.Flags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before reading WEAVE_* variables")
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().StringVar(&opts.PGURL, "pg-url", "", "PostgreSQL connection URL (overrides config)")
	cmd.Flags().StringVar(&opts.RedisURL, "redis-url", "", "Redis URL for multi-node fanout and presence")
	cmd.Flags().StringVar(&opts.NodeID, "node-id", "", "relay node id (overrides config)")
	cmd.MarkFlagsMutuallyExclusive("db", "pg-url")

	return cmd
}

// resolveConfig layers the config file, the environment and the flags.
func (o *ServeOptions) resolveConfig(getenv func(string) string) (*config.Config, error) {
	if o.EnvFile != "" {
		if err := godotenv.Load(o.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, WrapExitError(ExitCommandError, "failed to load env file", err)
		}
	}
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	cfg.ApplyEnv(getenv)

	if o.Listen != "" {
		cfg.Listen = o.Listen
	}
	if o.NodeID != "" {
		cfg.NodeID = o.NodeID
	}
	if o.Database != "" {
		cfg.Store.Driver = "sqlite"
		cfg.Store.Path = o.Database
	}
	if o.PGURL != "" {
		cfg.Store.Driver = "postgres"
		cfg.Store.URL = o.PGURL
	}
	if o.RedisURL != "" {
		cfg.RedisURL = o.RedisURL
	}
	if o.Verbose {
		cfg.Log.Level = slog.LevelDebug
	}
	return cfg, nil
}

func serveLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: cfg.Log.Level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

func openConfiguredStore(ctx context.Context, cfg config.Store) (docStore, error) {
	if cfg.Driver == "postgres" {
		return pgstore.Open(ctx, cfg.URL)
	}
	return store.Open(cfg.Path)
}

// relayOptions translates the resolved config into relay options.
func relayOptions(cfg *config.Config, logger *slog.Logger) []relay.Option {
	return []relay.Option{
		relay.WithLogger(logger),
		relay.WithNodeID(cfg.NodeID),
		relay.WithSnapshotPolicy(version.Policy{EveryOps: cfg.Snapshot.EveryOps, Interval: cfg.Snapshot.Interval}),
		relay.WithHeartbeat(cfg.Presence.Heartbeat, cfg.Presence.TimeoutMultiplier),
		relay.WithTick(cfg.Room.Tick),
		relay.WithRoomIdle(cfg.Room.Idle),
		relay.WithSendBuffer(cfg.Room.SendBuffer),
	}
}

func runServe(ctx context.Context, opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.resolveConfig(os.Getenv)
	if err != nil {
		return err
	}
	logger := serveLogger(cmd.ErrOrStderr(), cfg)

	st, err := openConfiguredStore(ctx, cfg.Store)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open store", err)
	}
	defer st.Close()

	relayOpts := relayOptions(cfg, logger)
	if cfg.RedisURL != "" {
		fanout, err := relay.OpenRedisFanout(ctx, cfg.RedisURL)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to connect fanout", err)
		}
		defer fanout.Close()
		liveness, err := relay.OpenRedisLiveness(ctx, cfg.RedisURL)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to connect presence store", err)
		}
		defer liveness.Close()
		relayOpts = append(relayOpts, relay.WithFanout(fanout), relay.WithLiveness(liveness))
	}

	srv := relay.New(st, relayOpts...)
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", cfg.Listen, "node", srv.NodeID(), "store", cfg.Store.Driver, "redis", cfg.RedisURL != "")
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitCommandError, fmt.Sprintf("failed to serve on %s", cfg.Listen), err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	return nil
}
