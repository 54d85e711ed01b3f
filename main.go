// Command shodan is the chat bot process.
// It:
//   - Loads configuration from flags, .env, an optional YAML file and the
//     environment, and initializes structured logging.
//   - Connects to Postgres and runs migrations when DB_DSN is set, enabling
//     the chat log and the refresh-token store.
//   - Runs the primary IRC connection, the optional whisper connection and
//     the shared keepalive driver.
//   - Exposes /healthz, /readyz, /status and /metrics over HTTP.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/shodan/bot"
	"github.com/onnwee/shodan/chat"
	"github.com/onnwee/shodan/command"
	"github.com/onnwee/shodan/config"
	"github.com/onnwee/shodan/credentials"
	"github.com/onnwee/shodan/db"
	"github.com/onnwee/shodan/irc"
	"github.com/onnwee/shodan/server"
	"github.com/onnwee/shodan/telemetry"
)

const version = "0.1.0"

func main() {
	configPath := pflag.StringP("config", "c", "", "YAML config file (default $SHODAN_CONFIG)")
	envFile := pflag.String("env-file", ".env", "dotenv file loaded before reading the environment")
	httpAddr := pflag.String("http-addr", "", "HTTP listen address (overrides HTTP_ADDR)")
	pflag.Parse()

	// .env is a local dev convenience; production relies on the real environment.
	_ = godotenv.Load(*envFile)

	setupLogging()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdown, err := telemetry.InitTracing("shodan", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("shodan stopped", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	var database *sql.DB
	if cfg.DBDsn != "" {
		var err error
		if database, err = db.Connect(ctx, cfg.DBDsn); err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.Migrate(database); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	} else {
		slog.Info("DB_DSN not set; chat log and token store disabled")
	}

	creds, err := newCredentials(ctx, cfg, database)
	if err != nil {
		return err
	}

	reg := command.NewRegistry[bot.CommandFunc]()
	bot.RegisterDefaults(reg)
	matcher := reg.Compile(cfg.CommandPrefix)
	slog.Debug("commands compiled", slog.Int("count", matcher.Len()), slog.String("grammar", matcher.String()))

	b := bot.New(bot.Options{
		Nick:           cfg.Nick,
		Channels:       cfg.Channels,
		Capabilities:   cfg.Capabilities,
		Credentials:    creds,
		Commands:       matcher,
		Recorder:       &chat.Recorder{DB: database},
		WhisperChannel: cfg.WhisperChannel,
	})

	clk := clockwork.NewRealClock()
	primary := irc.NewConn(irc.Options{
		Name:       "primary",
		Host:       cfg.Host,
		Port:       cfg.Port,
		Handlers:   b.Handlers(),
		Clock:      clk,
		MaxBackoff: cfg.MaxBackoff,
	})
	conns := []*irc.Conn{primary}
	var whisper *irc.Conn
	if cfg.WhisperEnabled() {
		whisper = irc.NewConn(irc.Options{
			Name:       "whisper",
			Host:       cfg.WhisperHost,
			Port:       cfg.WhisperPort,
			Handlers:   b.WhisperHandlers(),
			Clock:      clk,
			MaxBackoff: cfg.MaxBackoff,
		})
		conns = append(conns, whisper)
	}
	b.Attach(primary, whisper)

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range conns {
		g.Go(func() error { return c.Run(gctx) })
	}
	if r, ok := creds.(*credentials.Refreshing); ok {
		g.Go(func() error { return r.Keep(gctx, clk, 5*time.Minute, 15*time.Minute) })
	}
	ka := &irc.Keepalive{Clock: clk, Period: cfg.PingPeriod, Timeout: cfg.PongTimeout}
	g.Go(func() error { return ka.Run(gctx, conns...) })
	g.Go(func() error {
		return server.Start(gctx, cfg.HTTPAddr, server.NewMux(server.Options{
			Primary:    primary,
			Conns:      conns,
			DB:         database,
			AdminToken: cfg.AdminToken,
		}))
	})

	slog.Info("shodan started",
		slog.String("nick", cfg.Nick),
		slog.Any("channels", cfg.Channels),
		slog.Bool("whisper", whisper != nil),
		slog.Bool("chat_log", database != nil))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// newCredentials picks the PASS source: a static chat token when one is
// configured, the refresh flow otherwise.
func newCredentials(ctx context.Context, cfg *config.Config, database *sql.DB) (credentials.Source, error) {
	if !cfg.UsesRefresh() {
		return credentials.Static(cfg.OAuthToken), nil
	}
	var store *credentials.Store
	if database != nil {
		store = &credentials.Store{DB: database}
		if cfg.EncryptionKey != "" {
			sealer, err := credentials.NewSealer(cfg.EncryptionKey)
			if err != nil {
				return nil, err
			}
			store.Sealer = sealer
		}
	}
	src, err := credentials.NewRefreshing(ctx, credentials.RefreshOptions{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RefreshToken: cfg.RefreshToken,
		Store:        store,
	})
	if err != nil {
		return nil, fmt.Errorf("chat token refresh: %w", err)
	}
	return src, nil
}

// setupLogging configures the default logger from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}
