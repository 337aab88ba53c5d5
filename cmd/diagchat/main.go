package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/user/diagchat/internal/auth"
	"github.com/user/diagchat/internal/chat"
	"github.com/user/diagchat/internal/config"
	"github.com/user/diagchat/internal/gateway"
	"github.com/user/diagchat/internal/realtime"
	"github.com/user/diagchat/internal/state"
	"github.com/user/diagchat/internal/types"
	"github.com/user/diagchat/internal/workshop"
	"github.com/user/diagchat/pkg/api"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "diagchat",
	Short:         "Terminal client for the workshop diagnostics assistant",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(loadConfig())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config",
		filepath.Join(os.Getenv("HOME"), ".diagchat", "config.json"), "config file path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads the config file or exits; every command needs it.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// app holds the session layer shared by every command.
type app struct {
	cfg       *config.Config
	store     types.StateStore
	closers   []func() error
	auth      *auth.Authority
	gw        *gateway.Gateway
	api       *api.Client
	workshops *workshop.Context
}

func newApp(ctx context.Context) (*app, error) {
	cfg := loadConfig()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s (fix with `diagchat config set`): %w", cfgPath, err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	a := &app{cfg: cfg}
	switch cfg.Storage.Driver {
	case "sqlite":
		store, err := state.NewSQLiteStore(filepath.Join(cfg.DataDir, "state.db"))
		if err != nil {
			return nil, err
		}
		a.store = store
		a.closers = append(a.closers, store.Close)
	case "", "file":
		a.store = state.NewFileStore(filepath.Join(cfg.DataDir, "state"))
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	a.auth = auth.New(a.store)
	a.auth.Load(ctx)

	a.gw = gateway.New(gateway.Config{
		BaseURL:       cfg.API.BaseURL,
		Timeout:       cfg.Timeout(),
		MaxConcurrent: int64(cfg.API.MaxConcurrent),
	}, a.auth)
	a.api = api.New(a.gw)
	a.auth.SetRefresher(a.api)

	a.workshops = workshop.New(a.store)
	a.workshops.Load(ctx)

	slog.Debug("session layer ready",
		"data_dir", cfg.DataDir,
		"api", cfg.API.BaseURL,
		"storage", cfg.Storage.Driver,
		"authenticated", a.auth.Authenticated(),
	)
	return a, nil
}

func (a *app) Close() {
	for _, fn := range a.closers {
		if err := fn(); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

func (a *app) requireAuth() error {
	if !a.auth.Authenticated() {
		return fmt.Errorf("not logged in (run `diagchat login`)")
	}
	return nil
}

func (a *app) directory() *chat.Directory {
	return chat.NewDirectory(a.api, a.workshops)
}

func (a *app) estimator() chat.Estimator {
	if a.cfg.Chat.Estimator != "tiktoken" {
		return chat.HeuristicEstimator{}
	}
	est, err := chat.NewTiktokenEstimator(a.cfg.Chat.Model)
	if err != nil {
		slog.Warn("tokenizer unavailable, using heuristic estimate", "error", err)
		return chat.HeuristicEstimator{}
	}
	return est
}

// coordinator builds the realtime channel and the conversation coordinator.
func (a *app) coordinator() *chat.Coordinator {
	channel := realtime.New(realtime.Config{
		BaseURL: a.gw.BaseURL(),
		Backoff: realtime.Backoff{
			MaxAttempts: a.cfg.Realtime.MaxAttempts,
			BaseDelay:   time.Duration(a.cfg.Realtime.BaseDelayMS) * time.Millisecond,
			MaxDelay:    time.Duration(a.cfg.Realtime.MaxDelayMS) * time.Millisecond,
		},
	}, a.auth)
	return chat.New(chat.Config{
		Backend:      a.api,
		Channel:      channel,
		Session:      a.auth,
		Workshops:    a.workshops,
		Estimator:    a.estimator(),
		TypingWindow: a.cfg.TypingWindow(),
	})
}

// withApp runs fn with a ready app and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
