package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alejandrodnm/polyfollow/config"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	token := flag.String("token", "", "CLOB token id to trade")
	size := flag.Float64("size", 0, "target position in shares")
	maxPrice := flag.Float64("max-price", 0, "highest bid the buyer may follow (overrides buy.price_cap)")
	floor := flag.Float64("floor", 0, "explicit sell floor (default: entry + sell.spread_floor_bps)")
	sellOnly := flag.Bool("sell-only", false, "exit an existing position of -size shares")
	entry := flag.Float64("entry", 0, "average entry price of the position (with -sell-only)")
	history := flag.Bool("history", false, "print the journaled runs for -token and exit")
	table := flag.Bool("table", false, "list every order placed under each result")
	noWait := flag.Bool("yes", false, "skip the 5 second abort window before trading")
	verbose := flag.Bool("verbose", false, "set log level to debug")
	logFormat := flag.String("format", "", "log format: text|json (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err, "path", *configPath)
		os.Exit(1)
	}

	if *verbose {
		cfg.Log.Level = "debug"
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	setupLogger(cfg.Log)

	if *token == "" {
		slog.Error("-token is required")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *history {
		if err := printHistory(ctx, cfg, *token, *table); err != nil {
			slog.Error("history failed", "err", err)
			os.Exit(1)
		}
		return
	}

	if *size <= 0 {
		slog.Error("-size must be positive")
		os.Exit(2)
	}
	if *sellOnly && *entry <= 0 && *floor <= 0 {
		slog.Error("-sell-only needs -entry or -floor")
		os.Exit(2)
	}

	slog.Info("polyfollow starting",
		"config", *configPath,
		"token", *token,
		"size", *size,
		"max_price", *maxPrice,
		"sell_only", *sellOnly,
		"ws", cfg.Feed.WSEnabled,
		"sell_mode", cfg.Sell.Mode,
		"guard", cfg.ShockGuard.Enabled,
	)

	opts := runOptions{
		configPath: *configPath,
		token:      *token,
		size:       *size,
		maxPrice:   *maxPrice,
		floor:      *floor,
		sellOnly:   *sellOnly,
		entry:      *entry,
		table:      *table,
		noWait:     *noWait,
	}
	if err := runFollow(ctx, cfg, opts); err != nil {
		slog.Error("polyfollow exited with error", "err", err)
		os.Exit(1)
	}

	slog.Info("polyfollow stopped cleanly")
}

func setupLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
