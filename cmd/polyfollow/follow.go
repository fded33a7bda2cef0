package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/polyfollow/config"
	"github.com/alejandrodnm/polyfollow/internal/adapters/notify"
	"github.com/alejandrodnm/polyfollow/internal/adapters/polymarket"
	"github.com/alejandrodnm/polyfollow/internal/adapters/storage"
	"github.com/alejandrodnm/polyfollow/internal/application/engine"
	"github.com/alejandrodnm/polyfollow/internal/follower"
	"github.com/alejandrodnm/polyfollow/internal/metrics"
	"github.com/alejandrodnm/polyfollow/internal/pricefeed"
	"github.com/alejandrodnm/polyfollow/internal/shockguard"
)

type runOptions struct {
	configPath string
	token      string
	size       float64
	maxPrice   float64
	floor      float64
	sellOnly   bool
	entry      float64
	table      bool
	noWait     bool
}

// runFollow wires the adapters, the feed, the guard and the followers, then
// runs one position (or one exit) to completion.
func runFollow(ctx context.Context, cfg *config.Config, opts runOptions) error {
	if cfg.API.PrivateKey == "" {
		return errors.New("POLY_PRIVATE_KEY is not set")
	}
	log := slog.Default()

	rec := metrics.New()
	if cfg.Metrics.Addr != "" {
		metrics.Serve(ctx, cfg.Metrics.Addr, rec)
		log.Info("metrics: serving", "addr", cfg.Metrics.Addr)
	}

	auth, err := polymarket.NewAuthClient(cfg.API.CLOBBase, cfg.API.PrivateKey,
		polymarket.WithClientLogger(log))
	if err != nil {
		return fmt.Errorf("auth client: %w", err)
	}
	trading, err := polymarket.NewTradingClient(auth, cfg.API.RPCURL)
	if err != nil {
		return fmt.Errorf("trading client: %w", err)
	}
	defer trading.Close()

	if err := auth.EnsureCreds(ctx); err != nil {
		return fmt.Errorf("derive api key: %w", err)
	}
	log.Info("authenticated", "address", auth.Address())

	if cfg.API.RPCURL != "" {
		if bal, err := trading.CollateralBalance(ctx); err == nil {
			log.Info("collateral balance", "usdc", bal)
		} else {
			log.Warn("collateral balance unavailable", "err", err)
		}
	} else {
		log.Warn("no rpc_url configured: position probes and buy reconciliation are disabled")
	}

	journal, err := storage.NewSQLiteJournal(cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("open journal %q: %w", cfg.Storage.DSN, err)
	}
	defer journal.Close()

	feedOpts := []pricefeed.Option{pricefeed.WithLogger(log), pricefeed.WithMetrics(rec)}
	if cfg.Feed.WSEnabled {
		stream := polymarket.NewMarketStream(cfg.API.WSBase,
			polymarket.WithStreamLogger(log),
			polymarket.WithQuoteMaxAge(cfg.Feed.QuoteMaxAge.Duration()),
			polymarket.WithPingInterval(cfg.Feed.WSPing.Duration()))
		if err := stream.Subscribe(opts.token); err != nil {
			return fmt.Errorf("subscribe market stream: %w", err)
		}
		go func() {
			if err := stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("feed: market stream stopped", "err", err)
			}
		}()
		feedOpts = append(feedOpts, pricefeed.WithPush(stream))
	}
	feed := pricefeed.New(trading, cfg.Feed.PriceFeed(), feedOpts...)

	guards := shockguard.NewSet(cfg.ShockGuard.Guard(),
		shockguard.WithLogger(log), shockguard.WithMetrics(rec))
	go func() {
		err := config.Watch(ctx, opts.configPath, log, func(c *config.Config) {
			guards.SetConfig(c.ShockGuard.Guard())
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("config: watch stopped", "err", err)
		}
	}()

	followerOpts := []follower.Option{follower.WithLogger(log), follower.WithMetrics(rec)}
	if cfg.API.RPCURL != "" {
		followerOpts = append(followerOpts, follower.WithPosition(trading))
	}
	buyer := follower.NewBuyer(trading, feed, cfg.Buy.Follower(), followerOpts...)
	seller := follower.NewSeller(trading, feed, cfg.Sell.Follower(), followerOpts...)

	eng := engine.New(feed, guards, buyer, seller, cfg.Engine.Engine(),
		engine.WithJournal(journal), engine.WithLogger(log))

	if !opts.noWait && !abortWindow(ctx, opts) {
		log.Info("aborted by user")
		return nil
	}

	console := notify.NewConsole(opts.table)
	var out engine.Outcome
	if opts.sellOnly {
		out, err = eng.Sell(ctx, follower.SellRequest{
			TokenID:    opts.token,
			Size:       opts.size,
			EntryPrice: opts.entry,
			Floor:      opts.floor,
		})
	} else {
		out, err = eng.Run(ctx, engine.Request{
			TokenID:  opts.token,
			Size:     opts.size,
			MaxPrice: opts.maxPrice,
			Floor:    opts.floor,
		})
		console.PrintResult(out.Buy)
	}
	if out.Sell != nil {
		console.PrintResult(*out.Sell)
	}
	log.Info("run journaled", "run", out.RunID, "dsn", cfg.Storage.DSN)
	return err
}

// abortWindow gives the operator 5 seconds to cancel before real orders go out.
func abortWindow(ctx context.Context, opts runOptions) bool {
	action := fmt.Sprintf("BUY %.2f shares then follow the ask out", opts.size)
	if opts.sellOnly {
		action = fmt.Sprintf("SELL %.2f shares", opts.size)
	}
	fmt.Printf("\n⚠️  LIVE TRADING: REAL MONEY\n")
	fmt.Printf("   %s of %s\n", action, opts.token)
	fmt.Printf("   Press Ctrl+C within 5 seconds to abort...\n\n")

	t := time.NewTimer(5 * time.Second)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
