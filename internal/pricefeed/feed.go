// Package pricefeed resolves the best bid or ask of a token from a push
// source with a REST fallback. Backoff, streaks and precision caches are
// owned by one Feed and shared by every follower that holds it.
package pricefeed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/polyfollow/internal/domain"
	"github.com/alejandrodnm/polyfollow/internal/metrics"
	"github.com/alejandrodnm/polyfollow/internal/ports"
)

// BookSource is the REST capability the feed falls back to.
type BookSource interface {
	OrderBook(ctx context.Context, tokenID string) (domain.OrderBook, error)
}

// Config tunes the feed.
type Config struct {
	PushNoneFallback int           // consecutive push misses before REST
	BackoffBase      time.Duration // first wait after a REST failure
	BackoffCap       time.Duration
	RateLimitFloor   time.Duration // minimum wait after a 429
	NotFoundLimit    int           // consecutive 404s before ErrOrderbookNotFound
	NoneStreakExit   int           // consecutive misses before ErrPriceUnavailable, 0 disables
	LogEvery         time.Duration // backoff short-circuit log rate
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PushNoneFallback: 3,
		BackoffBase:      2 * time.Second,
		BackoffCap:       60 * time.Second,
		RateLimitFloor:   10 * time.Second,
		NotFoundLimit:    5,
		NoneStreakExit:   0,
		LogEvery:         60 * time.Second,
	}
}

type key struct {
	token string
	side  domain.BookSide
}

type backoffState struct {
	until   time.Time
	level   int
	lastErr string
	lastLog time.Time
}

// Feed is safe for concurrent use by many followers.
type Feed struct {
	rest    BookSource
	push    ports.QuoteSource
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	mu         sync.Mutex
	backoff    map[key]*backoffState
	pushMisses map[key]int
	noneStreak map[key]int
	notFound   map[string]int
	decimals   map[string]int
}

// Option configures a Feed.
type Option func(*Feed)

// WithPush sets the low-latency quote source consulted before REST.
func WithPush(q ports.QuoteSource) Option {
	return func(f *Feed) { f.push = q }
}

func WithLogger(l *slog.Logger) Option {
	return func(f *Feed) { f.log = l }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(f *Feed) { f.metrics = m }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(f *Feed) { f.now = now }
}

// New creates a Feed backed by rest.
func New(rest BookSource, cfg Config, opts ...Option) *Feed {
	if cfg.PushNoneFallback <= 0 {
		cfg.PushNoneFallback = 1
	}
	if cfg.NotFoundLimit <= 0 {
		cfg.NotFoundLimit = 5
	}
	f := &Feed{
		rest:       rest,
		cfg:        cfg,
		log:        slog.Default(),
		now:        time.Now,
		backoff:    make(map[key]*backoffState),
		pushMisses: make(map[key]int),
		noneStreak: make(map[key]int),
		notFound:   make(map[string]int),
		decimals:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Best returns the best price on one side of the token's book.
//
// ok=false with a nil error means "no price right now, retry later".
// A non-nil error is always fatal for the caller: it wraps
// domain.ErrOrderbookNotFound or domain.ErrPriceUnavailable.
func (f *Feed) Best(ctx context.Context, tokenID string, side domain.BookSide) (domain.PriceSample, bool, error) {
	k := key{token: tokenID, side: side}

	if f.push != nil {
		if s, ok := f.push.BestPrice(tokenID, side); ok && s.Price > 0 {
			f.mu.Lock()
			delete(f.pushMisses, k)
			delete(f.noneStreak, k)
			f.observeLocked(tokenID, s)
			f.mu.Unlock()
			f.metrics.PriceLookup("push", "hit")
			return s, true, nil
		}

		f.mu.Lock()
		f.pushMisses[k]++
		misses := f.pushMisses[k]
		f.mu.Unlock()
		f.metrics.PriceLookup("push", "miss")

		if misses < f.cfg.PushNoneFallback {
			return f.miss(k)
		}
	}

	s, ok, err := f.Direct(ctx, tokenID, side)
	if err != nil {
		return domain.PriceSample{}, false, err
	}
	if !ok {
		return f.miss(k)
	}

	f.mu.Lock()
	delete(f.noneStreak, k)
	f.mu.Unlock()
	return s, true, nil
}

// Quote returns both sides of the book. ok is false unless both resolved.
func (f *Feed) Quote(ctx context.Context, tokenID string) (bid, ask domain.PriceSample, ok bool, err error) {
	bid, okBid, err := f.Best(ctx, tokenID, domain.BookBid)
	if err != nil {
		return bid, ask, false, err
	}
	ask, okAsk, err := f.Best(ctx, tokenID, domain.BookAsk)
	if err != nil {
		return bid, ask, false, err
	}
	return bid, ask, okBid && okAsk, nil
}

// Direct resolves the price from REST only, bypassing the push source.
// It honours backoff and the not-found counter like Best does.
func (f *Feed) Direct(ctx context.Context, tokenID string, side domain.BookSide) (domain.PriceSample, bool, error) {
	k := key{token: tokenID, side: side}
	now := f.now()

	f.mu.Lock()
	if b, ok := f.backoff[k]; ok && now.Before(b.until) {
		shouldLog := b.lastLog.IsZero() || now.Sub(b.lastLog) >= f.cfg.LogEvery
		if shouldLog {
			b.lastLog = now
		}
		until, level, lastErr := b.until, b.level, b.lastErr
		f.mu.Unlock()

		if shouldLog {
			f.log.Info("feed: in backoff, skipping lookup",
				"token", tokenID, "side", side, "level", level,
				"retry_in", until.Sub(now).Round(time.Second), "last_err", lastErr)
		}
		f.metrics.PriceLookup("rest", "backoff")
		return domain.PriceSample{}, false, nil
	}
	f.mu.Unlock()

	book, err := f.rest.OrderBook(ctx, tokenID)
	if err != nil {
		f.metrics.PriceLookup("rest", "error")
		return domain.PriceSample{}, false, f.fail(k, err)
	}

	entry, found := book.Best(side)

	f.mu.Lock()
	if b, ok := f.backoff[k]; ok && b.level > 0 {
		f.log.Info("feed: lookup recovered", "token", tokenID, "side", side, "after_level", b.level)
	}
	delete(f.backoff, k)
	delete(f.notFound, tokenID)
	if dp, ok := domain.InferDecimals(book.TickSize); ok {
		f.observeDecimalsLocked(tokenID, dp)
	}
	var s domain.PriceSample
	if found {
		s = domain.SampleFromEntry(entry)
		f.observeLocked(tokenID, s)
	}
	f.mu.Unlock()

	if !found {
		f.metrics.PriceLookup("rest", "miss")
		return domain.PriceSample{}, false, nil
	}
	f.metrics.PriceLookup("rest", "hit")
	return s, true, nil
}

// Decimals returns the finest price precision observed for the token,
// domain.DefaultDecimals if none has been seen.
func (f *Feed) Decimals(tokenID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dp, ok := f.decimals[tokenID]; ok {
		return dp
	}
	return domain.DefaultDecimals
}

// fail records a REST failure. Only a persistent 404 is returned as an error.
func (f *Feed) fail(k key, err error) error {
	if domain.IsNotFound(err) {
		f.mu.Lock()
		f.notFound[k.token]++
		n := f.notFound[k.token]
		f.mu.Unlock()

		f.log.Warn("feed: orderbook not found", "token", k.token, "side", k.side, "consecutive", n, "limit", f.cfg.NotFoundLimit)
		if n >= f.cfg.NotFoundLimit {
			return fmt.Errorf("pricefeed.Best: token %s after %d lookups: %w", k.token, n, domain.ErrOrderbookNotFound)
		}
		return nil
	}

	now := f.now()
	rateLimited := domain.IsRateLimited(err)

	f.mu.Lock()
	delete(f.notFound, k.token)
	b, ok := f.backoff[k]
	if !ok {
		b = &backoffState{}
		f.backoff[k] = b
	}
	b.level++
	wait := Exponential(f.cfg.BackoffBase, f.cfg.BackoffCap, b.level)
	if rateLimited && wait < f.cfg.RateLimitFloor {
		wait = f.cfg.RateLimitFloor
	}
	b.until = now.Add(wait)
	b.lastErr = err.Error()
	b.lastLog = now
	level := b.level
	f.mu.Unlock()

	f.log.Warn("feed: lookup failed, backing off",
		"token", k.token, "side", k.side, "level", level, "wait", wait, "rate_limited", rateLimited, "err", err)
	return nil
}

func (f *Feed) miss(k key) (domain.PriceSample, bool, error) {
	f.mu.Lock()
	f.noneStreak[k]++
	n := f.noneStreak[k]
	f.mu.Unlock()

	if f.cfg.NoneStreakExit > 0 && n >= f.cfg.NoneStreakExit {
		return domain.PriceSample{}, false,
			fmt.Errorf("pricefeed.Best: %s %s: %d consecutive misses: %w", k.token, k.side, n, domain.ErrPriceUnavailable)
	}
	return domain.PriceSample{}, false, nil
}

func (f *Feed) observeLocked(tokenID string, s domain.PriceSample) {
	if s.HasDecimals {
		f.observeDecimalsLocked(tokenID, s.Decimals)
	}
}

func (f *Feed) observeDecimalsLocked(tokenID string, dp int) {
	if dp > domain.MaxDecimals {
		dp = domain.MaxDecimals
	}
	if cur, ok := f.decimals[tokenID]; !ok || dp > cur {
		f.decimals[tokenID] = dp
	}
}
