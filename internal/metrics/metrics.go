// Package metrics exposes Prometheus counters for the followers, the price
// feed and the shock guard.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alejandrodnm/polyfollow/internal/domain"
)

const namespace = "polyfollow"

// Recorder collects follower metrics on its own registry.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	ordersPlaced    *prometheus.CounterVec
	ordersCancelled *prometheus.CounterVec
	reprices        *prometheus.CounterVec
	shrinks         *prometheus.CounterVec
	results         *prometheus.CounterVec
	priceLookups    *prometheus.CounterVec
	guardDecisions  *prometheus.CounterVec
}

// New creates a Recorder with a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		ordersPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_placed_total",
			Help:      "Orders accepted by the exchange.",
		}, []string{"side"}),
		ordersCancelled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_cancelled_total",
			Help:      "Cancel requests sent for resting orders.",
		}, []string{"side"}),
		reprices: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reprices_total",
			Help:      "Resting orders cancelled to follow the book.",
		}, []string{"side"}),
		shrinks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shrinks_total",
			Help:      "Goal reductions after insufficient balance or position.",
		}, []string{"side"}),
		results: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Finished follower runs by terminal status.",
		}, []string{"side", "status"}),
		priceLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "price_lookups_total",
			Help:      "Best price lookups by source and outcome.",
		}, []string{"source", "outcome"}),
		guardDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_decisions_total",
			Help:      "Shock guard buy gate decisions.",
		}, []string{"decision"}),
	}
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) OrderPlaced(side domain.Side) {
	if r == nil {
		return
	}
	r.ordersPlaced.WithLabelValues(string(side)).Inc()
}

func (r *Recorder) OrderCancelled(side domain.Side) {
	if r == nil {
		return
	}
	r.ordersCancelled.WithLabelValues(string(side)).Inc()
}

func (r *Recorder) Reprice(side domain.Side) {
	if r == nil {
		return
	}
	r.reprices.WithLabelValues(string(side)).Inc()
}

func (r *Recorder) Shrink(side domain.Side) {
	if r == nil {
		return
	}
	r.shrinks.WithLabelValues(string(side)).Inc()
}

func (r *Recorder) Result(side domain.Side, status domain.FollowStatus) {
	if r == nil {
		return
	}
	r.results.WithLabelValues(string(side), string(status)).Inc()
}

// PriceLookup counts one lookup. source is push|rest, outcome hit|miss|backoff|error.
func (r *Recorder) PriceLookup(source, outcome string) {
	if r == nil {
		return
	}
	r.priceLookups.WithLabelValues(source, outcome).Inc()
}

func (r *Recorder) GuardDecision(decision string) {
	if r == nil {
		return
	}
	r.guardDecisions.WithLabelValues(decision).Inc()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, r *Recorder) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("metrics: server stopped", "addr", addr, "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
