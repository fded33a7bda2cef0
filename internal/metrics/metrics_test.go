package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyfollow/internal/domain"
)

func TestRecorder_Counters(t *testing.T) {
	r := New()

	r.OrderPlaced(domain.SideBuy)
	r.OrderPlaced(domain.SideBuy)
	r.OrderCancelled(domain.SideSell)
	r.Result(domain.SideBuy, domain.StatusFilled)
	r.PriceLookup("push", "hit")
	r.GuardDecision("DEFER")

	assert.Equal(t, 2.0, testutil.ToFloat64(r.ordersPlaced.WithLabelValues("BUY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.ordersCancelled.WithLabelValues("SELL")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.results.WithLabelValues("BUY", "FILLED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.priceLookups.WithLabelValues("push", "hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.guardDecisions.WithLabelValues("DEFER")))
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.OrderPlaced(domain.SideBuy)
		r.Reprice(domain.SideSell)
		r.Shrink(domain.SideBuy)
		r.PriceLookup("rest", "miss")
	})
	assert.Nil(t, r.Registry())
}

func TestRecorder_Handler(t *testing.T) {
	r := New()
	r.Reprice(domain.SideBuy)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `polyfollow_reprices_total{side="BUY"} 1`))
}
