package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/aiagenz/billing/pkg/payment"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatewayObserver(t *testing.T) {
	m := New()
	observe := m.GatewayObserver()

	observe("price.get", 10*time.Millisecond, nil)
	observe("price.get", 10*time.Millisecond, &payment.Error{Op: "price.get", Transient: true, Err: errors.New("timeout")})
	observe("price.get", 10*time.Millisecond, &payment.Error{Op: "price.get", StatusCode: 404, Err: errors.New("missing")})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.GatewayCallsTotal.WithLabelValues("price.get", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GatewayCallsTotal.WithLabelValues("price.get", "transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GatewayCallsTotal.WithLabelValues("price.get", "error")))
}

func TestHandlerExposesBillingMetrics(t *testing.T) {
	m := New()
	m.PreviewFallbacksTotal.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "billing_preview_fallbacks_total 1"))
}
