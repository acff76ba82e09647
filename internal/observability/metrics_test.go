package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	return rr.Body.String()
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusTeapot, rr.Code)

	body := scrape(t, metrics)
	require.Contains(t, body, `buildora_http_requests_total{code="418",route="/test"} 1`)
	require.Contains(t, body, `buildora_http_request_duration_seconds_bucket{route="/test"`)
}

func TestLedgerMetrics(t *testing.T) {
	metrics := NewMetrics()

	metrics.MovementCommitted("transfer", 12*time.Millisecond)
	metrics.MovementCommitted("transfer", 3*time.Millisecond)
	metrics.MovementRejected("issue", "insufficient_stock")
	metrics.MovementRejected("scrap", "validation")
	metrics.BalanceDrift(4, -3)
	metrics.BalanceDrift(4, 0)

	body := scrape(t, metrics)
	require.Contains(t, body, `buildora_ledger_movements_total{type="transfer"} 2`)
	require.Contains(t, body, `buildora_ledger_rejections_total{reason="insufficient_stock",type="issue"} 1`)
	require.Contains(t, body, `buildora_ledger_rejections_total{reason="validation",type="unknown"} 1`)
	require.Contains(t, body, `buildora_ledger_commit_duration_seconds_count{type="transfer"} 2`)
	require.Contains(t, body, `buildora_ledger_balance_drift_total{tenant="4"} 1`)
	require.Contains(t, body, `buildora_ledger_balance_drift_units{tenant="4"} 3`)
	require.True(t, strings.Contains(body, "go_goroutines"))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.MovementCommitted("issue", time.Second)
	metrics.MovementRejected("issue", "validation")
	metrics.BalanceDrift(1, 1)

	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
