package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareLabelsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/orders/{orderID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Distinct ids must land on one series keyed by the route pattern.
	for _, id := range []string{"7d1f0e7e", "9a2b3c4d"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/"+id, nil))
	}

	got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/orders/{orderID}", "200"))
	if got != 2 {
		t.Errorf("pattern series count = %v, want 2", got)
	}
	raw := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/orders/7d1f0e7e", "200"))
	if raw != 0 {
		t.Errorf("raw path series count = %v, want 0", raw)
	}
}
