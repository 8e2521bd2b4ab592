package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/items/{id}", "418"))
	for _, id := range []string{"1", "2"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/items/"+id, nil))
		if rr.Code != http.StatusTeapot {
			t.Fatalf("unexpected status %d", rr.Code)
		}
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/items/{id}", "418"))
	if after-before != 2 {
		t.Errorf("expected 2 requests recorded under the route pattern, got %v", after-before)
	}
}

func TestRecordSend(t *testing.T) {
	before := testutil.ToFloat64(messagesSent.WithLabelValues("audio", "bulk", "failure"))
	RecordSend("audio", "bulk", false)
	if got := testutil.ToFloat64(messagesSent.WithLabelValues("audio", "bulk", "failure")); got-before != 1 {
		t.Errorf("expected one failure recorded, got %v", got-before)
	}
}

func TestSetUsersByStateResets(t *testing.T) {
	SetUsersByState(map[string]int{"ACTIVE": 3, "NEW": 1})
	SetUsersByState(map[string]int{"ACTIVE": 5})
	if got := testutil.ToFloat64(usersByState.WithLabelValues("ACTIVE")); got != 5 {
		t.Errorf("ACTIVE = %v", got)
	}
	if n := testutil.CollectAndCount(usersByState); n != 1 {
		t.Errorf("expected stale states cleared, got %d series", n)
	}
}
