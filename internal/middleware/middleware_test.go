package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/crawlpit/crawlpit/internal/metrics"
)

func TestMetricsRecordsRequestOutcomes(t *testing.T) {
	metrics.Init()
	r := chi.NewRouter()
	r.Use(Metrics)
	r.Get("/test", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/notfound", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	resp, err = http.Get(ts.URL + "/notfound")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()

	if val := testutil.ToFloat64(metrics.RequestsTotal("GET", "200")); val < 1 {
		t.Errorf("expected at least one 200 observation, got %f", val)
	}
	if val := testutil.ToFloat64(metrics.RequestsTotal("GET", "404")); val < 1 {
		t.Errorf("expected at least one 404 observation, got %f", val)
	}
}
