package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsMethodAndCode(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	r.Post("/v1/progress", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	before503 := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "503"))
	before200 := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "200"))

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/readyz", nil),
		httptest.NewRequest(http.MethodPost, "/v1/progress", nil),
		httptest.NewRequest(http.MethodPost, "/v1/progress", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	require.InDelta(t, before503+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "503")), 0)
	require.InDelta(t, before200+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPost, "200")), 0)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}
