package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestLoggingMiddlewareRouteLabels(t *testing.T) {
	logging := LoggingMiddleware(zerolog.Nop())
	router := mux.NewRouter()
	router.Use(logging)
	router.NotFoundHandler = logging(http.NotFoundHandler())
	router.HandleFunc("/api/migrations/{jobID:[0-9]+}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}).Methods(http.MethodGet)

	matched := httpRequests.WithLabelValues(http.MethodGet, "/api/migrations/{jobID:[0-9]+}", "418")
	unmatched := httpRequests.WithLabelValues(http.MethodGet, "unmatched", "404")
	beforeMatched := testutil.ToFloat64(matched)
	beforeUnmatched := testutil.ToFloat64(unmatched)

	for _, path := range []string{"/api/migrations/42", "/api/migrations/43", "/nope"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, beforeMatched+2, testutil.ToFloat64(matched))
	assert.Equal(t, beforeUnmatched+1, testutil.ToFloat64(unmatched))
}
