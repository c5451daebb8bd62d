package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stanstork/stratum-relocator/internal/handlers"
	"github.com/stanstork/stratum-relocator/internal/middleware"
)

// NewRouter sets up the API routes
func NewRouter(migrations *handlers.MigrationHandler, db handlers.Pinger, logger zerolog.Logger) *mux.Router {
	router := mux.NewRouter()
	logging := middleware.LoggingMiddleware(logger)
	router.Use(logging)
	// Middleware only wraps matched routes.
	router.NotFoundHandler = logging(http.NotFoundHandler())
	router.MethodNotAllowedHandler = logging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))

	router.HandleFunc("/health", handlers.HealthCheck(db)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/tables/{tableID}/migrations", migrations.Submit).Methods(http.MethodPost)
	api.HandleFunc("/tables/{tableID}/migration", migrations.Active).Methods(http.MethodGet)
	api.HandleFunc("/tables/{tableID}/export", migrations.Export).Methods(http.MethodGet)

	api.HandleFunc("/migrations/{jobID:[0-9]+}", migrations.Status).Methods(http.MethodGet)
	api.HandleFunc("/migrations/{jobID:[0-9]+}/fail", migrations.ForceFail).Methods(http.MethodPost)
	api.HandleFunc("/migrations/{jobID:[0-9]+}/events", migrations.Events).Methods(http.MethodGet)

	return router
}
