package server

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"outbound-intake-relay/pkg/config"
	"outbound-intake-relay/pkg/handlers"
)

// NewRouter mounts the HTTP API, the metrics endpoint and the telephony stream socket.
func NewRouter(handler *handlers.Handler, callStream http.Handler, logger *logrus.Logger) *mux.Router {
	router := mux.NewRouter()

	// API routes
	router.HandleFunc("/api/outbound-call", handler.InitiateCall).Methods("POST")
	router.HandleFunc("/api/outbound-call/{sessionId}", handler.GetCall).Methods("GET")
	router.HandleFunc("/api/outbound-call/{sessionId}/retries", handler.CancelRetries).Methods("DELETE")
	router.HandleFunc("/api/outbound-calls", handler.ListCalls).Methods("GET")
	router.HandleFunc("/api/outbound-calls/events", handler.RecentEvents).Methods("GET")
	router.HandleFunc("/api/telephony/webhook", handler.Webhook).Methods("POST")
	router.HandleFunc("/callback", handler.Callback).Methods("POST")
	router.HandleFunc("/api/patient-records/{sessionId}", handler.PatientRecord).Methods("GET")
	router.HandleFunc("/api/tools", handler.ListTools).Methods("GET")
	router.HandleFunc("/api/tools/{name}", handler.ExecuteTool).Methods("POST")
	router.HandleFunc("/health", handler.Health).Methods("GET")
	router.HandleFunc("/status", handler.Status).Methods("GET")

	// Telephony audio stream
	router.Handle("/call-stream/{sessionId}", callStream).Methods("GET")

	// Metrics endpoint
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Add logging middleware
	router.Use(loggingMiddleware(logger))

	return router
}

func NewHTTPServer(config *config.Config, router http.Handler) *http.Server {
	return &http.Server{
		Addr:         ":" + config.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			entry := logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   rec.status,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			})
			if rec.status >= http.StatusInternalServerError {
				entry.Warn("HTTP request failed")
				return
			}
			entry.Debug("HTTP request processed")
		})
	}
}

// statusRecorder captures the response status. It forwards Hijack so websocket upgrades still
// work behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}
