package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"iot-sim-gateway/internal/auth"
	"iot-sim-gateway/internal/logging"
)

// RouterOptions carries the pieces of the HTTP surface that live outside this package.
type RouterOptions struct {
	AllowedOrigins []string
	// WebDir serves a static UI at / when set.
	WebDir    string
	WebSocket http.Handler
	Events    http.Handler
	Auth      *auth.Manager
}

func NewRouter(h *APIHandler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.HandleHealth)
	r.Get("/devices", h.HandleListDevices)
	r.Get("/devices/{id}", h.HandleGetDevice)
	r.Get("/history/{id}", h.HandleHistory)
	r.Post("/auth/token", h.HandleToken)

	r.Group(func(r chi.Router) {
		if opts.Auth != nil {
			r.Use(opts.Auth.Middleware)
		}
		r.Post("/devices/{id}/readings", h.HandleInjectReading)
	})

	if opts.WebSocket != nil {
		r.Get("/ws", opts.WebSocket.ServeHTTP)
	}
	if opts.Events != nil {
		r.Get("/events", opts.Events.ServeHTTP)
	}
	if opts.WebDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(opts.WebDir)))
	}

	return r
}

// requestLogger logs one line per request and stores a request-scoped logger in the context.
func requestLogger(logger *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			reqLogger := logger.With().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Logger()
			ctx := logging.WithLogger(r.Context(), &reqLogger)

			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			ev := reqLogger.Info()
			if status >= http.StatusInternalServerError {
				ev = reqLogger.Error()
			}
			ev.Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Msg("HTTP request")
		})
	}
}
