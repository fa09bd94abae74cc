package rest

import (
	"net/http"
	"time"

	"github.com/Gthulhu/fleet/pkg/logger"
	"github.com/rs/xid"
)

// LoggerMiddleware tags every request with an id and logs it on completion.
func LoggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := xid.New().String()

		log := logger.Logger(r.Context()).With().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Logger()
		ctx := log.WithContext(r.Context())
		w.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))

		log.Info().
			Dur("duration", time.Since(start)).
			Msg("request handled")
	})
}

// RecoverMiddleware converts handler panics into a 500 instead of tearing
// down the server loop.
func RecoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Logger(r.Context()).Error().
					Interface("panic", rec).
					Msg("handler panicked")
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
