package middleware

import (
	"log/slog"
	"net/http"
)

// NewRequestLogger logs one line per request on the way in. Auth runs
// after it, so the user id is not known here; failures show up with the
// client IP only.
func NewRequestLogger(logger *slog.Logger) Middleware {
	reqLogger := logger.With(slog.String("component", "http"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			var ip string
			if ok {
				ip = reqMeta.IP
			}

			reqLogger.Info("request received",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("ip", ip),
			)
			next.ServeHTTP(w, r)
		})
	}
}
