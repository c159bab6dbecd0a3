package middleware

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Nerimity/nerimity-server-sub001/internal/ratelimit"
	"github.com/Nerimity/nerimity-server-sub001/pkg/config"
)

// NewConnectLimiter rate-limits upgrade attempts per client IP through the
// store-backed limiter, so the window holds across every server process. The
// limiter failing is treated as fail-closed here: an unreachable store means
// we cannot tell an abuser from anyone else on the connect path.
func NewConnectLimiter(logger *slog.Logger, limiter *ratelimit.Limiter, cfg config.RateLimitConfig) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.ConnectRequests <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("Connect limiter could not find request metadata in context. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			retryAfter, limited, err := limiter.Check(r.Context(), ratelimit.Options{
				ID:       "connect:" + reqMeta.IP,
				Requests: cfg.ConnectRequests,
				Window:   cfg.ConnectWindow,
				Lockout:  cfg.ConnectLockout,
			})
			if err != nil {
				logger.Error("Connect limiter check failed", slog.Any("error", err))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			if limited {
				logger.Warn("Connect rate limit reached", slog.String("ip", reqMeta.IP))
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
