package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"poe/internal/ratelimit/metrics"
	"poe/internal/ratelimit/models"
	"poe/pkg/platform/httputil"
	"poe/pkg/requestcontext"
)

// BucketStore is a sliding-window counter. Both the in-memory and Redis
// bucket stores satisfy it.
type BucketStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (*models.RateLimitResult, error)
}

type Middleware struct {
	store    BucketStore
	limits   map[models.EndpointClass]models.Limit
	logger   *slog.Logger
	metrics  *metrics.Metrics
	disabled bool
}

type Option func(*Middleware)

// WithDisabled disables rate limiting entirely (for testing/demo mode).
func WithDisabled(disabled bool) Option {
	return func(m *Middleware) {
		m.disabled = disabled
	}
}

func WithMetrics(metrics *metrics.Metrics) Option {
	return func(m *Middleware) {
		m.metrics = metrics
	}
}

// WithLimit overrides the budget for one endpoint class.
func WithLimit(class models.EndpointClass, limit models.Limit) Option {
	return func(m *Middleware) {
		if limit.Requests > 0 && limit.Window > 0 {
			m.limits[class] = limit
		}
	}
}

func New(store BucketStore, logger *slog.Logger, opts ...Option) *Middleware {
	m := &Middleware{
		store: store,
		limits: map[models.EndpointClass]models.Limit{
			models.ClassRead:  {Requests: 100, Window: time.Minute},
			models.ClassWrite: {Requests: 50, Window: time.Minute},
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.disabled {
		logger.Info("rate limiting disabled")
	}
	return m
}

// RateLimitAuthenticated limits each authenticated account per endpoint class,
// picking the class from the request method. Requests without an account fall
// back to the client IP. Store failures fail open.
func (m *Middleware) RateLimitAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.disabled {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		class := models.ClassForMethod(r.Method)
		limit := m.limits[class]

		subject := requestcontext.AccountID(ctx)
		if subject == "" {
			subject = "ip:" + requestcontext.ClientIP(ctx)
		}

		result, err := m.store.Allow(ctx, models.RateLimitKey(class, subject), limit.Requests, limit.Window)
		if err != nil {
			m.logger.ErrorContext(ctx, "failed to check rate limit",
				"error", err,
				"class", class,
				"request_id", requestcontext.RequestID(ctx),
			)
			if m.metrics != nil {
				m.metrics.IncrementStoreErrors()
			}
			next.ServeHTTP(w, r)
			return
		}

		addRateLimitHeaders(w, result)

		if !result.Allowed {
			m.logger.WarnContext(ctx, "rate limit exceeded",
				"class", class,
				"subject", subject,
				"request_id", requestcontext.RequestID(ctx),
			)
			if m.metrics != nil {
				m.metrics.IncrementRejections(string(class))
			}
			writeRateLimitExceeded(w, result)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func addRateLimitHeaders(w http.ResponseWriter, result *models.RateLimitResult) {
	if result == nil {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

func writeRateLimitExceeded(w http.ResponseWriter, result *models.RateLimitResult) {
	w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfter))
	httputil.WriteJSON(w, http.StatusTooManyRequests, &models.RateLimitExceededResponse{
		Error:            "rate_limit_exceeded",
		ErrorDescription: "You have exceeded your request quota for this operation.",
		RetryAfter:       result.RetryAfter,
	})
}
