package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Shivanand-hulikatti/ticket-queue/internal/telemetry"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ctxKey int

const userIDKey ctxKey = iota

// UserID returns the authenticated user id, or "" when none was set.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// WithUserID returns a copy of ctx carrying the user id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// Logger writes one structured access log line per request.
func Logger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("request_id", chimiddleware.GetReqID(r.Context())),
				zap.String("trace_id", telemetry.TraceID(r.Context())),
				zap.Int("status", status),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("ip", r.RemoteAddr),
				zap.Duration("latency", time.Since(start)),
				zap.Int("body_size", ww.BytesWritten()),
			}
			switch {
			case status >= 500:
				log.Error("server error", fields...)
			case status >= 400:
				log.Warn("client error", fields...)
			default:
				log.Info("request completed", fields...)
			}
		})
	}
}

// CORS adds permissive CORS headers and answers preflight requests.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-User-ID")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AuthConfig selects how callers are identified.
type AuthConfig struct {
	// Enabled requires an HS256 bearer token whose subject is the user id.
	// When disabled the X-User-ID header is trusted.
	Enabled bool
	Secret  string
	Issuer  string
}

// Authenticate resolves the caller's user id and rejects anonymous requests.
func Authenticate(cfg AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var userID string
			if cfg.Enabled {
				sub, err := subjectFromBearer(r.Header.Get("Authorization"), cfg)
				if err != nil {
					writeError(w, http.StatusUnauthorized, "invalid or missing token")
					return
				}
				userID = sub
			} else {
				userID = strings.TrimSpace(r.Header.Get("X-User-ID"))
			}
			if userID == "" {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

func subjectFromBearer(header string, cfg AuthConfig) (string, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return "", errors.New("missing bearer token")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
		return []byte(cfg.Secret), nil
	}, opts...)
	if err != nil {
		return "", err
	}
	return token.Claims.GetSubject()
}

// idleBucketTTL is how long a user's bucket survives without requests.
const idleBucketTTL = 10 * time.Minute

type userBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// UserRateLimiter holds one token bucket per user. Buckets idle for longer
// than idleBucketTTL are dropped on the next prune, which runs at most once
// per idleBucketTTL from the request path.
type UserRateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*userBucket
	rps       rate.Limit
	burst     int
	lastPrune time.Time
	now       func() time.Time
}

// NewUserRateLimiter creates a limiter allowing rps sustained requests per
// user with the given burst.
func NewUserRateLimiter(rps float64, burst int) *UserRateLimiter {
	return &UserRateLimiter{
		buckets:   make(map[string]*userBucket),
		rps:       rate.Limit(rps),
		burst:     burst,
		lastPrune: time.Now(),
		now:       time.Now,
	}
}

func (l *UserRateLimiter) allow(userID string) bool {
	now := l.now()

	l.mu.Lock()
	if now.Sub(l.lastPrune) >= idleBucketTTL {
		l.prune(now)
	}
	b, ok := l.buckets[userID]
	if !ok {
		b = &userBucket{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.buckets[userID] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

// prune drops idle buckets. Callers hold l.mu.
func (l *UserRateLimiter) prune(now time.Time) {
	for id, b := range l.buckets {
		if now.Sub(b.lastSeen) > idleBucketTTL {
			delete(l.buckets, id)
		}
	}
	l.lastPrune = now
}

// Middleware rejects requests over the caller's budget with 429. It must run
// after Authenticate.
func (l *UserRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(UserID(r.Context())) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
