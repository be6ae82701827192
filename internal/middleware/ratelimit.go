package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"trade-settlement-service/pkg/httputil"
)

// RateLimiter は参加者ごとのトークンバケットで流量を制限する。
// 一定時間使われなかったバケットは破棄する。
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	now     func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	hits    uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter はレート制限を生成する。rpsまたはburstが0以下の場合はnilを返し、制限しない。
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	return &RateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow はキーのバケットから1トークン消費できるかを返す。
func (l *RateLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.buckets {
			if v.lastSeen.Before(cutoff) {
				delete(l.buckets, k)
			}
		}
	}
	return allowed
}

// Middleware は参加者ID（匿名の場合はクライアントIP）単位で制限し、超過時は429を返す。
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ParticipantFrom(r.Context())
		if key == "" {
			key = clientIP(r)
		}
		if !l.Allow(key) {
			w.Header().Set("Retry-After", "1")
			httputil.Error(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
