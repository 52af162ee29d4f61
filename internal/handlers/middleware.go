package handlers

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sdko-org/scanperf/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytesSent  int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytesSent += n
	return n, err
}

// LoggingMiddleware logs every request and, when db is non-nil, stores it
// as an access log row in the background.
func LoggingMiddleware(logger *logrus.Logger, db *gorm.DB) func(http.Handler) http.Handler {
	logEntry := logger.WithField("component", "http_middleware")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			defer func() {
				duration := time.Since(start)
				clientIP := getClientIP(r)
				logEntry.WithFields(logrus.Fields{
					"method":     r.Method,
					"path":       r.URL.Path,
					"status":     lrw.statusCode,
					"duration":   duration,
					"client_ip":  clientIP,
					"bytes":      lrw.bytesSent,
					"user_agent": r.UserAgent(),
				}).Info("Request processed")

				if db == nil {
					return
				}
				entry := models.AccessLog{
					Timestamp: start,
					Method:    r.Method,
					Path:      r.URL.Path,
					Status:    lrw.statusCode,
					Duration:  duration,
					ClientIP:  clientIP,
					UserAgent: r.UserAgent(),
					BytesSent: lrw.bytesSent,
				}
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()

					if err := db.WithContext(ctx).Create(&entry).Error; err != nil {
						logEntry.WithError(err).Warn("Failed to save access log")
					}
				}()
			}()

			next.ServeHTTP(lrw, r)
		})
	}
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a per-client token bucket of limit requests per
// window.
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	clients map[string]*client
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   rate.Limit(float64(limit) / window.Seconds()),
		burst:   limit,
		clients: make(map[string]*client),
	}
}

func (rl *RateLimiter) allow(ip string, now time.Time) bool {
	rl.mu.Lock()
	c, ok := rl.clients[ip]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = now
	rl.mu.Unlock()

	return c.limiter.AllowN(now, 1)
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(getClientIP(r), time.Now()) {
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Cleanup forgets clients idle for longer than idle and returns how many
// were dropped.
func (rl *RateLimiter) Cleanup(now time.Time, idle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	dropped := 0
	for ip, c := range rl.clients {
		if now.Sub(c.lastSeen) > idle {
			delete(rl.clients, ip)
			dropped++
		}
	}
	return dropped
}

// Run calls Cleanup once a minute until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			rl.Cleanup(now, 3*time.Minute)
		case <-ctx.Done():
			return
		}
	}
}

func getClientIP(r *http.Request) string {
	ip := r.Header.Get("X-Forwarded-For")
	if ip == "" {
		ip = r.Header.Get("X-Real-IP")
	}
	if ip == "" {
		var err error
		ip, _, err = net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = r.RemoteAddr
		}
	}
	if strings.Contains(ip, ",") {
		parts := strings.Split(ip, ",")
		ip = strings.TrimSpace(parts[0])
	}
	return ip
}
