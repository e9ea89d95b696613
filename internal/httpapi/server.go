package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/museumquest/grantrelay/internal/grantrelay"
)

type ServerConfig struct {
	AdminToken      string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

// Server is the HTTP boundary: the webhook intake endpoint plus a small
// bearer-protected admin surface.
type Server struct {
	pipeline *grantrelay.Pipeline
	cfg      ServerConfig
	limiter  *rateLimiter
	log      *slog.Logger
}

func NewServer(pipeline *grantrelay.Pipeline) *Server {
	return NewServerWithConfig(pipeline, ServerConfig{})
}

func NewServerWithConfig(pipeline *grantrelay.Pipeline, cfg ServerConfig) *Server {
	if cfg.RateLimitMax <= 0 {
		cfg.RateLimitMax = 100
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		pipeline: pipeline,
		cfg:      cfg,
		limiter:  newRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow),
		log:      slog.Default().With("component", "httpapi"),
	}
}

// Close releases the rate limiter's eviction goroutine.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.stop()
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/v1/webhooks/entity" && r.Method == http.MethodPost:
		s.handleWebhook(w, r)
	case r.URL.Path == "/v1/admin/queue" && r.Method == http.MethodGet:
		s.withAdmin(w, r, s.handleAdminQueue)
	case r.URL.Path == "/v1/admin/grants" && r.Method == http.MethodGet:
		s.withAdmin(w, r, s.handleAdminGrants)
	case r.URL.Path == "/v1/admin/events" && r.Method == http.MethodGet:
		s.withAdmin(w, r, s.handleAdminEvents)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	if allowed, resetAt := s.limiter.allow(sourceKey(r), now); !allowed {
		retryAfter := int(math.Ceil(resetAt.Sub(now).Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}

	result := grantrelay.ValidatePayload(body)
	if !result.Valid {
		s.log.Warn("rejected webhook payload", "errors", result.Errors)
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"code":    "bad_request",
			"message": "invalid webhook payload",
			"errors":  result.Errors,
		})
		return
	}

	payload, err := grantrelay.DecodePayload(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	db, _ := payload["db"].(string)
	entityID := grantrelay.ExtractEntityID(payload)
	token := grantrelay.ExtractUserToken(payload)

	status := s.pipeline.Notify(grantrelay.WebhookEvent{
		Database:  db,
		EntityID:  entityID,
		UserToken: token.Token,
	})
	s.log.Info("webhook accepted", "entityId", entityID, "db", db, "status", status, "userId", token.UserID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   status,
		"entityId": entityID,
	})
}

func (s *Server) withAdmin(w http.ResponseWriter, r *http.Request, handler http.HandlerFunc) {
	if s.cfg.AdminToken == "" {
		writeError(w, http.StatusNotFound, "not_found", "admin api disabled")
		return
	}
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token")
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid admin token")
		return
	}
	handler(w, r)
}

func (s *Server) handleAdminQueue(w http.ResponseWriter, _ *http.Request) {
	snapshot := s.pipeline.Queue().Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(snapshot),
		"items": snapshot,
	})
}

func (s *Server) handleAdminGrants(w http.ResponseWriter, r *http.Request) {
	journal := s.pipeline.Journal()
	if journal == nil {
		writeJSON(w, http.StatusOK, map[string]any{"records": []grantrelay.GrantRecord{}})
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	records, err := journal.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "journal read failed")
		return
	}
	if records == nil {
		records = []grantrelay.GrantRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// sourceKey identifies the request source for rate limiting. Proxy headers
// win; requests carrying neither share one bucket.
func sourceKey(r *http.Request) string {
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			fwd = strings.TrimSpace(fwd[:idx])
		}
		if fwd != "" {
			return fwd
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}
	return "unknown"
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

// rateLimiter is a fixed-window counter per source key. Idle windows are
// evicted by the cache TTL so the key map stays bounded.
type rateLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries *ttlcache.Cache[string, *rateEntry]
}

func newRateLimiter(max int, window time.Duration) *rateLimiter {
	cache := ttlcache.New[string, *rateEntry](
		ttlcache.WithTTL[string, *rateEntry](window),
		ttlcache.WithDisableTouchOnHit[string, *rateEntry](),
	)
	go cache.Start()
	return &rateLimiter{
		max:     max,
		window:  window,
		entries: cache,
	}
}

// allow reports whether the request fits the source's current window and
// returns when that window resets, so a 429 can advertise the actual wait.
func (rl *rateLimiter) allow(key string, now time.Time) (bool, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	item := rl.entries.Get(key)
	if item == nil || now.After(item.Value().resetAt) {
		resetAt := now.Add(rl.window)
		rl.entries.Set(key, &rateEntry{count: 1, resetAt: resetAt}, rl.window)
		return true, resetAt
	}
	entry := item.Value()
	if entry.count >= rl.max {
		return false, entry.resetAt
	}
	entry.count++
	return true, entry.resetAt
}

func (rl *rateLimiter) stop() {
	rl.entries.Stop()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
