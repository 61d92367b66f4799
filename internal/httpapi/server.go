// Package httpapi exposes the note index and sync engine over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaynotes/internal/note"
	"github.com/agentworkforce/relaynotes/internal/notesync"
)

// NoteService is the engine surface the API needs.
type NoteService interface {
	Lookup(repo, branch, file string, line int) []note.Note
	FileNotes(repo, branch, file string) map[int][]note.Note
	Publish(ctx context.Context, n note.Note) error
	Refresh(ctx context.Context) ([]note.Note, error)
	Status() notesync.Status
	Subscribe(fn func([]note.Note)) (cancel func())
}

type ServerConfig struct {
	// JWTSecret enables bearer auth; empty leaves every route open.
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// StreamBuffer bounds the batches queued per websocket client.
	StreamBuffer   int
	OriginPatterns []string
	Logger         *zap.Logger
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

type Server struct {
	notes       NoteService
	cfg         ServerConfig
	logger      *zap.Logger
	router      *mux.Router
	rateLimiter *rateLimiter
	now         func() time.Time
	requestSeq  atomic.Uint64
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(notes NoteService, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = 16
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		notes:       notes,
		cfg:         cfg,
		logger:      logger,
		rateLimiter: limiter,
		now:         time.Now,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	if s.cfg.Metrics != nil {
		r.Handle("/metrics", s.cfg.Metrics).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/notes", s.guard(ScopeRead, false, s.handleListNotes)).Methods(http.MethodGet)
	v1.HandleFunc("/notes", s.guard(ScopeWrite, true, s.handleCreateNote)).Methods(http.MethodPost)
	v1.HandleFunc("/notes/stream", s.guard(ScopeRead, false, s.handleStream)).Methods(http.MethodGet)
	v1.HandleFunc("/sync/refresh", s.guard(ScopeWrite, true, s.handleRefresh)).Methods(http.MethodPost)
	v1.HandleFunc("/sync/status", s.guard(ScopeRead, false, s.handleStatus)).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", s.correlationID(w, r))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", s.correlationID(w, r))
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type handlerFunc func(w http.ResponseWriter, r *http.Request, correlationID string)

// guard resolves the correlation id, checks the bearer token and applies the
// per-subject rate limit to limited routes.
func (s *Server) guard(scope string, limited bool, next handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		correlationID := s.correlationID(w, r)
		subject := "anonymous"
		if s.cfg.JWTSecret != "" {
			claims, authErr := authorizeBearer(r, s.cfg.JWTSecret, scope, s.now())
			if authErr != nil {
				writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
				return
			}
			if claims.Subject != "" {
				subject = claims.Subject
			}
		}
		if limited && s.rateLimiter != nil && !s.rateLimiter.allow(subject, s.now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
		next(w, r, correlationID)
	}
}

func (s *Server) handleListNotes(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	repo := strings.TrimSpace(query.Get("repo"))
	branch := strings.TrimSpace(query.Get("branch"))
	file := strings.TrimSpace(query.Get("file"))
	if repo == "" || branch == "" || file == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "repo, branch and file are required", correlationID)
		return
	}
	if raw := query.Get("line"); raw != "" {
		line, err := note.ParseLine(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"notes": s.notes.Lookup(repo, branch, file, line)})
		return
	}
	byLine := s.notes.FileNotes(repo, branch, file)
	lines := make(map[string][]note.Note, len(byLine))
	for line, notes := range byLine {
		lines[strconv.Itoa(line)] = notes
	}
	writeJSON(w, http.StatusOK, map[string]any{"lines": lines})
}

type createNoteRequest struct {
	Repo      string          `json:"repo"`
	Branch    string          `json:"branch"`
	File      string          `json:"file"`
	Line      json.RawMessage `json:"line"`
	Text      string          `json:"text"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) handleCreateNote(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req createNoteRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	timestamp := req.Timestamp
	if strings.TrimSpace(timestamp) == "" {
		timestamp = s.now().UTC().Format(time.RFC3339)
	}
	n, err := note.Parse(note.Fields{
		Repo:      req.Repo,
		Branch:    req.Branch,
		File:      req.File,
		Line:      rawLine(req.Line),
		Timestamp: timestamp,
		Text:      req.Text,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	if err := s.notes.Publish(r.Context(), n); err != nil {
		if note.IsValidationError(err) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		s.logger.Warn("publish failed", zap.String("correlation_id", correlationID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

// rawLine accepts the line as either a JSON number or a JSON string.
func rawLine(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return strings.TrimSpace(string(raw))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request, correlationID string) {
	inserted, err := s.notes.Refresh(r.Context())
	if err != nil {
		s.logger.Warn("refresh failed", zap.String("correlation_id", correlationID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"inserted": len(inserted)})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, _ string) {
	writeJSON(w, http.StatusOK, s.notes.Status())
}

func (s *Server) correlationID(w http.ResponseWriter, r *http.Request) string {
	id := strings.TrimSpace(r.Header.Get("X-Correlation-Id"))
	if id == "" {
		id = fmt.Sprintf("req_%d_%d", s.now().UnixNano(), s.requestSeq.Add(1))
	}
	w.Header().Set("X-Correlation-Id", id)
	return id
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{count: 1, resetAt: now.Add(r.window)}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
