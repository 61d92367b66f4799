package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaynotes/internal/index"
	"github.com/agentworkforce/relaynotes/internal/note"
	"github.com/agentworkforce/relaynotes/internal/notesync"
)

const testSecret = "test-secret"

type fakeNotes struct {
	mu         sync.Mutex
	index      *index.Index
	published  []note.Note
	publishErr error
	refreshed  []note.Note
	refreshErr error
	subs       []func([]note.Note)
	subscribed chan struct{}
}

func newFakeNotes() *fakeNotes {
	return &fakeNotes{index: index.New(), subscribed: make(chan struct{}, 1)}
}

func (f *fakeNotes) Lookup(repo, branch, file string, line int) []note.Note {
	return f.index.Lookup(repo, branch, file, line)
}

func (f *fakeNotes) FileNotes(repo, branch, file string) map[int][]note.Note {
	return f.index.FileNotes(repo, branch, file)
}

func (f *fakeNotes) Publish(_ context.Context, n note.Note) error {
	if err := n.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, n)
	f.index.Insert(n)
	return nil
}

func (f *fakeNotes) Refresh(context.Context) ([]note.Note, error) {
	return f.refreshed, f.refreshErr
}

func (f *fakeNotes) Status() notesync.Status {
	return notesync.Status{Mode: notesync.ModeWarm, State: notesync.StateLoaded, Notes: f.index.Len()}
}

func (f *fakeNotes) Subscribe(fn func([]note.Note)) func() {
	f.mu.Lock()
	f.subs = append(f.subs, fn)
	f.mu.Unlock()
	select {
	case f.subscribed <- struct{}{}:
	default:
	}
	return func() {}
}

func (f *fakeNotes) emit(batch []note.Note) {
	f.mu.Lock()
	subs := append([]func([]note.Note){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(batch)
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
}

func doRequest(t *testing.T, server http.Handler, req request) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if req.body != nil {
		var err error
		payload, err = json.Marshal(req.body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
	}
	httpReq := httptest.NewRequest(req.method, req.path, bytes.NewReader(payload))
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httpReq)
	return rec
}

func mustTestJWT(t *testing.T, secret, subject string, scopes any, aud string, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":    subject,
		"aud":    aud,
		"scopes": scopes,
		"exp":    exp.Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rec.Body.String())
	}
	return body
}

func mustNote(t *testing.T, line int, text string) note.Note {
	t.Helper()
	n, err := note.New("octo/app", "main", "cmd/main.go", line, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), text)
	if err != nil {
		t.Fatalf("new note: %v", err)
	}
	return n
}

func TestHealthIsOpen(t *testing.T) {
	server := NewServer(newFakeNotes(), ServerConfig{JWTSecret: testSecret})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthErrors(t *testing.T) {
	server := NewServer(newFakeNotes(), ServerConfig{JWTSecret: testSecret})
	future := time.Now().Add(time.Hour)
	cases := []struct {
		name    string
		headers map[string]string
		status  int
		message string
	}{
		{"missing", nil, http.StatusUnauthorized, "missing or invalid bearer token"},
		{"basic scheme", map[string]string{"Authorization": "Basic abc"}, http.StatusUnauthorized, "missing or invalid bearer token"},
		{"malformed", bearer("not-a-jwt"), http.StatusUnauthorized, "invalid jwt format"},
		{"wrong secret", bearer(mustTestJWT(t, "other", "u", []string{ScopeRead}, Audience, future)), http.StatusUnauthorized, "jwt signature mismatch"},
		{"expired", bearer(mustTestJWT(t, testSecret, "u", []string{ScopeRead}, Audience, time.Now().Add(-time.Hour))), http.StatusUnauthorized, "token expired"},
		{"wrong audience", bearer(mustTestJWT(t, testSecret, "u", []string{ScopeRead}, "someone-else", future)), http.StatusUnauthorized, "invalid aud claim"},
		{"no scopes", bearer(mustTestJWT(t, testSecret, "u", []string{}, Audience, future)), http.StatusForbidden, "no scopes granted"},
		{"wrong scope", bearer(mustTestJWT(t, testSecret, "u", "notes:write", Audience, future)), http.StatusForbidden, "missing required scope: notes:read"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			headers := map[string]string{"X-Correlation-Id": "corr_auth"}
			for k, v := range tc.headers {
				headers[k] = v
			}
			rec := doRequest(t, server, request{
				method:  http.MethodGet,
				path:    "/v1/notes?repo=octo/app&branch=main&file=cmd/main.go",
				headers: headers,
			})
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, rec.Code, rec.Body.String())
			}
			body := decodeError(t, rec)
			if body["message"] != tc.message {
				t.Fatalf("expected message %q, got %q", tc.message, body["message"])
			}
			if body["correlationId"] != "corr_auth" {
				t.Fatalf("expected correlation id to be echoed, got %q", body["correlationId"])
			}
		})
	}
}

func TestSpaceDelimitedScopesAccepted(t *testing.T) {
	server := NewServer(newFakeNotes(), ServerConfig{JWTSecret: testSecret})
	token := mustTestJWT(t, testSecret, "u", "notes:read notes:write", Audience, time.Now().Add(time.Hour))
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/sync/status", headers: bearer(token)})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestIssueTokenRoundTrip(t *testing.T) {
	token, err := IssueToken(testSecret, "cli", []string{ScopeRead, ScopeWrite}, time.Minute)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	claims, authErr := authorizeBearer(req, testSecret, ScopeWrite, time.Now())
	if authErr != nil {
		t.Fatalf("authorize: %v", authErr)
	}
	if claims.Subject != "cli" {
		t.Fatalf("expected subject cli, got %q", claims.Subject)
	}
}

func TestCreateAndListNotes(t *testing.T) {
	notes := newFakeNotes()
	server := NewServer(notes, ServerConfig{})

	create := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/notes",
		body: map[string]any{
			"repo":      "octo/app",
			"branch":    "main",
			"file":      "cmd/main.go",
			"line":      12,
			"text":      "check the error here",
			"timestamp": "2024-05-01T10:00:00Z",
		},
	})
	if create.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", create.Code, create.Body.String())
	}
	if create.Header().Get("X-Correlation-Id") == "" {
		t.Fatalf("expected a generated correlation id")
	}

	second := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/notes",
		body:   map[string]any{"repo": "octo/app", "branch": "main", "file": "cmd/main.go", "line": "40", "text": "string line"},
	})
	if second.Code != http.StatusCreated {
		t.Fatalf("expected 201 for string line, got %d (%s)", second.Code, second.Body.String())
	}
	if len(notes.published) != 2 || !notes.published[1].HasValidTimestamp() {
		t.Fatalf("expected second note stamped with the current time, got %+v", notes.published)
	}

	byLine := doRequest(t, server, request{method: http.MethodGet, path: "/v1/notes?repo=octo/app&branch=main&file=cmd/main.go&line=12"})
	if byLine.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", byLine.Code)
	}
	var lineBody struct {
		Notes []note.Note `json:"notes"`
	}
	if err := json.NewDecoder(byLine.Body).Decode(&lineBody); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(lineBody.Notes) != 1 || lineBody.Notes[0].Text() != "check the error here" {
		t.Fatalf("unexpected notes: %+v", lineBody.Notes)
	}

	byFile := doRequest(t, server, request{method: http.MethodGet, path: "/v1/notes?repo=octo/app&branch=main&file=cmd/main.go"})
	var fileBody struct {
		Lines map[string][]note.Note `json:"lines"`
	}
	if err := json.NewDecoder(byFile.Body).Decode(&fileBody); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(fileBody.Lines) != 2 || len(fileBody.Lines["40"]) != 1 {
		t.Fatalf("unexpected lines: %+v", fileBody.Lines)
	}
}

func TestListRejectsBadQuery(t *testing.T) {
	server := NewServer(newFakeNotes(), ServerConfig{})
	for _, path := range []string{
		"/v1/notes?repo=octo/app&branch=main",
		"/v1/notes?repo=octo/app&branch=main&file=a.go&line=0",
		"/v1/notes?repo=octo/app&branch=main&file=a.go&line=abc",
	} {
		rec := doRequest(t, server, request{method: http.MethodGet, path: path})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", path, rec.Code)
		}
	}
}

func TestCreateRejectsInvalidNotes(t *testing.T) {
	server := NewServer(newFakeNotes(), ServerConfig{})
	cases := []map[string]any{
		{"repo": "", "branch": "main", "file": "a.go", "line": 1, "text": "x"},
		{"repo": "octo/app", "branch": "main", "file": "a.go", "line": -3, "text": "x"},
		{"repo": "octo/app", "branch": "main", "file": "a.go", "line": true, "text": "x"},
	}
	for _, body := range cases {
		rec := doRequest(t, server, request{method: http.MethodPost, path: "/v1/notes", body: body})
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%v: expected 400, got %d (%s)", body, rec.Code, rec.Body.String())
		}
	}

	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/notes", strings.NewReader("{")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on malformed json, got %d", rec.Code)
	}
}

func TestCreateReportsUpstreamFailure(t *testing.T) {
	notes := newFakeNotes()
	notes.publishErr = errors.New("publish note: telegram sendMessage: Bad Request: chat not found")
	server := NewServer(notes, ServerConfig{})
	rec := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/notes",
		body:   map[string]any{"repo": "octo/app", "branch": "main", "file": "a.go", "line": 1, "text": "x"},
	})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	body := decodeError(t, rec)
	if body["code"] != "upstream_error" || body["message"] != notes.publishErr.Error() {
		t.Fatalf("unexpected error body: %+v", body)
	}
	if notes.index.Len() != 0 {
		t.Fatalf("failed publish must not reach the index")
	}
}

func TestPayloadTooLarge(t *testing.T) {
	server := NewServer(newFakeNotes(), ServerConfig{MaxBodyBytes: 32})
	rec := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/notes",
		body:   map[string]any{"repo": "octo/app", "branch": "main", "file": "a.go", "line": 1, "text": strings.Repeat("x", 64)},
	})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestRateLimitAppliesToWrites(t *testing.T) {
	server := NewServer(newFakeNotes(), ServerConfig{RateLimitMax: 1, RateLimitWindow: time.Minute})
	body := map[string]any{"repo": "octo/app", "branch": "main", "file": "a.go", "line": 1, "text": "x"}
	first := doRequest(t, server, request{method: http.MethodPost, path: "/v1/notes", body: body})
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", first.Code)
	}
	second := doRequest(t, server, request{method: http.MethodPost, path: "/v1/notes", body: body})
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if second.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", second.Header().Get("Retry-After"))
	}
	read := doRequest(t, server, request{method: http.MethodGet, path: "/v1/sync/status"})
	if read.Code != http.StatusOK {
		t.Fatalf("reads are not rate limited, got %d", read.Code)
	}
}

func TestRefreshAndStatus(t *testing.T) {
	notes := newFakeNotes()
	notes.refreshed = []note.Note{mustNote(t, 1, "a"), mustNote(t, 2, "b")}
	server := NewServer(notes, ServerConfig{})

	rec := doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync/refresh"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var refreshed map[string]int
	if err := json.NewDecoder(rec.Body).Decode(&refreshed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if refreshed["inserted"] != 2 {
		t.Fatalf("expected 2 inserted, got %+v", refreshed)
	}

	notes.refreshErr = errors.New("telegram getUpdates: status 502")
	failed := doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync/refresh"})
	if failed.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", failed.Code)
	}

	status := doRequest(t, server, request{method: http.MethodGet, path: "/v1/sync/status"})
	var body map[string]any
	if err := json.NewDecoder(status.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["mode"] != "warm" || body["state"] != "loaded" {
		t.Fatalf("unexpected status: %+v", body)
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	server := NewServer(newFakeNotes(), ServerConfig{})
	if rec := doRequest(t, server, request{method: http.MethodGet, path: "/v2/nothing"}); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := doRequest(t, server, request{method: http.MethodDelete, path: "/v1/notes"}); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestMetricsMountedWhenConfigured(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("relaynotes_notes_inserted_total 3\n"))
	})
	server := NewServer(newFakeNotes(), ServerConfig{Metrics: metrics})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/metrics"})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "notes_inserted_total") {
		t.Fatalf("unexpected metrics response %d %q", rec.Code, rec.Body.String())
	}
}

func TestStreamDeliversBatches(t *testing.T) {
	notes := newFakeNotes()
	token := mustTestJWT(t, testSecret, "viewer", []string{ScopeRead}, Audience, time.Now().Add(time.Hour))
	ts := httptest.NewServer(NewServer(notes, ServerConfig{JWTSecret: testSecret}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/notes/stream?access_token=" + token
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	select {
	case <-notes.subscribed:
	case <-ctx.Done():
		t.Fatalf("stream never subscribed")
	}
	notes.emit([]note.Note{mustNote(t, 7, "streamed")})

	var batch []note.Note
	if err := wsjson.Read(ctx, conn, &batch); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(batch) != 1 || batch[0].Text() != "streamed" || batch[0].Line() != 7 {
		t.Fatalf("unexpected batch: %+v", batch)
	}
}

func TestStreamRequiresToken(t *testing.T) {
	ts := httptest.NewServer(NewServer(newFakeNotes(), ServerConfig{JWTSecret: testSecret}))
	defer ts.Close()
	resp, err := http.Get(ts.URL + "/v1/notes/stream")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}
