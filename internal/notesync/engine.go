// Package notesync merges the remote note log into the local index.
//
// An Engine starts Cold and catches up with a bounded tail fetch of the chat
// history. From then on it is Warm and polls for updates past its cursor.
// Every fetched update passes the dedup tracker before it is decoded, so
// overlapping pages and the engine's own published messages are applied at
// most once. Messages that do not decode as notes are skipped.
package notesync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaynotes/internal/codec"
	"github.com/agentworkforce/relaynotes/internal/dedup"
	"github.com/agentworkforce/relaynotes/internal/index"
	"github.com/agentworkforce/relaynotes/internal/metrics"
	"github.com/agentworkforce/relaynotes/internal/note"
	"github.com/agentworkforce/relaynotes/internal/snapshot"
	"github.com/agentworkforce/relaynotes/internal/telegram"
)

const DefaultLimit = 50

// LogClient is the remote log; *telegram.Client implements it.
type LogClient interface {
	FetchHistory(ctx context.Context, limit int) ([]telegram.Update, error)
	FetchSince(ctx context.Context, after *int64, limit int, timeout time.Duration) ([]telegram.Update, error)
	Append(ctx context.Context, text string) (int64, error)
}

type Mode int

const (
	ModeCold Mode = iota
	ModeWarm
)

func (m Mode) String() string {
	if m == ModeWarm {
		return "warm"
	}
	return "cold"
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

type State int

const (
	StateIdle State = iota
	StateLoading
	StateLoaded
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	}
	return "idle"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Options struct {
	Codec     *codec.Codec
	Logger    *zap.Logger
	Metrics   *metrics.Sync
	Snapshots snapshot.Backend
	// ChatID tags snapshots so one taken for another chat is not restored.
	ChatID       string
	Limit        int
	PollTimeout  time.Duration
	SeenCapacity int
}

type Status struct {
	Mode          Mode      `json:"mode"`
	State         State     `json:"state"`
	Cursor        *int64    `json:"cursor,omitempty"`
	Notes         int       `json:"notes"`
	Seen          int       `json:"seen"`
	ParseFailures int64     `json:"parseFailures"`
	LastLoadAt    time.Time `json:"lastLoadAt,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
}

type subscriber struct {
	id int
	fn func([]note.Note)
}

type Engine struct {
	client      LogClient
	codec       *codec.Codec
	logger      *zap.Logger
	metrics     *metrics.Sync
	snapshots   snapshot.Backend
	chatID      string
	limit       int
	pollTimeout time.Duration

	tracker *dedup.Tracker[telegram.Update]
	index   *index.Index

	// cycle holds one token; whoever owns it runs a fetch-merge cycle.
	cycle chan struct{}
	// saveMu orders snapshot writes from load and publish paths.
	saveMu sync.Mutex

	mu            sync.Mutex
	mode          Mode
	state         State
	lastErr       error
	lastLoadAt    time.Time
	parseFailures int64

	subMu     sync.Mutex
	subs      []subscriber
	nextSubID int
}

func NewEngine(client LogClient, opts Options) (*Engine, error) {
	if client == nil {
		return nil, fmt.Errorf("log client is required")
	}
	c := opts.Codec
	if c == nil {
		c = codec.New(codec.English)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	pollTimeout := opts.PollTimeout
	if pollTimeout < 0 {
		pollTimeout = 0
	}
	return &Engine{
		client:      client,
		codec:       c,
		logger:      logger,
		metrics:     opts.Metrics,
		snapshots:   opts.Snapshots,
		chatID:      strings.TrimSpace(opts.ChatID),
		limit:       telegram.ClampLimit(limit),
		pollTimeout: pollTimeout,
		tracker:     dedup.New[telegram.Update](opts.SeenCapacity),
		index:       index.New(),
		cycle:       make(chan struct{}, 1),
	}, nil
}

// Load runs one fetch-merge cycle and returns the newly inserted notes. It is
// a no-op while another load is in flight and after a successful load; use
// Refresh to fetch again.
func (e *Engine) Load(ctx context.Context) ([]note.Note, error) {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return nil, nil
	}
	e.state = StateLoading
	e.mu.Unlock()
	return e.runCycle(ctx, 0)
}

// Refresh forces a new cycle. If one is in flight it waits for it to finish.
func (e *Engine) Refresh(ctx context.Context) ([]note.Note, error) {
	return e.refresh(ctx, 0)
}

func (e *Engine) refresh(ctx context.Context, pollTimeout time.Duration) ([]note.Note, error) {
	e.mu.Lock()
	e.state = StateLoading
	e.mu.Unlock()
	return e.runCycle(ctx, pollTimeout)
}

func (e *Engine) runCycle(ctx context.Context, pollTimeout time.Duration) ([]note.Note, error) {
	if err := ctx.Err(); err != nil {
		e.abandon()
		return nil, err
	}
	select {
	case e.cycle <- struct{}{}:
	case <-ctx.Done():
		e.abandon()
		return nil, ctx.Err()
	}
	defer func() { <-e.cycle }()

	inserted, err := e.fetchAndMerge(ctx, pollTimeout)
	e.finish(err)
	if err != nil {
		return nil, err
	}
	e.notify(inserted)
	e.save(ctx)
	return inserted, nil
}

// abandon settles the state for a caller that gave up before running a
// cycle. A cycle in flight settles it on its own.
func (e *Engine) abandon() {
	select {
	case e.cycle <- struct{}{}:
	default:
		return
	}
	defer func() { <-e.cycle }()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateLoading {
		return
	}
	e.state = StateIdle
	if e.lastErr == nil && !e.lastLoadAt.IsZero() {
		e.state = StateLoaded
	}
}

func (e *Engine) finish(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastErr = err
	if err != nil {
		e.state = StateIdle
		return
	}
	e.state = StateLoaded
	e.lastLoadAt = time.Now().UTC()
}

func (e *Engine) fetchAndMerge(ctx context.Context, pollTimeout time.Duration) ([]note.Note, error) {
	mode := e.Mode()
	start := time.Now()
	var (
		updates []telegram.Update
		err     error
	)
	if mode == ModeCold {
		updates, err = e.client.FetchHistory(ctx, e.limit)
	} else {
		updates, err = e.client.FetchSince(ctx, e.tracker.Cursor(), e.limit, pollTimeout)
	}
	e.metrics.ObserveLoad(mode.String(), time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("%s fetch: %w", mode, err)
	}
	e.metrics.UpdatesFetched(mode.String(), len(updates))

	withPayload := 0
	for _, u := range updates {
		if _, ok := u.EntryID(); ok {
			withPayload++
		}
	}
	fresh := e.tracker.Apply(updates)
	e.metrics.DuplicatesSkipped(withPayload - len(fresh))

	var inserted []note.Note
	for _, u := range fresh {
		payload := u.Payload()
		n, err := e.codec.Decode(payload.Message.Text)
		if err != nil {
			e.recordParseFailure(u, payload, err)
			continue
		}
		if e.index.Insert(n) {
			inserted = append(inserted, n)
		}
	}
	e.metrics.NotesInserted(len(inserted))

	e.mu.Lock()
	e.mode = ModeWarm
	e.mu.Unlock()

	e.logger.Debug("sync cycle completed",
		zap.Stringer("mode", mode),
		zap.Int("updates", len(updates)),
		zap.Int("fresh", len(fresh)),
		zap.Int("inserted", len(inserted)))
	return inserted, nil
}

func (e *Engine) recordParseFailure(u telegram.Update, payload telegram.Payload, err error) {
	e.mu.Lock()
	e.parseFailures++
	e.mu.Unlock()
	e.metrics.ForeignMessage()

	var pErr *codec.ParseError
	foreign := errors.As(err, &pErr) && pErr.NotAnnotation
	e.logger.Debug("skipping message",
		zap.Int64("update_id", u.UpdateID),
		zap.Int64("message_id", payload.Message.MessageID),
		zap.Stringer("payload", payload.Kind),
		zap.Bool("foreign", foreign),
		zap.Error(err))
}

// Publish sends n to the remote log. The note reaches the index only after
// the remote accepted it.
func (e *Engine) Publish(ctx context.Context, n note.Note) error {
	if err := n.Validate(); err != nil {
		e.metrics.Publish("invalid")
		return err
	}
	id, err := e.client.Append(ctx, e.codec.Encode(n))
	if err != nil {
		e.metrics.Publish("error")
		return fmt.Errorf("publish note: %w", err)
	}
	e.metrics.Publish("ok")
	e.logger.Info("note published", zap.Int64("message_id", id), zap.Stringer("note", n))
	// false when a concurrent fetch already applied this message
	if !e.tracker.MarkSent(id) {
		return nil
	}
	if e.index.Insert(n) {
		e.metrics.NotesInserted(1)
		e.notify([]note.Note{n})
	}
	e.save(ctx)
	return nil
}

// Subscribe registers fn for every non-empty batch of inserted notes.
// Callbacks run synchronously in registration order and must not modify the
// slice they receive.
func (e *Engine) Subscribe(fn func([]note.Note)) (cancel func()) {
	if fn == nil {
		return func() {}
	}
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.nextSubID++
	id := e.nextSubID
	e.subs = append(e.subs, subscriber{id: id, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() {
			e.subMu.Lock()
			defer e.subMu.Unlock()
			for i, s := range e.subs {
				if s.id == id {
					e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
					return
				}
			}
		})
	}
}

func (e *Engine) notify(batch []note.Note) {
	if len(batch) == 0 {
		return
	}
	e.subMu.Lock()
	subs := append([]subscriber(nil), e.subs...)
	e.subMu.Unlock()
	for _, s := range subs {
		s.fn(batch)
	}
}

func (e *Engine) Lookup(repo, branch, file string, line int) []note.Note {
	return e.index.Lookup(repo, branch, file, line)
}

func (e *Engine) FileNotes(repo, branch, file string) map[int][]note.Note {
	return e.index.FileNotes(repo, branch, file)
}

// Index exposes the read side for listing views.
func (e *Engine) Index() *index.Index {
	return e.index
}

func (e *Engine) Mode() Mode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	s := Status{
		Mode:          e.mode,
		State:         e.state,
		ParseFailures: e.parseFailures,
		LastLoadAt:    e.lastLoadAt,
	}
	if e.lastErr != nil {
		s.LastError = e.lastErr.Error()
	}
	e.mu.Unlock()
	s.Cursor = e.tracker.Cursor()
	s.Seen = e.tracker.Len()
	s.Notes = e.index.Len()
	return s
}

// Restore loads the saved cursor, seen ids and notes. A missing snapshot or
// one taken for another chat leaves the engine Cold.
func (e *Engine) Restore(ctx context.Context) error {
	if e.snapshots == nil {
		return nil
	}
	state, err := e.snapshots.Load(ctx)
	if err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	if state == nil {
		return nil
	}
	if state.ChatID != "" && e.chatID != "" && state.ChatID != e.chatID {
		e.logger.Warn("ignoring snapshot for another chat",
			zap.String("snapshot_chat", state.ChatID),
			zap.String("chat", e.chatID))
		return nil
	}
	e.tracker.Restore(dedup.State{Cursor: state.Cursor, Seen: state.Seen})
	restored := 0
	for _, n := range state.Notes {
		if e.index.Insert(n) {
			restored++
		}
	}
	if state.Warm {
		e.mu.Lock()
		e.mode = ModeWarm
		e.mu.Unlock()
	}
	e.logger.Info("snapshot restored",
		zap.Int("notes", restored),
		zap.Bool("warm", state.Warm),
		zap.Time("saved_at", state.SavedAt))
	return nil
}

func (e *Engine) save(ctx context.Context) {
	if e.snapshots == nil {
		return
	}
	e.saveMu.Lock()
	defer e.saveMu.Unlock()
	ts := e.tracker.State()
	state := &snapshot.State{
		Warm:    e.Mode() == ModeWarm,
		Cursor:  ts.Cursor,
		Seen:    ts.Seen,
		Notes:   e.index.All(),
		SavedAt: time.Now().UTC(),
		ChatID:  e.chatID,
	}
	if err := e.snapshots.Save(context.WithoutCancel(ctx), state); err != nil {
		e.logger.Warn("snapshot save failed", zap.Error(err))
	}
}
