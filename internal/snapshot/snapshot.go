// Package snapshot persists the sync engine's cursor, seen ids and notes
// between runs.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/agentworkforce/relaynotes/internal/note"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	// ErrLocked is returned when another process holds the snapshot file.
	ErrLocked = errors.New("snapshot is locked by another process")
)

type State struct {
	Warm    bool        `json:"warm"`
	Cursor  *int64      `json:"cursor,omitempty"`
	Seen    []int64     `json:"seen,omitempty"`
	Notes   []note.Note `json:"notes,omitempty"`
	SavedAt time.Time   `json:"savedAt"`
	// ChatID guards against restoring a snapshot taken for another chat.
	ChatID string `json:"chatId,omitempty"`
}

// Backend stores a single State. Load returns nil, nil when nothing was saved.
type Backend interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, state *State) error
	Close() error
}

type MemoryBackend struct {
	mu   sync.Mutex
	data []byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Load(ctx context.Context) (*State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.data == nil {
		return nil, nil
	}
	return decode(b.data)
}

func (b *MemoryBackend) Save(ctx context.Context, state *State) error {
	if state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = data
	return nil
}

func (b *MemoryBackend) Close() error {
	return nil
}

func decode(data []byte) (*State, error) {
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}
