package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agentworkforce/relaynotes/internal/index"
	"github.com/agentworkforce/relaynotes/internal/note"
)

type fakeNotes struct {
	*index.Index
	publishErr error
}

func (f *fakeNotes) Publish(_ context.Context, n note.Note) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.Insert(n)
	return nil
}

func seeded(t *testing.T) *fakeNotes {
	t.Helper()
	f := &fakeNotes{Index: index.New()}
	for i, text := range []string{"oldest", "newer", "newest"} {
		line := 3
		if i == 1 {
			line = 9
		}
		n, err := note.New("octo/app", "main", "main.go", line, time.Date(2024, 1, 1+i, 0, 0, 0, 0, time.UTC), text)
		if err != nil {
			t.Fatalf("new note: %v", err)
		}
		f.Insert(n)
	}
	return f
}

func textOf(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil || len(result.Content) != 1 {
		t.Fatalf("expected one content item, got %+v", result)
	}
	text, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", result.Content[0])
	}
	return text.Text
}

func TestListNotesWholeFileNewestFirst(t *testing.T) {
	h := NewHandlers(seeded(t), nil)
	result, _, err := h.ListNotes(context.Background(), nil, ListNotesParams{Repo: "octo/app", Branch: "main", File: "main.go"})
	if err != nil {
		t.Fatalf("list notes: %v", err)
	}
	var got []note.Note
	if err := json.Unmarshal([]byte(textOf(t, result)), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 3 || got[0].Text() != "newest" || got[2].Text() != "oldest" {
		t.Fatalf("unexpected order: %+v", got)
	}
}

func TestListNotesSingleLine(t *testing.T) {
	h := NewHandlers(seeded(t), nil)
	result, _, err := h.ListNotes(context.Background(), nil, ListNotesParams{Repo: "octo/app", Branch: "main", File: "main.go", Line: 9})
	if err != nil {
		t.Fatalf("list notes: %v", err)
	}
	var got []note.Note
	if err := json.Unmarshal([]byte(textOf(t, result)), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Text() != "newer" {
		t.Fatalf("unexpected notes: %+v", got)
	}

	empty, _, err := h.ListNotes(context.Background(), nil, ListNotesParams{Repo: "octo/app", Branch: "main", File: "main.go", Line: 100})
	if err != nil {
		t.Fatalf("list notes: %v", err)
	}
	if textOf(t, empty) != "[]" {
		t.Fatalf("expected empty array, got %q", textOf(t, empty))
	}
}

func TestListNotesMissingParameters(t *testing.T) {
	h := NewHandlers(seeded(t), nil)
	_, _, err := h.ListNotes(context.Background(), nil, ListNotesParams{Repo: "octo/app"})
	if err == nil || !strings.Contains(err.Error(), "branch, file") {
		t.Fatalf("expected missing parameter error, got %v", err)
	}
}

func TestAddNotePublishes(t *testing.T) {
	notes := seeded(t)
	h := NewHandlers(notes, nil)
	h.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }

	result, _, err := h.AddNote(context.Background(), nil, AddNoteParams{Repo: "octo/app", Branch: "main", File: "main.go", Line: 3, Text: "from mcp"})
	if err != nil {
		t.Fatalf("add note: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", textOf(t, result))
	}
	got := notes.Lookup("octo/app", "main", "main.go", 3)
	if len(got) != 3 || got[2].Text() != "from mcp" || !got[2].Timestamp().Equal(h.now()) {
		t.Fatalf("note not published: %+v", got)
	}
}

func TestAddNoteReportsFailuresAsToolErrors(t *testing.T) {
	notes := seeded(t)
	h := NewHandlers(notes, nil)

	invalid, _, err := h.AddNote(context.Background(), nil, AddNoteParams{Repo: "octo/app", Branch: "main", File: "main.go", Line: 0, Text: "x"})
	if err != nil {
		t.Fatalf("validation failures are tool errors, got %v", err)
	}
	if !invalid.IsError || !strings.Contains(textOf(t, invalid), "line must be positive integer") {
		t.Fatalf("unexpected result: %+v", invalid)
	}

	notes.publishErr = errors.New("publish note: telegram sendMessage: Forbidden: bot was kicked")
	failed, _, err := h.AddNote(context.Background(), nil, AddNoteParams{Repo: "octo/app", Branch: "main", File: "main.go", Line: 1, Text: "x"})
	if err != nil {
		t.Fatalf("publish failures are tool errors, got %v", err)
	}
	if !failed.IsError || textOf(t, failed) != "Error: "+notes.publishErr.Error() {
		t.Fatalf("unexpected result: %s", textOf(t, failed))
	}
}

func TestNewServerRegistersTools(t *testing.T) {
	if NewServer(NewHandlers(seeded(t), nil), "test") == nil {
		t.Fatalf("expected server")
	}
}
