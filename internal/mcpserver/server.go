// Package mcpserver exposes notes as MCP tools.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaynotes/internal/note"
)

const Name = "relaynotes"

// Notes is the engine surface the tools use.
type Notes interface {
	Lookup(repo, branch, file string, line int) []note.Note
	FileNotes(repo, branch, file string) map[int][]note.Note
	Publish(ctx context.Context, n note.Note) error
}

type ListNotesParams struct {
	Repo   string `json:"repo" jsonschema:"repository as owner/name"`
	Branch string `json:"branch" jsonschema:"branch name"`
	File   string `json:"file" jsonschema:"path of the file inside the repository"`
	Line   int    `json:"line,omitempty" jsonschema:"line number; omit to list every line of the file"`
}

type AddNoteParams struct {
	Repo   string `json:"repo" jsonschema:"repository as owner/name"`
	Branch string `json:"branch" jsonschema:"branch name"`
	File   string `json:"file" jsonschema:"path of the file inside the repository"`
	Line   int    `json:"line" jsonschema:"line number, starting at 1"`
	Text   string `json:"text" jsonschema:"note text"`
}

type Handlers struct {
	notes  Notes
	logger *zap.Logger
	now    func() time.Time
}

func NewHandlers(notes Notes, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{notes: notes, logger: logger, now: time.Now}
}

// NewServer registers list_notes and add_note on a fresh MCP server.
func NewServer(h *Handlers, version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: Name, Version: version}, nil)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_notes",
		Description: "List notes attached to a file, or to one line of it, newest first",
	}, h.ListNotes)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "add_note",
		Description: "Attach a note to a line of a file and publish it to the shared log",
	}, h.AddNote)
	return server
}

// Run serves the tools over stdio until ctx is done or the client disconnects.
func Run(ctx context.Context, h *Handlers, version string) error {
	return NewServer(h, version).Run(ctx, &mcp.StdioTransport{})
}

func (h *Handlers) ListNotes(_ context.Context, _ *mcp.CallToolRequest, params ListNotesParams) (*mcp.CallToolResult, any, error) {
	if err := requireLocation(params.Repo, params.Branch, params.File); err != nil {
		return nil, nil, err
	}
	var notes []note.Note
	if params.Line > 0 {
		notes = h.notes.Lookup(params.Repo, params.Branch, params.File, params.Line)
	} else {
		for _, lineNotes := range h.notes.FileNotes(params.Repo, params.Branch, params.File) {
			notes = append(notes, lineNotes...)
		}
	}
	notes = note.NewestFirst(notes)
	if notes == nil {
		notes = []note.Note{}
	}
	body, err := json.MarshalIndent(notes, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("encode notes: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(body)}},
	}, nil, nil
}

func (h *Handlers) AddNote(ctx context.Context, _ *mcp.CallToolRequest, params AddNoteParams) (*mcp.CallToolResult, any, error) {
	n, err := note.New(params.Repo, params.Branch, params.File, params.Line, h.now().UTC(), params.Text)
	if err != nil {
		return errorResult(err), nil, nil
	}
	if err := h.notes.Publish(ctx, n); err != nil {
		h.logger.Warn("mcp add_note failed", zap.Stringer("note", n), zap.Error(err))
		return errorResult(err), nil, nil
	}
	body, err := json.MarshalIndent(n, "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("encode note: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(body)}},
	}, nil, nil
}

func requireLocation(repo, branch, file string) error {
	var missing []string
	if strings.TrimSpace(repo) == "" {
		missing = append(missing, "repo")
	}
	if strings.TrimSpace(branch) == "" {
		missing = append(missing, "branch")
	}
	if strings.TrimSpace(file) == "" {
		missing = append(missing, "file")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required parameter: %s", strings.Join(missing, ", "))
	}
	return nil
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "Error: " + err.Error()}},
		IsError: true,
	}
}
