// Package note defines the validated annotation bound to a source location.
package note

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultLocatorBase is the host every locator points at.
const DefaultLocatorBase = "https://github.com"

// InvalidTimestamp is assigned when a timestamp is absent or unparsable.
// Absent and malformed values are indistinguishable after construction.
var InvalidTimestamp = time.Unix(0, 0).UTC()

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ValidationError lists every field problem found in one note.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return "invalid note"
	}
	return "invalid note: " + strings.Join(e.Problems, ", ")
}

func invalid(problems ...string) error {
	return &ValidationError{Problems: problems}
}

// Note is immutable; construct it with New or Parse.
type Note struct {
	repo      string
	branch    string
	file      string
	line      int
	timestamp time.Time
	text      string
}

// Fields is the all-string form produced by decoders and request bodies.
type Fields struct {
	Repo      string `json:"repo"`
	Branch    string `json:"branch"`
	File      string `json:"file"`
	Line      string `json:"line"`
	Timestamp string `json:"timestamp"`
	Text      string `json:"text"`
}

// New builds a validated note from typed values.
func New(repo, branch, file string, line int, ts time.Time, text string) (Note, error) {
	if err := validatePath("repo", repo); err != nil {
		return Note{}, err
	}
	if err := validatePath("file", file); err != nil {
		return Note{}, err
	}
	if err := validatePath("branch", branch); err != nil {
		return Note{}, err
	}
	if line <= 0 {
		return Note{}, invalid("line must be positive integer")
	}
	if ts.IsZero() {
		ts = InvalidTimestamp
	}
	return Note{
		repo:      strings.TrimSpace(repo),
		branch:    strings.TrimSpace(branch),
		file:      strings.TrimSpace(file),
		line:      line,
		timestamp: ts.UTC(),
		text:      strings.TrimSpace(text),
	}, nil
}

// Parse builds a validated note from raw string fields.
func Parse(f Fields) (Note, error) {
	line, err := ParseLine(f.Line)
	if err != nil {
		return Note{}, err
	}
	return New(f.Repo, f.Branch, f.File, line, ParseTimestamp(f.Timestamp), f.Text)
}

// ParseLine accepts a base-10 integer of at least 1.
func ParseLine(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, invalid("line number is required")
	}
	if raw == "true" || raw == "false" || strings.TrimLeft(raw, "0123456789") != "" {
		return 0, invalid("line number must be integer")
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, invalid("line number must be positive integer")
	}
	return n, nil
}

// ParseTimestamp never fails: unknown formats yield InvalidTimestamp.
func ParseTimestamp(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return InvalidTimestamp
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC()
		}
	}
	return InvalidTimestamp
}

func validatePath(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return invalid("invalid " + name)
	}
	if strings.ContainsAny(value, "\r\n") {
		return invalid(name + " must be a single line")
	}
	for _, part := range strings.Split(value, "/") {
		part = strings.TrimSpace(part)
		if part == "" || part == "." || part == ".." {
			return invalid("invalid " + name)
		}
	}
	return nil
}

// Validate reports every missing required field. It catches zero Notes that
// bypassed the constructor.
func (n Note) Validate() error {
	var problems []string
	if strings.TrimSpace(n.repo) == "" {
		problems = append(problems, "repo must be a non-empty string")
	}
	if strings.TrimSpace(n.branch) == "" {
		problems = append(problems, "branch must be a non-empty string")
	}
	if strings.TrimSpace(n.file) == "" {
		problems = append(problems, "file must be a non-empty string")
	}
	if n.line <= 0 {
		problems = append(problems, "line must be >= 1")
	}
	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func (n Note) Repo() string         { return n.repo }
func (n Note) Branch() string       { return n.branch }
func (n Note) File() string         { return n.file }
func (n Note) Line() int            { return n.line }
func (n Note) Timestamp() time.Time { return n.timestamp }
func (n Note) Text() string         { return n.text }

// HasValidTimestamp is false when the timestamp is the InvalidTimestamp sentinel.
func (n Note) HasValidTimestamp() bool {
	return !n.timestamp.Equal(InvalidTimestamp)
}

func (n Note) Equal(other Note) bool {
	return n.repo == other.repo &&
		n.branch == other.branch &&
		n.file == other.file &&
		n.line == other.line &&
		n.timestamp.Equal(other.timestamp) &&
		n.text == other.text
}

// Locator is the URL of the annotated line.
func (n Note) Locator() string {
	return fmt.Sprintf("%s/%s/blob/%s/%s#L%d",
		DefaultLocatorBase, EncodePath(n.repo), EncodePath(n.branch), EncodePath(n.file), n.line)
}

// EncodePath percent-encodes every segment of a slash-delimited path.
func EncodePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		parts[i] = EncodeSegment(part)
	}
	return strings.Join(parts, "/")
}

// EncodeSegment escapes everything outside the URI unreserved set, slashes included.
func EncodeSegment(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func (n Note) String() string {
	return fmt.Sprintf("%s@%s:%s#L%d", n.repo, n.branch, n.file, n.line)
}

type wireNote struct {
	Repo      string    `json:"repo"`
	Branch    string    `json:"branch"`
	File      string    `json:"file"`
	Line      int       `json:"line"`
	Timestamp time.Time `json:"timestamp"`
	Text      string    `json:"text"`
	Locator   string    `json:"locator,omitempty"`
}

func (n Note) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireNote{
		Repo:      n.repo,
		Branch:    n.branch,
		File:      n.file,
		Line:      n.line,
		Timestamp: n.timestamp,
		Text:      n.text,
		Locator:   n.Locator(),
	})
}

func (n *Note) UnmarshalJSON(data []byte) error {
	var w wireNote
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	parsed, err := New(w.Repo, w.Branch, w.File, w.Line, w.Timestamp, w.Text)
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// IsValidationError reports whether err carries a ValidationError.
func IsValidationError(err error) bool {
	var vErr *ValidationError
	return errors.As(err, &vErr)
}

// NewestFirst returns a copy of notes ordered by descending timestamp.
// Notes with equal timestamps keep their relative order.
func NewestFirst(notes []Note) []Note {
	out := append([]Note{}, notes...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].timestamp.After(out[j].timestamp)
	})
	return out
}
