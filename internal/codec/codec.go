// Package codec converts notes to and from the chat message text stored in the
// remote channel. The format is meant to be read by people in a chat client and
// parsed back by machines, so decoding is tolerant about decoration (emoji,
// case, punctuation) but strict about structure.
package codec

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/agentworkforce/relaynotes/internal/note"
)

var markerPattern = regexp.MustCompile(`(?i)^[^\p{L}]*(note|annotation|заметка|аннотация)(?:[^\p{L}]|$)`)

// Vocabulary is one spelling of the title and header labels.
type Vocabulary struct {
	Name       string
	Title      string
	Repository string
	Branch     string
	File       string
	Line       string
	Timestamp  string
	Link       string
	// Aliases are extra accepted spellings per field, keyed by field.
	Aliases map[Field][]string
}

type Field string

const (
	FieldRepository Field = "repository"
	FieldFile       Field = "file"
	FieldBranch     Field = "branch"
	FieldLine       Field = "line"
	FieldTimestamp  Field = "timestamp"
)

var requiredFields = []Field{FieldRepository, FieldFile, FieldBranch, FieldLine, FieldTimestamp}

var English = Vocabulary{
	Name:       "en",
	Title:      "📌 Note on code",
	Repository: "Repository",
	Branch:     "Branch",
	File:       "File",
	Line:       "Line",
	Timestamp:  "Timestamp",
	Link:       "Link",
	Aliases: map[Field][]string{
		FieldRepository: {"repo"},
		FieldFile:       {"path"},
		FieldTimestamp:  {"time"},
	},
}

var Russian = Vocabulary{
	Name:       "ru",
	Title:      "📌 Заметка в коде",
	Repository: "Репозиторий",
	Branch:     "Ветка",
	File:       "Файл",
	Line:       "Строка",
	Timestamp:  "Время",
	Link:       "Ссылка",
}

// Vocabularies are consulted in order when decoding.
var Vocabularies = []Vocabulary{Russian, English}

// VocabularyByName returns English for unknown names.
func VocabularyByName(name string) Vocabulary {
	for _, v := range Vocabularies {
		if strings.EqualFold(v.Name, strings.TrimSpace(name)) {
			return v
		}
	}
	return English
}

func (v Vocabulary) label(f Field) string {
	switch f {
	case FieldRepository:
		return v.Repository
	case FieldFile:
		return v.File
	case FieldBranch:
		return v.Branch
	case FieldLine:
		return v.Line
	case FieldTimestamp:
		return v.Timestamp
	}
	return ""
}

func (v Vocabulary) keys(f Field) []string {
	keys := []string{normalizeLabel(v.label(f))}
	for _, alias := range v.Aliases[f] {
		keys = append(keys, normalizeLabel(alias))
	}
	return keys
}

type ParseError struct {
	// NotAnnotation is set when the text lacks the marker line, i.e. it is
	// ordinary chat traffic rather than a damaged note.
	NotAnnotation bool
	Reason        string
	Err           error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse note: %s: %v", e.Reason, e.Err)
	}
	return "parse note: " + e.Reason
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Codec renders notes as chat messages and parses them back.
type Codec struct {
	vocab Vocabulary
}

// New returns a codec for vocab, falling back to English when vocab is empty.
func New(vocab Vocabulary) *Codec {
	if vocab.Title == "" {
		vocab = English
	}
	return &Codec{vocab: vocab}
}

func (c *Codec) Vocabulary() Vocabulary {
	return c.vocab
}

func (c *Codec) Encode(n note.Note) string {
	v := c.vocab
	lines := []string{
		v.Title,
		header(v.Repository, n.Repo()),
		header(v.Branch, n.Branch()),
		header(v.File, n.File()),
		header(v.Line, strconv.Itoa(n.Line())),
		header(v.Timestamp, n.Timestamp().UTC().Format(time.RFC3339Nano)),
		header(v.Link, n.Locator()),
		"",
		n.Text(),
	}
	return strings.Join(lines, "\n")
}

func header(label, value string) string {
	return label + ": " + value
}

func (c *Codec) Decode(text string) (note.Note, error) {
	raw := strings.Split(text, "\n")
	trimmed := make([]string, len(raw))
	for i, line := range raw {
		trimmed[i] = strings.TrimSpace(line)
	}

	first := -1
	for i, line := range trimmed {
		if line != "" {
			first = i
			break
		}
	}
	if first < 0 || !markerPattern.MatchString(trimmed[first]) {
		got := ""
		if first >= 0 {
			got = trimmed[first]
		}
		return note.Note{}, &ParseError{
			NotAnnotation: true,
			Reason:        fmt.Sprintf("first line must start with a note marker, got %q", got),
		}
	}

	headers := map[string]string{}
	i := first + 1
	for ; i < len(trimmed) && trimmed[i] != ""; i++ {
		line := trimmed[i]
		idx := strings.Index(line, ":")
		if idx <= 0 {
			return note.Note{}, &ParseError{Reason: fmt.Sprintf("malformed header, missing colon in %q", line)}
		}
		key := normalizeLabel(line[:idx])
		if key == "" {
			return note.Note{}, &ParseError{Reason: fmt.Sprintf("cannot extract field name from %q", line)}
		}
		headers[key] = strings.TrimSpace(line[idx+1:])
	}

	values := map[Field]string{}
	for _, field := range requiredFields {
		value := lookup(headers, field)
		if value == "" {
			return note.Note{}, &ParseError{Reason: "missing required field: " + describeField(field)}
		}
		values[field] = value
	}

	body := ""
	if i+1 < len(raw) {
		body = strings.TrimSpace(strings.Join(raw[i+1:], "\n"))
	}

	n, err := note.Parse(note.Fields{
		Repo:      values[FieldRepository],
		Branch:    values[FieldBranch],
		File:      values[FieldFile],
		Line:      values[FieldLine],
		Timestamp: values[FieldTimestamp],
		Text:      body,
	})
	if err != nil {
		return note.Note{}, &ParseError{Reason: "invalid note fields", Err: err}
	}
	return n, nil
}

func lookup(headers map[string]string, field Field) string {
	for _, v := range Vocabularies {
		for _, key := range v.keys(field) {
			if value := headers[key]; value != "" {
				return value
			}
		}
	}
	return ""
}

func describeField(field Field) string {
	names := make([]string, 0, len(Vocabularies))
	for _, v := range Vocabularies {
		names = append(names, strings.ToLower(v.label(field)))
	}
	return strings.Join(names, " or ")
}

// normalizeLabel keeps letters only, lower-cased.
func normalizeLabel(label string) string {
	var b strings.Builder
	for _, r := range label {
		if unicode.IsLetter(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}
