// Package index holds notes keyed by repo, branch, file and line.
package index

import (
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/relaynotes/internal/note"
)

type lines map[int][]note.Note

type files map[string]lines

type branches map[string]files

// Index is append-only and safe for concurrent use.
type Index struct {
	mu    sync.RWMutex
	repos map[string]branches
	order []note.Note
}

func New() *Index {
	return &Index{repos: map[string]branches{}}
}

// Insert appends n at its location and reports whether it was accepted.
func (ix *Index) Insert(n note.Note) bool {
	if strings.TrimSpace(n.Repo()) == "" || strings.TrimSpace(n.Branch()) == "" ||
		strings.TrimSpace(n.File()) == "" || n.Line() < 1 {
		return false
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()

	b, ok := ix.repos[n.Repo()]
	if !ok {
		b = branches{}
		ix.repos[n.Repo()] = b
	}
	f, ok := b[n.Branch()]
	if !ok {
		f = files{}
		b[n.Branch()] = f
	}
	l, ok := f[n.File()]
	if !ok {
		l = lines{}
		f[n.File()] = l
	}
	l[n.Line()] = append(l[n.Line()], n)
	ix.order = append(ix.order, n)
	return true
}

// Lookup returns a copy of the notes at the exact location, in arrival order.
func (ix *Index) Lookup(repo, branch, file string, line int) []note.Note {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	l := ix.lines(repo, branch, file)
	if l == nil {
		return []note.Note{}
	}
	return append([]note.Note{}, l[line]...)
}

// FileNotes returns copies of every line's notes in a file.
func (ix *Index) FileNotes(repo, branch, file string) map[int][]note.Note {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	out := map[int][]note.Note{}
	for line, notes := range ix.lines(repo, branch, file) {
		out[line] = append([]note.Note{}, notes...)
	}
	return out
}

func (ix *Index) lines(repo, branch, file string) lines {
	b, ok := ix.repos[repo]
	if !ok {
		return nil
	}
	f, ok := b[branch]
	if !ok {
		return nil
	}
	return f[file]
}

func (ix *Index) Repos() []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return sortedKeys(ix.repos)
}

func (ix *Index) Branches(repo string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return sortedKeys(ix.repos[repo])
}

func (ix *Index) Files(repo, branch string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	b := ix.repos[repo]
	if b == nil {
		return []string{}
	}
	return sortedKeys(b[branch])
}

func (ix *Index) Lines(repo, branch, file string) []int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	l := ix.lines(repo, branch, file)
	out := make([]int, 0, len(l))
	for line := range l {
		out = append(out, line)
	}
	sort.Ints(out)
	return out
}

// All returns every note in arrival order.
func (ix *Index) All() []note.Note {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]note.Note{}, ix.order...)
}

func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.order)
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
