// Package notefs presents the note index as a read-only FUSE tree laid out as
// /<repo>/<branch>/<file>/<line>.txt. Every directory name is the
// percent-encoded value, so repos and paths containing slashes stay one level.
package notefs

import (
	"context"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/agentworkforce/relaynotes/internal/note"
)

const (
	lineSuffix = ".txt"
	dirMode    = 0o555
	fileMode   = 0o444
)

// Source is the read side of the index.
type Source interface {
	Repos() []string
	Branches(repo string) []string
	Files(repo, branch string) []string
	Lines(repo, branch, file string) []int
	Lookup(repo, branch, file string, line int) []note.Note
}

const (
	levelRoot = iota
	levelRepo
	levelBranch
	levelFile
)

type dirNode struct {
	fs.Inode
	src    Source
	level  int
	repo   string
	branch string
	file   string
}

var (
	_ fs.NodeReaddirer = (*dirNode)(nil)
	_ fs.NodeLookuper  = (*dirNode)(nil)
	_ fs.NodeGetattrer = (*dirNode)(nil)
)

// NewRoot returns the root inode for fs.Mount.
func NewRoot(src Source) fs.InodeEmbedder {
	return &dirNode{src: src, level: levelRoot}
}

// children lists the raw values one level below d.
func (d *dirNode) children() []string {
	switch d.level {
	case levelRoot:
		return d.src.Repos()
	case levelRepo:
		return d.src.Branches(d.repo)
	case levelBranch:
		return d.src.Files(d.repo, d.branch)
	}
	return nil
}

// names returns the directory entries of d in listing order.
func (d *dirNode) names() []string {
	if d.level == levelFile {
		lines := d.src.Lines(d.repo, d.branch, d.file)
		out := make([]string, len(lines))
		for i, line := range lines {
			out[i] = LineFileName(line)
		}
		return out
	}
	values := d.children()
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = note.EncodeSegment(v)
	}
	return out
}

// child resolves an entry name to a subdirectory, or to a line number when d
// is a file directory.
func (d *dirNode) child(name string) (*dirNode, int, bool) {
	if d.level == levelFile {
		line, ok := ParseLineFileName(name)
		if !ok || len(d.src.Lookup(d.repo, d.branch, d.file, line)) == 0 {
			return nil, 0, false
		}
		return nil, line, true
	}
	for _, value := range d.children() {
		if note.EncodeSegment(value) != name {
			continue
		}
		next := &dirNode{src: d.src, level: d.level + 1, repo: d.repo, branch: d.branch, file: d.file}
		switch next.level {
		case levelRepo:
			next.repo = value
		case levelBranch:
			next.branch = value
		case levelFile:
			next.file = value
		}
		return next, 0, true
	}
	return nil, 0, false
}

func (d *dirNode) Readdir(_ context.Context) (fs.DirStream, syscall.Errno) {
	names := d.names()
	mode := uint32(fuse.S_IFDIR)
	if d.level == levelFile {
		mode = fuse.S_IFREG
	}
	entries := make([]fuse.DirEntry, len(names))
	for i, name := range names {
		entries[i] = fuse.DirEntry{Name: name, Mode: mode}
	}
	return fs.NewListDirStream(entries), fs.OK
}

func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	next, line, ok := d.child(name)
	if !ok {
		return nil, syscall.ENOENT
	}
	if next != nil {
		out.Attr.Mode = fuse.S_IFDIR | dirMode
		return d.NewInode(ctx, next, fs.StableAttr{Mode: fuse.S_IFDIR}), fs.OK
	}
	f := &lineFile{src: d.src, repo: d.repo, branch: d.branch, file: d.file, line: line}
	f.fillAttr(&out.Attr)
	return d.NewInode(ctx, f, fs.StableAttr{Mode: fuse.S_IFREG}), fs.OK
}

func (d *dirNode) Getattr(_ context.Context, _ fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFDIR | dirMode
	return fs.OK
}

type lineFile struct {
	fs.Inode
	src    Source
	repo   string
	branch string
	file   string
	line   int
}

var (
	_ fs.NodeOpener    = (*lineFile)(nil)
	_ fs.NodeGetattrer = (*lineFile)(nil)
)

func (f *lineFile) content() []byte {
	return RenderNotes(f.src.Lookup(f.repo, f.branch, f.file, f.line))
}

func (f *lineFile) fillAttr(attr *fuse.Attr) {
	notes := f.src.Lookup(f.repo, f.branch, f.file, f.line)
	attr.Mode = fuse.S_IFREG | fileMode
	attr.Size = uint64(len(RenderNotes(notes)))
	if latest := latestTimestamp(notes); !latest.IsZero() {
		attr.SetTimes(nil, &latest, &latest)
	}
}

func (f *lineFile) Getattr(_ context.Context, _ fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	f.fillAttr(&out.Attr)
	return fs.OK
}

func (f *lineFile) Open(_ context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_APPEND|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}
	return &lineHandle{data: f.content()}, fuse.FOPEN_DIRECT_IO, fs.OK
}

// lineHandle pins the content rendered at open time.
type lineHandle struct {
	data []byte
}

var _ fs.FileReader = (*lineHandle)(nil)

func (h *lineHandle) Read(_ context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if off >= int64(len(h.data)) {
		return fuse.ReadResultData(nil), fs.OK
	}
	end := off + int64(len(dest))
	if end > int64(len(h.data)) {
		end = int64(len(h.data))
	}
	return fuse.ReadResultData(h.data[off:end]), fs.OK
}

func LineFileName(line int) string {
	return strconv.Itoa(line) + lineSuffix
}

// ParseLineFileName accepts only names produced by LineFileName.
func ParseLineFileName(name string) (int, bool) {
	raw, ok := strings.CutSuffix(name, lineSuffix)
	if !ok {
		return 0, false
	}
	line, err := note.ParseLine(raw)
	if err != nil || LineFileName(line) != name {
		return 0, false
	}
	return line, true
}

// RenderNotes prints notes newest first, one blank-line separated block each.
func RenderNotes(notes []note.Note) []byte {
	var b strings.Builder
	for i, n := range note.NewestFirst(notes) {
		if i > 0 {
			b.WriteString("\n")
		}
		if n.HasValidTimestamp() {
			b.WriteString(n.Timestamp().UTC().Format(time.RFC3339))
		} else {
			b.WriteString("unknown time")
		}
		b.WriteString("\n")
		if n.Text() != "" {
			b.WriteString(n.Text())
			b.WriteString("\n")
		}
		b.WriteString(n.Locator())
		b.WriteString("\n")
	}
	return []byte(b.String())
}

func latestTimestamp(notes []note.Note) time.Time {
	var latest time.Time
	for _, n := range notes {
		if n.HasValidTimestamp() && n.Timestamp().After(latest) {
			latest = n.Timestamp()
		}
	}
	return latest
}
