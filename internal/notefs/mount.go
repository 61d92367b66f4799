package notefs

import (
	"fmt"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

type MountOptions struct {
	// CacheTimeout bounds how long the kernel caches entries and attributes.
	CacheTimeout time.Duration
	AllowOther   bool
	Debug        bool
}

// Mount serves src at dir. Call Unmount on the returned server to detach.
func Mount(dir string, src Source, opts MountOptions) (*fuse.Server, error) {
	timeout := opts.CacheTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	server, err := fs.Mount(dir, NewRoot(src), &fs.Options{
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
		MountOptions: fuse.MountOptions{
			FsName:     "relaynotes",
			Name:       "relaynotes",
			AllowOther: opts.AllowOther,
			Debug:      opts.Debug,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mount %s: %w", dir, err)
	}
	return server, nil
}
