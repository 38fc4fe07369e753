package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
)

const downloadAttempts = 3

var ErrShortTransfer = errors.New("short transfer")

// remoteEntry is one item of a remote directory listing.
type remoteEntry struct {
	Name    string
	Dir     bool
	Link    bool
	Size    int64
	ModTime time.Time
}

// remoteFS is the read-only view of a remote tree the native transports walk.
type remoteFS interface {
	ReadDir(dir string) ([]remoteEntry, error)
	Open(file string) (io.ReadCloser, error)
	// Resolve follows a link and returns the canonical path of its target and
	// whether that target is a directory.
	Resolve(p string) (target string, dir bool, err error)
}

// treeMirror copies a remote subtree into a local directory.
type treeMirror struct {
	remote     remoteFS
	local      afero.Fs
	filter     *IncludeFilter
	retryDelay time.Duration

	// canonical paths of the directories on the current walk path
	active mapset.Set[string]
	result TransferResult
	files  int
	bytes  int64
}

func newTreeMirror(remote remoteFS, local afero.Fs, filter *IncludeFilter) *treeMirror {
	return &treeMirror{
		remote:     remote,
		local:      local,
		filter:     filter,
		retryDelay: time.Second,
		active:     mapset.NewThreadUnsafeSet[string](),
	}
}

// Run mirrors base/subtree into dest/subtree. A timeout above zero bounds the
// whole transfer.
func (m *treeMirror) Run(ctx context.Context, base, subtree, dest string, timeout time.Duration) (*TransferResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := m.run(ctx, base, subtree, dest)
	m.result.Duration = time.Since(start)
	if err != nil {
		m.result.ExitCode = 1
		m.result.Stderr = err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			return &m.result, fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, err)
		}
		return &m.result, err
	}

	slog.Info("transfer complete",
		"subtree", subtree,
		"files", humanize.Comma(int64(m.files)),
		"size", humanize.Bytes(uint64(m.bytes)),
		"took", m.result.Duration.Round(time.Millisecond))
	return &m.result, nil
}

func (m *treeMirror) run(ctx context.Context, base, subtree, dest string) error {
	rel := path.Clean(subtree)
	if !m.filter.Included(rel) {
		slog.Warn("transfer root excluded by filter", "subtree", rel)
		return nil
	}
	root := path.Join(base, rel)
	key := root
	if target, isDir, err := m.remote.Resolve(root); err == nil && isDir {
		key = target
	}
	return m.walk(ctx, root, key, rel, dest)
}

// walk mirrors remoteDir, whose canonical path is key. A directory link whose
// target is already on the walk path is a cycle and is not descended.
func (m *treeMirror) walk(ctx context.Context, remoteDir, key, rel, dest string) error {
	if m.active.Contains(key) {
		slog.Warn("skipping directory link cycle", "path", rel, "target", key)
		return nil
	}
	m.active.Add(key)
	defer m.active.Remove(key)

	localDir, err := resolveLocalPath(rel, dest)
	if err != nil {
		return err
	}
	if err := m.local.MkdirAll(localDir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	slog.Debug("listing", "path", remoteDir)
	entries, err := m.remote.ReadDir(remoteDir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", remoteDir, err)
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.Name == "." || e.Name == ".." {
			continue
		}

		childRel := path.Join(rel, e.Name)
		if !m.filter.Included(childRel) {
			continue
		}
		childRemote := path.Join(remoteDir, e.Name)

		if e.Dir {
			if err := m.walk(ctx, childRemote, path.Join(key, e.Name), childRel, dest); err != nil {
				return err
			}
			continue
		}
		size := e.Size
		if e.Link {
			// follow links to directories, copy links to files
			target, isDir, err := m.remote.Resolve(childRemote)
			if err != nil {
				return fmt.Errorf("failed to resolve link %s: %w", childRemote, err)
			}
			if isDir {
				if err := m.walk(ctx, childRemote, target, childRel, dest); err != nil {
					return err
				}
				continue
			}
			// a listing reports the size of the link, not of its target
			size = -1
		}
		if err := m.download(ctx, childRemote, childRel, dest, size, e.ModTime); err != nil {
			return err
		}
	}
	return nil
}

// download fetches one file. A size of zero or more is the length the listing
// announced; a shorter copy is retried like any other failure.
func (m *treeMirror) download(ctx context.Context, remotePath, rel, dest string, size int64, modTime time.Time) error {
	localPath, err := resolveLocalPath(rel, dest)
	if err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		n, err := m.downloadOnce(remotePath, localPath, modTime)
		if err == nil && size >= 0 && n != size {
			err = fmt.Errorf("%w: got %d of %d bytes", ErrShortTransfer, n, size)
		}
		if err == nil {
			m.files++
			m.bytes += n
			slog.Info("fetched", "path", rel, "size", humanize.Bytes(uint64(n)))
			return nil
		}
		if attempt+1 >= downloadAttempts {
			return fmt.Errorf("failed to fetch %s after %d attempts: %w", remotePath, downloadAttempts, err)
		}
		slog.Warn("fetch failed, retrying", "path", rel, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.retryDelay * time.Duration(attempt+1)):
		}
	}
}

func (m *treeMirror) downloadOnce(remotePath, localPath string, modTime time.Time) (int64, error) {
	r, err := m.remote.Open(remotePath)
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return saveRemoteFile(m.local, localPath, r, modTime)
}

// loadFilter reads the include list written by a scan.
func loadFilter(fs afero.Fs, filterPath string) (*IncludeFilter, error) {
	patterns, err := ReadFilterList(fs, filterPath)
	if err != nil {
		return nil, err
	}
	return NewIncludeFilter(patterns)
}
