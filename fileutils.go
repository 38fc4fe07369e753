package main

import (
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// resolveLocalPath maps a slash separated transfer path onto dest. Paths that
// would escape dest are rejected.
func resolveLocalPath(rel, dest string) (string, error) {
	cleaned := path.Clean("/" + strings.TrimPrefix(rel, "/"))
	if cleaned == "/" {
		return "", fmt.Errorf("empty transfer path %q", rel)
	}
	return filepath.Join(dest, filepath.FromSlash(cleaned)), nil
}

// saveRemoteFile copies reader into localPath and stamps it with modTime.
func saveRemoteFile(fs afero.Fs, localPath string, reader io.Reader, modTime time.Time) (int64, error) {
	if err := fs.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return 0, fmt.Errorf("failed to create directory: %w", err)
	}

	destFile, err := fs.Create(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create destination file: %w", err)
	}

	n, err := io.Copy(destFile, reader)
	if err != nil {
		_ = destFile.Close()
		return n, fmt.Errorf("failed to copy file contents: %w", err)
	}
	if err := destFile.Close(); err != nil {
		return n, fmt.Errorf("failed to close destination file: %w", err)
	}

	if !modTime.IsZero() {
		if err := fs.Chtimes(localPath, modTime, modTime); err != nil {
			return n, fmt.Errorf("failed to set modification time: %w", err)
		}
	}
	return n, nil
}
