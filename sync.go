package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/spf13/afero"
)

const lockFile = ".genomesync.lock"

var ErrStagingLocked = errors.New("staging root locked by another run")

// Syncer drives one run: fetch the index, find what the local mirror lacks,
// and download exactly that into the staging root.
type Syncer struct {
	cfg       *Config
	fs        afero.Fs
	transport Transport
	progress  *Progress
}

func NewSyncer(cfg *Config, fs afero.Fs, transport Transport, progress *Progress) *Syncer {
	return &Syncer{
		cfg:       cfg,
		fs:        fs,
		transport: transport,
		progress:  progress,
	}
}

// Run performs the full pipeline. The live mirror is only ever read.
func (s *Syncer) Run(ctx context.Context) error {
	unlock, err := s.lock()
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.fetchIndex(ctx); err != nil {
		return err
	}

	filterPath, stats, err := s.scan(ctx)
	if err != nil {
		return err
	}

	if stats.Missing == 0 {
		slog.Info("local mirror is complete")
	}

	if err := s.transfer(ctx, filterPath); err != nil {
		return err
	}

	s.logPromotion()
	return nil
}

// Scan runs detection against an index already present in the staging root.
func (s *Syncer) Scan(ctx context.Context) (ScanStats, error) {
	unlock, err := s.lock()
	if err != nil {
		return ScanStats{}, err
	}
	defer unlock()

	_, stats, err := s.scan(ctx)
	return stats, err
}

func (s *Syncer) lock() (func(), error) {
	if err := s.cfg.EnsureStaging(s.fs); err != nil {
		return nil, err
	}

	lock := flock.New(filepath.Join(s.cfg.StagingRoot, lockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock staging root: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrStagingLocked, s.cfg.StagingRoot)
	}

	return func() {
		// never unlink the lock file, another run may already hold its inode open
		if err := lock.Unlock(); err != nil {
			slog.Warn("failed to unlock staging root", "error", err)
		}
	}, nil
}

func (s *Syncer) fetchIndex(ctx context.Context) error {
	slog.Info("downloading remote index files", "subtree", s.cfg.IndexSubtree, "staging", s.cfg.StagingRoot)

	res, err := s.transport.Fetch(ctx, s.cfg.IndexSubtree, s.cfg.StagingRoot)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTransferFailed):
		// a partial fetch is caught by the scan finding no or truncated summaries
		slog.Warn("index fetch reported failure, continuing", "exit", exitCode(res), "error", err)
		return nil
	default:
		return fmt.Errorf("index fetch: %w", err)
	}
}

func (s *Syncer) summaries() ([]string, error) {
	dir := s.cfg.IndexDir()
	infos, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list index directory: %w", err)
	}

	var files []string
	for _, fi := range infos {
		if fi.IsDir() || !strings.HasPrefix(fi.Name(), s.cfg.SummaryPrefix) {
			continue
		}
		files = append(files, fi.Name())
	}
	return files, nil
}

func (s *Syncer) scan(ctx context.Context) (string, ScanStats, error) {
	var total ScanStats

	files, err := s.summaries()
	if err != nil {
		return "", total, err
	}
	if len(files) == 0 {
		slog.Warn("no assembly summaries found", "dir", s.cfg.IndexDir(), "prefix", s.cfg.SummaryPrefix)
	}
	slog.Info("assembly summaries", "files", strings.Join(files, ","))

	list, err := CreateFilterList(s.fs, s.cfg.FilterPath())
	if err != nil {
		return "", total, err
	}

	detector := NewDetector(s.fs, s.cfg, s.progress)
	for _, name := range files {
		slog.Info("checking for missing local files", "index", name)
		stats, err := detector.Scan(ctx, filepath.Join(s.cfg.IndexDir(), name), list)
		total.Merge(stats)
		if err != nil {
			_ = list.Close()
			return "", total, err
		}
		slog.Info("index checked",
			"index", name,
			"rows", humanize.Comma(int64(stats.Rows)),
			"missing", humanize.Comma(int64(stats.Missing)))
	}

	if err := list.Close(); err != nil {
		return "", total, err
	}

	slog.Info("scan complete",
		"rows", humanize.Comma(int64(total.Rows)),
		"present", humanize.Comma(int64(total.Present)),
		"missing", humanize.Comma(int64(total.Missing)),
		"skipped", humanize.Comma(int64(total.Skipped)),
		"unrecognized", total.Unrecognized,
		"patterns", humanize.Comma(int64(list.Len())),
		"filter", list.Path)
	return list.Path, total, nil
}

func (s *Syncer) transfer(ctx context.Context, filterPath string) error {
	slog.Info("downloading missing entries", "subtree", s.cfg.BulkSubtree, "filter", filterPath)

	res, err := s.transport.FetchFiltered(ctx, s.cfg.BulkSubtree, s.cfg.StagingRoot, filterPath)
	if err != nil {
		if res != nil && res.Stderr != "" {
			slog.Error("transfer output", "stderr", lastLines(res.Stderr, 10))
		}
		return fmt.Errorf("bulk transfer: %w", err)
	}
	slog.Info("bulk transfer finished", "took", res.Duration.Round(time.Millisecond))
	return nil
}

// logPromotion prints how to move the staged tree into the live mirror. The
// bulk tree goes first so the index never names data that is not there yet.
func (s *Syncer) logPromotion() {
	staged := func(name string) string {
		return filepath.Join(s.cfg.StagingRoot, name)
	}
	slog.Info("staging complete, promote bulk tree first, index last")
	slog.Info("promote step 1", "cmd", fmt.Sprintf("rsync --copy-links --recursive --progress --times --verbose %s %s",
		staged(s.cfg.BulkSubtree), withTrailingSlash(s.cfg.LocalRoot)))
	slog.Info("promote step 2", "cmd", fmt.Sprintf("rsync --copy-links --recursive --progress --times --verbose %s %s",
		staged(s.cfg.IndexSubtree), withTrailingSlash(s.cfg.LocalRoot)))
}

func exitCode(res *TransferResult) int {
	if res == nil {
		return -1
	}
	return res.ExitCode
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
