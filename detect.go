package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/afero"
)

var ErrUnrecognizedAddress = errors.New("address outside archive prefix")

// ScanStats counts what a scan saw in one or more index files.
type ScanStats struct {
	Rows         int
	Comments     int
	Skipped      int
	Present      int
	Missing      int
	Unrecognized int
}

func (s *ScanStats) Merge(o ScanStats) {
	s.Rows += o.Rows
	s.Comments += o.Comments
	s.Skipped += o.Skipped
	s.Present += o.Present
	s.Missing += o.Missing
	s.Unrecognized += o.Unrecognized
}

// Detector finds index entries whose directory is absent from the local mirror.
type Detector struct {
	fs         afero.Fs
	localRoot  string
	field      int
	translator Translator
	progress   *Progress
	strict     bool
}

func NewDetector(fs afero.Fs, cfg *Config, progress *Progress) *Detector {
	return &Detector{
		fs:         fs,
		localRoot:  cfg.LocalRoot,
		field:      cfg.AddressField,
		translator: Translator{Prefix: cfg.ArchivePrefix},
		progress:   progress,
		strict:     cfg.StrictAddresses,
	}
}

// Scan checks every entry of one index file and adds the include patterns of
// each missing entry to sink.
func (d *Detector) Scan(ctx context.Context, indexPath string, sink PatternSink) (ScanStats, error) {
	var stats ScanStats

	entries, err := ReadIndex(d.fs, indexPath, d.field, d.translator)
	if err != nil {
		return stats, err
	}

	for entry, err := range entries {
		if err != nil {
			return stats, err
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		d.progress.Row(entry.Line)
		stats.Rows++

		if entry.Comment {
			stats.Comments++
			continue
		}
		if entry.Skip() {
			stats.Skipped++
			continue
		}

		if !entry.Rel.Recognized {
			stats.Unrecognized++
			if d.strict {
				return stats, fmt.Errorf("%w: %s line %d: %q", ErrUnrecognizedAddress, indexPath, entry.Line+1, entry.Address)
			}
			slog.Warn("unrecognized address prefix", "index", indexPath, "line", entry.Line+1, "address", entry.Address)
		}

		if LeavesRoot(entry.Rel.Rel) {
			stats.Skipped++
			slog.Warn("address leaves the archive root, skipping", "index", indexPath, "line", entry.Line+1, "address", entry.Address)
			continue
		}

		local := d.translator.Local(entry.Rel.Rel, d.localRoot)
		exists, err := afero.DirExists(d.fs, local)
		if err != nil {
			return stats, fmt.Errorf("failed to check %s: %w", local, err)
		}
		if exists {
			stats.Present++
			continue
		}

		stats.Missing++
		d.progress.Missing(entry.Rel.Rel)
		for _, pattern := range MissingPatterns(entry.Rel.Rel) {
			if err := sink.Add(pattern); err != nil {
				return stats, fmt.Errorf("failed to add pattern %s: %w", pattern, err)
			}
		}
	}

	return stats, nil
}

// MissingPatterns returns the include patterns a prefix-matching mirror needs to
// reach rel: every strict ancestor shallow to deep, rel itself, then everything
// directly beneath rel.
func MissingPatterns(rel string) []string {
	patterns := Ancestors(rel)
	return append(patterns, rel, rel+"/*")
}

// Ancestors returns the strict ancestor directories of a slash separated path,
// shallowest first. A leading slash does not produce an empty ancestor.
func Ancestors(rel string) []string {
	var parents []string
	for i := 1; i < len(rel); i++ {
		if rel[i] == '/' {
			parents = append(parents, rel[:i])
		}
	}
	return parents
}
