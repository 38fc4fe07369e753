package main

import (
	"bufio"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/spf13/afero"
)

const (
	missingAddress = "na"
	maxIndexLine   = 16 * 1024 * 1024
)

var ErrMalformedRow = errors.New("malformed index row")

// Entry is one line of an assembly summary file.
type Entry struct {
	Line    int // 0-based, comment lines included
	Comment bool
	Address string
	Rel     Translation
}

// Skip reports whether the entry has no tree location to check.
func (e Entry) Skip() bool {
	return e.Comment || e.Address == missingAddress
}

// ReadIndex opens an index file and returns a lazy sequence of its entries.
// The sequence stops at the first read error or malformed row.
func ReadIndex(fs afero.Fs, path string, field int, tr Translator) (iter.Seq2[Entry, error], error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index %s: %w", path, err)
	}

	return func(yield func(Entry, error) bool) {
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), maxIndexLine)

		line := 0
		for scanner.Scan() {
			text := scanner.Text()
			entry := Entry{Line: line}
			line++

			if strings.HasPrefix(text, "#") {
				entry.Comment = true
				if !yield(entry, nil) {
					return
				}
				continue
			}

			fields := strings.Split(text, "\t")
			if len(fields) <= field {
				yield(entry, fmt.Errorf("%w: %s line %d has %d fields, want more than %d", ErrMalformedRow, path, entry.Line+1, len(fields), field))
				return
			}
			entry.Address = strings.TrimRight(fields[field], "\r")
			if entry.Address != missingAddress {
				entry.Rel = tr.Relative(entry.Address)
			}
			if !yield(entry, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield(Entry{Line: line}, fmt.Errorf("failed to read index %s: %w", path, err))
		}
	}, nil
}
