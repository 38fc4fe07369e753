package main

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/afero"
)

// PatternSink receives include patterns in emission order.
type PatternSink interface {
	Add(pattern string) error
}

// FilterList is the include-pattern file handed to the bulk transfer.
// It is written front to back once per run and is not atomic: an interrupted
// run leaves whatever was flushed so far.
type FilterList struct {
	Path string

	file  afero.File
	w     *bufio.Writer
	count int
}

func CreateFilterList(fs afero.Fs, path string) (*FilterList, error) {
	f, err := fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create filter list: %w", err)
	}
	return &FilterList{
		Path: path,
		file: f,
		w:    bufio.NewWriter(f),
	}, nil
}

func (l *FilterList) Add(pattern string) error {
	if _, err := l.w.WriteString(pattern); err != nil {
		return err
	}
	if err := l.w.WriteByte('\n'); err != nil {
		return err
	}
	l.count++
	return nil
}

// Len returns the number of patterns written so far.
func (l *FilterList) Len() int {
	return l.count
}

// Close flushes buffered patterns and closes the file. The list must be closed
// before a transfer reads it.
func (l *FilterList) Close() error {
	if err := l.w.Flush(); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("failed to flush filter list: %w", err)
	}
	return l.file.Close()
}

// ReadFilterList loads the patterns of a filter list, skipping blank lines.
func ReadFilterList(fs afero.Fs, path string) ([]string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open filter list: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns, scanner.Err()
}
