package main

import (
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// IncludeFilter applies an include list followed by a catch-all exclude, the
// way rsync evaluates --include-from=<list> --exclude=*. Patterns are anchored
// at the transfer root and '*' never matches across a '/'. A directory that no
// pattern includes is not descended into.
type IncludeFilter struct {
	patterns []string
}

func NewIncludeFilter(patterns []string) (*IncludeFilter, error) {
	f := &IncludeFilter{patterns: make([]string, 0, len(patterns))}
	for _, p := range patterns {
		p = strings.TrimPrefix(p, "/")
		// rsync has no brace expansion
		p = strings.NewReplacer("{", `\{`, "}", `\}`).Replace(p)
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid include pattern %q", p)
		}
		f.patterns = append(f.patterns, p)
	}
	return f, nil
}

// Included reports whether rel survives the filter. A nil filter includes everything.
func (f *IncludeFilter) Included(rel string) bool {
	if f == nil {
		return true
	}
	for _, p := range f.patterns {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func (f *IncludeFilter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.patterns)
}
