package main

import (
	"path/filepath"
	"strings"
)

// Translation is the result of stripping the archive prefix from a remote address.
// Recognized is false when the address did not carry the prefix; Rel is then the
// address unchanged.
type Translation struct {
	Rel        string
	Recognized bool
}

// Translator maps remote archive addresses onto relative and local paths.
type Translator struct {
	Prefix string
}

func (t Translator) Relative(addr string) Translation {
	rel, ok := strings.CutPrefix(addr, t.Prefix)
	if !ok {
		return Translation{Rel: addr}
	}
	return Translation{Rel: rel, Recognized: true}
}

// Local appends rel to root verbatim, so the local path ends in exactly the
// part of the address after the prefix.
func (t Translator) Local(rel, root string) string {
	sep := string(filepath.Separator)
	return strings.TrimSuffix(root, sep) + sep + filepath.FromSlash(rel)
}

// LeavesRoot reports whether rel has a ".." segment and so could resolve
// outside the root it is appended to.
func LeavesRoot(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}
