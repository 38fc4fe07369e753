package main

import (
	"fmt"
	"io"
)

const progressMarker = "."

// Progress writes scan liveness markers and miss lines to a diagnostic stream.
// A marker leaves the line open; anything written afterwards starts on a new line.
//
// Progress also implements io.Writer so structured log output can share the
// stream without being glued onto a run of markers.
type Progress struct {
	w            io.Writer
	every        int
	pendingBreak bool
}

func NewProgress(w io.Writer, every int) *Progress {
	if every <= 0 {
		every = defaultProgressEvery
	}
	return &Progress{w: w, every: every}
}

func (p *Progress) SetInterval(every int) {
	if every > 0 {
		p.every = every
	}
}

// Row records that the row with the given 0-based index was read.
func (p *Progress) Row(index int) {
	if index%p.every != 0 {
		return
	}
	_, _ = io.WriteString(p.w, progressMarker)
	p.pendingBreak = true
}

// Missing reports a relative path that is absent from the local mirror.
func (p *Progress) Missing(rel string) {
	p.breakLine()
	_, _ = fmt.Fprintf(p.w, "%s is missing\n", rel)
}

func (p *Progress) Write(b []byte) (int, error) {
	p.breakLine()
	return p.w.Write(b)
}

func (p *Progress) breakLine() {
	if !p.pendingBreak {
		return
	}
	_, _ = io.WriteString(p.w, "\n")
	p.pendingBreak = false
}
