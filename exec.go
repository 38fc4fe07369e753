package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

const (
	stderrTail       = 8 * 1024
	defaultWaitDelay = 10 * time.Second
)

var (
	ErrToolNotFound   = errors.New("transfer tool not found")
	ErrTimeout        = errors.New("transfer timed out")
	ErrTransferFailed = errors.New("transfer failed")
)

// TransferResult describes one finished transfer.
type TransferResult struct {
	ExitCode int
	Stderr   string // tail of the tool's diagnostic output
	Duration time.Duration
}

// Command runs an external program to completion.
type Command struct {
	Program   string
	Args      []string
	Env       []string      // appended to the current environment
	Timeout   time.Duration // zero means no limit
	WaitDelay time.Duration // output drain limit once killed, zero means defaultWaitDelay
	Stdout    io.Writer
	Stderr    io.Writer
}

// Run executes the command. A program that cannot be found yields
// ErrToolNotFound, an expired timeout ErrTimeout and a nonzero exit
// ErrTransferFailed; the result is populated in the latter two cases.
func (c *Command) Run(ctx context.Context) (*TransferResult, error) {
	path, err := exec.LookPath(c.Program)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrToolNotFound, c.Program, err)
	}

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	tail := &tailBuffer{max: stderrTail}
	cmd := exec.CommandContext(ctx, path, c.Args...)
	cmd.WaitDelay = c.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}
	cmd.Stdout = c.Stdout
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	if c.Stderr != nil {
		cmd.Stderr = io.MultiWriter(c.Stderr, tail)
	} else {
		cmd.Stderr = tail
	}

	start := time.Now()
	err = cmd.Run()
	result := &TransferResult{
		Stderr:   tail.String(),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return result, nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.ExitCode = -1
		return result, fmt.Errorf("%w after %s: %s", ErrTimeout, c.Timeout, c.Program)
	case ctx.Err() != nil:
		result.ExitCode = -1
		return result, ctx.Err()
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		return result, fmt.Errorf("%w: %s exited with status %d", ErrTransferFailed, c.Program, result.ExitCode)
	default:
		result.ExitCode = -1
		return result, fmt.Errorf("failed to run %s: %w", c.Program, err)
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > t.max {
		p = p[len(p)-t.max:]
	}
	if over := t.buf.Len() + len(p) - t.max; over > 0 {
		t.buf.Next(over)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}
