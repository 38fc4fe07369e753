package main

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"
)

var rsyncBaseArgs = []string{"--copy-links", "--recursive", "--times", "--verbose"}

type RsyncTransportFactory struct{}

func (f *RsyncTransportFactory) Accept(u *url.URL) bool {
	return u.Scheme == "rsync"
}

func (f *RsyncTransportFactory) Create(u *url.URL, cfg *Config, password []byte) (Transport, error) {
	return NewRsyncTransport(u, cfg, password), nil
}

func (f *RsyncTransportFactory) Name() string {
	return "rsync"
}

func (f *RsyncTransportFactory) NeedsPassword(u *url.URL) bool {
	return false
}

// RsyncTransport shells out to the rsync binary.
type RsyncTransport struct {
	program string
	root    string
	timeout time.Duration
	env     []string
	out     io.Writer
}

func NewRsyncTransport(u *url.URL, cfg *Config, password []byte) *RsyncTransport {
	t := &RsyncTransport{
		program: cfg.RsyncPath,
		root:    rsyncRoot(u),
		timeout: cfg.TransferTimeout,
		out:     os.Stderr,
	}
	if len(password) > 0 {
		t.env = []string{"RSYNC_PASSWORD=" + string(password)}
	}
	return t
}

func (r *RsyncTransport) Fetch(ctx context.Context, subtree, dest string) (*TransferResult, error) {
	return r.run(ctx, fetchArgs(r.root+subtree, dest))
}

func (r *RsyncTransport) FetchFiltered(ctx context.Context, subtree, dest, filterPath string) (*TransferResult, error) {
	return r.run(ctx, filteredArgs(r.root+subtree, dest, filterPath))
}

func (r *RsyncTransport) Close() error {
	for i := range r.env {
		r.env[i] = ""
	}
	return nil
}

func (r *RsyncTransport) run(ctx context.Context, args []string) (*TransferResult, error) {
	slog.Info("rsync", "cmd", r.program+" "+strings.Join(args, " "))
	cmd := &Command{
		Program: r.program,
		Args:    args,
		Env:     r.env,
		Timeout: r.timeout,
		Stdout:  r.out,
		Stderr:  r.out,
	}
	return cmd.Run(ctx)
}

func fetchArgs(src, dest string) []string {
	args := append([]string{}, rsyncBaseArgs...)
	return append(args, src, withTrailingSlash(dest))
}

func filteredArgs(src, dest, filterPath string) []string {
	args := append([]string{}, rsyncBaseArgs...)
	return append(args,
		"--progress",
		"--include-from="+filterPath,
		"--exclude=*",
		src,
		withTrailingSlash(dest),
	)
}

// rsyncRoot renders the remote root with the password stripped and a trailing slash.
func rsyncRoot(u *url.URL) string {
	c := *u
	if c.User != nil {
		c.User = url.User(c.User.Username())
	}
	return withTrailingSlash(c.String())
}

func withTrailingSlash(s string) string {
	if strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}
