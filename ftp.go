package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"net/url"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/spf13/afero"
)

const (
	anonymousUser     = "anonymous"
	anonymousPassword = "anonymous@"
	ftpDialTimeout    = 30 * time.Second
)

type FTPTransportFactory struct{}

func (f *FTPTransportFactory) Accept(u *url.URL) bool {
	return u.Scheme == "ftp"
}

func (f *FTPTransportFactory) Create(u *url.URL, cfg *Config, password []byte) (Transport, error) {
	return NewFTPTransport(u, cfg, password)
}

func (f *FTPTransportFactory) Name() string {
	return "ftp"
}

func (f *FTPTransportFactory) NeedsPassword(u *url.URL) bool {
	name := u.User.Username()
	return name != "" && name != anonymousUser
}

// ftpSession is one logged in control connection.
type ftpSession interface {
	remoteFS
	Quit() error
}

type ftpDialer func(addr string, creds *Credentials) (ftpSession, error)

// FTPTransport opens a fresh session for every transfer. Servers drop a
// control connection left idle while the index is scanned.
type FTPTransport struct {
	dial    ftpDialer
	addr    string
	creds   *Credentials
	session ftpSession
	fresh   bool
	root    string
	local   afero.Fs
	timeout time.Duration
}

func NewFTPTransport(u *url.URL, cfg *Config, password []byte) (*FTPTransport, error) {
	return newFTPTransport(u, cfg, password, dialFTP)
}

func newFTPTransport(u *url.URL, cfg *Config, password []byte, dial ftpDialer) (*FTPTransport, error) {
	username := u.User.Username()
	// Create a new copy of the password to avoid issues with slice bounds
	pass := make([]byte, len(password))
	copy(pass, password)
	if username == "" {
		username, pass = anonymousUser, []byte(anonymousPassword)
	}

	f := &FTPTransport{
		dial:    dial,
		addr:    hostPort(u, "21"),
		creds:   &Credentials{username: username, password: pass},
		root:    u.Path,
		local:   afero.NewOsFs(),
		timeout: cfg.TransferTimeout,
	}

	// log in once up front so bad credentials fail before any work starts
	session, err := f.dial(f.addr, f.creds)
	if err != nil {
		f.creds.Clear()
		return nil, err
	}
	f.session, f.fresh = session, true
	return f, nil
}

func dialFTP(addr string, creds *Credentials) (ftpSession, error) {
	c, err := ftp.Dial(addr, ftp.DialWithTimeout(ftpDialTimeout))
	if err != nil {
		return nil, err
	}
	if err := c.Login(creds.username, string(creds.password)); err != nil {
		_ = c.Quit() // Close connection on login failure
		return nil, err
	}
	return &ftpFS{client: c}, nil
}

// connect returns the session opened by the constructor on first use and a
// newly dialed one afterwards.
func (f *FTPTransport) connect() (ftpSession, error) {
	if f.fresh {
		f.fresh = false
		return f.session, nil
	}
	if f.session != nil {
		_ = f.session.Quit()
		f.session = nil
	}

	slog.Debug("reconnecting", "addr", f.addr, "user", f.creds.username)
	session, err := f.dial(f.addr, f.creds)
	if err != nil {
		return nil, fmt.Errorf("failed to reconnect to %s: %w", f.addr, err)
	}
	f.session = session
	return session, nil
}

func (f *FTPTransport) Fetch(ctx context.Context, subtree, dest string) (*TransferResult, error) {
	session, err := f.connect()
	if err != nil {
		return nil, err
	}
	return newTreeMirror(session, f.local, nil).Run(ctx, f.root, subtree, dest, f.timeout)
}

func (f *FTPTransport) FetchFiltered(ctx context.Context, subtree, dest, filterPath string) (*TransferResult, error) {
	filter, err := loadFilter(f.local, filterPath)
	if err != nil {
		return nil, err
	}
	session, err := f.connect()
	if err != nil {
		return nil, err
	}
	return newTreeMirror(session, f.local, filter).Run(ctx, f.root, subtree, dest, f.timeout)
}

func (f *FTPTransport) Close() error {
	f.creds.Clear()
	if f.session == nil {
		return nil
	}
	err := f.session.Quit()
	f.session = nil
	return err
}

// ftpFS adapts an FTP control connection to remoteFS. Only one transfer may be
// open at a time.
type ftpFS struct {
	client *ftp.ServerConn
}

func (f *ftpFS) ReadDir(dir string) ([]remoteEntry, error) {
	entries, err := f.client.List(dir)
	if err != nil {
		return nil, err
	}
	out := make([]remoteEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, remoteEntry{
			Name:    e.Name,
			Dir:     e.Type == ftp.EntryTypeFolder,
			Link:    e.Type == ftp.EntryTypeLink,
			Size:    int64(e.Size),
			ModTime: e.Time,
		})
	}
	return out, nil
}

func (f *ftpFS) Open(file string) (io.ReadCloser, error) {
	r, err := f.client.Retr(file)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Resolve changes into p to learn whether it is a directory and where it
// really lives, then returns to the previous working directory.
func (f *ftpFS) Resolve(p string) (string, bool, error) {
	cwd, err := f.client.CurrentDir()
	if err != nil {
		return "", false, err
	}
	if err := f.client.ChangeDir(p); err != nil {
		if notADirectory(err) {
			return p, false, nil
		}
		return "", false, err
	}
	target, err := f.client.CurrentDir()
	if err != nil {
		return "", false, err
	}
	if err := f.client.ChangeDir(cwd); err != nil {
		return "", false, fmt.Errorf("failed to return to %s: %w", cwd, err)
	}
	return target, true, nil
}

func (f *ftpFS) Quit() error {
	return f.client.Quit()
}

// notADirectory reports a permanent negative reply to CWD. Transient replies
// and connection errors are not an answer about the path.
func notADirectory(err error) bool {
	var reply *textproto.Error
	if !errors.As(err, &reply) {
		return false
	}
	return reply.Code >= 500 && reply.Code < 600 && reply.Code != ftp.StatusNotLoggedIn
}

func hostPort(u *url.URL, defaultPort string) string {
	if u.Port() != "" {
		return u.Host
	}
	return net.JoinHostPort(u.Hostname(), defaultPort)
}
