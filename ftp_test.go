package main

import (
	"context"
	"errors"
	"io"
	"net/textproto"
	"net/url"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	*fakeRemote
	quits int
}

func (s *fakeSession) Quit() error {
	s.quits++
	return nil
}

// recordingDialer hands out sessions over one fake tree and remembers the
// logins it was asked for.
type recordingDialer struct {
	remote   *fakeRemote
	sessions []*fakeSession
	logins   []string
	fail     error
}

func (d *recordingDialer) dial(addr string, creds *Credentials) (ftpSession, error) {
	d.logins = append(d.logins, addr+" "+creds.username+":"+string(creds.password))
	if d.fail != nil {
		return nil, d.fail
	}
	s := &fakeSession{fakeRemote: d.remote}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func newTestFTPTransport(t *testing.T, rawURL string, password []byte, d *recordingDialer) *FTPTransport {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)

	f, err := newFTPTransport(u, DefaultConfig(), password, d.dial)
	require.NoError(t, err)
	f.local = afero.NewMemMapFs()
	return f
}

func TestFTPTransport_RedialsForEachTransfer(t *testing.T) {
	d := &recordingDialer{remote: testRemoteTree()}
	f := newTestFTPTransport(t, "ftp://ftp.example.org/genomes", nil, d)
	require.Len(t, d.sessions, 1)

	_, err := f.Fetch(context.Background(), "ASSEMBLY_REPORTS", "/stage")
	require.NoError(t, err)
	assert.Len(t, d.sessions, 1, "the session opened by the constructor is used first")

	require.NoError(t, afero.WriteFile(f.local, "/stage/rsync.list",
		[]byte("all\nall/GCF\nall/GCF/000\nall/GCF/000/001\nall/GCF/000/001/GCF_1\nall/GCF/000/001/GCF_1/*\n"), 0644))
	_, err = f.FetchFiltered(context.Background(), "all", "/stage", "/stage/rsync.list")
	require.NoError(t, err)
	require.Len(t, d.sessions, 2)
	assert.Equal(t, 1, d.sessions[0].quits)

	exists, err := afero.Exists(f.local, "/stage/all/GCF/000/001/GCF_1/md5checksums.txt")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, f.Close())
	assert.Equal(t, 1, d.sessions[1].quits)
	assert.Nil(t, f.creds.password)

	assert.Equal(t, []string{
		"ftp.example.org:21 anonymous:anonymous@",
		"ftp.example.org:21 anonymous:anonymous@",
	}, d.logins)
}

func TestFTPTransport_ReusesCredentials(t *testing.T) {
	d := &recordingDialer{remote: testRemoteTree()}
	password := []byte("s3cret")
	f := newTestFTPTransport(t, "ftp://mirror@ftp.example.org:2121/genomes", password, d)

	// the caller wipes its copy once the transport exists
	secureWipe(password)

	_, err := f.Fetch(context.Background(), "ASSEMBLY_REPORTS", "/stage")
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), "ASSEMBLY_REPORTS", "/stage")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"ftp.example.org:2121 mirror:s3cret",
		"ftp.example.org:2121 mirror:s3cret",
	}, d.logins)
}

func TestFTPTransport_ReconnectFailure(t *testing.T) {
	d := &recordingDialer{remote: testRemoteTree()}
	f := newTestFTPTransport(t, "ftp://ftp.example.org/genomes", nil, d)

	_, err := f.Fetch(context.Background(), "ASSEMBLY_REPORTS", "/stage")
	require.NoError(t, err)

	d.fail = errors.New("dial tcp: connection refused")
	_, err = f.Fetch(context.Background(), "ASSEMBLY_REPORTS", "/stage")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to reconnect to ftp.example.org:21")
	assert.NoError(t, f.Close())
}

func TestNewFTPTransport_LoginFailure(t *testing.T) {
	d := &recordingDialer{fail: &textproto.Error{Code: 530, Msg: "Login incorrect."}}
	u, err := url.Parse("ftp://mirror@ftp.example.org/genomes")
	require.NoError(t, err)

	_, err = newFTPTransport(u, DefaultConfig(), []byte("wrong"), d.dial)
	assert.ErrorContains(t, err, "Login incorrect")
}

func TestNotADirectory(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"plain file", &textproto.Error{Code: 550, Msg: "Failed to change directory."}, true},
		{"syntax", &textproto.Error{Code: 501, Msg: "Not a directory"}, true},
		{"not logged in", &textproto.Error{Code: 530, Msg: "Not logged in."}, false},
		{"transient", &textproto.Error{Code: 421, Msg: "Timeout."}, false},
		{"dropped connection", io.EOF, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, notADirectory(tt.err))
		})
	}
}
