package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/spf13/afero"
	"golang.org/x/crypto/ssh"
)

type SFTPTransportFactory struct{}

func (f *SFTPTransportFactory) Accept(u *url.URL) bool { return u.Scheme == "sftp" }

func (f *SFTPTransportFactory) Create(u *url.URL, cfg *Config, password []byte) (Transport, error) {
	return NewSFTPTransport(u, cfg, password)
}

func (f *SFTPTransportFactory) Name() string { return "sftp" }

func (f *SFTPTransportFactory) NeedsPassword(u *url.URL) bool { return true }

type SFTPTransport struct {
	ssh     *ssh.Client
	client  *sftp.Client
	root    string
	local   afero.Fs
	timeout time.Duration
}

// knownHosts stores already verified host fingerprints
var (
	knownHosts   = make(map[string]string)
	knownHostsMu sync.Mutex
)

var hostKeyInput io.Reader = os.Stdin

var hostKeyVerificationCallback = func(hostname string, remote net.Addr, key ssh.PublicKey) error {
	fingerprint := ssh.FingerprintSHA256(key)

	knownHostsMu.Lock()
	storedFingerprint, exists := knownHosts[hostname]
	knownHostsMu.Unlock()
	if exists && storedFingerprint == fingerprint {
		return nil
	}

	fmt.Fprintf(os.Stderr, "\nThe authenticity of host '%s' can't be established.\n", hostname)
	fmt.Fprintf(os.Stderr, "%s key fingerprint is %s\n", key.Type(), fingerprint)
	fmt.Fprint(os.Stderr, "Are you sure you want to continue connecting (yes/no)? ")

	response, err := bufio.NewReader(hostKeyInput).ReadString('\n')
	if err != nil {
		return fmt.Errorf("failed to read user input: %w", err)
	}

	response = strings.TrimSpace(strings.ToLower(response))
	if response == "yes" || response == "y" {
		knownHostsMu.Lock()
		knownHosts[hostname] = fingerprint
		knownHostsMu.Unlock()
		return nil
	}

	return fmt.Errorf("host key verification rejected by user")
}

// sshAuth accepts either a base64 encoded private key or a plain password.
func sshAuth(secret []byte) ssh.AuthMethod {
	if keyBytes, err := base64.StdEncoding.DecodeString(string(secret)); err == nil {
		if signer, err := ssh.ParsePrivateKey(keyBytes); err == nil {
			return ssh.PublicKeys(signer)
		}
	}
	return ssh.Password(string(secret))
}

func NewSFTPTransport(u *url.URL, cfg *Config, password []byte) (*SFTPTransport, error) {
	config := &ssh.ClientConfig{
		User:            u.User.Username(),
		Auth:            []ssh.AuthMethod{sshAuth(password)},
		HostKeyCallback: hostKeyVerificationCallback,
	}

	conn, err := ssh.Dial("tcp", hostPort(u, "22"), config)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	client, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to start sftp session: %w", err)
	}

	return &SFTPTransport{
		ssh:     conn,
		client:  client,
		root:    u.Path,
		local:   afero.NewOsFs(),
		timeout: cfg.TransferTimeout,
	}, nil
}

func (s *SFTPTransport) Fetch(ctx context.Context, subtree, dest string) (*TransferResult, error) {
	return newTreeMirror(&sftpFS{client: s.client}, s.local, nil).Run(ctx, s.root, subtree, dest, s.timeout)
}

func (s *SFTPTransport) FetchFiltered(ctx context.Context, subtree, dest, filterPath string) (*TransferResult, error) {
	filter, err := loadFilter(s.local, filterPath)
	if err != nil {
		return nil, err
	}
	return newTreeMirror(&sftpFS{client: s.client}, s.local, filter).Run(ctx, s.root, subtree, dest, s.timeout)
}

func (s *SFTPTransport) Close() error {
	_ = s.client.Close()
	return s.ssh.Close()
}

type sftpFS struct {
	client *sftp.Client
}

func (s *sftpFS) ReadDir(dir string) ([]remoteEntry, error) {
	infos, err := s.client.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	out := make([]remoteEntry, 0, len(infos))
	for _, fi := range infos {
		out = append(out, remoteEntry{
			Name:    fi.Name(),
			Dir:     fi.IsDir(),
			Link:    fi.Mode()&os.ModeSymlink != 0,
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
	}
	return out, nil
}

func (s *sftpFS) Open(file string) (io.ReadCloser, error) {
	f, err := s.client.Open(file)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *sftpFS) Resolve(p string) (string, bool, error) {
	target, err := s.client.RealPath(p)
	if err != nil {
		return "", false, err
	}
	fi, err := s.client.Stat(p)
	if err != nil {
		return "", false, err
	}
	return target, fi.IsDir(), nil
}
