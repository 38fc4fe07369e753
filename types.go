package main

import (
	"context"
	"net/url"
)

// Transport mirrors subtrees of the remote archive into a local directory.
// Transfers are recursive, follow links and preserve modification times.
type Transport interface {
	// Fetch mirrors remote/subtree into dest/subtree.
	Fetch(ctx context.Context, subtree, dest string) (*TransferResult, error)
	// FetchFiltered mirrors remote/subtree into dest/subtree, keeping only the
	// paths matched by the include patterns in filterPath.
	FetchFiltered(ctx context.Context, subtree, dest, filterPath string) (*TransferResult, error)
	Close() error
}

// TransportFactory creates transports for the URL schemes it accepts.
type TransportFactory interface {
	Accept(u *url.URL) bool
	Create(u *url.URL, cfg *Config, password []byte) (Transport, error)
	Name() string
	// NeedsPassword reports whether Create expects a secret the URL does not carry.
	NeedsPassword(u *url.URL) bool
}
