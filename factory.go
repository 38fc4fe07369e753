package main

import (
	"errors"
	"fmt"
	"net/url"
)

var ErrUnsupportedScheme = errors.New("no transport for scheme")

var transportFactories = []TransportFactory{
	&RsyncTransportFactory{},
	&FTPTransportFactory{},
	&SFTPTransportFactory{},
	// add more
}

func getTransportFactory(u *url.URL) TransportFactory {
	for _, factory := range transportFactories {
		if factory.Accept(u) {
			return factory
		}
	}
	return nil
}

// openTransport picks the transport for cfg's remote root, asking for a
// password on the terminal when the chosen transport needs one.
func openTransport(cfg *Config) (Transport, error) {
	u := cfg.Remote()
	factory := getTransportFactory(u)
	if factory == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}

	var password []byte
	if pass, ok := u.User.Password(); ok {
		password = []byte(pass)
	} else if factory.NeedsPassword(u) {
		var err error
		if password, err = askPassword(); err != nil {
			return nil, err
		}
	}
	defer secureWipe(password)

	t, err := factory.Create(u, cfg, password)
	if err != nil {
		return nil, fmt.Errorf("%s transport: %w", factory.Name(), err)
	}
	return t, nil
}
