//go:build !linux

package capture

import "github.com/pkg/errors"

var errUnsupported = errors.New("live capture is only supported on linux")

func OpenLive(iface string) (Source, error) {
	return nil, errUnsupported
}

func OpenInterfaces(names []string) ([]Source, error) {
	return nil, errUnsupported
}
