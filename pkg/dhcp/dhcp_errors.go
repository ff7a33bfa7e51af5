package dhcp

import "github.com/pkg/errors"

var (
	ErrAlreadyExists = errors.New("transaction already indexed")
	ErrNotFound      = errors.New("transaction not found")
	ErrNoMessageType = errors.New("message carries no DHCP message type")
	ErrMalformed     = errors.New("malformed DHCP packet")
	ErrExhausted     = errors.New("transaction limit reached")
)
