package iptcpstack

import "github.com/pkg/errors"

var (
	ErrNoSuchSocket    = errors.New("no such socket")
	ErrAddressInUse    = errors.New("address already in use")
	ErrNoAvailablePort = errors.New("no available port found")
	// ErrNoConnectedSocket means Accept was woken without a connection to
	// hand out. It signals a bug, not a condition worth retrying.
	ErrNoConnectedSocket = errors.New("no connected socket")
	ErrNotEstablished    = errors.New("connection not established")
	ErrNotListening      = errors.New("socket is not listening")
	ErrConnectionTimeout = errors.New("connection timed out")
	ErrClosed            = errors.New("tcp stack closed")
)
