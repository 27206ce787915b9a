//go:build !linux

package nbd

import (
	"errors"
	"os"
)

// ErrDisconnectUnsupported is returned by Disconnect on platforms with no
// NBD kernel client to detach.
var ErrDisconnectUnsupported = errors.New("nbd: kernel disconnect helper not supported on this platform")

// Disconnect always fails outside Linux: there is no /dev/nbdN device to
// detach.
func Disconnect(dev *os.File) error {
	return ErrDisconnectUnsupported
}
