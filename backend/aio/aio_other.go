//go:build !linux

// Package aio implements an nbd.Backend over Linux AIO/O_DIRECT. On
// platforms with no Linux AIO, the driver simply never registers itself,
// matching the doc comment on the Linux build: "absent from the registry
// on other platforms" rather than a build failure for the whole binary.
package aio
