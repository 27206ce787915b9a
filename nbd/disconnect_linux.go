//go:build linux

package nbd

import (
	"os"

	"golang.org/x/sys/unix"
)

// Linux NBD device ioctls, from linux/nbd.h. Not in golang.org/x/sys/unix,
// which only carries the generic NBD_SET_SOCK-family constants it needs
// for its own tests, so the numbers are reproduced here.
const (
	ioctlNbdClearSock  = 0xab04
	ioctlNbdClearQueue = 0xab05
	ioctlNbdDisconnect = 0xab08
)

// Disconnect detaches an already-attached /dev/nbdN device: it clears the
// request queue, tells the kernel driver to disconnect, then clears the
// socket association, matching the sequence the nbd-client CLI issues.
// dev must be an open handle on the device node, not the network socket.
func Disconnect(dev *os.File) error {
	fd := dev.Fd()
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, ioctlNbdClearQueue, 0); errno != 0 {
		return errno
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, ioctlNbdDisconnect, 0); errno != 0 {
		return errno
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, ioctlNbdClearSock, 0); errno != 0 {
		return errno
	}
	return nil
}
