package vpcm

import (
	"golang.org/x/sys/unix"
)

// Errors returned by engines, nodes and the control device.
// They are plain errno values so callers may compare them with errors.Is against either these names or the unix
// constants themselves.
var (
	ErrInvalidArgument error = unix.EINVAL
	ErrAccessDenied    error = unix.EACCES
	ErrNotSupported    error = unix.ENOTSUP
	ErrWouldBlock      error = unix.EAGAIN
	ErrBrokenPipe      error = unix.EPIPE
	ErrDeviceError     error = unix.EIO
	ErrNotFound        error = unix.ENOENT
	ErrAlreadyExists   error = unix.EEXIST
	ErrNoMemory        error = unix.ENOMEM
	ErrNotTTY          error = unix.ENOTTY
	ErrBadDescriptor   error = unix.EBADF
	ErrTimeout         error = unix.ETIMEDOUT
	ErrInterrupted     error = unix.EINTR
)
