package vpcm

import (
	"golang.org/x/sys/unix"
)

// Ioctl requests understood by engine nodes.
// FIONREAD and FIONBIO are the platform values; FIONWRITE and FIONSPACE are the BSD queries, which Linux lacks,
// encoded the way _IOR('f', nr, int) is.
var (
	FIONREAD  = uint(unix.FIONREAD)
	FIONBIO   = uint(unix.FIONBIO)
	FIONWRITE = uint(ior('f', 119, ioctlArgSize))
	FIONSPACE = uint(ior('f', 118, ioctlArgSize))
)

// ior builds a read-only ioctl request code.
func ior(typ, nr, size uintptr) uintptr {
	const (
		iocNrbits    = 8
		iocTypebits  = 8
		iocSizebits  = 14
		iocNrshift   = 0
		iocTypeshift = iocNrshift + iocNrbits
		iocSizeshift = iocTypeshift + iocTypebits
		iocDirshift  = iocSizeshift + iocSizebits
		iocRead      = 2
	)

	return ((iocRead) << iocDirshift) | (typ << iocTypeshift) | (nr << iocNrshift) | (size << iocSizeshift)
}
