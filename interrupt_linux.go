//go:build linux

package dispatch

import "golang.org/x/sys/unix"

// newInterruptFD creates the cross-thread wake primitive on Linux: a
// single eventfd serves as both read and write end (grounded on the
// teacher's wakeup_linux.go createWakeFd).
func newInterruptFD() (readFD, writeFD int, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return -1, -1, osErr("eventfd", err)
	}
	return fd, fd, nil
}

func interruptSignal(writeFD int) error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(writeFD, buf[:])
	if err != nil && err != unix.EAGAIN {
		return osErr("eventfd_write", err)
	}
	return nil
}

func interruptDrain(readFD int) {
	var buf [8]byte
	for {
		_, err := unix.Read(readFD, buf[:])
		if err != nil {
			return
		}
	}
}

func closeInterruptFD(readFD, writeFD int) {
	if readFD >= 0 {
		_ = unix.Close(readFD)
	}
}
