//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package dispatch

import "golang.org/x/sys/unix"

// newInterruptFD creates the cross-thread wake primitive on the BSDs
// and Darwin: a self-pipe, since none of these expose eventfd
// (grounded on the teacher's wakeup_darwin.go pipe-based fallback).
func newInterruptFD() (readFD, writeFD int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return -1, -1, osErr("pipe2", err)
	}
	return fds[0], fds[1], nil
}

func interruptSignal(writeFD int) error {
	var buf [1]byte
	_, err := unix.Write(writeFD, buf[:])
	if err != nil && err != unix.EAGAIN {
		return osErr("pipe_write", err)
	}
	return nil
}

func interruptDrain(readFD int) {
	var buf [64]byte
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
	if writeFD >= 0 && writeFD != readFD {
		_ = unix.Close(writeFD)
	}
}
