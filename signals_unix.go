//go:build unix

package dispatch

import "golang.org/x/sys/unix"

// sigchldNumber returns SIGCHLD's numeric value, used to install the
// engine's own reaper-triggering watch at construction (spec §4.5).
func sigchldNumber() int { return int(unix.SIGCHLD) }
