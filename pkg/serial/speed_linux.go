//go:build linux

package serial

import "golang.org/x/sys/unix"

// setSpeed applies the baud rate to the termios struct on Linux.
func setSpeed(termios *unix.Termios, speed uint32) {
	termios.Ispeed = speed
	termios.Ospeed = speed
}
