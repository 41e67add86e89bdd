//go:build darwin

package serial

import "golang.org/x/sys/unix"

// setSpeed applies the baud rate to the termios struct on macOS.
func setSpeed(termios *unix.Termios, speed uint32) {
	termios.Ispeed = uint64(speed)
	termios.Ospeed = uint64(speed)
}
