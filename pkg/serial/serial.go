// Package serial provides raw serial port access for LocoNet bus adapters.
//
// LocoNet itself runs at 16.66 kbit/s, but the adapters that bridge it to a
// host (LocoBuffer-USB, LBX, DR5000, ...) present a regular serial device at
// 57600 or 115200 baud. The port is configured 8N1 raw with optional CTS
// handshaking, which some LocoBuffer variants use to signal bus access.
package serial

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Common errors
var (
	ErrTimeout = errors.New("serial: operation timed out")
	ErrClosed  = errors.New("serial: port closed")
)

// Config holds serial port configuration.
type Config struct {
	// Device path (e.g. /dev/ttyUSB0, /dev/ttyACM0)
	Device string

	// Baud rate (default: 57600, the LocoBuffer-USB rate)
	BaudRate int

	// Read timeout for individual operations (default: 100 ms)
	ReadTimeout time.Duration

	// Hardware CTS/RTS flow control
	FlowControl bool

	// RTS/DTR line state after open
	RTSOnOpen bool
	DTROnOpen bool
}

// DefaultConfig returns a Config with LocoBuffer-USB defaults.
func DefaultConfig() Config {
	return Config{
		BaudRate:    57600,
		ReadTimeout: 100 * time.Millisecond,
		RTSOnOpen:   true,
		DTROnOpen:   true,
	}
}

// Port represents an open serial port.
type Port struct {
	mu         sync.Mutex
	fd         int
	device     string
	config     Config
	closed     bool
	oldTermios *unix.Termios
}

// Open opens and configures the serial device described by cfg.
func Open(cfg Config) (*Port, error) {
	if cfg.Device == "" {
		return nil, errors.New("serial: device path required")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 57600
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 100 * time.Millisecond
	}

	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", cfg.Device, err)
	}

	oldTermios, err := unix.IoctlGetTermios(fd, ioctlGetTermios)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: get termios: %w", err)
	}

	termios := *oldTermios

	// Raw input, no output processing
	termios.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY
	termios.Oflag &^= unix.OPOST

	// 8N1
	termios.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB
	termios.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	if cfg.FlowControl {
		termios.Cflag |= unix.CRTSCTS
	} else {
		termios.Cflag &^= unix.CRTSCTS
	}

	termios.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN

	speed, customBaud, err := baudRateToSpeed(cfg.BaudRate)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	setSpeed(&termios, speed)

	// Reads return whatever is available; timeouts are handled via poll.
	termios.Cc[unix.VMIN] = 0
	termios.Cc[unix.VTIME] = 1

	if err := unix.IoctlSetTermios(fd, ioctlSetTermios, &termios); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: set termios: %w", err)
	}

	if customBaud > 0 && runtime.GOOS == "darwin" {
		if err := setCustomBaudRate(fd, customBaud); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("serial: set custom baud rate: %w", err)
		}
	}

	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: set blocking: %w", err)
	}

	port := &Port{
		fd:         fd,
		device:     cfg.Device,
		config:     cfg,
		oldTermios: oldTermios,
	}

	if err := port.setModemControl(cfg.RTSOnOpen, cfg.DTROnOpen); err != nil {
		// Some USB adapters have no modem control lines; not fatal.
		_ = err
	}

	return port, nil
}

// Read reads up to len(buf) bytes from the port.
// Returns ErrTimeout when no byte arrives within the read timeout.
func (p *Port) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd := p.fd
	timeout := p.config.ReadTimeout
	p.mu.Unlock()

	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(pfd, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("serial: poll: %w", err)
	}
	if n == 0 {
		return 0, ErrTimeout
	}
	if pfd[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
		return 0, io.EOF
	}

	n, err = unix.Read(fd, buf)
	if err != nil {
		return 0, fmt.Errorf("serial: read: %w", err)
	}
	return n, nil
}

// Write writes buf to the port.
func (p *Port) Write(buf []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrClosed
	}
	fd := p.fd
	p.mu.Unlock()

	n, err := unix.Write(fd, buf)
	if err != nil {
		return 0, fmt.Errorf("serial: write: %w", err)
	}
	return n, nil
}

// Close closes the port and restores the previous termios settings.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.oldTermios != nil {
		_ = unix.IoctlSetTermios(p.fd, ioctlSetTermios, p.oldTermios)
	}

	return unix.Close(p.fd)
}

// Device returns the device path.
func (p *Port) Device() string {
	return p.device
}

// SetReadTimeout sets the timeout applied to subsequent Read calls.
func (p *Port) SetReadTimeout(d time.Duration) {
	p.mu.Lock()
	p.config.ReadTimeout = d
	p.mu.Unlock()
}

// Flush discards any data in the input and output buffers.
func (p *Port) Flush() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	fd := p.fd
	p.mu.Unlock()

	return unix.IoctlSetInt(fd, ioctlTCFlush, unix.TCIOFLUSH)
}

// SetRTS sets the RTS line state.
func (p *Port) SetRTS(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return p.setModemLine(unix.TIOCM_RTS, on)
}

// SetDTR sets the DTR line state.
func (p *Port) SetDTR(on bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	return p.setModemLine(unix.TIOCM_DTR, on)
}

func (p *Port) setModemControl(rts, dtr bool) error {
	if err := p.setModemLine(unix.TIOCM_RTS, rts); err != nil {
		return err
	}
	return p.setModemLine(unix.TIOCM_DTR, dtr)
}

// setModemLine uses pointer-based ioctls so it works on both Linux and macOS.
func (p *Port) setModemLine(line int, on bool) error {
	var status int32
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(p.fd), uintptr(unix.TIOCMGET), uintptr(unsafe.Pointer(&status)))
	if errno != 0 {
		return fmt.Errorf("serial: TIOCMGET: %w", errno)
	}
	if on {
		status |= int32(line)
	} else {
		status &^= int32(line)
	}
	_, _, errno = unix.Syscall(unix.SYS_IOCTL, uintptr(p.fd), uintptr(unix.TIOCMSET), uintptr(unsafe.Pointer(&status)))
	if errno != 0 {
		return fmt.Errorf("serial: TIOCMSET: %w", errno)
	}
	return nil
}

// setCustomBaudRate sets a custom baud rate on macOS using IOSSIOSPEED.
func setCustomBaudRate(fd int, baud int) error {
	// _IOW('T', 2, speed_t)
	const IOSSIOSPEED = 0x80045402
	return unix.IoctlSetPointerInt(fd, IOSSIOSPEED, baud)
}

// baudRateToSpeed converts a baud rate to a termios speed constant.
// Returns (speed, customBaud, error); customBaud > 0 means the rate must be
// applied via IOSSIOSPEED on macOS after the termios settings.
func baudRateToSpeed(baud int) (uint32, int, error) {
	speeds := map[int]uint32{
		300:    unix.B300,
		600:    unix.B600,
		1200:   unix.B1200,
		2400:   unix.B2400,
		4800:   unix.B4800,
		9600:   unix.B9600,
		19200:  unix.B19200,
		38400:  unix.B38400,
		57600:  unix.B57600,
		115200: unix.B115200,
		230400: unix.B230400,
	}

	if speed, ok := speeds[baud]; ok {
		return speed, 0, nil
	}

	if runtime.GOOS == "linux" {
		// BOTHER allows arbitrary rates
		return 0x1000 | uint32(baud), 0, nil
	}
	if runtime.GOOS == "darwin" {
		return unix.B9600, baud, nil
	}

	return 0, 0, fmt.Errorf("serial: unsupported baud rate %d", baud)
}
