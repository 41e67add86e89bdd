package loconet

import (
	"context"
	"errors"
	"io"
	"sync"

	"loconetd/pkg/serial"
)

// SerialIOHandler drives a serial LocoNet adapter (LocoBuffer-USB, LBX,
// DR5000 and the like). A read goroutine feeds the stream decoder and
// posts complete frames onto the kernel's event loop.
type SerialIOHandler struct {
	kernel *Kernel
	cfg    serial.Config

	mu     sync.Mutex
	port   *serial.Port
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSerialIOHandler returns a factory for a serial handler with the
// given port configuration.
func NewSerialIOHandler(cfg serial.Config) IOHandlerFactory {
	return func(k *Kernel) (IOHandler, error) {
		return &SerialIOHandler{kernel: k, cfg: cfg}, nil
	}
}

// NewLocoBufferIOHandler returns a factory preset for a LocoBuffer-USB:
// 57600 baud with CTS handshaking.
func NewLocoBufferIOHandler(device string) IOHandlerFactory {
	cfg := serial.DefaultConfig()
	cfg.Device = device
	cfg.FlowControl = true
	return NewSerialIOHandler(cfg)
}

// NewDR5000IOHandler returns a factory preset for a DR5000 USB
// interface: 115200 baud, no flow control.
func NewDR5000IOHandler(device string) IOHandlerFactory {
	cfg := serial.DefaultConfig()
	cfg.Device = device
	cfg.BaudRate = 115200
	return NewSerialIOHandler(cfg)
}

// Start opens the port and starts the read goroutine.
func (h *SerialIOHandler) Start() error {
	port, err := serial.Open(h.cfg)
	if err != nil {
		return err
	}
	if err := port.Flush(); err != nil {
		port.Close()
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.port = port
	h.cancel = cancel
	h.mu.Unlock()

	h.wg.Add(1)
	go h.readLoop(ctx, port)
	return nil
}

// Stop closes the port and joins the read goroutine.
func (h *SerialIOHandler) Stop() {
	h.mu.Lock()
	port := h.port
	cancel := h.cancel
	h.port = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if port != nil {
		port.Close()
	}
	h.wg.Wait()
}

// Send writes one frame to the port.
func (h *SerialIOHandler) Send(m Message) bool {
	h.mu.Lock()
	port := h.port
	h.mu.Unlock()
	if port == nil {
		return false
	}
	n, err := port.Write(m)
	return err == nil && n == len(m)
}

func (h *SerialIOHandler) readLoop(ctx context.Context, port *serial.Port) {
	defer h.wg.Done()

	var dec StreamDecoder
	buf := make([]byte, 256)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			if errors.Is(err, serial.ErrTimeout) {
				continue
			}
			if errors.Is(err, serial.ErrClosed) || errors.Is(err, io.EOF) {
				return
			}
			h.kernel.handleIOError(err)
			return
		}
		dec.FeedBytes(buf[:n], h.kernel.receiveFromIO, h.kernel.countDecodeError)
	}
}
