package loconet

// IOHandler is the byte transport the kernel owns. Start and Stop are
// called from the kernel lifecycle; Send is called only on the event
// loop. Handlers deliver complete frames back into the kernel via
// Kernel.receiveFromIO, which posts onto the event loop.
type IOHandler interface {
	// Start opens the transport. Called once before any Send.
	Start() error

	// Stop closes the transport and joins its goroutines.
	Stop()

	// Send transmits one frame. Returns false when the transport
	// rejected it; the kernel treats that like a missing echo.
	Send(m Message) bool
}

// IOHandlerFactory builds the handler for a kernel during Create, so the
// handler can capture the kernel for frame delivery.
type IOHandlerFactory func(k *Kernel) (IOHandler, error)
