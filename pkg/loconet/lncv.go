package loconet

// LNCV module programming session. Only one session and one operation
// are in flight at a time; all calls serialize through the event loop.
// Session states: Inactive -> Starting -> Active -> Stopping -> Inactive.

type lncvSessionState uint8

const (
	lncvInactive lncvSessionState = iota
	lncvStarting
	lncvActive
	lncvStopping
)

func (s lncvSessionState) String() string {
	switch s {
	case lncvStarting:
		return "starting"
	case lncvActive:
		return "active"
	case lncvStopping:
		return "stopping"
	default:
		return "inactive"
	}
}

// LNCVStart opens a programming session with the modules matching the
// article number and module address. Safe from any goroutine.
func (k *Kernel) LNCVStart(moduleID, moduleAddress uint16) {
	k.reactor.Post(func() {
		if k.lncvState != lncvInactive {
			k.logger.Warn("lncv start ignored, session %s", k.lncvState)
			return
		}
		k.lncvState = lncvStarting
		k.lncvModuleID = moduleID
		k.lncvModuleAddress = moduleAddress
		k.send(NewLNCVStart(moduleID, moduleAddress), NormalPriority)
	})
}

// LNCVRead requests one configuration variable. The outcome arrives via
// the OnLNCVReadResponse callback: success=false on timeout or module
// rejection. Safe from any goroutine.
func (k *Kernel) LNCVRead(lncv uint16) {
	k.reactor.Post(func() {
		if k.lncvState != lncvActive {
			k.logger.Warn("lncv read ignored, session %s", k.lncvState)
			return
		}
		if k.lncvReadPending {
			k.logger.Warn("lncv read ignored, read of %d outstanding", k.lncvPendingRead)
			return
		}
		k.lncvReadPending = true
		k.lncvPendingRead = lncv
		k.send(NewLNCVRead(k.lncvModuleID, lncv), NormalPriority)
	})
}

// LNCVWrite writes one configuration variable. Safe from any goroutine.
func (k *Kernel) LNCVWrite(lncv, value uint16) {
	k.reactor.Post(func() {
		if k.lncvState != lncvActive {
			k.logger.Warn("lncv write ignored, session %s", k.lncvState)
			return
		}
		k.send(NewLNCVWrite(k.lncvModuleID, lncv, value), NormalPriority)
	})
}

// LNCVStop closes the programming session. The session returns to
// Inactive once the stop frame's echo is observed. Safe from any
// goroutine.
func (k *Kernel) LNCVStop() {
	k.reactor.Post(func() {
		if k.lncvState == lncvInactive || k.lncvState == lncvStopping {
			return
		}
		k.lncvState = lncvStopping
		k.send(NewLNCVStop(k.lncvModuleID, k.lncvModuleAddress), NormalPriority)
	})
}

// lncvStopped runs on the echo of the stop frame.
func (k *Kernel) lncvStopped() {
	k.lncvState = lncvInactive
	k.lncvReadPending = false
	k.logger.Info("lncv session closed")
}

// handleLNCVReply consumes a module reply.
func (k *Kernel) handleLNCVReply(m Message) {
	if m.LNCVModuleID() != k.lncvModuleID {
		return
	}
	switch k.lncvState {
	case lncvStarting:
		k.lncvState = lncvActive
		k.logger.Info("lncv session open, module %d address %d", k.lncvModuleID, m.LNCVValue())
	case lncvActive:
		if k.lncvReadPending && m.LNCVNumber() == k.lncvPendingRead {
			k.lncvReadPending = false
			if k.onLNCVReadResponse != nil {
				k.onLNCVReadResponse(true, m.LNCVNumber(), m.LNCVValue())
			}
		}
	}
}

// lncvResponseTimeout runs when an LNCV request's response timer
// expires.
func (k *Kernel) lncvResponseTimeout(sent Message) {
	switch {
	case sent.lncvMode() == lncvModeStart:
		// no module answered; the session never opened
		if k.lncvState == lncvStarting {
			k.lncvState = lncvInactive
			k.logger.Warn("no module answered lncv start")
		}
	case sent[5] == lncvReqIDRead && sent.lncvMode() == lncvModeNone:
		if k.lncvReadPending {
			lncv := k.lncvPendingRead
			k.lncvReadPending = false
			if k.onLNCVReadResponse != nil {
				k.onLNCVReadResponse(false, lncv, 0)
			}
		}
	}
}
