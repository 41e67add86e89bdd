package loconet

// SimulationIOHandler emulates a command station for development and
// tests. Every sent frame is echoed back, and request frames receive the
// answers a command station would produce: slot records for slot
// acquisition, acks for fast clock writes, LNCV replies from a small
// configuration store.
type SimulationIOHandler struct {
	kernel *Kernel

	addressToSlot map[uint16]uint8
	slotAddresses map[uint8]uint16
	nextSlot      uint8

	clock ClockTime
	lncvs map[uint32]uint16
}

// NewSimulationIOHandler returns a factory for the simulator.
func NewSimulationIOHandler() IOHandlerFactory {
	return func(k *Kernel) (IOHandler, error) {
		return &SimulationIOHandler{
			kernel:        k,
			addressToSlot: make(map[uint16]uint8),
			slotAddresses: make(map[uint8]uint16),
			nextSlot:      minLocoSlot,
			clock:         ClockTime{Multiplier: 1},
			lncvs:         make(map[uint32]uint16),
		}, nil
	}
}

// Start is a no-op; the simulator has no transport.
func (h *SimulationIOHandler) Start() error {
	return nil
}

// Stop is a no-op.
func (h *SimulationIOHandler) Stop() {}

// Send echoes the frame and produces the simulated station's answer.
// Runs on the event loop; replies are posted so they arrive after the
// echo, in order.
func (h *SimulationIOHandler) Send(m Message) bool {
	h.kernel.receiveFromIO(m.Clone())

	switch m.Opcode() {
	case OpcLocoAdr:
		addr := m.LocoAdrAddress()
		slot := h.allocateSlot(addr)
		h.kernel.receiveFromIO(NewSlotReadData(slot, 0x03, addr, 0, 0, 0))

	case OpcRqSlData:
		slot := m[1] & 0x7F
		if slot == FastClockSlot {
			h.kernel.receiveFromIO(NewFastClockRead(h.clock))
		} else if addr, ok := h.slotAddresses[slot]; ok {
			h.kernel.receiveFromIO(NewSlotReadData(slot, 0x03, addr, 0, 0, 0))
		} else {
			h.kernel.receiveFromIO(NewSlotReadData(slot, 0, 0, 0, 0, 0))
		}

	case OpcMoveSlots:
		slot := m[2] & 0x7F
		addr := h.slotAddresses[slot]
		h.kernel.receiveFromIO(NewSlotReadData(slot, 0x03, addr, 0, 0, 0))

	case OpcWrSlData:
		if m.IsFastClock() {
			h.clock = m.FastClockTime()
		}
		h.kernel.receiveFromIO(NewLongAck(OpcWrSlData, 0x7F))

	case OpcSwState:
		h.kernel.receiveFromIO(NewLongAck(OpcSwState, 0x7F))

	case OpcSwAck:
		h.kernel.receiveFromIO(NewLongAck(OpcSwAck, 0x7F))

	case OpcImmPacket:
		if m.IsLNCVRequest() {
			h.answerLNCV(m)
		}
	}
	return true
}

func (h *SimulationIOHandler) allocateSlot(address uint16) uint8 {
	if slot, ok := h.addressToSlot[address]; ok {
		return slot
	}
	slot := h.nextSlot
	if slot > maxLocoSlot {
		slot = maxLocoSlot
	} else {
		h.nextSlot++
	}
	h.addressToSlot[address] = slot
	h.slotAddresses[slot] = address
	return slot
}

func (h *SimulationIOHandler) answerLNCV(m Message) {
	moduleID := m.LNCVModuleID()
	lncv := m.LNCVNumber()
	key := uint32(moduleID)<<16 | uint32(lncv)

	switch {
	case m.lncvMode() == lncvModeStart:
		// answer with LNCV 0 = module address
		h.kernel.receiveFromIO(NewLNCVReply(moduleID, 0, m.LNCVValue()))
	case m.lncvMode() == lncvModeStop:
		// no reply
	case m[5] == lncvReqIDWrite:
		h.lncvs[key] = m.LNCVValue()
		h.kernel.receiveFromIO(NewLongAck(OpcImmPacket, 0x7F))
	default:
		h.kernel.receiveFromIO(NewLNCVReply(moduleID, lncv, h.lncvs[key]))
	}
}
