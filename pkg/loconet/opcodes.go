package loconet

// Opcode is the first byte of a LocoNet frame. The high bit is always set;
// bits 6-5 select the frame length class: 0x80=2, 0xA0=4, 0xC0=6 bytes,
// 0xE0=variable with the total length in the second byte.
type Opcode byte

const (
	OpcBusy        Opcode = 0x81
	OpcGPOff       Opcode = 0x82
	OpcGPOn        Opcode = 0x83
	OpcIdle        Opcode = 0x85 // force idle, broadcast emergency stop
	OpcLocoSpd     Opcode = 0xA0
	OpcLocoDirF    Opcode = 0xA1 // direction and F0-F4
	OpcLocoSnd     Opcode = 0xA2 // F5-F8
	OpcLocoF9F12   Opcode = 0xA3
	OpcSwReq       Opcode = 0xB0
	OpcSwRep       Opcode = 0xB1
	OpcInputRep    Opcode = 0xB2
	OpcLongAck     Opcode = 0xB4
	OpcSlotStat1   Opcode = 0xB5
	OpcConsistFunc Opcode = 0xB6
	OpcUnlinkSlots Opcode = 0xB8
	OpcLinkSlots   Opcode = 0xB9
	OpcMoveSlots   Opcode = 0xBA
	OpcRqSlData    Opcode = 0xBB
	OpcSwState     Opcode = 0xBC
	OpcSwAck       Opcode = 0xBD
	OpcLocoAdr     Opcode = 0xBF
	OpcMultiSense  Opcode = 0xD0
	OpcExpFunc     Opcode = 0xD4 // function groups F12-F28
	OpcPeerXfer    Opcode = 0xE5
	OpcSlRdData    Opcode = 0xE7
	OpcImmPacket   Opcode = 0xED
	OpcWrSlData    Opcode = 0xEF
)

var opcodeNames = map[Opcode]string{
	OpcBusy:        "BUSY",
	OpcGPOff:       "GPOFF",
	OpcGPOn:        "GPON",
	OpcIdle:        "IDLE",
	OpcLocoSpd:     "LOCO_SPD",
	OpcLocoDirF:    "LOCO_DIRF",
	OpcLocoSnd:     "LOCO_SND",
	OpcLocoF9F12:   "LOCO_F9F12",
	OpcSwReq:       "SW_REQ",
	OpcSwRep:       "SW_REP",
	OpcInputRep:    "INPUT_REP",
	OpcLongAck:     "LONG_ACK",
	OpcSlotStat1:   "SLOT_STAT1",
	OpcConsistFunc: "CONSIST_FUNC",
	OpcUnlinkSlots: "UNLINK_SLOTS",
	OpcLinkSlots:   "LINK_SLOTS",
	OpcMoveSlots:   "MOVE_SLOTS",
	OpcRqSlData:    "RQ_SL_DATA",
	OpcSwState:     "SW_STATE",
	OpcSwAck:       "SW_ACK",
	OpcLocoAdr:     "LOCO_ADR",
	OpcMultiSense:  "MULTI_SENSE",
	OpcExpFunc:     "EXP_FUNC",
	OpcPeerXfer:    "PEER_XFER",
	OpcSlRdData:    "SL_RD_DATA",
	OpcImmPacket:   "IMM_PACKET",
	OpcWrSlData:    "WR_SL_DATA",
}

// String returns the mnemonic for the opcode.
func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return "UNKNOWN"
}

// opcodeLength returns the fixed frame length for the opcode, or 0 when
// the length is carried in the second byte.
func opcodeLength(op byte) int {
	switch (op >> 5) & 0x03 {
	case 0:
		return 2
	case 1:
		return 4
	case 2:
		return 6
	default:
		return 0
	}
}

// requiresResponse reports whether a transmitted message starts a response
// wait after its echo. The command station (or addressed module) answers
// these with SL_RD_DATA, PEER_XFER or LONG_ACK.
func requiresResponse(m Message) bool {
	switch m.Opcode() {
	case OpcLocoAdr, OpcRqSlData, OpcMoveSlots, OpcSwState, OpcSwAck, OpcWrSlData:
		return true
	case OpcImmPacket:
		// LNCV stop is fire-and-forget; start, read and write are answered.
		return m.IsLNCVRequest() && m.lncvMode() != lncvModeStop
	}
	return false
}

// isResponseTo reports whether recv answers the outstanding request sent.
// A LONG_ACK always terminates the wait for the request it names.
func isResponseTo(sent, recv Message) bool {
	if recv.Opcode() == OpcLongAck && len(recv) >= 3 {
		return recv.LongAckOpcode() == sent.Opcode()
	}
	switch sent.Opcode() {
	case OpcLocoAdr:
		return recv.IsSlotData() && recv.Opcode() == OpcSlRdData &&
			recv.SlotDataAddress() == sent.LocoAdrAddress()
	case OpcRqSlData:
		return recv.IsSlotData() && recv.Opcode() == OpcSlRdData &&
			recv.SlotDataSlot() == sent[1]
	case OpcMoveSlots:
		return recv.IsSlotData() && recv.Opcode() == OpcSlRdData &&
			recv.SlotDataSlot() == sent[2]
	case OpcImmPacket:
		return sent.IsLNCVRequest() && recv.IsLNCVReply()
	}
	return false
}
