package loconet

// Locomotive slot traffic: slot acquisition, slot data records and the
// speed/direction/function write frames.

// DIRF bit layout: <0,0,DIR,F0,F4,F3,F2,F1>; DIR set means reverse.
const (
	dirfF1  = 0x01
	dirfF2  = 0x02
	dirfF3  = 0x04
	dirfF4  = 0x08
	dirfF0  = 0x10
	dirfDir = 0x20
)

// Expanded function group selectors for OPC_EXP_FUNC frames.
const (
	expFuncGroupF20F28 = 0x05
	expFuncGroupF13F19 = 0x08
	expFuncGroupF21F27 = 0x09
)

// NewLocoAdr builds an OPC_LOCO_ADR slot acquisition request.
func NewLocoAdr(address uint16) Message {
	m := newMessage(OpcLocoAdr, 4)
	m[1] = byte(address>>7) & 0x7F
	m[2] = byte(address) & 0x7F
	updateChecksum(m)
	return m
}

// LocoAdrAddress returns the decoder address of an OPC_LOCO_ADR frame.
func (m Message) LocoAdrAddress() uint16 {
	return uint16(m[1]&0x7F)<<7 | uint16(m[2]&0x7F)
}

// NewRequestSlotData builds an OPC_RQ_SL_DATA frame.
func NewRequestSlotData(slot uint8) Message {
	m := newMessage(OpcRqSlData, 4)
	m[1] = slot & 0x7F
	updateChecksum(m)
	return m
}

// NewMoveSlots builds an OPC_MOVE_SLOTS frame. src == dst is the null
// move that marks a slot in-use.
func NewMoveSlots(src, dst uint8) Message {
	m := newMessage(OpcMoveSlots, 4)
	m[1] = src & 0x7F
	m[2] = dst & 0x7F
	updateChecksum(m)
	return m
}

// NewSlotStat1 builds an OPC_SLOT_STAT1 frame.
func NewSlotStat1(slot, stat1 uint8) Message {
	m := newMessage(OpcSlotStat1, 4)
	m[1] = slot & 0x7F
	m[2] = stat1 & 0x7F
	updateChecksum(m)
	return m
}

// NewLocoSpd builds an OPC_LOCO_SPD frame. Speed 0 is stop, 1 is
// emergency stop, 2..127 scale the throttle.
func NewLocoSpd(slot, speed uint8) Message {
	m := newMessage(OpcLocoSpd, 4)
	m[1] = slot & 0x7F
	m[2] = speed & 0x7F
	updateChecksum(m)
	return m
}

// LocoSpdSpeed returns the speed byte of an OPC_LOCO_SPD frame.
func (m Message) LocoSpdSpeed() uint8 {
	return m[2] & 0x7F
}

// dirfByte packs direction and F0-F4 into a DIRF byte.
func dirfByte(direction Direction, f0, f1, f2, f3, f4 bool) byte {
	var b byte
	if direction == DirectionReverse {
		b |= dirfDir
	}
	if f0 {
		b |= dirfF0
	}
	if f1 {
		b |= dirfF1
	}
	if f2 {
		b |= dirfF2
	}
	if f3 {
		b |= dirfF3
	}
	if f4 {
		b |= dirfF4
	}
	return b
}

// NewLocoDirF builds an OPC_LOCO_DIRF frame.
func NewLocoDirF(slot uint8, direction Direction, f0, f1, f2, f3, f4 bool) Message {
	m := newMessage(OpcLocoDirF, 4)
	m[1] = slot & 0x7F
	m[2] = dirfByte(direction, f0, f1, f2, f3, f4)
	updateChecksum(m)
	return m
}

// DirFDirection returns the direction encoded in a DIRF byte frame.
func (m Message) DirFDirection() Direction {
	if m[2]&dirfDir != 0 {
		return DirectionReverse
	}
	return DirectionForward
}

// DirFFunction returns function n (0..4) from a DIRF byte frame.
func (m Message) DirFFunction(n uint8) bool {
	switch n {
	case 0:
		return m[2]&dirfF0 != 0
	case 1:
		return m[2]&dirfF1 != 0
	case 2:
		return m[2]&dirfF2 != 0
	case 3:
		return m[2]&dirfF3 != 0
	case 4:
		return m[2]&dirfF4 != 0
	}
	return false
}

// NewLocoSnd builds an OPC_LOCO_SND frame carrying F5-F8.
func NewLocoSnd(slot uint8, f5, f6, f7, f8 bool) Message {
	m := newMessage(OpcLocoSnd, 4)
	m[1] = slot & 0x7F
	m[2] = functionNibble(f5, f6, f7, f8)
	updateChecksum(m)
	return m
}

// NewLocoF9F12 builds an OPC_LOCO_F9F12 frame.
func NewLocoF9F12(slot uint8, f9, f10, f11, f12 bool) Message {
	m := newMessage(OpcLocoF9F12, 4)
	m[1] = slot & 0x7F
	m[2] = functionNibble(f9, f10, f11, f12)
	updateChecksum(m)
	return m
}

func functionNibble(a, b, c, d bool) byte {
	var v byte
	if a {
		v |= 0x01
	}
	if b {
		v |= 0x02
	}
	if c {
		v |= 0x04
	}
	if d {
		v |= 0x08
	}
	return v
}

// FunctionNibble returns bit n (0..3) of a function nibble frame
// (OPC_LOCO_SND, OPC_LOCO_F9F12).
func (m Message) FunctionNibble(n uint8) bool {
	return m[2]&(1<<n) != 0
}

// newExpFunc builds an OPC_EXP_FUNC frame for the given group.
func newExpFunc(slot uint8, group, bits byte) Message {
	m := newMessage(OpcExpFunc, 6)
	m[1] = 0x20
	m[2] = slot & 0x7F
	m[3] = group
	m[4] = bits & 0x7F
	updateChecksum(m)
	return m
}

// NewLocoF13F19 builds the F13-F19 function group frame; bit 0 is F13.
func NewLocoF13F19(slot uint8, bits byte) Message {
	return newExpFunc(slot, expFuncGroupF13F19, bits)
}

// NewLocoF21F27 builds the F21-F27 function group frame; bit 0 is F21.
func NewLocoF21F27(slot uint8, bits byte) Message {
	return newExpFunc(slot, expFuncGroupF21F27, bits)
}

// NewLocoF20F28 builds the F20/F28 function group frame.
func NewLocoF20F28(slot uint8, f20, f28 bool) Message {
	var bits byte
	if f20 {
		bits |= 0x20
	}
	if f28 {
		bits |= 0x40
	}
	return newExpFunc(slot, expFuncGroupF20F28, bits)
}

// ExpFuncGroup returns the function group selector of an OPC_EXP_FUNC frame.
func (m Message) ExpFuncGroup() byte {
	return m[3]
}

// ExpFuncBits returns the function bits of an OPC_EXP_FUNC frame.
func (m Message) ExpFuncBits() byte {
	return m[4]
}

// Slot data records (OPC_SL_RD_DATA and OPC_WR_SL_DATA) are 14 bytes:
// <op><0E><slot><stat1><adr><spd><dirf><trk><ss2><adr2><snd><id1><id2><chk>

// SlotDataLength is the frame length of a slot data record.
const SlotDataLength = 0x0E

// IsSlotData reports whether the frame is a 14-byte slot record.
func (m Message) IsSlotData() bool {
	return (m.Opcode() == OpcSlRdData || m.Opcode() == OpcWrSlData) &&
		len(m) == SlotDataLength
}

// SlotDataSlot returns the slot number of a slot record.
func (m Message) SlotDataSlot() uint8 {
	return m[2] & 0x7F
}

// SlotDataStat1 returns the STAT1 byte of a slot record.
func (m Message) SlotDataStat1() byte {
	return m[3]
}

// SlotDataAddress returns the decoder address of a slot record.
func (m Message) SlotDataAddress() uint16 {
	return uint16(m[9]&0x7F)<<7 | uint16(m[4]&0x7F)
}

// SlotDataSpeed returns the speed byte of a slot record.
func (m Message) SlotDataSpeed() uint8 {
	return m[5] & 0x7F
}

// SlotDataDirF returns the DIRF byte of a slot record.
func (m Message) SlotDataDirF() byte {
	return m[6]
}

// SlotDataSnd returns the SND byte (F5-F8) of a slot record.
func (m Message) SlotDataSnd() byte {
	return m[10]
}

// newSlotData builds a slot record with the given opcode.
func newSlotData(op Opcode, slot uint8, stat1 byte, address uint16, speed uint8, dirf, snd byte) Message {
	m := newMessage(op, SlotDataLength)
	m[2] = slot & 0x7F
	m[3] = stat1 & 0x7F
	m[4] = byte(address) & 0x7F
	m[5] = speed & 0x7F
	m[6] = dirf & 0x7F
	m[9] = byte(address>>7) & 0x7F
	m[10] = snd & 0x7F
	updateChecksum(m)
	return m
}

// NewSlotReadData builds an OPC_SL_RD_DATA record, as sent by a command
// station in answer to slot requests.
func NewSlotReadData(slot uint8, stat1 byte, address uint16, speed uint8, dirf, snd byte) Message {
	return newSlotData(OpcSlRdData, slot, stat1, address, speed, dirf, snd)
}

// NewWriteSlotData builds an OPC_WR_SL_DATA record.
func NewWriteSlotData(slot uint8, stat1 byte, address uint16, speed uint8, dirf, snd byte) Message {
	return newSlotData(OpcWrSlData, slot, stat1, address, speed, dirf, snd)
}
