package loconet

// Fast clock traffic rides in slot data records for the dedicated fast
// clock slot. The minute and hour bytes use the 7-bit "count up to the
// wrap" encoding command stations expect.

// FastClockSlot is the slot number carrying fast clock state.
const FastClockSlot = 0x7B

const fcCntrlValid = 0x40

// NewFastClockWrite builds an OPC_WR_SL_DATA record for the fast clock
// slot, as broadcast by a fast clock master.
func NewFastClockWrite(c ClockTime) Message {
	m := newMessage(OpcWrSlData, SlotDataLength)
	fillFastClock(m, c)
	return m
}

// NewFastClockRead builds the OPC_SL_RD_DATA form of a fast clock
// record, as sent by a command station.
func NewFastClockRead(c ClockTime) Message {
	m := newMessage(OpcSlRdData, SlotDataLength)
	fillFastClock(m, c)
	return m
}

func fillFastClock(m Message, c ClockTime) {
	minute := c.Minute % 60
	hour := c.Hour % 24
	m[2] = FastClockSlot
	m[3] = c.Multiplier & 0x7F
	m[6] = (127 - (60 - minute)) & 0x7F
	m[8] = (128 - (24 - hour)) & 0x7F
	m[10] = fcCntrlValid
	updateChecksum(m)
}

// IsFastClock reports whether the frame is a fast clock slot record.
func (m Message) IsFastClock() bool {
	return m.IsSlotData() && m.SlotDataSlot() == FastClockSlot
}

// FastClockTime decodes the clock state of a fast clock record.
func (m Message) FastClockTime() ClockTime {
	minute := 60 - (127 - int(m[6]&0x7F))
	if minute < 0 || minute > 59 {
		minute = 0
	}
	hour := 24 - (128 - int(m[8]&0x7F))
	if hour < 0 {
		hour += 24
	}
	if hour > 23 {
		hour = 0
	}
	return ClockTime{
		Multiplier: m[3] & 0x7F,
		Hour:       uint8(hour),
		Minute:     uint8(minute),
	}
}
