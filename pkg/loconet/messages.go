package loconet

// Global power and broadcast control frames.

// NewGlobalPowerOn builds an OPC_GPON frame.
func NewGlobalPowerOn() Message {
	m := newMessage(OpcGPOn, 2)
	updateChecksum(m)
	return m
}

// NewGlobalPowerOff builds an OPC_GPOFF frame.
func NewGlobalPowerOff() Message {
	m := newMessage(OpcGPOff, 2)
	updateChecksum(m)
	return m
}

// NewIdle builds an OPC_IDLE frame, the broadcast emergency stop.
func NewIdle() Message {
	m := newMessage(OpcIdle, 2)
	updateChecksum(m)
	return m
}

// NewBusy builds an OPC_BUSY frame.
func NewBusy() Message {
	m := newMessage(OpcBusy, 2)
	updateChecksum(m)
	return m
}

// NewLongAck builds an OPC_LONG_ACK frame answering the given opcode.
func NewLongAck(lopc Opcode, ack1 byte) Message {
	m := newMessage(OpcLongAck, 4)
	m[1] = byte(lopc) & 0x7F
	m[2] = ack1 & 0x7F
	updateChecksum(m)
	return m
}

// LongAckOpcode returns the opcode the LONG_ACK answers.
func (m Message) LongAckOpcode() Opcode {
	return Opcode(m[1] | 0x80)
}

// LongAckCode returns the ack code; 0 is a rejection.
func (m Message) LongAckCode() byte {
	return m[2]
}
