package loconet

// LNCV module programming uses the Uhlenbrock peer transfer layout:
// a 15-byte OPC_IMM_PACKET request and a 15-byte OPC_PEER_XFER reply.
// The seven data bytes (article number, LNCV number, value, mode) are
// 8-bit values; their high bits are gathered into the PXCT1 byte so every
// wire byte stays 7-bit.

const (
	lncvMessageLength = 0x0F

	lncvReqSrc  = 0x01
	lncvReqDstL = 0x05
	lncvReqDstH = 0x00

	lncvReplySrc  = 0x05
	lncvReplyDstL = 0x49
	lncvReplyDstH = 0x4B

	lncvReqIDWrite = 0x20
	lncvReqIDRead  = 0x21
	lncvReplyID    = 0x1F

	lncvModeNone  = 0x00
	lncvModeStop  = 0x40
	lncvModeStart = 0x80
)

// BroadcastModuleAddress addresses every module of an article number in
// LNCV programming start requests.
const BroadcastModuleAddress uint16 = 0xFFFF

// peerXferPack strips the high bits of the seven data bytes into PXCT1.
func peerXferPack(data [7]byte) (pxct1 byte, out [7]byte) {
	for i, b := range data {
		if b&0x80 != 0 {
			pxct1 |= 1 << uint(i)
		}
		out[i] = b & 0x7F
	}
	return
}

// peerXferUnpack restores the high bits from PXCT1.
func peerXferUnpack(pxct1 byte, data [7]byte) (out [7]byte) {
	for i, b := range data {
		if pxct1&(1<<uint(i)) != 0 {
			b |= 0x80
		}
		out[i] = b
	}
	return
}

func newLNCVRequest(reqID byte, moduleID, lncv, value uint16, mode byte) Message {
	m := newMessage(OpcImmPacket, lncvMessageLength)
	m[2] = lncvReqSrc
	m[3] = lncvReqDstL
	m[4] = lncvReqDstH
	m[5] = reqID
	pxct1, data := peerXferPack([7]byte{
		byte(moduleID), byte(moduleID >> 8),
		byte(lncv), byte(lncv >> 8),
		byte(value), byte(value >> 8),
		mode,
	})
	m[6] = pxct1
	copy(m[7:14], data[:])
	updateChecksum(m)
	return m
}

// NewLNCVStart builds the programming start request for all modules with
// the given article number and module address.
func NewLNCVStart(moduleID, moduleAddress uint16) Message {
	return newLNCVRequest(lncvReqIDRead, moduleID, 0, moduleAddress, lncvModeStart)
}

// NewLNCVStop builds the programming stop request.
func NewLNCVStop(moduleID, moduleAddress uint16) Message {
	return newLNCVRequest(lncvReqIDRead, moduleID, 0, moduleAddress, lncvModeStop)
}

// NewLNCVRead builds a configuration variable read request.
func NewLNCVRead(moduleID, lncv uint16) Message {
	return newLNCVRequest(lncvReqIDRead, moduleID, lncv, 0, lncvModeNone)
}

// NewLNCVWrite builds a configuration variable write request.
func NewLNCVWrite(moduleID, lncv, value uint16) Message {
	return newLNCVRequest(lncvReqIDWrite, moduleID, lncv, value, lncvModeNone)
}

// NewLNCVReply builds the module's answer to a read or start request,
// as produced by modules and the bus simulator.
func NewLNCVReply(moduleID, lncv, value uint16) Message {
	m := newMessage(OpcPeerXfer, lncvMessageLength)
	m[2] = lncvReplySrc
	m[3] = lncvReplyDstL
	m[4] = lncvReplyDstH
	m[5] = lncvReplyID
	pxct1, data := peerXferPack([7]byte{
		byte(moduleID), byte(moduleID >> 8),
		byte(lncv), byte(lncv >> 8),
		byte(value), byte(value >> 8),
		0,
	})
	m[6] = pxct1
	copy(m[7:14], data[:])
	updateChecksum(m)
	return m
}

// IsLNCVRequest reports whether the frame is an LNCV request.
func (m Message) IsLNCVRequest() bool {
	return m.Opcode() == OpcImmPacket && len(m) == lncvMessageLength &&
		m[2] == lncvReqSrc && m[3] == lncvReqDstL && m[4] == lncvReqDstH &&
		(m[5] == lncvReqIDRead || m[5] == lncvReqIDWrite)
}

// IsLNCVReply reports whether the frame is an LNCV module reply.
func (m Message) IsLNCVReply() bool {
	return m.Opcode() == OpcPeerXfer && len(m) == lncvMessageLength &&
		m[2] == lncvReplySrc && m[3] == lncvReplyDstL && m[4] == lncvReplyDstH &&
		m[5] == lncvReplyID
}

func (m Message) lncvData() [7]byte {
	var data [7]byte
	copy(data[:], m[7:14])
	return peerXferUnpack(m[6], data)
}

// LNCVModuleID returns the article number of an LNCV frame.
func (m Message) LNCVModuleID() uint16 {
	d := m.lncvData()
	return uint16(d[0]) | uint16(d[1])<<8
}

// LNCVNumber returns the configuration variable number of an LNCV frame.
func (m Message) LNCVNumber() uint16 {
	d := m.lncvData()
	return uint16(d[2]) | uint16(d[3])<<8
}

// LNCVValue returns the value of an LNCV frame.
func (m Message) LNCVValue() uint16 {
	d := m.lncvData()
	return uint16(d[4]) | uint16(d[5])<<8
}

func (m Message) lncvMode() byte {
	return m.lncvData()[6]
}
