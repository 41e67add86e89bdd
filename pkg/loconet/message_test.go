package loconet

import "testing"

func TestChecksumKnownFrames(t *testing.T) {
	// GPON and IDLE have well-known wire encodings
	if got := NewGlobalPowerOn(); got.String() != "83 7C" {
		t.Fatalf("GPON = %s, want 83 7C", got)
	}
	if got := NewIdle(); got.String() != "85 7A" {
		t.Fatalf("IDLE = %s, want 85 7A", got)
	}
	if got := NewGlobalPowerOff(); got.String() != "82 7D" {
		t.Fatalf("GPOFF = %s, want 82 7D", got)
	}
}

func TestMessageValid(t *testing.T) {
	frames := []Message{
		NewGlobalPowerOn(),
		NewIdle(),
		NewLocoAdr(3),
		NewLocoSpd(5, 40),
		NewLocoDirF(5, DirectionReverse, true, false, true, false, false),
		NewLocoSnd(5, true, true, false, false),
		NewLocoF9F12(5, false, true, false, true),
		NewLocoF13F19(5, 0x55),
		NewLocoF21F27(5, 0x2A),
		NewLocoF20F28(5, true, false),
		NewSwitchRequestForOutput(1, true),
		NewSwitchState(10),
		NewInputRep(4096, true),
		NewRequestSlotData(9),
		NewMoveSlots(9, 9),
		NewSlotReadData(5, 0x03, 3, 0, 0, 0),
		NewWriteSlotData(5, 0x03, 3, 40, 0x20, 0x05),
		NewFastClockWrite(ClockTime{Multiplier: 4, Hour: 13, Minute: 37}),
		NewLongAck(OpcWrSlData, 0x7F),
		NewMultiSensePresent(100, 1234),
		NewLNCVStart(5000, 1),
		NewLNCVRead(5000, 7),
		NewLNCVWrite(5000, 7, 300),
		NewLNCVStop(5000, 1),
		NewLNCVReply(5000, 7, 300),
	}
	for _, m := range frames {
		if !m.Valid() {
			t.Errorf("%s %s not valid", m.Opcode(), m)
		}
		if m[0]&0x80 == 0 {
			t.Errorf("%s opcode high bit clear", m)
		}
		for _, b := range m[1 : len(m)-1] {
			if b&0x80 != 0 {
				t.Errorf("%s data byte with high bit set", m)
			}
		}
	}
}

func TestLocoAdrRoundTrip(t *testing.T) {
	for _, addr := range []uint16{1, 3, 127, 128, 4711, 9983} {
		m := NewLocoAdr(addr)
		if got := m.LocoAdrAddress(); got != addr {
			t.Errorf("LocoAdrAddress = %d, want %d", got, addr)
		}
	}
}

func TestSwitchRequestOutputMapping(t *testing.T) {
	tests := []struct {
		address uint16
		on      bool
		closed  bool
		pair    uint16
	}{
		{1, true, true, 2},
		{2, true, false, 1},
		{3, false, true, 4},
		{4096, true, false, 4095},
	}
	for _, tt := range tests {
		m := NewSwitchRequestForOutput(tt.address, tt.on)
		if m.SwitchClosed() != tt.closed {
			t.Errorf("address %d: closed = %v, want %v", tt.address, m.SwitchClosed(), tt.closed)
		}
		if m.SwitchOn() != tt.on {
			t.Errorf("address %d: on = %v, want %v", tt.address, m.SwitchOn(), tt.on)
		}
		addr, pair := m.SwitchOutputAddress()
		if addr != tt.address || pair != tt.pair {
			t.Errorf("address %d: mapped to (%d, %d), want (%d, %d)",
				tt.address, addr, pair, tt.address, tt.pair)
		}
	}
}

func TestSwitchRequestScenarioBytes(t *testing.T) {
	// setOutput(1, true): switch 0, closed, on
	m := NewSwitchRequestForOutput(1, true)
	if m[0] != 0xB0 || m[1] != 0x00 || m[2] != 0x30 {
		t.Fatalf("frame = %s, want B0 00 30 ..", m)
	}
	if !m.Valid() {
		t.Fatalf("frame %s has bad checksum", m)
	}
}

func TestInputRepRoundTrip(t *testing.T) {
	for _, addr := range []uint16{1, 2, 17, 2048, 4095, 4096} {
		for _, v := range []bool{false, true} {
			m := NewInputRep(addr, v)
			if got := m.InputAddress(); got != addr {
				t.Errorf("InputAddress = %d, want %d", got, addr)
			}
			if got := m.InputValue(); got != v {
				t.Errorf("InputValue(%d) = %v, want %v", addr, got, v)
			}
		}
	}
}

func TestSlotDataRoundTrip(t *testing.T) {
	m := NewSlotReadData(5, 0x03, 4711, 42, 0x33, 0x0A)
	if !m.IsSlotData() {
		t.Fatal("not recognized as slot data")
	}
	if m.SlotDataSlot() != 5 {
		t.Errorf("slot = %d", m.SlotDataSlot())
	}
	if m.SlotDataAddress() != 4711 {
		t.Errorf("address = %d", m.SlotDataAddress())
	}
	if m.SlotDataSpeed() != 42 {
		t.Errorf("speed = %d", m.SlotDataSpeed())
	}
	if m.SlotDataDirF() != 0x33 {
		t.Errorf("dirf = %02X", m.SlotDataDirF())
	}
	if m.SlotDataSnd() != 0x0A {
		t.Errorf("snd = %02X", m.SlotDataSnd())
	}
}

func TestFastClockRoundTrip(t *testing.T) {
	for _, c := range []ClockTime{
		{Multiplier: 1, Hour: 0, Minute: 0},
		{Multiplier: 4, Hour: 13, Minute: 37},
		{Multiplier: 10, Hour: 23, Minute: 59},
	} {
		m := NewFastClockWrite(c)
		if !m.IsFastClock() {
			t.Fatalf("%s not recognized as fast clock", m)
		}
		if got := m.FastClockTime(); got != c {
			t.Errorf("FastClockTime = %+v, want %+v", got, c)
		}
	}
}

func TestLNCVRoundTrip(t *testing.T) {
	req := NewLNCVRead(5000, 1027)
	if !req.IsLNCVRequest() {
		t.Fatal("read not recognized as LNCV request")
	}
	if req.LNCVModuleID() != 5000 || req.LNCVNumber() != 1027 {
		t.Errorf("request decoded as module %d lncv %d", req.LNCVModuleID(), req.LNCVNumber())
	}

	reply := NewLNCVReply(5000, 1027, 40000)
	if !reply.IsLNCVReply() {
		t.Fatal("reply not recognized")
	}
	if reply.LNCVValue() != 40000 {
		t.Errorf("value = %d, want 40000", reply.LNCVValue())
	}

	if !requiresResponse(NewLNCVStart(5000, 1)) {
		t.Error("LNCV start should await a response")
	}
	if requiresResponse(NewLNCVStop(5000, 1)) {
		t.Error("LNCV stop must not await a response")
	}
}

func TestSetMessageSlot(t *testing.T) {
	m := NewLocoSpd(0, 40)
	if !setMessageSlot(m, 17) {
		t.Fatal("setMessageSlot failed")
	}
	if m[1] != 17 {
		t.Errorf("slot byte = %d", m[1])
	}
	if !m.Valid() {
		t.Errorf("checksum not fixed up: %s", m)
	}
}

func TestIsResponseTo(t *testing.T) {
	adr := NewLocoAdr(3)
	data := NewSlotReadData(5, 0x03, 3, 0, 0, 0)
	if !isResponseTo(adr, data) {
		t.Error("slot data for the requested address must match")
	}
	other := NewSlotReadData(5, 0x03, 4, 0, 0, 0)
	if isResponseTo(adr, other) {
		t.Error("slot data for another address must not match")
	}
	ack := NewLongAck(OpcLocoAdr, 0)
	if !isResponseTo(adr, ack) {
		t.Error("long ack naming the request must match")
	}
	wrongAck := NewLongAck(OpcSwState, 0)
	if isResponseTo(adr, wrongAck) {
		t.Error("long ack for another opcode must not match")
	}
}
