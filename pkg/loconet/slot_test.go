package loconet

import "testing"

func TestLocoSlotInvalidate(t *testing.T) {
	s := newLocoSlot()
	if s.isAddressValid() {
		t.Fatal("fresh slot has valid address")
	}
	if s.speed != invalidSlotSpeed || s.direction != DirectionUnknown {
		t.Fatal("fresh slot not invalidated")
	}
	for i, f := range s.functions {
		if f != TriStateUndefined {
			t.Fatalf("function %d = %v", i, f)
		}
	}

	s.address = 3
	s.speed = 40
	s.direction = DirectionForward
	s.setFunction(0, true)
	s.invalidate()
	if s.isAddressValid() || s.function(0) != TriStateUndefined {
		t.Fatal("invalidate incomplete")
	}
}

func TestLocoSlotApplyDirF(t *testing.T) {
	s := newLocoSlot()
	s.applyDirF(dirfDir | dirfF0 | dirfF3)
	if s.direction != DirectionReverse {
		t.Errorf("direction = %v", s.direction)
	}
	if s.function(0) != TriStateTrue || s.function(3) != TriStateTrue {
		t.Error("set functions not reflected")
	}
	if s.function(1) != TriStateFalse || s.function(4) != TriStateFalse {
		t.Error("clear functions not reflected")
	}
	if got := s.dirfByte(); got != dirfDir|dirfF0|dirfF3 {
		t.Errorf("dirfByte = %02X", got)
	}
}

func TestLocoSlotApplyNibble(t *testing.T) {
	s := newLocoSlot()
	s.applyNibble(5, 0x0A) // F6, F8
	if s.function(5) != TriStateFalse || s.function(6) != TriStateTrue {
		t.Error("F5/F6 wrong")
	}
	if s.function(7) != TriStateFalse || s.function(8) != TriStateTrue {
		t.Error("F7/F8 wrong")
	}
	// out of range writes are ignored
	s.setFunction(200, true)
	if s.function(200) != TriStateUndefined {
		t.Error("out of range function not undefined")
	}
}
