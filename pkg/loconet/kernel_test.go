package loconet

import (
	"sync"
	"testing"
	"time"
)

// testIOHandler records transmissions and optionally echoes them and
// produces scripted responses, standing in for a command station.
type testIOHandler struct {
	kernel  *Kernel
	echo    bool
	respond func(m Message) []Message

	mu   sync.Mutex
	sent []Message
}

func (h *testIOHandler) Start() error { return nil }
func (h *testIOHandler) Stop()        {}

func (h *testIOHandler) Send(m Message) bool {
	h.mu.Lock()
	h.sent = append(h.sent, m.Clone())
	h.mu.Unlock()

	if h.echo {
		h.kernel.receiveFromIO(m.Clone())
	}
	if h.respond != nil {
		for _, r := range h.respond(m) {
			h.kernel.receiveFromIO(r)
		}
	}
	return true
}

func (h *testIOHandler) sentMessages() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Message, len(h.sent))
	copy(out, h.sent)
	return out
}

func (h *testIOHandler) countOpcode(op Opcode) int {
	n := 0
	for _, m := range h.sentMessages() {
		if m.Opcode() == op {
			n++
		}
	}
	return n
}

func newTestKernel(t *testing.T, cfg Config, echo bool, respond func(Message) []Message) (*Kernel, *testIOHandler) {
	t.Helper()
	var handler *testIOHandler
	k, err := Create(cfg, func(k *Kernel) (IOHandler, error) {
		handler = &testIOHandler{kernel: k, echo: echo, respond: respond}
		return handler, nil
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return k, handler
}

func runOnLoop(t *testing.T, k *Kernel, fn func()) {
	t.Helper()
	done := make(chan struct{})
	if err := k.reactor.Post(func() {
		fn()
		close(done)
	}); err != nil {
		t.Fatalf("Post: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event loop task did not run")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type recordedValue struct {
	address uint16
	value   TriState
}

type recordingController struct {
	mu    sync.Mutex
	calls []recordedValue
}

func (c *recordingController) record(address uint16, value TriState) {
	c.mu.Lock()
	c.calls = append(c.calls, recordedValue{address, value})
	c.mu.Unlock()
}

func (c *recordingController) UpdateInputValue(address uint16, value TriState)  { c.record(address, value) }
func (c *recordingController) UpdateOutputValue(address uint16, value TriState) { c.record(address, value) }

func (c *recordingController) snapshot() []recordedValue {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]recordedValue, len(c.calls))
	copy(out, c.calls)
	return out
}

func TestPriorityDominance(t *testing.T) {
	k, h := newTestKernel(t, DefaultConfig(), true, nil)
	if err := k.Start(); err != nil {
		t.Fatal(err)
	}
	defer k.Stop()

	// hold transmission while all three queues fill
	runOnLoop(t, k, func() { k.waitingForEcho = true })
	runOnLoop(t, k, func() {
		k.send(NewLocoSpd(1, 10), LowPriority)
		k.send(NewLocoSpd(2, 20), NormalPriority)
		k.send(NewLocoSpd(3, 30), HighPriority)
	})
	runOnLoop(t, k, func() {
		k.waitingForEcho = false
		k.sendNextMessage()
	})

	waitFor(t, "three transmissions", func() bool { return len(h.sentMessages()) == 3 })

	sent := h.sentMessages()
	wantSlots := []byte{3, 2, 1}
	for i, want := range wantSlots {
		if sent[i][1] != want {
			t.Errorf("transmission %d is slot %d, want %d", i, sent[i][1], want)
		}
	}
}

func TestEchoDiscipline(t *testing.T) {
	k, h := newTestKernel(t, DefaultConfig(), false, nil)
	if err := k.Start(); err != nil {
		t.Fatal(err)
	}
	defer k.Stop()

	runOnLoop(t, k, func() {
		k.send(NewLocoSpd(1, 10), NormalPriority)
		k.send(NewLocoSpd(1, 20), NormalPriority)
	})

	time.Sleep(50 * time.Millisecond)
	if n := len(h.sentMessages()); n != 1 {
		t.Fatalf("sent %d frames before echo, want 1", n)
	}

	// deliver the echo; the next frame may go out now
	runOnLoop(t, k, func() { k.receive(NewLocoSpd(1, 10)) })
	waitFor(t, "second transmission", func() bool { return len(h.sentMessages()) == 2 })

	if got := h.sentMessages()[1].LocoSpdSpeed(); got != 20 {
		t.Errorf("second frame speed = %d, want 20", got)
	}
}

func TestEchoTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EchoTimeout = 25 * time.Millisecond
	k, h := newTestKernel(t, cfg, false, nil)
	if err := k.Start(); err != nil {
		t.Fatal(err)
	}
	defer k.Stop()

	before := k.metrics.echoTimeouts.Value()
	runOnLoop(t, k, func() {
		k.send(NewLocoSpd(1, 10), NormalPriority)
		k.send(NewLocoSpd(1, 20), NormalPriority)
	})

	// the first frame is dropped on timeout and the second goes out
	waitFor(t, "next transmission after timeout", func() bool { return len(h.sentMessages()) == 2 })
	waitFor(t, "first echo timeout counted", func() bool {
		return k.metrics.echoTimeouts.Value() >= before+1
	})

	// the second echo is lost too; the frame sent after the first timeout
	// must carry a live echo timer, so a second timeout fires
	waitFor(t, "second echo timeout", func() bool {
		return k.metrics.echoTimeouts.Value() >= before+2
	})

	// the queue still makes forward progress after consecutive losses
	runOnLoop(t, k, func() { k.send(NewLocoSpd(1, 30), NormalPriority) })
	waitFor(t, "third transmission", func() bool { return len(h.sentMessages()) == 3 })
	if got := h.sentMessages()[2].LocoSpdSpeed(); got != 30 {
		t.Errorf("third frame speed = %d, want 30", got)
	}
}

func TestGlobalPowerScenario(t *testing.T) {
	k, h := newTestKernel(t, DefaultConfig(), true, nil)

	var mu sync.Mutex
	var events []bool
	k.SetOnGlobalPowerChanged(func(on bool) {
		mu.Lock()
		events = append(events, on)
		mu.Unlock()
	})

	if err := k.Start(); err != nil {
		t.Fatal(err)
	}
	defer k.Stop()

	k.SetPowerOn(true)
	waitFor(t, "power callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1 && events[0]
	})

	if got := h.sentMessages()[0].String(); got != "83 7C" {
		t.Errorf("transmitted %s, want 83 7C", got)
	}

	// repeated request is a no-op
	k.SetPowerOn(true)
	time.Sleep(30 * time.Millisecond)
	if n := len(h.sentMessages()); n != 1 {
		t.Errorf("sent %d frames, want 1", n)
	}

	k.SetPowerOn(false)
	waitFor(t, "power off callback", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2 && !events[1]
	})
}

func TestEmergencyStopResume(t *testing.T) {
	k, h := newTestKernel(t, DefaultConfig(), true, nil)
	if err := k.Start(); err != nil {
		t.Fatal(err)
	}
	defer k.Stop()

	k.EmergencyStop()
	waitFor(t, "emergency stop state", func() bool {
		var v TriState
		runOnLoop(t, k, func() { v = k.emergencyStop })
		return v == TriStateTrue
	})
	if got := h.sentMessages()[0].String(); got != "85 7A" {
		t.Errorf("transmitted %s, want 85 7A", got)
	}

	k.Resume()
	waitFor(t, "resume", func() bool {
		var estop, power TriState
		runOnLoop(t, k, func() { estop, power = k.emergencyStop, k.globalPower })
		return estop == TriStateUndefined && power == TriStateTrue
	})
	if got := h.sentMessages()[1].String(); got != "83 7C" {
		t.Errorf("resume transmitted %s, want 83 7C", got)
	}
}

func TestSlotAcquisition(t *testing.T) {
	respond := func(m Message) []Message {
		if m.Opcode() == OpcLocoAdr {
			return []Message{NewSlotReadData(5, 0x03, m.LocoAdrAddress(), 0, 0, 0)}
		}
		return nil
	}
	k, h := newTestKernel(t, DefaultConfig(), true, respond)
	if err := k.Start(); err != nil {
		t.Fatal(err)
	}
	defer k.Stop()

	state := DecoderState{Address: 3, Direction: DirectionForward, Speed: 40}
	k.DecoderChanged(state, ChangeSpeed, 0)
	state.Speed = 50
	k.DecoderChanged(state, ChangeSpeed, 0)

	waitFor(t, "two speed frames", func() bool { return h.countOpcode(OpcLocoSpd) == 2 })

	if n := h.countOpcode(OpcLocoAdr); n != 1 {
		t.Errorf("sent %d slot acquisitions, want 1", n)
	}

	var speeds []uint8
	for _, m := range h.sentMessages() {
		if m.Opcode() == OpcLocoSpd {
			if m[1] != 5 {
				t.Errorf("speed frame for slot %d, want 5", m[1])
			}
			speeds = append(speeds, m.LocoSpdSpeed())
		}
	}
	if len(speeds) != 2 || speeds[0] != 40 || speeds[1] != 50 {
		t.Errorf("speeds = %v, want [40 50]", speeds)
	}

	// the slot shadow now reflects the echoed state
	runOnLoop(t, k, func() {
		slotNum, ok := k.addressToSlot[3]
		if !ok || slotNum != 5 {
			t.Errorf("addressToSlot[3] = %d, %v", slotNum, ok)
		}
		if k.slots[5].speed != 50 {
			t.Errorf("shadow speed = %d, want 50", k.slots[5].speed)
		}
	})
}

func TestShadowIdempotence(t *testing.T) {
	k, _ := newTestKernel(t, DefaultConfig(), false, nil)
	inputs := &recordingController{}
	k.SetInputController(inputs)
	if err := k.Start(); err != nil {
		t.Fatal(err)
	}
	defer k.Stop()

	runOnLoop(t, k, func() {
		k.receive(NewInputRep(9, true))
		k.receive(NewInputRep(9, true))
	})
	if got := inputs.snapshot(); len(got) != 1 || got[0] != (recordedValue{9, TriStateTrue}) {
		t.Fatalf("calls = %v, want one (9, true)", got)
	}

	runOnLoop(t, k, func() { k.receive(NewInputRep(9, false)) })
	if got := inputs.snapshot(); len(got) != 2 || got[1] != (recordedValue{9, TriStateFalse}) {
		t.Fatalf("calls = %v, want (9, false) appended", got)
	}
}

func TestSimulateInputChange(t *testing.T) {
	k, _ := newTestKernel(t, DefaultConfig(), false, nil)
	inputs := &recordingController{}
	k.SetInputController(inputs)
	if err := k.Start(); err != nil {
		t.Fatal(err)
	}
	defer k.Stop()

	k.SimulateInputChange(5)
	waitFor(t, "first toggle", func() bool { return len(inputs.snapshot()) == 1 })
	if got := inputs.snapshot()[0]; got != (recordedValue{5, TriStateTrue}) {
		t.Fatalf("first toggle = %v", got)
	}

	k.SimulateInputChange(5)
	waitFor(t, "second toggle", func() bool { return len(inputs.snapshot()) == 2 })
	if got := inputs.snapshot()[1]; got != (recordedValue{5, TriStateFalse}) {
		t.Fatalf("second toggle = %v", got)
	}

	// out of range is rejected silently
	k.SimulateInputChange(0)
	k.SimulateInputChange(5000)
}

func TestSetOutputScenario(t *testing.T) {
	k, h := newTestKernel(t, DefaultConfig(), true, nil)
	outputs := &recordingController{}
	k.SetOutputController(outputs)
	if err := k.Start(); err != nil {
		t.Fatal(err)
	}
	defer k.Stop()

	if k.SetOutput(0, true) || k.SetOutput(4097, true) {
		t.Fatal("out of range address accepted")
	}

	if !k.SetOutput(1, true) {
		t.Fatal("SetOutput(1) rejected")
	}

	waitFor(t, "output callback", func() bool {
		for _, c := range outputs.snapshot() {
			if c == (recordedValue{1, TriStateTrue}) {
				return true
			}
		}
		return false
	})

	sent := h.sentMessages()
	if len(sent) == 0 || sent[0][0] != 0xB0 || sent[0][1] != 0x00 || sent[0][2] != 0x30 {
		t.Fatalf("transmitted %v, want B0 00 30 ..", sent)
	}

	// the shadow only changed after the echo
	runOnLoop(t, k, func() {
		if k.outputValues[0] != TriStateTrue {
			t.Errorf("shadow[1] = %v, want true", k.outputValues[0])
		}
	})
}

func TestSwitchObservedFromBus(t *testing.T) {
	k, _ := newTestKernel(t, DefaultConfig(), false, nil)
	outputs := &recordingController{}
	k.SetOutputController(outputs)
	if err := k.Start(); err != nil {
		t.Fatal(err)
	}
	defer k.Stop()

	// another throttle moved switch 1 to thrown
	runOnLoop(t, k, func() { k.receive(NewSwitchRequest(0, false, true)) })
	waitFor(t, "observed switch", func() bool {
		for _, c := range outputs.snapshot() {
			if c == (recordedValue{2, TriStateTrue}) {
				return true
			}
		}
		return false
	})
}

func TestIdentificationDispatch(t *testing.T) {
	type ident struct {
		address uint16
		tag     uint16
	}
	var mu sync.Mutex
	var events []ident

	k, _ := newTestKernel(t, DefaultConfig(), false, nil)
	k.SetIdentificationController(identFunc(func(address, tag uint16) {
		mu.Lock()
		events = append(events, ident{address, tag})
		mu.Unlock()
	}))
	if err := k.Start(); err != nil {
		t.Fatal(err)
	}
	defer k.Stop()

	runOnLoop(t, k, func() { k.receive(NewMultiSensePresent(100, 1234)) })
	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 || events[0] != (ident{100, 1234}) {
		t.Fatalf("events = %v", events)
	}
}

type identFunc func(address, tag uint16)

func (f identFunc) IdentificationEvent(address, tag uint16) { f(address, tag) }

func TestWiringWhileRunningIgnored(t *testing.T) {
	k, _ := newTestKernel(t, DefaultConfig(), false, nil)
	if err := k.Start(); err != nil {
		t.Fatal(err)
	}
	defer k.Stop()

	if err := k.Start(); err != ErrStarted {
		t.Errorf("second Start = %v, want ErrStarted", err)
	}

	inputs := &recordingController{}
	k.SetInputController(inputs)
	runOnLoop(t, k, func() {
		if k.inputController != nil {
			t.Error("wiring accepted while running")
		}
	})
}

func TestListenOnly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenOnly = true
	k, h := newTestKernel(t, cfg, true, nil)
	if err := k.Start(); err != nil {
		t.Fatal(err)
	}
	defer k.Stop()

	k.SetPowerOn(true)
	time.Sleep(30 * time.Millisecond)
	if n := len(h.sentMessages()); n != 0 {
		t.Errorf("listen-only kernel transmitted %d frames", n)
	}
}

func TestPublicAPIConcurrency(t *testing.T) {
	k, err := Create(DefaultConfig(), NewSimulationIOHandler())
	if err != nil {
		t.Fatal(err)
	}
	if err := k.Start(); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				switch i % 5 {
				case 0:
					k.SetPowerOn(i%2 == 0)
				case 1:
					k.SetOutput(uint16(1+i%100), i%2 == 0)
				case 2:
					k.SimulateInputChange(uint16(1 + i%100))
				case 3:
					k.DecoderChanged(DecoderState{
						Address: uint16(3 + g),
						Speed:   uint8(i % 128),
					}, ChangeSpeed, 0)
				case 4:
					k.FastClockTime()
				}
			}
		}(g)
	}
	wg.Wait()
	k.Stop()
}

func TestSimulationEndToEnd(t *testing.T) {
	k, err := Create(DefaultConfig(), NewSimulationIOHandler())
	if err != nil {
		t.Fatal(err)
	}
	if !k.Simulation() {
		t.Fatal("simulation flag not set")
	}
	if err := k.Start(); err != nil {
		t.Fatal(err)
	}
	defer k.Stop()

	k.SetPowerOn(true)
	waitFor(t, "power echo", func() bool {
		var v TriState
		runOnLoop(t, k, func() { v = k.globalPower })
		return v == TriStateTrue
	})

	k.DecoderChanged(DecoderState{Address: 42, Speed: 60, Direction: DirectionForward}, ChangeSpeed, 0)
	waitFor(t, "slot bound", func() bool {
		var ok bool
		runOnLoop(t, k, func() { _, ok = k.addressToSlot[42] })
		return ok
	})
}
