// Package loconet implements the LocoNet protocol kernel: a
// single-threaded event-driven state machine multiplexing the half-duplex
// bus between the throttle subsystem (locomotive slots), accessory
// outputs, sensor inputs, the fast clock and LNCV module programming.
//
// All kernel state lives on a dedicated event loop. Public methods are
// safe to call from any goroutine; they post their work (arguments copied
// by value) onto the loop. Controllers and callbacks are invoked on the
// loop goroutine and must be wired before Start.
package loconet

import (
	"errors"
	"sync"
	"time"

	"loconetd/pkg/log"
	"loconetd/pkg/metrics"
	"loconetd/pkg/reactor"
)

// ErrStarted is returned by Start when the kernel is already running.
var ErrStarted = errors.New("loconet: kernel already started")

type kernelMetrics struct {
	rxFrames         *metrics.Counter
	txFrames         *metrics.Counter
	rxDropped        *metrics.Counter
	framingErrors    *metrics.Counter
	checksumErrors   *metrics.Counter
	echoTimeouts     *metrics.Counter
	responseTimeouts *metrics.Counter
	queueFull        *metrics.Counter
	slotsInUse       *metrics.Gauge
}

func newKernelMetrics(id string) *kernelMetrics {
	reg := metrics.DefaultRegistry()
	labels := metrics.Labels{"interface": id}
	return &kernelMetrics{
		rxFrames:         reg.Counter("loconet_rx_frames_total", "Frames received from the bus", labels),
		txFrames:         reg.Counter("loconet_tx_frames_total", "Frames transmitted to the bus", labels),
		rxDropped:        reg.Counter("loconet_rx_dropped_total", "Received frames dropped due to event loop overload", labels),
		framingErrors:    reg.Counter("loconet_framing_errors_total", "Framing errors while assembling frames", labels),
		checksumErrors:   reg.Counter("loconet_checksum_errors_total", "Frames discarded due to bad checksum", labels),
		echoTimeouts:     reg.Counter("loconet_echo_timeouts_total", "Transmissions dropped after missing echo", labels),
		responseTimeouts: reg.Counter("loconet_response_timeouts_total", "Requests whose response never arrived", labels),
		queueFull:        reg.Counter("loconet_queue_full_total", "Messages rejected because a send queue was full", labels),
		slotsInUse:       reg.Gauge("loconet_slots_in_use", "Locomotive slots currently cached", labels),
	}
}

// Kernel is the LocoNet protocol kernel.
type Kernel struct {
	reactor    *reactor.Reactor
	ioHandler  IOHandler
	simulation bool
	logger     *log.Logger
	logID      string
	metrics    *kernelMetrics

	mu      sync.Mutex // guards started and wiring
	started bool

	onStarted func()
	onMessage func(tx bool, m Message)

	// send queues and handshake state; loop-owned
	sendQueues         [priorityCount]sendQueue
	sentPriority       Priority
	waitingForEcho     bool
	echoTimer          *reactor.Timer
	waitingForResponse bool
	responseTimer      *reactor.Timer
	awaitedResponseTo  Message

	globalPower          TriState
	onGlobalPowerChanged func(on bool)
	emergencyStop        TriState
	onIdle               func()

	clock              Clock
	clockCancel        func()
	fastClock          packedClock
	fastClockTimer     *reactor.Timer
	fastClockSupported bool
	fastClockSeen      bool
	fastClockMissed    int
	fastClockFirst     bool

	lncvState          lncvSessionState
	lncvModuleID       uint16
	lncvModuleAddress  uint16
	lncvReadPending    bool
	lncvPendingRead    uint16
	onLNCVReadResponse OnLNCVReadResponse

	decoderController   DecoderController
	addressToSlot       map[uint16]uint8
	slots               map[uint8]*locoSlot
	pendingSlotMessages map[uint16][]Message

	inputController InputController
	inputValues     [InputAddressMax]TriState

	outputController OutputController
	outputValues     [OutputAddressMax]TriState

	identificationController IdentificationController

	config Config
}

// Create builds a kernel and its I/O handler. The handler is owned by
// the kernel and executes inside the kernel's event loop context.
func Create(cfg Config, factory IOHandlerFactory) (*Kernel, error) {
	k := &Kernel{
		reactor:             reactor.New(),
		logID:               "loconet",
		config:              cfg.withDefaults(),
		globalPower:         TriStateUndefined,
		emergencyStop:       TriStateUndefined,
		fastClockSupported:  true,
		addressToSlot:       make(map[uint16]uint8),
		slots:               make(map[uint8]*locoSlot),
		pendingSlotMessages: make(map[uint16][]Message),
	}
	k.logger = log.GetLogger(k.logID)
	if k.config.Debug {
		k.logger.SetLevel(log.DEBUG)
	}
	k.metrics = newKernelMetrics(k.logID)

	handler, err := factory(k)
	if err != nil {
		return nil, err
	}
	k.ioHandler = handler
	_, k.simulation = handler.(*SimulationIOHandler)

	k.echoTimer = k.reactor.RegisterTimer(k.echoTimerExpired, reactor.NEVER)
	k.responseTimer = k.reactor.RegisterTimer(k.responseTimerExpired, reactor.NEVER)
	k.fastClockTimer = k.reactor.RegisterTimer(k.fastClockSyncExpired, reactor.NEVER)

	return k, nil
}

// Simulation reports whether the kernel drives the simulator handler.
func (k *Kernel) Simulation() bool {
	return k.simulation
}

// LogID returns the identifier used in log messages and metric labels.
func (k *Kernel) LogID() string {
	return k.logID
}

// SetLogID sets the identifier used for log messages and metric labels.
// May not be called while the kernel is running.
func (k *Kernel) SetLogID(id string) {
	if !k.wiringAllowed("SetLogID") {
		return
	}
	k.logID = id
	k.logger = log.GetLogger(id)
	if k.config.Debug {
		k.logger.SetLevel(log.DEBUG)
	}
	k.metrics = newKernelMetrics(id)
}

// wiringAllowed reports whether collaborator wiring is currently legal
// and logs a misuse otherwise.
func (k *Kernel) wiringAllowed(what string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.started {
		k.logger.Error("%s called while kernel is running; ignored", what)
		return false
	}
	return true
}

// SetOnStarted wires the start callback. Stopped only.
func (k *Kernel) SetOnStarted(fn func()) {
	if k.wiringAllowed("SetOnStarted") {
		k.onStarted = fn
	}
}

// SetOnGlobalPowerChanged wires the power callback. Stopped only.
func (k *Kernel) SetOnGlobalPowerChanged(fn func(on bool)) {
	if k.wiringAllowed("SetOnGlobalPowerChanged") {
		k.onGlobalPowerChanged = fn
	}
}

// SetOnIdle wires the idle callback, invoked on the event loop after
// the I/O handler reports a fault. Stopped only.
func (k *Kernel) SetOnIdle(fn func()) {
	if k.wiringAllowed("SetOnIdle") {
		k.onIdle = fn
	}
}

// SetOnMessage wires a traffic tap receiving every transmitted and
// received frame. Stopped only.
func (k *Kernel) SetOnMessage(fn func(tx bool, m Message)) {
	if k.wiringAllowed("SetOnMessage") {
		k.onMessage = fn
	}
}

// SetClock wires the layout clock for the fast clock. Stopped only.
func (k *Kernel) SetClock(clock Clock) {
	if k.wiringAllowed("SetClock") {
		k.clock = clock
	}
}

// SetDecoderController wires the decoder controller. Stopped only.
func (k *Kernel) SetDecoderController(c DecoderController) {
	if k.wiringAllowed("SetDecoderController") {
		k.decoderController = c
	}
}

// SetInputController wires the input controller. Stopped only.
func (k *Kernel) SetInputController(c InputController) {
	if k.wiringAllowed("SetInputController") {
		k.inputController = c
	}
}

// SetOutputController wires the output controller. Stopped only.
func (k *Kernel) SetOutputController(c OutputController) {
	if k.wiringAllowed("SetOutputController") {
		k.outputController = c
	}
}

// SetIdentificationController wires the identification controller.
// Stopped only.
func (k *Kernel) SetIdentificationController(c IdentificationController) {
	if k.wiringAllowed("SetIdentificationController") {
		k.identificationController = c
	}
}

// SetOnLNCVReadResponse wires the LNCV read outcome callback. Stopped
// only.
func (k *Kernel) SetOnLNCVReadResponse(fn OnLNCVReadResponse) {
	if k.wiringAllowed("SetOnLNCVReadResponse") {
		k.onLNCVReadResponse = fn
	}
}

// Start spawns the event loop and opens the I/O handler.
func (k *Kernel) Start() error {
	k.mu.Lock()
	if k.started {
		k.mu.Unlock()
		return ErrStarted
	}
	k.started = true
	k.mu.Unlock()

	k.reactor.Run()
	k.reactor.Post(func() {
		if err := k.ioHandler.Start(); err != nil {
			k.logger.Error("io handler start: %v", err)
			return
		}
		k.logger.Info("started")
		if k.clock != nil {
			k.storeFastClock(k.clock.Time())
			k.enableClockEvents()
		}
		if k.config.FastClockMaster {
			k.startFastClockSync()
		}
		if k.onStarted != nil {
			k.onStarted()
		}
	})
	return nil
}

// Stop cancels timers, closes the I/O handler and joins the event loop.
func (k *Kernel) Stop() {
	k.mu.Lock()
	if !k.started {
		k.mu.Unlock()
		return
	}
	k.mu.Unlock()

	done := make(chan struct{})
	err := k.reactor.Post(func() {
		k.reactor.UpdateTimer(k.echoTimer, reactor.NEVER)
		k.reactor.UpdateTimer(k.responseTimer, reactor.NEVER)
		k.reactor.UpdateTimer(k.fastClockTimer, reactor.NEVER)
		k.disableClockEvents()
		k.ioHandler.Stop()
		k.logger.Info("stopped")
		close(done)
	})
	if err == nil {
		<-done
	}
	k.reactor.End()
	k.reactor.Wait()

	k.mu.Lock()
	k.started = false
	k.mu.Unlock()
}

// SetConfig replaces the configuration. Active timers are re-armed with
// the new timeouts. Safe from any goroutine.
func (k *Kernel) SetConfig(cfg Config) {
	k.reactor.Post(func() {
		old := k.config
		k.config = cfg.withDefaults()

		if k.config.Debug != old.Debug {
			if k.config.Debug {
				k.logger.SetLevel(log.DEBUG)
			} else {
				k.logger.SetLevel(log.INFO)
			}
		}
		if k.waitingForEcho {
			k.armTimer(k.echoTimer, k.config.EchoTimeout)
		}
		if k.waitingForResponse {
			k.armTimer(k.responseTimer, k.config.ResponseTimeout)
		}
		if k.config.FastClockMaster != old.FastClockMaster {
			if k.config.FastClockMaster {
				k.startFastClockSync()
			} else {
				k.stopFastClockSync()
			}
		}
	})
}

// SetPowerOn enqueues a global power command at high priority. Safe from
// any goroutine.
func (k *Kernel) SetPowerOn(on bool) {
	k.reactor.Post(func() {
		if k.globalPower == TriStateOf(on) {
			return
		}
		if on {
			k.send(NewGlobalPowerOn(), HighPriority)
		} else {
			k.send(NewGlobalPowerOff(), HighPriority)
		}
	})
}

// EmergencyStop broadcasts the emergency stop at high priority. Safe
// from any goroutine.
func (k *Kernel) EmergencyStop() {
	k.reactor.Post(func() {
		k.send(NewIdle(), HighPriority)
	})
}

// Resume restores power after an emergency stop. Safe from any
// goroutine.
func (k *Kernel) Resume() {
	k.reactor.Post(func() {
		if k.emergencyStop != TriStateTrue {
			return
		}
		k.send(NewGlobalPowerOn(), HighPriority)
	})
}

// DecoderChanged diffs the requested decoder state against the slot
// shadow and enqueues the needed throttle, direction and function
// frames at normal priority. With no slot cached for the address the
// frames are buffered and a slot acquisition is issued. Safe from any
// goroutine.
func (k *Kernel) DecoderChanged(state DecoderState, changes DecoderChangeFlags, functionNumber uint8) {
	k.reactor.Post(func() {
		k.decoderChanged(state, changes, functionNumber)
	})
}

// SetOutput enqueues a switch request for the 1-based output address at
// normal priority. Returns false for an out-of-range address. Safe from
// any goroutine.
func (k *Kernel) SetOutput(address uint16, value bool) bool {
	if address < OutputAddressMin || address > OutputAddressMax {
		return false
	}
	return k.reactor.Post(func() {
		k.send(NewSwitchRequestForOutput(address, value), NormalPriority)
	}) == nil
}

// SimulateInputChange injects a synthetic toggled input report into the
// receive path. Safe from any goroutine.
func (k *Kernel) SimulateInputChange(address uint16) {
	if address < InputAddressMin || address > InputAddressMax {
		return
	}
	k.reactor.Post(func() {
		value := k.inputValues[address-1] != TriStateTrue
		k.receive(NewInputRep(address, value))
	})
}

// Receive processes one received frame. Must be called on the event
// loop; calls from other goroutines are logged and dropped. I/O handlers
// deliver through receiveFromIO instead.
func (k *Kernel) Receive(m Message) {
	if !k.reactor.OnLoop() {
		k.logger.Error("Receive called off the event loop; dropped")
		return
	}
	k.receive(m)
}

// receiveFromIO posts a received frame onto the event loop. Called from
// handler read goroutines; never blocks.
func (k *Kernel) receiveFromIO(m Message) {
	if !k.reactor.TryPost(func() { k.receive(m) }) {
		k.metrics.rxDropped.Inc()
		k.logger.Warn("event loop congested, dropped frame %s", m)
	}
}

// countDecodeError accounts framing and checksum errors reported by a
// handler's stream decoder.
func (k *Kernel) countDecodeError(err error) {
	switch {
	case errors.Is(err, ErrChecksum):
		k.metrics.checksumErrors.Inc()
	case errors.Is(err, ErrFraming):
		k.metrics.framingErrors.Inc()
	}
	k.logger.Debug("decode: %v", err)
}

// handleIOError reports a transport fault. The kernel keeps running;
// onIdle fires from a loop task queued behind the tasks already posted.
// The send queues are not waited on.
func (k *Kernel) handleIOError(err error) {
	k.reactor.TryPost(func() {
		k.logger.Error("io handler: %v", err)
		if k.onIdle != nil {
			k.onIdle()
		}
	})
}

// lastSentMessage returns the in-flight frame, the head of the queue it
// was sent from. Only valid while waitingForEcho.
func (k *Kernel) lastSentMessage() Message {
	return k.sendQueues[k.sentPriority].frontMessage()
}

// receive is the central receive path; loop only.
func (k *Kernel) receive(m Message) {
	k.metrics.rxFrames.Inc()
	if k.onMessage != nil {
		k.onMessage(false, m)
	}
	if k.config.Debug {
		k.logger.Debug("rx %s %s", m.Opcode(), m)
	}

	if k.waitingForEcho && m.Equal(k.lastSentMessage()) {
		k.reactor.UpdateTimer(k.echoTimer, reactor.NEVER)
		k.waitingForEcho = false

		sent := k.lastSentMessage().Clone()
		k.sendQueues[k.sentPriority].pop()
		k.applyEchoEffects(sent)

		if requiresResponse(sent) {
			k.waitingForResponse = true
			k.awaitedResponseTo = sent
			k.armTimer(k.responseTimer, k.config.ResponseTimeout)
		} else {
			k.sendNextMessage()
		}
		return
	}

	if k.waitingForResponse && isResponseTo(k.awaitedResponseTo, m) {
		k.reactor.UpdateTimer(k.responseTimer, reactor.NEVER)
		k.waitingForResponse = false
		sent := k.awaitedResponseTo
		k.awaitedResponseTo = nil

		k.handleResponse(sent, m)
		k.dispatch(m)
		k.sendNextMessage()
		return
	}

	k.dispatch(m)
	k.sendNextMessage()
}

// dispatch routes a bus frame to the matching subsystem.
func (k *Kernel) dispatch(m Message) {
	switch m.Opcode() {
	case OpcGPOn:
		k.setGlobalPower(TriStateTrue)
		k.setEmergencyStop(TriStateUndefined)
	case OpcGPOff:
		k.setGlobalPower(TriStateFalse)
	case OpcIdle:
		k.setEmergencyStop(TriStateTrue)
	case OpcLocoSpd, OpcLocoDirF, OpcLocoSnd, OpcLocoF9F12:
		k.handleLocoMessage(m, true)
	case OpcExpFunc:
		if len(m) == 6 && m[1] == 0x20 {
			k.handleLocoMessage(m, true)
		}
	case OpcSlRdData, OpcWrSlData:
		if m.IsSlotData() {
			k.processSlotData(m)
		}
	case OpcInputRep:
		k.handleInputRep(m)
	case OpcSwReq, OpcSwRep:
		k.applySwitchMessage(m)
	case OpcMultiSense:
		k.handleMultiSense(m)
	case OpcPeerXfer:
		if m.IsLNCVReply() {
			k.handleLNCVReply(m)
		}
	case OpcLongAck:
		if m.LongAckOpcode() == OpcWrSlData {
			k.fastClockSeen = true
		}
		k.logger.Debug("long ack for %s code %d", m.LongAckOpcode(), m.LongAckCode())
	}
}

// handleResponse runs response-specific bookkeeping before the response
// is dispatched normally.
func (k *Kernel) handleResponse(sent, resp Message) {
	if resp.Opcode() != OpcLongAck {
		return
	}
	if resp.LongAckCode() == 0 {
		k.logger.Warn("%s rejected by command station", sent.Opcode())
	}
	if sent.IsLNCVRequest() && sent[5] == lncvReqIDRead && sent.lncvMode() == lncvModeNone && k.lncvReadPending {
		lncv := sent.LNCVNumber()
		k.lncvReadPending = false
		if k.onLNCVReadResponse != nil {
			k.onLNCVReadResponse(false, lncv, 0)
		}
	}
}

// applyEchoEffects commits the effects of a frame once its echo confirms
// it went out on the bus. Shadows are only updated here, never on
// enqueue.
func (k *Kernel) applyEchoEffects(sent Message) {
	switch sent.Opcode() {
	case OpcGPOn:
		k.setGlobalPower(TriStateTrue)
		k.setEmergencyStop(TriStateUndefined)
	case OpcGPOff:
		k.setGlobalPower(TriStateFalse)
	case OpcIdle:
		k.setEmergencyStop(TriStateTrue)
	case OpcLocoSpd, OpcLocoDirF, OpcLocoSnd, OpcLocoF9F12:
		k.handleLocoMessage(sent, false)
	case OpcExpFunc:
		if len(sent) == 6 && sent[1] == 0x20 {
			k.handleLocoMessage(sent, false)
		}
	case OpcSwReq:
		k.applySwitchMessage(sent)
	case OpcImmPacket:
		if sent.IsLNCVRequest() && sent.lncvMode() == lncvModeStop {
			k.lncvStopped()
		}
	}
}

func (k *Kernel) setGlobalPower(v TriState) {
	if k.globalPower == v {
		return
	}
	k.globalPower = v
	k.logger.Info("global power %s", v)
	if v != TriStateUndefined && k.onGlobalPowerChanged != nil {
		k.onGlobalPowerChanged(v == TriStateTrue)
	}
}

func (k *Kernel) setEmergencyStop(v TriState) {
	if k.emergencyStop == v {
		return
	}
	k.emergencyStop = v
	if v == TriStateTrue {
		k.logger.Info("emergency stop")
	}
}

// send enqueues a frame at the given priority and kicks transmission.
func (k *Kernel) send(m Message, priority Priority) bool {
	if k.config.ListenOnly {
		k.logger.Debug("listen only, dropped %s", m)
		return true
	}
	if !k.sendQueues[priority].append(m) {
		k.metrics.queueFull.Inc()
		k.logger.Warn("%s queue full, dropped %s", priority, m)
		return false
	}
	k.sendNextMessage()
	return true
}

// sendNextMessage transmits the head of the highest non-empty priority
// queue unless a handshake is outstanding.
func (k *Kernel) sendNextMessage() {
	for {
		if k.waitingForEcho || k.waitingForResponse {
			return
		}

		var queue *sendQueue
		var priority Priority
		for p := HighPriority; p < priorityCount; p++ {
			if !k.sendQueues[p].empty() {
				queue = &k.sendQueues[p]
				priority = p
				break
			}
		}
		if queue == nil {
			return
		}

		m := queue.frontMessage()
		k.metrics.txFrames.Inc()
		if k.onMessage != nil {
			k.onMessage(true, m)
		}
		if k.config.Debug {
			k.logger.Debug("tx %s %s", m.Opcode(), m)
		}

		if !k.ioHandler.Send(m) {
			k.logger.Warn("transmit failed, dropped %s", m)
			queue.pop()
			continue
		}

		k.waitingForEcho = true
		k.sentPriority = priority
		k.armTimer(k.echoTimer, k.config.EchoTimeout)
		return
	}
}

func (k *Kernel) armTimer(t *reactor.Timer, d time.Duration) {
	k.reactor.UpdateTimer(t, k.reactor.Monotonic()+d.Seconds())
}

func (k *Kernel) echoTimerExpired(eventtime float64) float64 {
	if !k.waitingForEcho {
		return reactor.NEVER
	}
	k.metrics.echoTimeouts.Inc()
	k.logger.Warn("echo timeout, dropped %s", k.lastSentMessage())
	k.waitingForEcho = false
	k.sendQueues[k.sentPriority].pop()
	// The callback's return value overwrites any wake time set for this
	// timer from inside it, so sending the next queued frame (which must
	// re-arm the echo timer) runs as a fresh loop task.
	k.reactor.Post(k.sendNextMessage)
	return reactor.NEVER
}

func (k *Kernel) responseTimerExpired(eventtime float64) float64 {
	if !k.waitingForResponse {
		return reactor.NEVER
	}
	k.metrics.responseTimeouts.Inc()
	sent := k.awaitedResponseTo
	k.waitingForResponse = false
	k.awaitedResponseTo = nil
	k.logger.Warn("response timeout for %s", sent.Opcode())

	switch {
	case sent.Opcode() == OpcLocoAdr:
		// drop buffered messages for the address that never got a slot
		addr := sent.LocoAdrAddress()
		if n := len(k.pendingSlotMessages[addr]); n > 0 {
			k.logger.Warn("dropped %d buffered messages for address %d", n, addr)
			delete(k.pendingSlotMessages, addr)
		}
	case sent.IsLNCVRequest():
		k.lncvResponseTimeout(sent)
	}

	k.sendNextMessage()
	return reactor.NEVER
}

// decoderChanged is the loop-side of DecoderChanged.
func (k *Kernel) decoderChanged(state DecoderState, changes DecoderChangeFlags, functionNumber uint8) {
	if state.Address == 0 || state.Address >= invalidSlotAddress {
		return
	}

	var slot *locoSlot
	if slotNum, ok := k.addressToSlot[state.Address]; ok {
		slot = k.slots[slotNum]
	}

	for _, m := range k.buildDecoderMessages(slot, state, changes, functionNumber) {
		k.sendForAddress(state.Address, m)
	}
}

// buildDecoderMessages encodes the frames needed to move the slot shadow
// to the requested state. With a nil slot everything requested is
// encoded; slot bytes are placeholders patched on transmission.
func (k *Kernel) buildDecoderMessages(slot *locoSlot, st DecoderState, changes DecoderChangeFlags, fn uint8) []Message {
	var msgs []Message

	if changes.Has(ChangeSpeed) || changes.Has(ChangeEmergencyStop) {
		speed := st.Speed
		if st.EmergencyStop {
			speed = 1
		}
		if slot == nil || slot.speed != speed {
			msgs = append(msgs, NewLocoSpd(0, speed))
		}
	}

	if changes.Has(ChangeDirection) || (changes.Has(ChangeFunctionValue) && fn <= 4) {
		dirf := dirfByte(st.Direction, st.Function(0), st.Function(1), st.Function(2), st.Function(3), st.Function(4))
		if slot == nil || !slotDirFKnown(slot) || slot.dirfByte() != dirf {
			msgs = append(msgs, NewLocoDirF(0, st.Direction, st.Function(0), st.Function(1), st.Function(2), st.Function(3), st.Function(4)))
		}
	}

	if changes.Has(ChangeFunctionValue) {
		switch {
		case fn >= 5 && fn <= 8:
			if slot == nil || !slotNibbleKnown(slot, 5) || slotNibble(slot, 5) != stNibble(st, 5) {
				msgs = append(msgs, NewLocoSnd(0, st.Function(5), st.Function(6), st.Function(7), st.Function(8)))
			}
		case fn >= 9 && fn <= 12:
			if slot == nil || !slotNibbleKnown(slot, 9) || slotNibble(slot, 9) != stNibble(st, 9) {
				msgs = append(msgs, NewLocoF9F12(0, st.Function(9), st.Function(10), st.Function(11), st.Function(12)))
			}
		case fn >= 13 && fn <= 19:
			if slot == nil || slotRangeBits(slot, 13, 7) != stRangeBits(st, 13, 7) {
				msgs = append(msgs, NewLocoF13F19(0, stRangeBits(st, 13, 7)))
			}
		case fn == 20 || fn == 28:
			if slot == nil || slot.function(20) != TriStateOf(st.Function(20)) || slot.function(28) != TriStateOf(st.Function(28)) {
				msgs = append(msgs, NewLocoF20F28(0, st.Function(20), st.Function(28)))
			}
		case fn >= 21 && fn <= 27:
			if slot == nil || slotRangeBits(slot, 21, 7) != stRangeBits(st, 21, 7) {
				msgs = append(msgs, NewLocoF21F27(0, stRangeBits(st, 21, 7)))
			}
		}
	}

	return msgs
}

func slotDirFKnown(s *locoSlot) bool {
	if s.direction == DirectionUnknown {
		return false
	}
	for i := uint8(0); i <= 4; i++ {
		if s.function(i) == TriStateUndefined {
			return false
		}
	}
	return true
}

func slotNibbleKnown(s *locoSlot, first uint8) bool {
	for i := uint8(0); i < 4; i++ {
		if s.function(first+i) == TriStateUndefined {
			return false
		}
	}
	return true
}

func slotNibble(s *locoSlot, first uint8) byte {
	var bits byte
	for i := uint8(0); i < 4; i++ {
		if s.function(first+i) == TriStateTrue {
			bits |= 1 << i
		}
	}
	return bits
}

func stNibble(st DecoderState, first uint8) byte {
	var bits byte
	for i := uint8(0); i < 4; i++ {
		if st.Function(first + i) {
			bits |= 1 << i
		}
	}
	return bits
}

func slotRangeBits(s *locoSlot, first uint8, count int) byte {
	var bits byte
	for i := 0; i < count; i++ {
		if s.function(first+uint8(i)) == TriStateTrue {
			bits |= 1 << i
		}
	}
	return bits
}

func stRangeBits(st DecoderState, first uint8, count int) byte {
	var bits byte
	for i := 0; i < count; i++ {
		if st.Function(first + uint8(i)) {
			bits |= 1 << i
		}
	}
	return bits
}

// sendForAddress transmits a slot frame for a decoder address, buffering
// it behind a slot acquisition when no slot is cached yet.
func (k *Kernel) sendForAddress(address uint16, m Message) {
	if slotNum, ok := k.addressToSlot[address]; ok {
		setMessageSlot(m, slotNum)
		k.send(m, NormalPriority)
		return
	}

	pending := k.pendingSlotMessages[address]
	k.pendingSlotMessages[address] = append(pending, m)
	if len(pending) == 0 {
		k.send(NewLocoAdr(address), NormalPriority)
	}
}

// processSlotData folds a slot record into the cache, maintains the
// reverse index, pushes confirmed state into the decoder object and
// drains messages buffered for the address.
func (k *Kernel) processSlotData(m Message) {
	slotNum := m.SlotDataSlot()
	if slotNum == FastClockSlot {
		k.observeFastClock(m)
		return
	}
	if slotNum < minLocoSlot || slotNum > maxLocoSlot {
		return
	}

	address := m.SlotDataAddress()
	if address == 0 {
		// A free slot. When exactly one acquisition is outstanding the
		// station is handing us this slot for it; otherwise just clear.
		if len(k.pendingSlotMessages) == 1 {
			for a := range k.pendingSlotMessages {
				address = a
			}
		} else {
			k.clearLocoSlot(slotNum)
			return
		}
	}

	slot := k.slots[slotNum]
	if slot == nil {
		slot = newLocoSlot()
		k.slots[slotNum] = slot
	}

	// keep the reverse index consistent with the forward table
	if slot.isAddressValid() && slot.address != address {
		delete(k.addressToSlot, slot.address)
	}
	if old, ok := k.addressToSlot[address]; ok && old != slotNum {
		if prev := k.slots[old]; prev != nil {
			prev.invalidate()
		}
	}

	slot.address = address
	slot.speed = m.SlotDataSpeed()
	slot.applyDirF(m.SlotDataDirF())
	slot.applyNibble(5, m.SlotDataSnd())
	k.addressToSlot[address] = slotNum
	k.metrics.slotsInUse.Set(int64(len(k.addressToSlot)))

	k.logger.Debug("slot %d bound to address %d", slotNum, address)

	if k.decoderController != nil {
		if d := k.decoderController.Decoder(address); d != nil {
			pushSpeed(d, slot.speed)
			d.SetDirection(slot.direction)
			for i := uint8(0); i <= 8; i++ {
				if v := slot.function(i); v != TriStateUndefined {
					d.SetFunction(i, v == TriStateTrue)
				}
			}
		}
	}

	if pending := k.pendingSlotMessages[address]; len(pending) > 0 {
		delete(k.pendingSlotMessages, address)
		for _, pm := range pending {
			setMessageSlot(pm, slotNum)
			k.send(pm, NormalPriority)
		}
	}
}

// clearLocoSlot drops the cache entry for a slot.
func (k *Kernel) clearLocoSlot(slotNum uint8) {
	slot := k.slots[slotNum]
	if slot == nil {
		return
	}
	if slot.isAddressValid() {
		delete(k.addressToSlot, slot.address)
		k.metrics.slotsInUse.Set(int64(len(k.addressToSlot)))
	}
	slot.invalidate()
}

// handleLocoMessage folds a slot write frame into the shadow and pushes
// the confirmed state into the decoder object. requestUnknown asks the
// station for slot data when traffic for an uncached slot is observed.
func (k *Kernel) handleLocoMessage(m Message, requestUnknown bool) {
	var slotNum uint8
	if m.Opcode() == OpcExpFunc {
		slotNum = m[2] & 0x7F
	} else {
		slotNum = m[1] & 0x7F
	}
	if slotNum < minLocoSlot || slotNum > maxLocoSlot {
		return
	}

	slot := k.slots[slotNum]
	if slot == nil {
		slot = newLocoSlot()
		k.slots[slotNum] = slot
		if requestUnknown {
			k.send(NewRequestSlotData(slotNum), NormalPriority)
		}
	}

	var decoder Decoder
	if slot.isAddressValid() && k.decoderController != nil {
		decoder = k.decoderController.Decoder(slot.address)
	}

	switch m.Opcode() {
	case OpcLocoSpd:
		slot.speed = m.LocoSpdSpeed()
		if decoder != nil {
			pushSpeed(decoder, slot.speed)
		}
	case OpcLocoDirF:
		slot.applyDirF(m[2])
		if decoder != nil {
			decoder.SetDirection(slot.direction)
			for i := uint8(0); i <= 4; i++ {
				decoder.SetFunction(i, slot.function(i) == TriStateTrue)
			}
		}
	case OpcLocoSnd:
		slot.applyNibble(5, m[2])
		pushNibble(decoder, slot, 5)
	case OpcLocoF9F12:
		slot.applyNibble(9, m[2])
		pushNibble(decoder, slot, 9)
	case OpcExpFunc:
		k.applyExpFunc(slot, decoder, m)
	}
}

func (k *Kernel) applyExpFunc(slot *locoSlot, decoder Decoder, m Message) {
	bits := m.ExpFuncBits()
	switch m.ExpFuncGroup() {
	case expFuncGroupF13F19:
		for i := uint8(0); i < 7; i++ {
			slot.setFunction(13+i, bits&(1<<i) != 0)
			if decoder != nil {
				decoder.SetFunction(13+i, bits&(1<<i) != 0)
			}
		}
	case expFuncGroupF21F27:
		for i := uint8(0); i < 7; i++ {
			slot.setFunction(21+i, bits&(1<<i) != 0)
			if decoder != nil {
				decoder.SetFunction(21+i, bits&(1<<i) != 0)
			}
		}
	case expFuncGroupF20F28:
		slot.setFunction(20, bits&0x20 != 0)
		slot.setFunction(28, bits&0x40 != 0)
		if decoder != nil {
			decoder.SetFunction(20, bits&0x20 != 0)
			decoder.SetFunction(28, bits&0x40 != 0)
		}
	}
}

func pushSpeed(d Decoder, speed uint8) {
	if speed == 1 {
		d.SetEmergencyStop(true)
		return
	}
	d.SetEmergencyStop(false)
	d.SetSpeed(speed)
}

func pushNibble(d Decoder, slot *locoSlot, first uint8) {
	if d == nil {
		return
	}
	for i := uint8(0); i < 4; i++ {
		d.SetFunction(first+i, slot.function(first+i) == TriStateTrue)
	}
}

// handleInputRep compares an input report against the shadow and
// notifies the input controller on change only.
func (k *Kernel) handleInputRep(m Message) {
	address := m.InputAddress()
	if address < InputAddressMin || address > InputAddressMax {
		return
	}
	value := TriStateOf(m.InputValue())
	if k.inputValues[address-1] == value {
		return
	}
	k.inputValues[address-1] = value
	if k.inputController != nil {
		k.inputController.UpdateInputValue(address, value)
	}
}

// applySwitchMessage folds a switch request or report into the output
// shadow. Energizing one output of a pair de-energizes the other.
func (k *Kernel) applySwitchMessage(m Message) {
	addr, pair := m.SwitchOutputAddress()
	if addr < OutputAddressMin || addr > OutputAddressMax {
		return
	}
	k.setOutputValue(addr, TriStateOf(m.SwitchOn()))
	if m.SwitchOn() && pair >= OutputAddressMin && pair <= OutputAddressMax {
		k.setOutputValue(pair, TriStateFalse)
	}
}

func (k *Kernel) setOutputValue(address uint16, value TriState) {
	if k.outputValues[address-1] == value {
		return
	}
	k.outputValues[address-1] = value
	if k.outputController != nil {
		k.outputController.UpdateOutputValue(address, value)
	}
}

// handleMultiSense dispatches transponder events; dropped silently when
// no identification controller is wired.
func (k *Kernel) handleMultiSense(m Message) {
	if !m.MultiSensePresent() || k.identificationController == nil {
		return
	}
	address := m.MultiSenseZone()
	if address < IdentificationAddressMin || address > IdentificationAddressMax {
		return
	}
	k.identificationController.IdentificationEvent(address, m.MultiSenseLocoAddress())
}
