package loconet

import (
	"sync/atomic"

	"loconetd/pkg/reactor"
)

// packedClock holds a ClockTime packed into 32 bits so the fast clock
// can be read and written atomically from both the event loop and the
// layout clock's goroutine.
type packedClock struct {
	v atomic.Uint32
}

func packClockTime(c ClockTime) uint32 {
	return uint32(c.Multiplier) | uint32(c.Hour)<<8 | uint32(c.Minute)<<16
}

func unpackClockTime(v uint32) ClockTime {
	return ClockTime{
		Multiplier: uint8(v),
		Hour:       uint8(v >> 8),
		Minute:     uint8(v >> 16),
	}
}

func (p *packedClock) load() ClockTime {
	return unpackClockTime(p.v.Load())
}

func (p *packedClock) store(c ClockTime) {
	p.v.Store(packClockTime(c))
}

// FastClockTime returns the current fast clock state. Safe from any
// goroutine.
func (k *Kernel) FastClockTime() ClockTime {
	return k.fastClock.load()
}

func (k *Kernel) storeFastClock(c ClockTime) {
	k.fastClock.store(c)
}

// enableClockEvents subscribes to the layout clock. Change callbacks
// store the new state atomically and post a broadcast onto the loop.
func (k *Kernel) enableClockEvents() {
	if k.clock == nil || k.clockCancel != nil {
		return
	}
	k.clockCancel = k.clock.Subscribe(func(c ClockTime) {
		k.storeFastClock(c)
		k.reactor.TryPost(k.fastClockChanged)
	})
}

func (k *Kernel) disableClockEvents() {
	if k.clockCancel != nil {
		k.clockCancel()
		k.clockCancel = nil
	}
}

// fastClockChanged broadcasts immediately on a layout clock change and
// restarts the periodic interval.
func (k *Kernel) fastClockChanged() {
	if !k.config.FastClockMaster || !k.fastClockSupported {
		return
	}
	k.send(NewFastClockWrite(k.FastClockTime()), LowPriority)
	k.reactor.UpdateTimer(k.fastClockTimer, k.reactor.Monotonic()+k.config.FastClockSyncInterval.Seconds())
}

// startFastClockSync schedules the first broadcast immediately.
func (k *Kernel) startFastClockSync() {
	k.fastClockSupported = true
	k.fastClockMissed = 0
	k.fastClockFirst = true
	k.reactor.UpdateTimer(k.fastClockTimer, reactor.NOW)
}

func (k *Kernel) stopFastClockSync() {
	k.reactor.UpdateTimer(k.fastClockTimer, reactor.NEVER)
}

// fastClockSyncExpired broadcasts the fast clock and tracks whether the
// command station acknowledges it. After FastClockAckCycles silent
// rounds the station is assumed to have no fast clock and broadcasting
// stops.
func (k *Kernel) fastClockSyncExpired(eventtime float64) float64 {
	if !k.config.FastClockMaster || !k.fastClockSupported {
		return reactor.NEVER
	}

	if !k.fastClockFirst {
		if k.fastClockSeen {
			k.fastClockMissed = 0
		} else {
			k.fastClockMissed++
		}
		if k.fastClockMissed >= k.config.FastClockAckCycles {
			k.fastClockSupported = false
			k.logger.Warn("command station does not answer fast clock writes, disabling fast clock sync")
			return reactor.NEVER
		}
	}
	k.fastClockFirst = false
	k.fastClockSeen = false

	k.send(NewFastClockWrite(k.FastClockTime()), LowPriority)
	return eventtime + k.config.FastClockSyncInterval.Seconds()
}

// observeFastClock consumes a fast clock slot record seen on the bus.
// When not master the kernel follows the station's clock.
func (k *Kernel) observeFastClock(m Message) {
	k.fastClockSeen = true
	c := m.FastClockTime()
	if !k.config.FastClockMaster {
		k.storeFastClock(c)
		k.logger.Debug("fast clock %02d:%02d x%d", c.Hour, c.Minute, c.Multiplier)
	}
}
