// Copyright (c) Jeff Berkowitz 2023. All rights reserved.

// Package console holds the interactive pieces of the serve command:
// a nonblocking standard-input reader and a status indicator standing
// in for the heartbeat, programming, and error LEDs of a hardware
// programmer.
package console

import (
	"fmt"
	"log"
	"sync/atomic"
)

// Status is an LED substitute. The session goroutine updates it and
// the console goroutine reads it, so the flags are atomics; nothing
// else about the session is shared.
type Status struct {
	programming int32
	errorOn     int32
	heartbeats  uint64
	pulses      uint64
}

// NewStatus returns a Status with everything off.
func NewStatus() *Status {
	return &Status{}
}

// Heartbeat counts idle loops; the count stands in for the blink.
func (s *Status) Heartbeat() {
	atomic.AddUint64(&s.heartbeats, 1)
}

// SetProgramming mirrors the programming-mode flag.
func (s *Status) SetProgramming(on bool) {
	atomic.StoreInt32(&s.programming, flag(on))
	if on {
		log.Println("programming mode entered")
	} else {
		log.Println("programming mode left")
	}
}

// SetError mirrors the sticky error flag.
func (s *Status) SetError(on bool) {
	was := atomic.SwapInt32(&s.errorOn, flag(on))
	if on && was == 0 {
		log.Println("protocol error: out of sync with host")
	}
}

// PulseError records a momentary error signal.
func (s *Status) PulseError(times int) {
	atomic.AddUint64(&s.pulses, uint64(times))
	log.Println("enter programming while already programming")
}

// Print writes a one-line status summary for the status command.
func (s *Status) Print() {
	fmt.Printf("programming=%v error=%v pulses=%d\n",
		atomic.LoadInt32(&s.programming) != 0,
		atomic.LoadInt32(&s.errorOn) != 0,
		atomic.LoadUint64(&s.pulses))
}

func flag(on bool) int32 {
	if on {
		return 1
	}
	return 0
}
