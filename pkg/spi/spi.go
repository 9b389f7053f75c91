// Copyright (c) Jeff Berkowitz 2023. All rights reserved.

// Package spi provides the 4-byte SPI programming transaction engine
// for AVR targets. The physical bus and the target's reset line are
// collaborators supplied by the caller; this package owns the
// transaction shape and the programming-mode entry and exit sequences.
package spi

import "time"

// Conn is the physical 4-byte transceiver. Transfer shifts the four
// command bytes out and returns the byte the target shifted back
// during the fourth.
type Conn interface {
	Transfer(a, b, c, d byte) (byte, error)
}

// Control drives the out-of-band lines the programming sequence needs:
// the target's reset and the SPI clock's idle level. Release tristates
// the lines so the target can run its own program.
type Control interface {
	SetReset(high bool) error
	SetClock(high bool) error
	Release() error
}

// resetSettle is the wait between the reset pulse and the first
// programming transaction. The parts need upwards of 2.5 ms after
// reset before they accept the enable command; 20 is comfortable.
const resetSettle = 20 * time.Millisecond

// Engine issues programming transactions over a Conn and sequences
// programming-mode entry and exit over a Control. One Engine owns one
// target; transactions are strictly sequential.
type Engine struct {
	conn  Conn
	ctl   Control
	sleep func(time.Duration)
}

// New creates an Engine over the given bus and control lines.
func New(conn Conn, ctl Control) *Engine {
	return &Engine{conn: conn, ctl: ctl, sleep: time.Sleep}
}

// NewWithSleep is New with a substitute delay function, for tests.
func NewWithSleep(conn Conn, ctl Control, sleep func(time.Duration)) *Engine {
	return &Engine{conn: conn, ctl: ctl, sleep: sleep}
}

// Transaction sends one 4-byte programming command and returns the
// target's response byte.
func (e *Engine) Transaction(a, b, c, d byte) (byte, error) {
	return e.conn.Transfer(a, b, c, d)
}

// Enable puts the target into serial programming mode: reset high,
// clock parked low, a low-high-low pulse on reset, a settle delay, and
// the device-enable transaction. The target samples the clock level
// while reset rises, which is why the clock must idle low first.
func (e *Engine) Enable() error {
	if err := e.ctl.SetReset(true); err != nil {
		return err
	}
	if err := e.ctl.SetClock(false); err != nil {
		return err
	}
	if err := e.ctl.SetReset(false); err != nil {
		return err
	}
	if err := e.ctl.SetReset(true); err != nil {
		return err
	}
	if err := e.ctl.SetReset(false); err != nil {
		return err
	}
	e.sleep(resetSettle)
	_, err := e.conn.Transfer(0xAC, 0x53, 0x00, 0x00)
	return err
}

// Disable takes the target out of programming mode and releases the
// lines so it starts running code.
func (e *Engine) Disable() error {
	if err := e.ctl.SetReset(true); err != nil {
		return err
	}
	return e.ctl.Release()
}
