// Copyright (c) Jeff Berkowitz 2023. All rights reserved.

// Package link provides the blocking byte transport between the host
// tool (avrdude or similar) and the protocol core, over a serial
// device. The core reads one byte at a time and blocks until it
// arrives; ReadByte never gives up mid-frame, because a timeout
// expiring inside a frame would corrupt the framing of every later
// command.
//
// The serial port object is not safe to close from one goroutine
// while another sits in Read on it. So the port is opened with a
// short read timeout used purely as a wakeup: ReadByte loops on the
// timeout, checking a shutdown flag each pass, and still blocks its
// caller until a byte arrives or Shutdown is called. Shutdown touches
// no port state and may be called from any goroutine; whoever opened
// the port closes it, after the reader has unwound.
package link

import (
	"fmt"
	"log"
	"sync/atomic"
	"syscall"
	"time"

	"go.bug.st/serial"
)

var debug bool = false

// pollInterval is how often a blocked read wakes to notice Shutdown.
const pollInterval = 50 * time.Millisecond

// Port is a byte-at-a-time serial connection. It implements the
// protocol core's Transport.
type Port struct {
	port    serial.Port
	closing int32
}

// ClosedError is returned from ReadByte or WriteByte once Shutdown
// has been requested.
type ClosedError struct{}

func (ClosedError) Error() string {
	return "read from serial port: connection closed"
}

// Open opens the named serial device in 8N1 at the given baud rate.
func Open(deviceName string, baudRate int) (*Port, error) {
	mode := &serial.Mode{BaudRate: baudRate, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	p, err := serial.Open(deviceName, mode)
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(pollInterval); err != nil {
		p.Close()
		return nil, err
	}
	return &Port{port: p}, nil
}

// Shutdown asks a blocked ReadByte to give up with ClosedError. It
// only sets a flag, so unlike Close it is safe to call while another
// goroutine is reading.
func (l *Port) Shutdown() {
	atomic.StoreInt32(&l.closing, 1)
}

func (l *Port) shuttingDown() bool {
	return atomic.LoadInt32(&l.closing) != 0
}

// ReadByte blocks until one byte arrives from the host or Shutdown is
// requested.
func (l *Port) ReadByte() (byte, error) {
	b := make([]byte, 1, 1)
	var n int
	var err error

	for {
		n, err = l.port.Read(b)
		// EINTR occurs constantly as a result of Golang's
		// Goroutine-level context switching mechanism; retry.
		if isRetryableSyscallError(err) {
			if n != 0 {
				panic("bytes returned despite EINTR")
			}
			continue
		}
		if err != nil {
			return 0, err
		}
		if n == 0 {
			// Read timeout: just a wakeup, not a protocol
			// event. Keep waiting unless we are quitting.
			if l.shuttingDown() {
				return 0, ClosedError{}
			}
			continue
		}
		if debug {
			log.Printf("readByte: return 0x%X\n", b[0])
		}
		return b[0], nil
	}
}

// WriteByte sends one byte to the host.
func (l *Port) WriteByte(toWrite byte) error {
	if l.shuttingDown() {
		return ClosedError{}
	}
	if debug {
		log.Printf("writeByte: write 0x%X\n", toWrite)
	}
	b := []byte{toWrite}
	var n int
	var err error

	for {
		n, err = l.port.Write(b)
		// Drop out of the loop on success
		// or error, but not on EINTR.
		if !isRetryableSyscallError(err) {
			break
		}
		if n != 0 {
			panic("bytes written despite EINTR")
		}
	}
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("write consumed 0 bytes")
	}
	return nil
}

// Close closes the serial port. The caller that opened the port owns
// the close, and must not call it until any reader has returned;
// other goroutines use Shutdown.
func (l *Port) Close() error {
	if err := l.port.Close(); err != nil {
		log.Printf("close serial port: %s", err)
		return err
	}
	return nil
}

func isRetryableSyscallError(err error) bool {
	const eIntr = 4
	if errno, ok := err.(syscall.Errno); ok {
		return errno == eIntr
	}
	return false
}
