// Copyright (c) Jeff Berkowitz 2023. All rights reserved.

package bridge

// Top level of the serve command: wire the serial transport, the SPI
// engine, and the protocol session together and run until the host
// goes away or the user quits.
//
// The protocol session is strictly single-threaded; the only other
// goroutine here is the session's reader, and the only data the two
// share is the atomic status indicator and the transport's shutdown
// flag. The transport has exactly one owner for Close: Main opened
// the port, so Main closes it, and only after session() has drained
// the reader goroutine. When the session is attached to the simulated
// target there is no hardware at all: the serial device is typically
// one end of a pty pair with avrdude on the other end.

import (
	"github.com/gmofishsauce/avrisp/pkg/console"
	"github.com/gmofishsauce/avrisp/pkg/link"
	"github.com/gmofishsauce/avrisp/pkg/spi"
	"github.com/gmofishsauce/avrisp/pkg/stk500"
	"github.com/gmofishsauce/avrisp/pkg/target"

	"log"
	"strings"
	"time"
)

const interSessionDelay = 3000 * time.Millisecond

// Config carries the serve command's flags.
type Config struct {
	Device string
	Baud   int
	Debug  bool
}

// transport is what a session needs from the serial link. Close is
// deliberately absent: the session may ask the link to shut down, but
// never closes it.
type transport interface {
	stk500.Transport
	Shutdown()
}

// lineSource yields console commands, or "" when nothing was typed.
type lineSource interface {
	Get() string
}

// Main opens the serial device and serves STK500 sessions on it
// against the simulated target, reopening the device after failures
// until the user quits.
func Main(cfg Config) error {
	log.SetFlags(log.Lmsgprefix | log.Lmicroseconds)
	log.SetPrefix("avrisp: ")
	log.Println("firing up")

	status := console.NewStatus()
	input := console.NewInput()
	quit := make(chan struct{})

	// One simulated part for the life of the process: its flash
	// survives serial reconnects the way a real chip's would.
	dev := target.New()

	for {
		log.Println("starting a session")
		port, err := link.Open(cfg.Device, cfg.Baud)
		if err == nil {
			err = session(port, dev, status, input, quit, cfg.Debug)
			// session has drained its reader goroutine by
			// now, so nothing else can touch the port.
			port.Close()
		}
		select {
		case <-quit:
			return nil
		default:
		}
		log.Printf("session ended: %v\n", err)
		time.Sleep(interSessionDelay)
	}
}

// session runs one protocol session and the console loop beside it.
// The reader goroutine owns all protocol state; the console loop only
// looks at the status indicator and, on quit, sets the transport's
// shutdown flag. session does not return until the reader goroutine
// has exited, so the caller may close the port afterward.
func session(port transport, dev *target.Device, status *console.Status, input lineSource, quit chan struct{}, debug bool) error {
	engine := spi.New(dev, dev)
	sess := stk500.New(port, engine,
		stk500.WithIndicator(status),
		stk500.WithDebug(debug))

	done := make(chan error, 1)
	go func() {
		done <- sess.Serve()
	}()

	for {
		select {
		case err := <-done:
			return err
		default:
		}

		line := strings.TrimSpace(input.Get())
		switch line {
		case "":
			// nothing typed
		case "status":
			status.Print()
		case "quit", "EOF":
			close(quit)
			// Wake the blocked read and wait for the
			// reader goroutine to unwind.
			port.Shutdown()
			<-done
			return nil
		default:
			log.Printf("input %s: unknown command\n", line)
		}
	}
}
