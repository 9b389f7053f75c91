// Copyright (c) Jeff Berkowitz 2023. All rights reserved.

package console

// Nonblocking handler for standard input, with specific concessions
// for interactive terminal use. The serve command polls for input
// between protocol activity; the millisecond-scale timeout in get()
// keeps that poll from spinning.

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"golang.org/x/term"
)

// Input reads lines of user input without ever blocking the caller.
type Input struct {
	channel      chan string
	interactive  bool
	promptNeeded bool
}

// NewInput starts the reader goroutine. A prompt is printed only when
// standard input is a terminal.
func NewInput() *Input {
	return newInput(os.Stdin, term.IsTerminal(int(os.Stdin.Fd())))
}

func newInput(r io.Reader, interactive bool) *Input {
	result := &Input{make(chan string), interactive, interactive}
	go result.reader(r)
	return result
}

func (input *Input) promptIfTerminal() {
	if input.promptNeeded {
		fmt.Printf("avrisp> ")
		input.promptNeeded = false
	}
}

// Goroutine to consume standard input and send it to a channel
// we later select upon. Handles EOF by sending a marker in-band.
// The marker cannot be duplicated by any input line because the
// marker has no terminating newline (it wouldn't matter if it
// could be duplicated, it would just be equivalent to ^D).

func (input *Input) reader(r io.Reader) {
	reader := bufio.NewReader(r)
	for {
		s, err := reader.ReadString('\n')
		if err != nil {
			input.channel <- "EOF"
			close(input.channel)
			if err != io.EOF {
				// Report interesting errors
				log.Printf("reading input: %v\n", err)
			}
			return
		}
		input.channel <- s
	}
}

// Get returns one input line, or the empty string if none arrived
// within a few tens of milliseconds.
func (input *Input) Get() string {
	input.promptIfTerminal()
	select {
	case stdin, ok := <-input.channel:
		if !ok {
			// The reader is gone and the EOF marker was
			// already delivered. A closed channel is
			// always ready, so pace callers that keep
			// polling after EOF.
			time.Sleep(50 * time.Millisecond)
			return ""
		}
		input.promptNeeded = true
		return stdin
	case <-time.After(50 * time.Millisecond):
		return ""
	}
}
