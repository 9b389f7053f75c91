// Copyright (c) Jeff Berkowitz 2023. All rights reserved.

package stk500

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setUp negotiates device parameters and enters programming mode so
// the paged operations have something to talk to.
func setUp(t *testing.T, f *fixture, pageSize, eepromSize uint16) {
	resp := f.run(t, frame([]byte{'B'}, paramBlock(pageSize, eepromSize), []byte{CrcEop}))
	require.Equal(t, []byte{StatusInsync, StatusOK}, resp)
	resp = f.run(t, []byte{'P', CrcEop})
	require.Equal(t, []byte{StatusInsync, StatusOK}, resp)
}

// progPage builds a program-page request frame.
func progPage(length uint16, memtype byte, payload []byte) []byte {
	return frame([]byte{0x64, byte(length >> 8), byte(length), memtype}, payload, []byte{CrcEop})
}

// readPageReq builds a read-page request frame.
func readPageReq(length uint16, memtype byte) []byte {
	return []byte{0x74, byte(length >> 8), byte(length), memtype, CrcEop}
}

func TestProgramFlashSinglePage(t *testing.T) {
	f := newFixture(64)
	setUp(t, f, 64, 1024)

	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i)
	}
	resp := f.run(t, progPage(64, 'F', payload))
	assert.Equal(t, []byte{StatusInsync, StatusOK}, resp)
	assert.Equal(t, []uint16{0}, f.dev.Commits())
	assert.Equal(t, payload, f.dev.Flash(0, 64))
	assert.Equal(t, uint16(32), f.sess.Address(), "address advances one word per word written")
}

func TestProgramFlashPageBoundaries(t *testing.T) {
	// 130 bytes starting at word 0 with a 64-byte page: the write
	// crosses into a new page at words 32 and 64, so three pages
	// are touched and three commits must land, in ascending order.
	f := newFixture(64)
	setUp(t, f, 64, 1024)

	payload := make([]byte, 130)
	for i := range payload {
		payload[i] = byte(i * 3)
	}
	resp := f.run(t, progPage(130, 'F', payload))
	assert.Equal(t, []byte{StatusInsync, StatusOK}, resp)
	assert.Equal(t, []uint16{0, 32, 64}, f.dev.Commits())
	assert.Equal(t, payload, f.dev.Flash(0, 130))
}

func TestProgramFlashUnalignedStart(t *testing.T) {
	// One full page's worth written starting mid-page touches two
	// pages and must commit both.
	f := newFixture(64)
	setUp(t, f, 64, 1024)

	f.run(t, []byte{'U', 16, 0, CrcEop}) // word 16, mid page 0
	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(0x80 + i)
	}
	resp := f.run(t, progPage(64, 'F', payload))
	assert.Equal(t, []byte{StatusInsync, StatusOK}, resp)
	assert.Equal(t, []uint16{0, 32}, f.dev.Commits())
	assert.Equal(t, payload, f.dev.Flash(32, 64))
}

func TestProgramFlashOversize(t *testing.T) {
	f := newFixture(256)
	setUp(t, f, 256, 1024)
	before := len(f.conn.log)

	// 300 > the negotiated page size of 256: refused before any
	// payload byte is consumed, with no SPI traffic at all.
	resp := f.run(t, []byte{0x64, 0x01, 0x2C, 'F'})
	assert.Equal(t, []byte{StatusFailed}, resp)
	assert.True(t, f.sess.ErrorFlag())
	assert.Equal(t, before, len(f.conn.log))
	assert.Empty(t, f.dev.Commits())
}

func TestProgramFlashExceedsNegotiatedPageSize(t *testing.T) {
	// 128 fits the transfer buffer but not the negotiated 64-byte
	// page: refused, but the payload and terminator are drained so
	// the stream stays framed, and the host sees INSYNC + FAILED.
	f := newFixture(64)
	setUp(t, f, 64, 1024)
	before := len(f.conn.log)

	resp := f.run(t, progPage(128, 'F', make([]byte, 128)))
	assert.Equal(t, []byte{StatusInsync, StatusFailed}, resp)
	assert.True(t, f.sess.ErrorFlag())
	assert.Equal(t, before, len(f.conn.log), "no SPI traffic for a refused write")
	assert.Empty(t, f.dev.Commits())

	// the very next command parses cleanly: framing survived
	resp = f.run(t, []byte{'0', CrcEop})
	assert.Equal(t, []byte{StatusInsync, StatusOK}, resp)
}

func TestProgramPageBadMemtype(t *testing.T) {
	f := newFixture(64)
	setUp(t, f, 64, 1024)
	resp := f.run(t, []byte{0x64, 0x00, 0x04, 'X'})
	assert.Equal(t, []byte{StatusFailed}, resp)
}

func TestProgramFlashBadTerminator(t *testing.T) {
	f := newFixture(64)
	setUp(t, f, 64, 1024)
	payload := make([]byte, 4)
	req := frame([]byte{0x64, 0x00, 0x04, 'F'}, payload, []byte{0x00})
	resp := f.run(t, req)
	assert.Equal(t, []byte{StatusNosync}, resp)
	assert.Empty(t, f.dev.Commits(), "no commit on a framing failure")
	assert.Equal(t, uint16(0), f.sess.Address())
}

func TestProgramEeprom(t *testing.T) {
	f := newFixture(128)
	setUp(t, f, 128, 1024)

	f.run(t, []byte{'U', 16, 0, CrcEop}) // word 16 = EEPROM byte 32
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	f.sleeps = nil
	resp := f.run(t, progPage(4, 'E', payload))
	assert.Equal(t, []byte{StatusInsync, StatusOK}, resp)
	assert.Equal(t, payload, f.dev.Eeprom(32, 4))
	assert.Equal(t, uint16(16), f.sess.Address(), "EEPROM writes do not move the address")

	// one settle delay per byte written
	require.Len(t, f.sleeps, 4)
	for _, d := range f.sleeps {
		assert.Equal(t, 4*time.Millisecond, d)
	}
}

func TestProgramEepromChunked(t *testing.T) {
	// More than one chunk's worth: chunking must be invisible on
	// the wire and in the result.
	f := newFixture(128)
	setUp(t, f, 128, 1024)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(0xA0 ^ i)
	}
	resp := f.run(t, progPage(100, 'E', payload))
	assert.Equal(t, []byte{StatusInsync, StatusOK}, resp)
	assert.Equal(t, payload, f.dev.Eeprom(0, 100))
}

func TestProgramEepromOversize(t *testing.T) {
	f := newFixture(128)
	setUp(t, f, 128, 64) // tiny EEPROM

	// 101 bytes against a 64-byte EEPROM: drained and refused
	resp := f.run(t, progPage(101, 'E', make([]byte, 101)))
	assert.Equal(t, []byte{StatusInsync, StatusFailed}, resp)
	assert.True(t, f.sess.ErrorFlag())
	assert.Equal(t, []byte{0xFF}, f.dev.Eeprom(0, 1), "no byte may land")
}

func TestReadFlashPage(t *testing.T) {
	f := newFixture(64)
	setUp(t, f, 64, 1024)

	payload := make([]byte, 130)
	for i := range payload {
		payload[i] = byte(i + 7)
	}
	f.run(t, progPage(130, 'F', payload))

	// rewind and read back
	f.run(t, []byte{'U', 0, 0, CrcEop})
	resp := f.run(t, readPageReq(130, 'F'))
	want := frame([]byte{StatusInsync}, payload, []byte{StatusOK})
	assert.Equal(t, want, resp)
	assert.Equal(t, uint16(65), f.sess.Address())
}

func TestReadUncommittedFlashIsErased(t *testing.T) {
	// Loading the page buffer without a commit must not be visible
	// through a read; only committed pages persist.
	f := newFixture(64)
	setUp(t, f, 64, 1024)

	// load one word through the universal passthrough, no commit
	f.run(t, []byte{'V', 0x40, 0x00, 0x00, 0x55, CrcEop})
	resp := f.run(t, readPageReq(2, 'F'))
	assert.Equal(t, []byte{StatusInsync, 0xFF, 0xFF, StatusOK}, resp)
}

func TestReadEepromPage(t *testing.T) {
	f := newFixture(128)
	setUp(t, f, 128, 1024)

	payload := []byte{1, 2, 3, 4, 5}
	f.run(t, []byte{'U', 8, 0, CrcEop})
	f.run(t, progPage(5, 'E', payload))

	resp := f.run(t, readPageReq(5, 'E'))
	want := frame([]byte{StatusInsync}, payload, []byte{StatusOK})
	assert.Equal(t, want, resp)
}

func TestReadPageBadMemtype(t *testing.T) {
	f := newFixture(64)
	setUp(t, f, 64, 1024)
	before := len(f.conn.log)

	// INSYNC then FAILED, and not a single data byte between them
	resp := f.run(t, readPageReq(16, 'X'))
	assert.Equal(t, []byte{StatusInsync, StatusFailed}, resp)
	assert.Equal(t, before, len(f.conn.log))
}

func TestReadPageBadTerminator(t *testing.T) {
	f := newFixture(64)
	setUp(t, f, 64, 1024)
	resp := f.run(t, []byte{0x74, 0x00, 0x10, 'F', 0x00})
	assert.Equal(t, []byte{StatusNosync}, resp)
	assert.Equal(t, uint16(0), f.sess.Address())
}
