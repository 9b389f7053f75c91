// Copyright (c) Jeff Berkowitz 2023. All rights reserved.

package stk500

// Paged flash and EEPROM programming.
//
// Flash on AVR parts is written through a volatile page buffer: the
// load transactions (0x40/0x48) stage one word, and nothing reaches
// the array until the commit transaction (0x4C) names a page. A write
// that spans pages must therefore commit each page as the address
// walks out of it, and must always commit the final page. Committing
// the wrong page, or skipping one, silently corrupts whatever else
// shares that page. This file is where that bookkeeping lives.
//
// EEPROM is simpler but slow: one byte per transaction, and the part
// self-times each write, so the bridge waits a settle delay between
// bytes. EEPROM addresses are byte addresses, twice the word address
// used for flash.

import "time"

// eepromChunkSize bounds how many EEPROM bytes are written back to
// back. Chunking keeps one command's worth of settle delays from
// looking like a hung bridge; it has no protocol-visible effect.
const eepromChunkSize = 32

// eepromSettle is the per-byte write delay. The parts are specified
// around 3.4 ms; 4 leaves margin.
const eepromSettle = 4 * time.Millisecond

// programPage handles the 0x64 command: a 16-bit big-endian length, a
// memory type tag, the payload, and the terminator.
func (s *Session) programPage() error {
	length, err := s.readLength()
	if err != nil {
		return err
	}
	memtype, err := s.link.ReadByte()
	if err != nil {
		return err
	}

	switch memtype {
	case memFlash:
		return s.writeFlashPage(length)
	case memEeprom:
		return s.writeEeprom(length)
	default:
		return s.link.WriteByte(StatusFailed)
	}
}

// readLength reads the 16-bit big-endian payload length.
func (s *Session) readLength() (uint16, error) {
	hi, err := s.link.ReadByte()
	if err != nil {
		return 0, err
	}
	lo, err := s.link.ReadByte()
	if err != nil {
		return 0, err
	}
	return uint16(hi)<<8 | uint16(lo), nil
}

// boundsOK enforces the declared-length limits before any payload
// byte is consumed, and returns false once the refused command's full
// response has been sent. A length beyond the transfer buffer cannot
// be staged at all: the reply is an immediate lone FAILED and the
// stream is left to the NOSYNC resync, because consuming bytes we
// cannot hold would only make things worse. A length that fits the
// buffer but exceeds the negotiated limit is also refused, but its
// payload and terminator are still drained so the next command's
// framing survives; the host sees INSYNC then FAILED.
//
// AVRISP firmwares disagree here (some compare against the page size,
// some against the raw buffer, some skip the terminator after FAILED
// and desynchronize); this is the terminator-consistent behavior.
// See DESIGN.md.
func (s *Session) boundsOK(length, limit uint16) (bool, error) {
	if int(length) > bufferLength {
		s.setError(true)
		return false, s.link.WriteByte(StatusFailed)
	}
	if int(length) <= int(limit) {
		return true, nil
	}
	s.setError(true)
	if err := s.fill(int(length)); err != nil {
		return false, err
	}
	ok, err := s.expectEop()
	if err != nil || !ok {
		return false, err
	}
	return false, s.link.WriteByte(StatusFailed)
}

// writeFlashPage stages the payload, validates the terminator, and
// writes length bytes of flash starting at the session's current word
// address, committing every page the address passes through.
func (s *Session) writeFlashPage(length uint16) error {
	if ok, err := s.boundsOK(length, s.params.FlashPageSize); !ok {
		return err
	}
	if err := s.fill(int(length)); err != nil {
		return err
	}
	ok, err := s.expectEop()
	if err != nil || !ok {
		return err
	}

	page := s.params.page(s.address)
	for i := 0; i+1 < int(length); i += 2 {
		// Commit the page just completed when the address has
		// moved past its end. The current word then starts a
		// fresh page.
		if p := s.params.page(s.address); p != page {
			if err := s.commitPage(page); err != nil {
				return err
			}
			page = p
		}
		if _, err := s.isp.Transaction(0x40, byte(s.address>>8), byte(s.address), s.buf[i]); err != nil {
			return err
		}
		if _, err := s.isp.Transaction(0x48, byte(s.address>>8), byte(s.address), s.buf[i+1]); err != nil {
			return err
		}
		s.address++
	}
	// The last page touched never gets crossed out of; commit it
	// unconditionally.
	if err := s.commitPage(page); err != nil {
		return err
	}
	return s.link.WriteByte(StatusOK)
}

// commitPage persists the page buffer to the flash page at the given
// word address.
func (s *Session) commitPage(page uint16) error {
	_, err := s.isp.Transaction(0x4C, byte(page>>8), byte(page), 0x00)
	return err
}

// writeEeprom stages the payload, validates the terminator, and writes
// length bytes of EEPROM one byte at a time. The EEPROM byte address
// is twice the session word address; the session address itself is not
// advanced. Hosts send a set-address before every EEPROM operation and
// rely on the address staying put.
func (s *Session) writeEeprom(length uint16) error {
	if ok, err := s.boundsOK(length, s.params.EepromSize); !ok {
		return err
	}
	if err := s.fill(int(length)); err != nil {
		return err
	}
	ok, err := s.expectEop()
	if err != nil || !ok {
		return err
	}

	addr := s.address << 1
	remaining := int(length)
	off := 0
	for remaining > 0 {
		chunk := remaining
		if chunk > eepromChunkSize {
			chunk = eepromChunkSize
		}
		for i := 0; i < chunk; i++ {
			if _, err := s.isp.Transaction(0xC0, byte(addr>>8), byte(addr), s.buf[off+i]); err != nil {
				return err
			}
			s.sleep(eepromSettle)
			addr++
		}
		off += chunk
		remaining -= chunk
	}
	return s.link.WriteByte(StatusOK)
}

// readPage handles the 0x74 command. Unlike the write path, the
// terminator arrives before any data moves, so a framing failure
// cleanly aborts the whole read. On an unrecognized memory type the
// response carries no data bytes at all, just INSYNC then FAILED.
func (s *Session) readPage() error {
	length, err := s.readLength()
	if err != nil {
		return err
	}
	memtype, err := s.link.ReadByte()
	if err != nil {
		return err
	}
	ok, err := s.expectEop()
	if err != nil || !ok {
		return err
	}

	switch memtype {
	case memFlash:
		return s.readFlashPage(length)
	case memEeprom:
		return s.readEepromPage(length)
	default:
		return s.link.WriteByte(StatusFailed)
	}
}

// readFlashPage streams length bytes of flash from the current word
// address, low byte then high byte per word, advancing the address.
func (s *Session) readFlashPage(length uint16) error {
	for i := uint16(0); i < length; i += 2 {
		lo, err := s.isp.Transaction(0x20, byte(s.address>>8), byte(s.address), 0x00)
		if err != nil {
			return err
		}
		hi, err := s.isp.Transaction(0x28, byte(s.address>>8), byte(s.address), 0x00)
		if err != nil {
			return err
		}
		if err := s.link.WriteByte(lo); err != nil {
			return err
		}
		if err := s.link.WriteByte(hi); err != nil {
			return err
		}
		s.address++
	}
	return s.link.WriteByte(StatusOK)
}

// readEepromPage streams length bytes of EEPROM starting at twice the
// current word address. As with writes, the session address stays put.
func (s *Session) readEepromPage(length uint16) error {
	addr := s.address << 1
	for i := uint16(0); i < length; i++ {
		b, err := s.isp.Transaction(0xA0, byte(addr>>8), byte(addr), 0xFF)
		if err != nil {
			return err
		}
		if err := s.link.WriteByte(b); err != nil {
			return err
		}
		addr++
	}
	return s.link.WriteByte(StatusOK)
}
