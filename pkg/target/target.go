// Copyright (c) Jeff Berkowitz 2023. All rights reserved.

// Package target models an AVR microcontroller's SPI programming
// interface in memory. The model is faithful where it matters for the
// bridge: flash writes land in a volatile page buffer and reach the
// flash array only when a page is committed, EEPROM is byte-addressed,
// and programming transactions are ignored unless the device has been
// put into programming mode with reset held low.
//
// The bridge's tests run against this model, and the serve command can
// use it in place of real hardware so host tools can be exercised
// end to end without a target attached.
package target

import "fmt"

// ATmega328P, the default part.
const (
	defaultFlashSize  = 32 * 1024
	defaultEepromSize = 1024
	defaultPageSize   = 128 // bytes
)

var defaultSignature = [3]byte{0x1E, 0x95, 0x0F}

// Device is a simulated AVR target. It implements spi.Conn and
// spi.Control. The zero value is not usable; call New.
type Device struct {
	signature [3]byte
	pageSize  uint16 // bytes
	flash     []byte
	eeprom    []byte
	pageBuf   []byte

	resetLow bool
	clockLow bool
	released bool
	enabled  bool

	commits []uint16 // word address of each committed page, in order
	resets  int      // falling edges seen on the reset line
}

// New returns a Device modeling an ATmega328P.
func New() *Device {
	return NewPart(defaultSignature, defaultFlashSize, defaultEepromSize, defaultPageSize)
}

// NewPart returns a Device with the given signature and memory
// geometry. pageSize is in bytes and must be a power of two.
func NewPart(signature [3]byte, flashSize, eepromSize int, pageSize uint16) *Device {
	d := &Device{
		signature: signature,
		pageSize:  pageSize,
		flash:     make([]byte, flashSize),
		eeprom:    make([]byte, eepromSize),
		pageBuf:   make([]byte, pageSize),
	}
	for i := range d.flash {
		d.flash[i] = 0xFF // erased flash reads all ones
	}
	for i := range d.eeprom {
		d.eeprom[i] = 0xFF
	}
	d.clearPageBuf()
	return d
}

func (d *Device) clearPageBuf() {
	for i := range d.pageBuf {
		d.pageBuf[i] = 0xFF
	}
}

// SetReset drives the simulated reset line. Programming mode ends the
// moment reset goes high.
func (d *Device) SetReset(high bool) error {
	if !high && !d.resetLow {
		d.resets++
	}
	d.resetLow = !high
	if high {
		d.enabled = false
	}
	d.released = false
	return nil
}

// SetClock parks the simulated SCK line.
func (d *Device) SetClock(high bool) error {
	d.clockLow = !high
	return nil
}

// Release tristates the programming lines.
func (d *Device) Release() error {
	d.released = true
	d.enabled = false
	return nil
}

// Transfer decodes one 4-byte programming transaction and returns the
// response byte a real part would shift out during the fourth byte.
func (d *Device) Transfer(a, b, c, e byte) (byte, error) {
	if a == 0xAC && b == 0x53 {
		// Programming enable. Real parts only accept this while
		// held in reset with the clock parked low.
		if !d.resetLow || !d.clockLow {
			return 0, fmt.Errorf("programming enable with reset high")
		}
		d.enabled = true
		d.clearPageBuf()
		return 0, nil
	}
	if !d.enabled {
		// Outside programming mode the lines are not ours;
		// nothing answers.
		return 0, nil
	}

	addr := uint16(b)<<8 | uint16(c)
	switch a {
	case 0x40: // load flash page buffer, low byte
		d.pageBuf[d.wordOffset(addr)*2] = e
		return 0, nil
	case 0x48: // load flash page buffer, high byte
		d.pageBuf[d.wordOffset(addr)*2+1] = e
		return 0, nil
	case 0x4C: // write page buffer to flash
		d.commitPage(addr)
		return 0, nil
	case 0x20: // read flash, low byte
		return d.flash[d.flashIndex(addr)], nil
	case 0x28: // read flash, high byte
		return d.flash[d.flashIndex(addr)+1], nil
	case 0xC0: // write EEPROM byte
		d.eeprom[int(addr)%len(d.eeprom)] = e
		return 0, nil
	case 0xA0: // read EEPROM byte
		return d.eeprom[int(addr)%len(d.eeprom)], nil
	case 0x30: // read signature byte
		return d.signature[c%3], nil
	default:
		return 0, fmt.Errorf("unrecognized transaction 0x%02X", a)
	}
}

// wordOffset maps a word address to its word slot within the page
// buffer.
func (d *Device) wordOffset(addr uint16) int {
	return int(addr) & (int(d.pageSize)/2 - 1)
}

// flashIndex maps a word address to a byte index into the flash array.
func (d *Device) flashIndex(addr uint16) int {
	return (int(addr) * 2) % len(d.flash)
}

// commitPage copies the page buffer into the flash array at the page
// containing the given word address, then erases the buffer, as the
// real part does after a page write.
func (d *Device) commitPage(addr uint16) {
	page := int(addr) &^ (int(d.pageSize)/2 - 1)
	base := (page * 2) % len(d.flash)
	copy(d.flash[base:base+int(d.pageSize)], d.pageBuf)
	d.commits = append(d.commits, uint16(page))
	d.clearPageBuf()
}

// Enabled reports whether the device is in programming mode.
func (d *Device) Enabled() bool { return d.enabled }

// Released reports whether the programming lines are tristated.
func (d *Device) Released() bool { return d.released }

// Resets returns the number of falling edges seen on reset.
func (d *Device) Resets() int { return d.resets }

// Commits returns the word address of every page committed so far, in
// the order the commits arrived.
func (d *Device) Commits() []uint16 { return d.commits }

// Flash returns the flash array contents starting at the given byte
// address.
func (d *Device) Flash(addr, length int) []byte {
	return d.flash[addr : addr+length]
}

// Eeprom returns the EEPROM contents starting at the given byte
// address.
func (d *Device) Eeprom(addr, length int) []byte {
	return d.eeprom[addr : addr+length]
}
