// Copyright (c) Jeff Berkowitz 2023. All rights reserved.

package stk500

// Device parameters negotiated by the set-device command. The host
// (avrdude and friends) sends one 20-byte block per session, before
// entering programming mode. Only the page and memory sizes influence
// the bridge's behavior; the rest is retained for completeness.

import (
	"encoding/binary"
	"fmt"
)

// DeviceParams is the decoded form of the 20-byte device parameter
// block. Multibyte fields are big-endian on the wire.
type DeviceParams struct {
	Signature     byte
	Revision      byte
	ProgType      byte
	ParMode       byte
	Polling       byte
	SelfTimed     byte
	LockBytes     byte
	FuseBytes     byte
	FlashPoll     byte
	EepromPoll    uint16
	FlashPageSize uint16 // bytes
	EepromSize    uint16 // bytes
	FlashSize     uint32 // bytes
}

// deviceParamsLength is the wire size of the parameter block.
const deviceParamsLength = 20

// decodeDeviceParams unpacks a parameter block. The block is decoded
// field by field rather than with offset arithmetic so the wire layout
// is stated exactly once, here.
func decodeDeviceParams(b []byte) (DeviceParams, error) {
	var p DeviceParams
	if len(b) != deviceParamsLength {
		return p, fmt.Errorf("device parameter block: got %d bytes, want %d", len(b), deviceParamsLength)
	}
	p.Signature = b[0]
	p.Revision = b[1]
	p.ProgType = b[2]
	p.ParMode = b[3]
	p.Polling = b[4]
	p.SelfTimed = b[5]
	p.LockBytes = b[6]
	p.FuseBytes = b[7]
	p.FlashPoll = b[8]
	// b[9] pads the flash poll value out to two bytes on the wire
	p.EepromPoll = binary.BigEndian.Uint16(b[10:12])
	p.FlashPageSize = binary.BigEndian.Uint16(b[12:14])
	p.EepromSize = binary.BigEndian.Uint16(b[14:16])
	p.FlashSize = binary.BigEndian.Uint32(b[16:20])
	return p, nil
}

// pageMask returns the mask that reduces a word address to the word
// address of its flash page. Page size is negotiated in bytes and is a
// power of two (32..256) on every real part; a zero or other degenerate
// value collapses the mask so that a whole write lands in one page,
// which fails safe (a single final commit).
func (p *DeviceParams) pageMask() uint16 {
	words := p.FlashPageSize >> 1
	if words == 0 || words&(words-1) != 0 {
		return 0
	}
	return ^(words - 1)
}

// page returns the word address of the flash page containing addr.
func (p *DeviceParams) page(addr uint16) uint16 {
	return addr & p.pageMask()
}
