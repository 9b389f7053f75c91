// Copyright (c) Jeff Berkowitz 2023. All rights reserved.

package stk500

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecodeDeviceParams(t *testing.T) {
	b := []byte{
		0x86, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, // sig..fusebytes
		0x08, 0x00, // flash poll + pad
		0x12, 0x34, // eeprom poll
		0x00, 0x80, // flash page size 128
		0x04, 0x00, // eeprom size 1024
		0x00, 0x00, 0x80, 0x00, // flash size 32768
	}
	p, err := decodeDeviceParams(b)
	assert.NoError(t, err)
	assert.Equal(t, byte(0x86), p.Signature)
	assert.Equal(t, byte(0x01), p.Revision)
	assert.Equal(t, byte(0x07), p.FuseBytes)
	assert.Equal(t, byte(0x08), p.FlashPoll)
	assert.Equal(t, uint16(0x1234), p.EepromPoll)
	assert.Equal(t, uint16(128), p.FlashPageSize)
	assert.Equal(t, uint16(1024), p.EepromSize)
	assert.Equal(t, uint32(32768), p.FlashSize)
}

func TestDecodeDeviceParamsShort(t *testing.T) {
	_, err := decodeDeviceParams(make([]byte, 19))
	assert.Error(t, err)
}

func TestPageArithmetic(t *testing.T) {
	p := DeviceParams{FlashPageSize: 64} // 32 words
	assert.Equal(t, uint16(0), p.page(0))
	assert.Equal(t, uint16(0), p.page(31))
	assert.Equal(t, uint16(32), p.page(32))
	assert.Equal(t, uint16(64), p.page(65))

	p.FlashPageSize = 256 // 128 words
	assert.Equal(t, uint16(0), p.page(127))
	assert.Equal(t, uint16(128), p.page(128))

	// a degenerate page size collapses everything into one page
	// rather than committing per word
	p.FlashPageSize = 0
	assert.Equal(t, uint16(0), p.page(500))
	p.FlashPageSize = 77
	assert.Equal(t, uint16(0), p.page(500))
}
