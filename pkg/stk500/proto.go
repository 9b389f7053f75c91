// Copyright (c) Jeff Berkowitz 2023. All rights reserved.

// Package stk500 implements the bridge side of the STK500v1 (AVRISP)
// serial programming protocol. The package terminates the byte-oriented
// command protocol from the host and drives the target's SPI programming
// interface through the ISP abstraction. It owns the session state, the
// command decoder, and the flash/EEPROM page programming algorithms.
//
// The transport and the SPI hardware are collaborators supplied by the
// caller; see Transport and ISP.
package stk500

// Protocol status bytes. Every command that is not a raw data stream
// ends its response with OK, Failed, or Unknown; Insync acknowledges a
// correctly terminated request and Nosync is the lone response to a
// framing failure.
const (
	StatusOK      byte = 0x10
	StatusFailed  byte = 0x11
	StatusUnknown byte = 0x12
	StatusInsync  byte = 0x14
	StatusNosync  byte = 0x15
)

// CrcEop terminates most request frames. The name is historical: no
// revision of the protocol ever put a CRC in front of it.
const CrcEop byte = 0x20

// Command opcodes from the host.
const (
	cmdSignOn       byte = '0'  // 0x30
	cmdIdentify     byte = '1'  // 0x31
	cmdGetParameter byte = 'A'  // 0x41
	cmdSetDevice    byte = 'B'  // 0x42
	cmdSetDeviceExt byte = 'E'  // 0x45
	cmdEnterProg    byte = 'P'  // 0x50
	cmdLeaveProg    byte = 'Q'  // 0x51
	cmdLoadAddress  byte = 'U'  // 0x55
	cmdUniversal    byte = 'V'  // 0x56
	cmdProgFlash    byte = 0x60 // legacy single-word load
	cmdProgData     byte = 0x61 // legacy single-byte load
	cmdProgPage     byte = 0x64
	cmdReadPage     byte = 0x74
	cmdReadSign     byte = 0x75
)

// Selectors for the get-parameter command.
const (
	paramHardwareVersion byte = 0x80
	paramFirmwareMajor   byte = 0x81
	paramFirmwareMinor   byte = 0x82
	paramProgrammerType  byte = 0x93
)

const (
	hardwareVersion      = 2
	firmwareMajorVersion = 1
	firmwareMinorVersion = 18
)

// identification is sent in response to the identify command.
const identification = "AVR ISP"

// memory type tags carried by the program-page and read-page commands
const (
	memFlash  byte = 'F'
	memEeprom byte = 'E'
)

// bufferLength bounds any single command's payload. A request must
// never be allowed to promise more than this, or the decoder would
// have to consume bytes it cannot stage and the stream would
// desynchronize.
const bufferLength = 256
