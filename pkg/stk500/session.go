// Copyright (c) Jeff Berkowitz 2023. All rights reserved.

package stk500

// Session state and the command decoder/dispatcher.
//
// The protocol is strictly sequential: the host sends one command, the
// bridge sends the complete response, and only then may the next
// command begin. Every read from the transport blocks until the host
// supplies a byte; there are no timeouts and no cancellation. A stalled
// host stalls the bridge, which is the correct behavior for a
// programmer (the alternative, timing out mid-frame, would corrupt the
// framing for every later command).
//
// Recovery from a dropped or extra byte relies on a single mechanism:
// any command whose terminator position does not hold CRC_EOP is
// answered with a lone NOSYNC and abandoned, and the next byte read is
// interpreted as a fresh command byte. Host-side retry then
// resynchronizes the stream.

import (
	"log"
	"time"
)

// Transport is the blocking byte link to the host. ReadByte blocks
// until a byte is available. Errors are fatal to the session, not to
// the protocol: they indicate the link itself failed or closed.
type Transport interface {
	ReadByte() (byte, error)
	WriteByte(b byte) error
}

// ISP is the SPI programming interface to the target device.
// Transaction sends a 4-byte command tuple and returns the byte the
// target shifted out during the 4th byte. Enable performs the
// programming-mode entry sequence (reset and clock handling plus the
// device-enable transaction); Disable releases the target.
type ISP interface {
	Transaction(a, b, c, d byte) (byte, error)
	Enable() error
	Disable() error
}

// Indicator receives the cosmetic status signals a hardware programmer
// shows on LEDs. Implementations must be cheap and must not block.
type Indicator interface {
	// Heartbeat is called between commands while the bridge idles.
	Heartbeat()
	// SetProgramming mirrors the programming-mode flag.
	SetProgramming(on bool)
	// SetError mirrors the sticky error flag.
	SetError(on bool)
	// PulseError signals a momentary error without changing state.
	PulseError(times int)
}

type nopIndicator struct{}

func (nopIndicator) Heartbeat()          {}
func (nopIndicator) SetProgramming(bool) {}
func (nopIndicator) SetError(bool)       {}
func (nopIndicator) PulseError(int)      {}

// Session holds all state retained across commands: the programming
// and sticky error flags, the current word address, and the negotiated
// device parameters. One Session serves one host on one target;
// nothing here is safe for concurrent use and nothing needs to be.
type Session struct {
	link Transport
	isp  ISP
	ind  Indicator

	programming bool
	errorFlag   bool
	address     uint16 // word address into flash
	params      DeviceParams

	buf [bufferLength]byte // staging for one command's payload

	// sleep is time.Sleep unless a test substitutes it. EEPROM
	// writes are self-timed in the target and need a settle delay
	// between bytes.
	sleep func(time.Duration)

	debug bool
}

// Option configures a Session.
type Option func(*Session)

// WithIndicator attaches a status indicator.
func WithIndicator(ind Indicator) Option {
	return func(s *Session) { s.ind = ind }
}

// WithSleep substitutes the delay function. Tests use this to avoid
// real EEPROM settle delays.
func WithSleep(sleep func(time.Duration)) Option {
	return func(s *Session) { s.sleep = sleep }
}

// WithDebug logs every dispatched command byte.
func WithDebug(debug bool) Option {
	return func(s *Session) { s.debug = debug }
}

// New creates a Session over the given transport and SPI interface.
func New(link Transport, isp ISP, options ...Option) *Session {
	s := &Session{
		link:  link,
		isp:   isp,
		ind:   nopIndicator{},
		sleep: time.Sleep,
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Programming reports whether the target is held in programming mode.
func (s *Session) Programming() bool { return s.programming }

// ErrorFlag reports the sticky error flag. It is set by framing and
// bounds failures and cleared only by the sign-on and leave commands.
func (s *Session) ErrorFlag() bool { return s.errorFlag }

// Address returns the current word address.
func (s *Session) Address() uint16 { return s.address }

// Params returns the negotiated device parameters.
func (s *Session) Params() DeviceParams { return s.params }

func (s *Session) setError(on bool) {
	s.errorFlag = on
	s.ind.SetError(on)
}

func (s *Session) setProgramming(on bool) {
	s.programming = on
	s.ind.SetProgramming(on)
}

// Serve handles commands until the transport fails. The heartbeat runs
// between commands only; once a command byte has been read the bridge
// is committed until the response is complete.
func (s *Session) Serve() error {
	for {
		s.ind.Heartbeat()
		if err := s.HandleCommand(); err != nil {
			return err
		}
	}
}

// HandleCommand reads one command byte and runs that command to
// completion, including the full response. The returned error is
// non-nil only for transport or SPI failures; protocol-level problems
// (bad terminator, oversized request, unknown opcode) are reported to
// the host in-band and return nil.
func (s *Session) HandleCommand() error {
	ch, err := s.link.ReadByte()
	if err != nil {
		return err
	}
	if s.debug {
		log.Printf("command 0x%02X\n", ch)
	}

	switch ch {
	case cmdSignOn:
		s.setError(false)
		return s.reply()

	case cmdIdentify:
		return s.identify()

	case cmdGetParameter:
		return s.getParameter()

	case cmdSetDevice:
		return s.setDevice()

	case cmdSetDeviceExt:
		// Extended parameters are accepted and ignored.
		if err := s.fill(5); err != nil {
			return err
		}
		return s.reply()

	case cmdEnterProg:
		return s.enterProgramming()

	case cmdLoadAddress:
		return s.loadAddress()

	case cmdProgFlash:
		// Legacy word-at-a-time flash load, superseded by the
		// paged write. Accepted for compatibility, no effect.
		if err := s.fill(2); err != nil {
			return err
		}
		return s.reply()

	case cmdProgData:
		if err := s.fill(1); err != nil {
			return err
		}
		return s.reply()

	case cmdProgPage:
		return s.programPage()

	case cmdReadPage:
		return s.readPage()

	case cmdUniversal:
		return s.universal()

	case cmdLeaveProg:
		return s.leaveProgramming()

	case cmdReadSign:
		return s.readSignature()

	case CrcEop:
		// A terminator where a command byte belongs means we and
		// the host disagree about framing. Complain and resync:
		// the next byte is read as a command.
		s.setError(true)
		return s.link.WriteByte(StatusNosync)

	default:
		s.setError(true)
		ok, err := s.expectEop()
		if err != nil || !ok {
			return err
		}
		return s.link.WriteByte(StatusUnknown)
	}
}

// expectEop reads the terminator position. On CRC_EOP it writes INSYNC
// and returns true; anything else sets the sticky error flag, writes
// NOSYNC, and returns false. Handlers must perform no protocol effect
// unless expectEop returned true.
func (s *Session) expectEop() (bool, error) {
	b, err := s.link.ReadByte()
	if err != nil {
		return false, err
	}
	if b != CrcEop {
		s.setError(true)
		return false, s.link.WriteByte(StatusNosync)
	}
	return true, s.link.WriteByte(StatusInsync)
}

// reply validates the terminator and sends the empty OK response.
func (s *Session) reply() error {
	return s.replyByte(false, 0)
}

// replyByte validates the terminator and sends an optional single
// response byte followed by OK.
func (s *Session) replyByte(hasByte bool, val byte) error {
	ok, err := s.expectEop()
	if err != nil || !ok {
		return err
	}
	if hasByte {
		if err := s.link.WriteByte(val); err != nil {
			return err
		}
	}
	return s.link.WriteByte(StatusOK)
}

// fill stages n payload bytes from the transport into the transfer
// buffer. n has already been bounds-checked by the caller.
func (s *Session) fill(n int) error {
	for i := 0; i < n; i++ {
		b, err := s.link.ReadByte()
		if err != nil {
			return err
		}
		s.buf[i] = b
	}
	return nil
}

// writeBytes sends a response payload to the host.
func (s *Session) writeBytes(b []byte) error {
	for _, v := range b {
		if err := s.link.WriteByte(v); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) identify() error {
	ok, err := s.expectEop()
	if err != nil || !ok {
		return err
	}
	if err := s.writeBytes([]byte(identification)); err != nil {
		return err
	}
	return s.link.WriteByte(StatusOK)
}

func (s *Session) getParameter() error {
	sel, err := s.link.ReadByte()
	if err != nil {
		return err
	}
	var val byte
	switch sel {
	case paramHardwareVersion:
		val = hardwareVersion
	case paramFirmwareMajor:
		val = firmwareMajorVersion
	case paramFirmwareMinor:
		val = firmwareMinorVersion
	case paramProgrammerType:
		val = 'S' // serial programmer
	default:
		val = 0
	}
	return s.replyByte(true, val)
}

func (s *Session) setDevice() error {
	if err := s.fill(deviceParamsLength); err != nil {
		return err
	}
	ok, err := s.expectEop()
	if err != nil || !ok {
		return err
	}
	// Parameters are applied only after the frame is validated, so
	// a malformed frame cannot leave the session half-configured.
	p, perr := decodeDeviceParams(s.buf[:deviceParamsLength])
	if perr != nil {
		// Unreachable with a correct fill; keep the old params.
		return s.link.WriteByte(StatusFailed)
	}
	s.params = p
	return s.link.WriteByte(StatusOK)
}

func (s *Session) enterProgramming() error {
	ok, err := s.expectEop()
	if err != nil || !ok {
		return err
	}
	if s.programming {
		// Re-entering programming mode flashes the error
		// indicator yet still reports OK, so the host never
		// learns the enter was redundant. Hosts depend on the OK.
		s.ind.PulseError(3)
	} else {
		if err := s.isp.Enable(); err != nil {
			return err
		}
		s.setProgramming(true)
	}
	return s.link.WriteByte(StatusOK)
}

func (s *Session) leaveProgramming() error {
	ok, err := s.expectEop()
	if err != nil || !ok {
		return err
	}
	s.setError(false)
	if s.programming {
		if err := s.isp.Disable(); err != nil {
			return err
		}
	}
	s.setProgramming(false)
	return s.link.WriteByte(StatusOK)
}

func (s *Session) loadAddress() error {
	lo, err := s.link.ReadByte()
	if err != nil {
		return err
	}
	hi, err := s.link.ReadByte()
	if err != nil {
		return err
	}
	ok, err := s.expectEop()
	if err != nil || !ok {
		return err
	}
	s.address = uint16(hi)<<8 | uint16(lo)
	return s.link.WriteByte(StatusOK)
}

func (s *Session) universal() error {
	if err := s.fill(4); err != nil {
		return err
	}
	ok, err := s.expectEop()
	if err != nil || !ok {
		return err
	}
	resp, err := s.isp.Transaction(s.buf[0], s.buf[1], s.buf[2], s.buf[3])
	if err != nil {
		return err
	}
	if err := s.link.WriteByte(resp); err != nil {
		return err
	}
	return s.link.WriteByte(StatusOK)
}

func (s *Session) readSignature() error {
	ok, err := s.expectEop()
	if err != nil || !ok {
		return err
	}
	for i := byte(0); i < 3; i++ {
		b, err := s.isp.Transaction(0x30, 0x00, i, 0x00)
		if err != nil {
			return err
		}
		if err := s.link.WriteByte(b); err != nil {
			return err
		}
	}
	return s.link.WriteByte(StatusOK)
}
