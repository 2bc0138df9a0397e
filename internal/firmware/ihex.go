package firmware

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/marcinbor85/gohex"
)

// Intel HEX record types.
const (
	recData            = 0x00
	recEOF             = 0x01
	recExtendedSegment = 0x02
	recStartSegment    = 0x03
	recExtendedLinear  = 0x04
	recStartLinear     = 0x05
	hexBytesPerLine    = 16
)

// DecodeIntelHex parses an Intel HEX stream. source is only used in errors.
//
// Data after the EOF record is ignored. A missing EOF record is tolerated
// since several 8051 toolchains omit it.
func DecodeIntelHex(source string, r io.Reader) (*Image, error) {
	b := newBuilder()
	var base uint32

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1024), 1024*1024)

	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}

		fail := func(err error, format string, args ...any) (*Image, error) {
			return nil, &FormatError{Source: source, Line: lineNo, Detail: fmt.Sprintf(format, args...), Err: err}
		}

		if line[0] != ':' {
			return fail(ErrMalformed, "record does not start with ':'")
		}
		raw, err := hex.DecodeString(line[1:])
		if err != nil {
			return fail(ErrMalformed, "invalid hex digits")
		}
		if len(raw) < 5 {
			return fail(ErrMalformed, "record too short (%d bytes)", len(raw))
		}

		count := int(raw[0])
		if len(raw) != count+5 {
			return fail(ErrMalformed, "byte count %d does not match record length %d", count, len(raw)-5)
		}

		var sum byte
		for _, v := range raw {
			sum += v
		}
		if sum != 0 {
			return fail(ErrChecksumMismatch, "expected 0x%02X", raw[len(raw)-1]-sum)
		}

		addr := uint16(raw[1])<<8 | uint16(raw[2])
		payload := raw[4 : 4+count]

		switch raw[3] {
		case recData:
			for i, v := range payload {
				// offsets wrap inside the current 64 KiB window
				b.put(base+uint32(addr+uint16(i)), []byte{v})
			}
		case recEOF:
			if count != 0 {
				return fail(ErrMalformed, "EOF record with %d data bytes", count)
			}
			return b.build(FormatIntelHex), nil
		case recExtendedSegment:
			if count != 2 {
				return fail(ErrMalformed, "extended segment record needs 2 bytes, got %d", count)
			}
			base = (uint32(payload[0])<<8 | uint32(payload[1])) << 4
		case recExtendedLinear:
			if count != 2 {
				return fail(ErrMalformed, "extended linear record needs 2 bytes, got %d", count)
			}
			base = (uint32(payload[0])<<8 | uint32(payload[1])) << 16
		case recStartSegment, recStartLinear:
			if count != 4 {
				return fail(ErrMalformed, "start address record needs 4 bytes, got %d", count)
			}
		default:
			return fail(ErrMalformed, "unknown record type 0x%02X", raw[3])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, &FormatError{Source: source, Line: lineNo, Err: ErrMalformed, Detail: err.Error()}
	}

	return b.build(FormatIntelHex), nil
}

// EncodeIntelHex writes img as Intel HEX with 16 data bytes per record,
// extended linear address records where needed and a trailing EOF record.
func EncodeIntelHex(w io.Writer, img *Image) error {
	mem := gohex.NewMemory()
	for _, seg := range img.Segments() {
		if err := mem.AddBinary(seg.Offset, seg.Data); err != nil {
			return fmt.Errorf("add segment at 0x%X: %w", seg.Offset, err)
		}
	}
	return mem.DumpIntelHex(w, hexBytesPerLine)
}
