package firmware

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Format identifies an image encoding.
type Format int

const (
	// FormatAuto picks the format from the file name.
	FormatAuto Format = iota
	FormatBinary
	FormatIntelHex
)

func (f Format) String() string {
	switch f {
	case FormatBinary:
		return "binary"
	case FormatIntelHex:
		return "intel-hex"
	default:
		return "auto"
	}
}

// ParseFormat converts a flag value ("auto", "bin", "hex") to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return FormatAuto, nil
	case "bin", "binary", "raw":
		return FormatBinary, nil
	case "hex", "ihex", "intel-hex":
		return FormatIntelHex, nil
	}
	return FormatAuto, fmt.Errorf("unknown image format %q (want auto, bin or hex)", s)
}

var hexExtensions = map[string]bool{
	".hex":  true,
	".ihex": true,
	".ihx":  true,
}

// DetectFormat maps a file name to a format. "-" (stdin) and unknown
// extensions are treated as raw binary.
func DetectFormat(name string) Format {
	if name == "-" {
		return FormatBinary
	}
	if hexExtensions[strings.ToLower(filepath.Ext(name))] {
		return FormatIntelHex
	}
	return FormatBinary
}

// Load decodes an image from r. name is used for format detection when
// format is FormatAuto and for error messages.
func Load(name string, r io.Reader, format Format) (*Image, error) {
	if format == FormatAuto {
		format = DetectFormat(name)
	}

	switch format {
	case FormatIntelHex:
		return DecodeIntelHex(name, r)
	case FormatBinary:
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		return FromBinary(data), nil
	}
	return nil, fmt.Errorf("unsupported image format %v", format)
}

// LoadFile opens path (or stdin for "-") and decodes it.
func LoadFile(path string, format Format) (*Image, error) {
	if path == "-" {
		return Load(path, os.Stdin, format)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open firmware: %w", err)
	}
	defer f.Close()
	return Load(path, f, format)
}

// Save writes data read from the device. The format follows the same
// extension convention as Load; "-" writes raw bytes to w instead of a file.
func Save(path string, w io.Writer, base uint32, data []byte, format Format) error {
	if format == FormatAuto {
		format = DetectFormat(path)
	}

	var buf bytes.Buffer
	switch format {
	case FormatIntelHex:
		img := &Image{format: FormatIntelHex}
		if len(data) > 0 {
			img.segments = []Segment{{Offset: base, Data: data}}
		}
		if err := EncodeIntelHex(&buf, img); err != nil {
			return err
		}
	default:
		buf.Write(data)
	}

	if path == "-" {
		_, err := w.Write(buf.Bytes())
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
