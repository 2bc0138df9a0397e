package flash

import (
	"github.com/muurk/sonixflash/internal/chip"
	"github.com/muurk/sonixflash/internal/protocol"
)

// Geometry is the resolved layout of the connected chip.
type Geometry struct {
	Series     string
	PageSize   uint32
	MainSize   uint32
	BootSize   uint32
	EmptyValue byte
}

// GeometryFor builds a Geometry from a catalog variant. Banks larger than
// the 16-bit ISP window are clipped to it.
func GeometryFor(v chip.Variant) Geometry {
	g := Geometry{
		Series:     v.Series,
		PageSize:   v.PageSize,
		MainSize:   v.FlashSize,
		BootSize:   v.BootSize,
		EmptyValue: v.EmptyValue,
	}
	if g.MainSize > protocol.AddressSpace {
		g.MainSize = protocol.AddressSpace
	}
	if g.BootSize > protocol.AddressSpace {
		g.BootSize = protocol.AddressSpace
	}
	return g
}

// BankSize returns the size of bank in bytes.
func (g Geometry) BankSize(bank protocol.Bank) uint32 {
	if bank == protocol.BankBoot {
		return g.BootSize
	}
	return g.MainSize
}

// span is a contiguous address range inside one bank.
type span struct {
	start uint32
	n     uint32
}

// wrapAddr returns base+i as a bank address.
func wrapAddr(base, i, size uint32) uint32 {
	return uint32((uint64(base) + uint64(i)) % uint64(size))
}

// wrapSpans splits [offset, offset+length) modulo size into linear spans.
// A window longer than the bank covers it more than once.
func wrapSpans(offset, length, size uint32) []span {
	var spans []span
	start := offset % size
	for length > 0 {
		n := minU32(length, size-start)
		spans = append(spans, span{start, n})
		length -= n
		start = 0
	}
	return spans
}
