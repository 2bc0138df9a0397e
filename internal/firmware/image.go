package firmware

import (
	"fmt"
	"sort"
)

// Segment is a contiguous run of defined bytes.
type Segment struct {
	Offset uint32
	Data   []byte
}

// End returns the offset one past the last byte of the segment.
func (s Segment) End() uint32 {
	return s.Offset + uint32(len(s.Data))
}

// Image is a sparse firmware image. The zero value is an empty image.
type Image struct {
	segments []Segment
	format   Format
}

// FromBinary builds an image from a contiguous byte slice starting at offset 0.
func FromBinary(data []byte) *Image {
	img := &Image{format: FormatBinary}
	if len(data) > 0 {
		buf := make([]byte, len(data))
		copy(buf, data)
		img.segments = []Segment{{Offset: 0, Data: buf}}
	}
	return img
}

// Format returns the encoding the image was decoded from.
func (img *Image) Format() Format {
	return img.format
}

// Segments returns the defined runs in ascending offset order.
// Adjacent runs are always merged, so segments never touch.
func (img *Image) Segments() []Segment {
	return img.segments
}

// Empty reports whether the image defines no bytes at all.
func (img *Image) Empty() bool {
	return len(img.segments) == 0
}

// Len returns the number of defined bytes.
func (img *Image) Len() int {
	n := 0
	for _, s := range img.segments {
		n += len(s.Data)
	}
	return n
}

// Extent returns the offset one past the highest defined byte.
func (img *Image) Extent() uint32 {
	if len(img.segments) == 0 {
		return 0
	}
	return img.segments[len(img.segments)-1].End()
}

// at returns the byte at offset and whether it is defined.
func (img *Image) at(offset uint32) (byte, bool) {
	i := sort.Search(len(img.segments), func(i int) bool {
		return img.segments[i].End() > offset
	})
	if i == len(img.segments) || img.segments[i].Offset > offset {
		return 0, false
	}
	s := img.segments[i]
	return s.Data[offset-s.Offset], true
}

// flatten returns bytes [0, Extent) with undefined offsets set to fill.
func (img *Image) flatten(fill byte) []byte {
	out := make([]byte, img.Extent())
	for i := range out {
		out[i] = fill
	}
	for _, s := range img.segments {
		copy(out[s.Offset:], s.Data)
	}
	return out
}

// String returns a short summary for logs.
func (img *Image) String() string {
	return fmt.Sprintf("%s image, %d bytes in %d segment(s), extent 0x%X",
		img.format, img.Len(), len(img.segments), img.Extent())
}

// builder accumulates bytes in arrival order; later writes win.
type builder struct {
	bytes map[uint32]byte
}

func newBuilder() *builder {
	return &builder{bytes: make(map[uint32]byte)}
}

func (b *builder) put(offset uint32, data []byte) {
	for i, v := range data {
		b.bytes[offset+uint32(i)] = v
	}
}

func (b *builder) build(format Format) *Image {
	img := &Image{format: format}
	if len(b.bytes) == 0 {
		return img
	}

	offsets := make([]uint32, 0, len(b.bytes))
	for off := range b.bytes {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	cur := Segment{Offset: offsets[0]}
	for _, off := range offsets {
		if off != cur.End() {
			img.segments = append(img.segments, cur)
			cur = Segment{Offset: off}
		}
		cur.Data = append(cur.Data, b.bytes[off])
	}
	img.segments = append(img.segments, cur)
	return img
}
