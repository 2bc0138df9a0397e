// Package firmware loads firmware images for the programmer.
//
// An Image is a sparse, immutable mapping from byte offset to value. It is
// built either from a raw binary (offset = position in the file) or from an
// Intel HEX record stream, where each record carries its own offset and gaps
// stay undefined:
//
//	img, err := firmware.LoadFile("blink.ihx", firmware.FormatAuto)
//	for _, seg := range img.Segments() {
//	    fmt.Printf("0x%04X: %d bytes\n", seg.Offset, len(seg.Data))
//	}
//
// Intel HEX records are merged in file order and a later record overwrites an
// earlier one at the same offset, matching how objcopy and srec_cat resolve
// overlaps. Records with a bad checksum fail with ErrChecksumMismatch, any
// other structural problem with ErrMalformed; both arrive wrapped in a
// *FormatError carrying the source name and line number.
//
// Images can be written back out as raw binary or as Intel HEX (via gohex).
package firmware
