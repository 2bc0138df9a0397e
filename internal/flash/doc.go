// Package flash implements whole-bank operations on top of the ISP
// primitives of protocol.Engine.
//
// Addresses are bank relative and wrap modulo the bank size, so a read or
// write that runs past the end of a bank continues at offset 0. Writes are
// page granular: a page only partly covered by the image is read back first
// and overlaid, unless the bank was erased earlier through the same
// Controller, in which case the uncovered bytes are the chip's empty value.
//
// The boot bank holds parameters the bootloader depends on. Erase and Write
// refuse it with ErrBootAreaProtected unless the caller explicitly allows
// it, and they refuse before sending anything to the target.
package flash
