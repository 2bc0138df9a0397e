// Package transport provides the byte channel between the programmer and
// the target.
//
// Channel is the only I/O surface the protocol layer sees. The serial
// implementation runs 8N1 at 750,000 baud over go.bug.st/serial. The Sonix
// programming link is single wire: TX and RX of the adapter are tied
// together, so every transmitted byte comes straight back on RX. Serial
// reads that echo back and compares it before Send returns.
//
// The adapter's RTS or DTR output drives the target reset circuit through
// SetLine. On Close the configured reset line is returned to its released
// level so the target is never left held in reset.
package transport
