// Package protocol implements the Sonix SN8F5xxx in-system programming link.
//
// Every command on the wire starts with the sync byte 0x55 followed by an
// opcode. The payload length and the number of response bytes are fixed per
// opcode, so no length field is transmitted:
//
//	55 08 <key>      connect            -> FF FF FF FF
//	55 21 55 A0      chip ID            -> 4 bytes, little endian
//	55 88            read byte          -> 1 byte
//	55 8B            write status       -> 2 bytes (5D 01 = done)
//	55 2A / 55 2B    bulk read begin/end
//	55 48 x          debug selector
//	55 4B x y        debug control
//	55 58 a b c      stage one 8051 instruction (bytes reversed)
//
// Flash is reached indirectly: the engine stages single 8051 instructions
// (MOV direct,#data, MOV DPTR,#data16, MOVX @DPTR,A, MOV A,direct) and runs
// them on the target core to drive the ISP special function registers.
//
// Engine owns the connection state machine:
//
//	DISCONNECTED -> RESET_PENDING -> HANDSHAKE_ACTIVE -> READY
//	      any exchange failure -> FAULTED (terminal)
//
// Any short, missing or malformed response faults the engine. A faulted
// engine refuses further exchanges; the caller must reset and build a new
// engine. Cancellation is checked before each exchange, never inside one.
package protocol
