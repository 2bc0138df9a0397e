// Package simulator models an SN8F5xxx target at the byte level of the ISP
// link.
//
// Target implements transport.Channel, so the protocol engine and everything
// above it run unchanged against it. It decodes the same frames the real
// bootloader accepts, executes the small set of staged 8051 instructions the
// programmer uses, and applies ISP program and erase commands to two flash
// banks. Page programs overwrite the page; erase fills the selected bank with
// the configured empty value.
//
// The CLI exposes it through the "sim:" port prefix, for example
// "sim:SN8F5702" or "sim:0x6200".
package simulator
