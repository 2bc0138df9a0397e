// Package reset brings a Sonix target into its ISP bootloader.
//
// The bootloader only listens for the connect command during a short window
// after reset is released. In hardware mode the Sequencer pulses the
// adapter's RTS or DTR line (optionally inverted for circuits that reset on
// a low level), waits for the core to start and runs the handshake at once.
//
// Without a reset line the user has to power-cycle the target by hand. The
// Sequencer then repeats the handshake at a fixed interval, up to a bounded
// number of attempts, hoping one lands in the window. This mode is timing
// dependent and failures say so.
package reset
