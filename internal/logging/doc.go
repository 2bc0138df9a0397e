// Package logging provides structured logging for sonixflash.
//
// This package wraps a zap logger with the small set of helpers the
// programmer needs: level-gated initialization, package-level convenience
// functions and hex dumps of raw serial traffic.
//
// # Log Levels
//
//   - Debug: every serial exchange with hex dumps, page selects, SFR saves
//   - Info: operation boundaries (reset, identify, erase, write, verify)
//   - Warn: recoverable oddities (reset-less retries, final reset skipped)
//   - Error: fatal protocol or reset failures
//
// # Silent By Default
//
// The CLI renders its own styled output, so logging is silent unless a level
// is requested through --log-level or the SONIXFLASH_LOG_LEVEL environment
// variable:
//
//	SONIXFLASH_LOG_LEVEL=debug sonixflash -p /dev/ttyUSB0 chip-id
//
// # Raw Traffic
//
// Components that own a *zap.Logger can dump byte slices without building
// the fields themselves:
//
//	logging.LogRawBytes(logger, "tx", frame)
//
// Dumps are capped at 256 bytes so a full-flash read does not flood the log.
package logging
