// Package chip holds the catalog of supported SN8F5xxx variants.
//
// The catalog is embedded YAML loaded once per process. A variant is found by
// the ID the target reports during identification; its geometry (flash size,
// page size, boot bank size) and erased-cell value drive the flash layer.
// Per-series overrides from the user profile are applied with Variant.Apply.
package chip
