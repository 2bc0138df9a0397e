// Package config manages the optional sonixflash user profile.
//
// The profile is a YAML file holding adapter defaults (port, reset wiring,
// timings) and per-series overrides of the embedded chip catalog. Command
// line flags take precedence over the profile, and the profile takes
// precedence over the catalog.
//
// # Configuration File Location
//
// The file is stored in platform-appropriate locations:
//   - Linux: $XDG_CONFIG_HOME/sonixflash/config.yaml or $HOME/.config/sonixflash/config.yaml
//   - macOS: $HOME/.config/sonixflash/config.yaml
//   - Windows: %LOCALAPPDATA%\sonixflash\config.yaml
//
// # Usage Example
//
//	profile, err := config.LoadProfile()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	override := profile.OverrideFor("SN8F5702")
//	variant = variant.Apply(override)
//
// A missing file is not an error; LoadProfile returns defaults.
package config
