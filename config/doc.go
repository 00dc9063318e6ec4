// Package config loads the streamswitch configuration.
//
// A Loader merges one or more layers (JSON, or YAML with a .yaml/.yml
// extension) over the defaults, applies STREAMSWITCH_* environment
// overrides and validates the result:
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/prod.json") // Overrides base
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
//
// Durations accept Go syntax plus a day suffix ("500ms", "2m", "7d").
// Invalid configurations fail with errors.ErrInvalidConfig classified
// invalid.
package config
