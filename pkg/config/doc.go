// Package config loads the two document kinds the engine consumes,
// operation definitions and workflows, and the tool's own settings.
//
// Documents are written in YAML or CUE. CUE documents are compiled and
// exported to JSON before decoding so both formats pass through the same
// decoding rules. Settings layer in a fixed order: built-in defaults, a
// .env file, the settings file, then FLEETWRIGHT_ environment variables.
package config
