// Package config loads, normalizes, and validates Lattice configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// LATTICE_API_TOKEN and LATTICE_COORDINATOR_URL. The Config type centralizes
// every knob the coordinator, node agent, and CLI need.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
