// Package services defines shared utilities consumed by the coordinator,
// node agent, and graph elements.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, node IDs, stage and element names,
//     and correlation identifiers for logging and tracing.
//   - Structured error markers plus the Wrap helper that classify failures
//     into transport, validation, and external tool errors.
//   - The drapto subpackage, which adapts the AV1 encoder library to element
//     progress reporting.
//
// Use these helpers when wiring new element or scheduler logic so operational
// behaviour (error handling, observability, retries) stays uniform.
package services
