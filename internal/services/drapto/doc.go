// Package drapto integrates the Drapto AV1 encoder so the drapto_encode graph
// element can launch transcodes and observe structured progress updates.
//
// It exposes a Client interface, a Library implementation that calls Drapto
// directly, a CLI implementation for hosts that ship the drapto binary, and a
// reporter adapter that translates Drapto's Reporter callbacks into
// ProgressUpdate values.
package drapto
