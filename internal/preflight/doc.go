// Package preflight provides readiness checks a node agent runs before it
// starts polling for work: scratch and log directory access, external
// binaries, and coordinator reachability.
package preflight
