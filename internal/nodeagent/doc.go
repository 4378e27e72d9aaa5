// Package nodeagent runs a worker node: it registers with the coordinator,
// offers free slots on every poll, runs assigned jobs through the engine
// one goroutine per job, and heartbeats metrics and its active job list.
//
// Slot accounting, cooldowns, and the active job map live on Agent behind a
// single mutex. Hardware inventory is refreshed when the udev monitor sees
// DRM devices come or go.
package nodeagent
