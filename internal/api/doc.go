// Package api defines the wire-format types exchanged between the coordinator
// and node agents, plus converters from store models.
//
// DTOs use camelCase JSON tags. Internal enums (job type, job status, file
// status) travel as lowercase strings and timestamps use RFC3339 with
// milliseconds. Transcode payloads are embedded as structured graph.Payload
// values rather than raw strings so nodes decode them once.
package api
