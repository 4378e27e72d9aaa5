// Package coordinator hosts the scheduling server: the authenticated HTTP
// API nodes poll for work, the single-instance lock, and the background
// stale and garbage sweeps.
//
// Handlers translate wire DTOs from package api into scheduler and store
// calls. Error markers from package services map onto HTTP statuses so a
// node can tell a stale report (409) from a missing registration (404).
package coordinator
