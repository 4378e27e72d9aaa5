// Package apiclient talks to the coordinator's HTTP API on behalf of node
// agents and the CLI.
//
// Mutating calls that must not be lost (register, heartbeat, report,
// complete, requeue) retry transport failures with bounded exponential
// backoff. Poll, progress, and log calls make a single attempt; callers
// decide whether a failure matters.
package apiclient
