// Package scheduler decides which queued jobs a polling node receives and
// drives jobs through their lifecycle.
//
// A poll walks queued jobs in FIFO order and offers each the node's free
// typed slots (healthcheck/transcode x cpu/gpu) in the configured preference
// order. Transcode jobs additionally need a payload: the minimized graph of
// the first eligible tree whose requirements the node satisfies, plus the
// element bundle manifest. Assignment is a conditional update, so concurrent
// polls never double-assign a job.
//
// Lifecycle turns node reports (complete, requeue) into store transitions via
// Stage, and Sweeper periodically fails stale jobs and reaps jobs whose files
// or libraries disappeared.
package scheduler
