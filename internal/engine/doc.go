// Package engine executes assigned jobs on a node.
//
// A run starts with the Builder, which verifies the source file, probes it,
// and allocates a scratch directory that is always removed when the run ends.
// Healthcheck jobs then follow a fixed probe, decode, report sequence.
// Transcode jobs have their payload bundle checked against the Registry and
// are handed to the Walker, which follows the payload graph from its unique
// input node, dispatching each node to its element Handler and reporting
// weighted progress through a Sink.
package engine
