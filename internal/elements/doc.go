// Package elements provides the element handlers compiled into every node
// and the subprocess plugin adapter for externally supplied elements.
//
// Built-ins fall into a few groups: graph control (input, output, requeue,
// fail), ffmpeg parameter builders that mutate the run's ffmpeg.Params,
// encoders (ffmpeg_execute, drapto_encode), predicates that choose the
// "true" or "false" handle, and file operations that move results into the
// library and report the new location to the coordinator.
package elements
