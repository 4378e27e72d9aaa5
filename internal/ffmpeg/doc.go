// Package ffmpeg builds encoder command lines and runs them with machine
// readable progress.
//
// Params accumulates the arguments graph elements contribute (hardware
// acceleration, stream selection, codecs, filters, container) and renders a
// deterministic argument list. Runner executes ffmpeg with -progress pipe:1,
// converts out_time and frame counters into a completion fraction, and turns
// a non-zero exit or fatal stderr text into a services.ErrExternalTool error
// carrying the offending line.
package ffmpeg
