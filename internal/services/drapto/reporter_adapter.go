package drapto

import (
	"fmt"
	"strings"
	"time"

	draptolib "github.com/five82/drapto"
)

// elementReporter adapts the Drapto Reporter interface to the ProgressUpdate
// callback consumed by the drapto_encode element.
type elementReporter struct {
	callback func(ProgressUpdate)
}

func newElementReporter(callback func(ProgressUpdate)) *elementReporter {
	return &elementReporter{callback: callback}
}

func (r *elementReporter) info(message string) {
	if strings.TrimSpace(message) == "" {
		return
	}
	r.callback(ProgressUpdate{Type: EventTypeInfo, Message: message})
}

func (r *elementReporter) Hardware(s draptolib.HardwareSummary) {
	r.info(fmt.Sprintf("encoder host %v", s.Hostname))
}

func (r *elementReporter) Initialization(s draptolib.InitializationSummary) {
	r.info(fmt.Sprintf("input %v (%v, %v)", s.InputFile, s.Resolution, s.DynamicRange))
}

func (r *elementReporter) StageProgress(s draptolib.StageProgress) {
	var eta time.Duration
	if s.ETA != nil {
		eta = *s.ETA
	}
	r.callback(ProgressUpdate{
		Type:    EventTypeStageProgress,
		Percent: float64(s.Percent),
		Stage:   s.Stage,
		Message: s.Message,
		ETA:     eta,
	})
}

func (r *elementReporter) CropResult(s draptolib.CropSummary) {
	r.info(fmt.Sprintf("crop: %v", s.Message))
}

func (r *elementReporter) EncodingConfig(s draptolib.EncodingConfigSummary) {
	r.info(fmt.Sprintf("encoder %v preset %v quality %v", s.Encoder, s.Preset, s.Quality))
}

func (r *elementReporter) EncodingStarted(totalFrames uint64) {
	r.callback(ProgressUpdate{
		Type:        EventTypeEncodingProgress,
		Stage:       "encoding",
		TotalFrames: int64(totalFrames),
	})
}

func (r *elementReporter) EncodingProgress(s draptolib.ProgressSnapshot) {
	r.callback(ProgressUpdate{
		Type:        EventTypeEncodingProgress,
		Percent:     float64(s.Percent),
		Stage:       "encoding",
		Speed:       float64(s.Speed),
		FPS:         float64(s.FPS),
		ETA:         s.ETA,
		Bitrate:     s.Bitrate,
		TotalFrames: int64(s.TotalFrames),
		Frame:       int64(s.CurrentFrame),
	})
}

func (r *elementReporter) ValidationComplete(s draptolib.ValidationSummary) {
	failed := make([]string, 0, len(s.Steps))
	for _, step := range s.Steps {
		if !step.Passed {
			failed = append(failed, fmt.Sprintf("%v: %v", step.Name, step.Details))
		}
	}
	msg := "validation passed"
	if !s.Passed {
		msg = "validation failed: " + strings.Join(failed, "; ")
	}
	r.callback(ProgressUpdate{Type: EventTypeValidation, Stage: "validation", Message: msg})
}

func (r *elementReporter) EncodingComplete(s draptolib.EncodingOutcome) {
	r.callback(ProgressUpdate{
		Type:       EventTypeEncodingComplete,
		Percent:    100,
		Stage:      "complete",
		Message:    fmt.Sprintf("encoded %v", s.OutputFile),
		OutputSize: int64(s.EncodedSize),
	})
}

func (r *elementReporter) Warning(message string) {
	r.callback(ProgressUpdate{Type: EventTypeWarning, Message: message})
}

func (r *elementReporter) Error(e draptolib.ReporterError) {
	r.callback(ProgressUpdate{Type: EventTypeError, Message: fmt.Sprintf("%v: %v", e.Title, e.Message)})
}

func (r *elementReporter) OperationComplete(message string) {
	r.info(message)
}

func (r *elementReporter) BatchStarted(draptolib.BatchStartInfo) {}

func (r *elementReporter) FileProgress(draptolib.FileProgressContext) {}

func (r *elementReporter) BatchComplete(draptolib.BatchSummary) {}

var _ draptolib.Reporter = (*elementReporter)(nil)
