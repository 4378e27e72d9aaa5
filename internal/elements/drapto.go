package elements

import (
	"context"
	"encoding/json"
	"fmt"

	"lattice/internal/engine"
	"lattice/internal/services"
	"lattice/internal/services/drapto"
)

// draptoEncoder encodes the current input to AV1 with drapto. Drapto picks
// its own encoder settings, so parameter builder elements do not apply.
func draptoEncoder(client drapto.Client) runFunc {
	return func(ctx context.Context, ec *engine.Context, raw json.RawMessage, tools engine.Tools) (engine.Result, error) {
		if err := decode("drapto_encode", raw, &struct{}{}); err != nil {
			return engine.Result{}, err
		}
		lastStage := ""
		output, err := client.Encode(ctx, ec.InputPath, ec.TempDir, func(update drapto.ProgressUpdate) {
			switch update.Type {
			case drapto.EventTypeEncodingProgress, drapto.EventTypeStageProgress:
				if update.Percent > 0 {
					tools.Progress(update.Percent / 100)
				}
				if update.Stage != "" && update.Stage != lastStage {
					lastStage = update.Stage
					tools.Log("stage " + update.Stage)
				}
			case drapto.EventTypeWarning, drapto.EventTypeError, drapto.EventTypeInfo, drapto.EventTypeValidation, drapto.EventTypeEncodingComplete:
				if update.Message != "" {
					tools.Log(update.Message)
				}
			}
		})
		if err != nil {
			return engine.Result{}, services.Wrap(services.ErrExternalTool, "drapto_encode", "encode", ec.InputPath, err)
		}
		ec.OutputPath = output
		tools.Log(fmt.Sprintf("drapto wrote %s", output))
		return engine.Result{}, nil
	}
}
