package drapto

import (
	"context"
	"strings"

	draptolib "github.com/five82/drapto"

	"lattice/internal/services"
)

// Library implements Client using the Drapto Go library directly,
// bypassing the CLI shell-out.
type Library struct{}

// NewLibrary constructs a Library client.
func NewLibrary() *Library {
	return &Library{}
}

// Encode encodes a video file using the Drapto library.
func (l *Library) Encode(ctx context.Context, inputPath, outputDir string, progress func(ProgressUpdate)) (string, error) {
	outputDir = strings.TrimSpace(outputDir)
	if err := checkPaths(inputPath, outputDir); err != nil {
		return "", err
	}

	encoder, err := draptolib.New(draptolib.WithResponsive())
	if err != nil {
		return "", services.Wrap(services.ErrConfiguration, "drapto", "init", "", err)
	}

	var rep draptolib.Reporter
	if progress != nil {
		rep = newElementReporter(progress)
	}

	if _, err := encoder.EncodeWithReporter(ctx, inputPath, outputDir, rep); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", services.Wrap(services.ErrExternalTool, "drapto", "encode", inputPath, err)
	}
	return OutputPath(inputPath, outputDir), nil
}

var _ Client = (*Library)(nil)
