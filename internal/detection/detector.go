package detection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/live2d-driver/facedriver/internal/video"
	"github.com/live2d-driver/facedriver/pkg/core"
)

// Face is one detector candidate in frame pixel coordinates.
type Face struct {
	X         float64      `json:"x"`
	Y         float64      `json:"y"`
	Width     float64      `json:"width"`
	Height    float64      `json:"height"`
	Landmarks []core.Point `json:"landmarks,omitempty"`
	Score     float64      `json:"score,omitempty"`
}

// Detector is a face-landmark model. Detect must honor ctx cancellation.
type Detector interface {
	Load(ctx context.Context) error
	Detect(ctx context.Context, frame video.Frame) ([]Face, error)
}

// AnnotationDetector replays faces recorded alongside each frame: for
// frames/0001.png it reads frames/0001.png.faces.json, a JSON list of faces.
// A frame without annotations has no faces.
type AnnotationDetector struct {
	Suffix string
}

const defaultAnnotationSuffix = ".faces.json"

var errNoFramePath = errors.New("frame has no path")

func (d *AnnotationDetector) suffix() string {
	if d.Suffix == "" {
		return defaultAnnotationSuffix
	}
	return d.Suffix
}

func (d *AnnotationDetector) Load(ctx context.Context) error {
	if !strings.HasPrefix(d.suffix(), ".") {
		return fmt.Errorf("annotation suffix %q must start with a dot", d.suffix())
	}
	return ctx.Err()
}

func (d *AnnotationDetector) Detect(ctx context.Context, frame video.Frame) ([]Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frame.Path == "" {
		return nil, errNoFramePath
	}

	data, err := os.ReadFile(frame.Path + d.suffix())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read annotations: %w", err)
	}

	var faces []Face
	if err := json.Unmarshal(data, &faces); err != nil {
		return nil, fmt.Errorf("parse annotations for %s: %w", frame.Path, err)
	}
	return faces, nil
}
