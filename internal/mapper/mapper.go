// Package mapper turns a detection result into avatar control parameters.
package mapper

import (
	"math"

	"github.com/live2d-driver/facedriver/pkg/core"
)

// Landmark indices read by the mapper. Anything past index 6 is ignored.
const (
	upperLidLeft  = 1
	upperLidRight = 2
	upperLip      = 3
	lowerLidRight = 4
	lowerLidLeft  = 5
	lowerLip      = 6

	minLandmarks = 7
)

const (
	eyeScale   = 20.0
	mouthScale = 10.0
)

// Mapper holds the mapping options. The zero value maps without clamping.
type Mapper struct {
	// Clamp limits every output to [0, 1].
	Clamp bool
}

// Map is Mapper{}.Map.
func Map(result *core.DetectionResult, viewport core.Viewport) core.ControlParameters {
	return Mapper{}.Map(result, viewport)
}

// Map converts one detection result. A nil result yields the zero vector.
// With fewer than 7 landmarks only the head position is filled in.
func (m Mapper) Map(result *core.DetectionResult, viewport core.Viewport) core.ControlParameters {
	if result == nil {
		return core.ControlParameters{}
	}

	var p core.ControlParameters
	if viewport.Width != 0 {
		p.HeadX = result.X / viewport.Width
	}
	if viewport.Height != 0 {
		p.HeadY = result.Y / viewport.Height
	}

	if l := result.Landmarks; len(l) >= minLandmarks {
		eyeOpen := math.Abs(l[upperLidLeft].Y-l[lowerLidLeft].Y) +
			math.Abs(l[upperLidRight].Y-l[lowerLidRight].Y)
		p.EyeY = eyeOpen / eyeScale
		p.Mouth = math.Abs(l[upperLip].Y-l[lowerLip].Y) / mouthScale
	}

	p.HeadX = m.finish(p.HeadX)
	p.HeadY = m.finish(p.HeadY)
	p.EyeY = m.finish(p.EyeY)
	p.Mouth = m.finish(p.Mouth)
	return p
}

func (m Mapper) finish(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	if m.Clamp {
		v = math.Max(0, math.Min(1, v))
	}
	return math.Round(v*1000) / 1000
}
