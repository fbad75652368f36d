// pkg/core/face.go
package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// Point is a single 2D landmark. On the wire it is a two-element array
// [x, y], which is how the detector and the backend emit landmarks.
type Point struct {
	X float64
	Y float64
}

// MarshalJSON encodes the point as [x, y].
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.X, p.Y})
}

// UnmarshalJSON accepts [x, y] (extra elements ignored) or {"x":..,"y":..}.
func (p *Point) UnmarshalJSON(data []byte) error {
	var arr []float64
	if err := json.Unmarshal(data, &arr); err == nil {
		if len(arr) < 2 {
			return fmt.Errorf("landmark needs 2 coordinates, got %d", len(arr))
		}
		p.X, p.Y = arr[0], arr[1]
		return nil
	}

	var obj struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("invalid landmark: %w", err)
	}
	p.X, p.Y = obj.X, obj.Y
	return nil
}

// DetectionResult is the first face found in one detection cycle.
// It is produced once per cycle and discarded after mapping.
type DetectionResult struct {
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Width     float64   `json:"width"`
	Height    float64   `json:"height"`
	Landmarks []Point   `json:"landmarks,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Position is the avatar position pushed by the backend or set by the user.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Viewport is the size of the rendering surface that head position is
// normalized against. It is not the raw video frame size.
type Viewport struct {
	Width  float64
	Height float64
}
