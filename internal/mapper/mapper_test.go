package mapper

import (
	"testing"

	"github.com/live2d-driver/facedriver/pkg/core"
	"github.com/stretchr/testify/assert"
)

var viewport = core.Viewport{Width: 640, Height: 480}

func landmarks(ys ...float64) []core.Point {
	pts := make([]core.Point, len(ys))
	for i, y := range ys {
		pts[i] = core.Point{Y: y}
	}
	return pts
}

func TestMap_Nil(t *testing.T) {
	assert.Equal(t, core.ControlParameters{}, Map(nil, viewport))
}

func TestMap_EyeAndMouth(t *testing.T) {
	r := &core.DetectionResult{Landmarks: landmarks(0, 10, 0, 5, 0, 0, 15)}

	p := Map(r, viewport)

	assert.Equal(t, 0.5, p.EyeY)
	assert.Equal(t, 1.0, p.Mouth)
	assert.Zero(t, p.EyeX)
	assert.Zero(t, p.EyebrowLeft)
	assert.Zero(t, p.EyebrowRight)
}

func TestMap_HeadPosition(t *testing.T) {
	r := &core.DetectionResult{X: 320, Y: 120}

	p := Map(r, viewport)

	assert.Equal(t, 0.5, p.HeadX)
	assert.Equal(t, 0.25, p.HeadY)
}

func TestMap_ZeroViewport(t *testing.T) {
	p := Map(&core.DetectionResult{X: 320, Y: 120}, core.Viewport{})

	assert.Zero(t, p.HeadX)
	assert.Zero(t, p.HeadY)
}

func TestMap_TooFewLandmarks(t *testing.T) {
	r := &core.DetectionResult{X: 64, Y: 48, Landmarks: landmarks(0, 10, 0, 5, 0, 0)}

	p := Map(r, viewport)

	assert.Zero(t, p.EyeY)
	assert.Zero(t, p.Mouth)
	assert.Equal(t, 0.1, p.HeadX)
	assert.Equal(t, 0.1, p.HeadY)
}

func TestMap_UnclampedByDefault(t *testing.T) {
	r := &core.DetectionResult{X: 1280, Landmarks: landmarks(0, 40, 0, 0, 0, 0, 30)}

	p := Map(r, viewport)

	assert.Equal(t, 2.0, p.HeadX)
	assert.Equal(t, 2.0, p.EyeY)
	assert.Equal(t, 3.0, p.Mouth)
}

func TestMapper_Clamp(t *testing.T) {
	r := &core.DetectionResult{X: 1280, Y: -10, Landmarks: landmarks(0, 40, 0, 0, 0, 0, 30)}

	p := Mapper{Clamp: true}.Map(r, viewport)

	assert.Equal(t, 1.0, p.HeadX)
	assert.Equal(t, 0.0, p.HeadY)
	assert.Equal(t, 1.0, p.EyeY)
	assert.Equal(t, 1.0, p.Mouth)
}

func TestMap_RoundsToThreeDecimals(t *testing.T) {
	p := Map(&core.DetectionResult{X: 100}, core.Viewport{Width: 3, Height: 1})

	assert.Equal(t, 33.333, p.HeadX)
}
