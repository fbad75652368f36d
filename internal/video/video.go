// Package video provides the frame sources the detection loop reads from.
package video

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

var (
	ErrNotOpen  = errors.New("video source not open")
	ErrNoFrames = errors.New("no frames in source")
)

// Frame is the most recent picture grabbed from a source.
type Frame struct {
	Image    image.Image
	Index    int
	Path     string
	Captured time.Time
}

// Source is a live or recorded video feed.
type Source interface {
	Name() string
	Open(ctx context.Context) error
	Frame() (Frame, error)
	Close() error
}

var frameExts = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
	".webp": true,
}

// ImageSequence plays a directory of still images in name order, looping
// at the end. Frames wider than Width are downscaled.
type ImageSequence struct {
	Dir   string
	Width int

	mu     sync.Mutex
	paths  []string
	next   int
	opened bool
}

func NewImageSequence(dir string, width int) *ImageSequence {
	return &ImageSequence{Dir: dir, Width: width}
}

func (s *ImageSequence) Name() string {
	return "frames:" + s.Dir
}

// Open lists the frames. Opening an open sequence rewinds it.
func (s *ImageSequence) Open(ctx context.Context) error {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return fmt.Errorf("open frame dir: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if e.IsDir() || !frameExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(s.Dir, e.Name()))
	}
	if len(paths) == 0 {
		return fmt.Errorf("%w: %s", ErrNoFrames, s.Dir)
	}
	sort.Strings(paths)

	s.mu.Lock()
	s.paths = paths
	s.next = 0
	s.opened = true
	s.mu.Unlock()
	return nil
}

// Frame decodes the next image.
func (s *ImageSequence) Frame() (Frame, error) {
	s.mu.Lock()
	if !s.opened {
		s.mu.Unlock()
		return Frame{}, ErrNotOpen
	}
	idx := s.next
	path := s.paths[idx]
	s.next = (s.next + 1) % len(s.paths)
	s.mu.Unlock()

	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return Frame{}, fmt.Errorf("decode frame %s: %w", filepath.Base(path), err)
	}
	if s.Width > 0 && img.Bounds().Dx() > s.Width {
		img = imaging.Resize(img, s.Width, 0, imaging.Lanczos)
	}

	return Frame{Image: img, Index: idx, Path: path, Captured: time.Now()}, nil
}

// Len reports the number of frames found by Open.
func (s *ImageSequence) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.paths)
}

func (s *ImageSequence) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = false
	s.paths = nil
	return nil
}

// Placeholder stands in for a capture device owned by the backend process:
// it can be opened and closed but yields no frames locally.
type Placeholder struct {
	Device string

	mu     sync.Mutex
	opened bool
}

func (p *Placeholder) Name() string { return p.Device }

func (p *Placeholder) Open(context.Context) error {
	p.mu.Lock()
	p.opened = true
	p.mu.Unlock()
	return nil
}

func (p *Placeholder) Frame() (Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opened {
		return Frame{}, ErrNotOpen
	}
	return Frame{}, ErrNoFrames
}

func (p *Placeholder) Close() error {
	p.mu.Lock()
	p.opened = false
	p.mu.Unlock()
	return nil
}
