package detect

import (
	"context"
	"errors"
	"image"
	"sync"
)

// ErrUnavailable is returned when no detector model is configured or
// the configured model cannot be reached.
var ErrUnavailable = errors.New("detector unavailable")

// Box is a pixel-space bounding box on a tile image, with the origin at
// the image's top-left corner. X1 < X2 and Y1 < Y2 for a valid box.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Detection is a single detector hit on one tile image.
type Detection struct {
	Box   Box
	Score float64
	Class int
}

// ModelInfo describes the configured model for diagnostics.
type ModelInfo struct {
	Path    string   `json:"model_path"`
	Loaded  bool     `json:"model_loaded"`
	Classes []string `json:"classes,omitempty"`
}

// Detector runs an object-detection model on one tile image and returns
// hits scoring at or above the confidence threshold. Implementations
// need not be safe for concurrent use; callers serialize invocations
// through Locked unless the implementation documents otherwise.
type Detector interface {
	Detect(ctx context.Context, img image.Image, confThreshold float64) ([]Detection, error)
	Info() ModelInfo
}

// Locked wraps a Detector with the process-wide mutex the adapter
// contract requires: at most one Detect call runs at any time, while
// fetches and file writes proceed in parallel around it. Locked also
// clamps returned boxes to the image rectangle and drops boxes that
// become empty after clamping.
type Locked struct {
	inner Detector
	mu    sync.Mutex
}

// NewLocked wraps a detector with the global serialization lock.
func NewLocked(d Detector) *Locked {
	return &Locked{inner: d}
}

func (l *Locked) Detect(ctx context.Context, img image.Image, confThreshold float64) ([]Detection, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	dets, err := l.inner.Detect(ctx, img, confThreshold)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	w := float64(bounds.Dx())
	h := float64(bounds.Dy())

	out := dets[:0]
	for _, d := range dets {
		d.Box = clampBox(d.Box, w, h)
		if d.Box.X1 >= d.Box.X2 || d.Box.Y1 >= d.Box.Y2 {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (l *Locked) Info() ModelInfo {
	return l.inner.Info()
}

func clampBox(b Box, w, h float64) Box {
	b.X1 = clamp(b.X1, 0, w)
	b.X2 = clamp(b.X2, 0, w)
	b.Y1 = clamp(b.Y1, 0, h)
	b.Y2 = clamp(b.Y2, 0, h)
	return b
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
