package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// HTTPConfig configures an HTTP inference adapter.
type HTTPConfig struct {
	// URL of the inference endpoint. The tile image is POSTed as
	// image/png with the confidence threshold in the query string.
	URL string

	// Timeout per inference request. Defaults to 60s.
	Timeout time.Duration

	// ModelPath names the weights file behind the inference server,
	// reported by Info(). Falls back to the URL when empty.
	ModelPath string

	// Classes optionally names the model's class indices for Info().
	Classes []string

	Logger *slog.Logger
}

// HTTP sends tile images to an external inference server and decodes
// its detections. The wire format mirrors the persisted tile record:
// parallel boxes/confidences/class_ids arrays.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTP creates an HTTP inference adapter.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("inference URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &HTTP{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type inferenceResponse struct {
	Boxes       [][4]float64 `json:"boxes"`
	Confidences []float64    `json:"confidences"`
	ClassIDs    []int        `json:"class_ids"`
}

func (h *HTTP) Detect(ctx context.Context, img image.Image, confThreshold float64) ([]Detection, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding tile for inference: %w", err)
	}

	url := h.cfg.URL + "?confidence=" + strconv.FormatFloat(confThreshold, 'f', -1, 64)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("building inference request: %w", err)
	}
	req.Header.Set("Content-Type", "image/png")

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("inference server returned %d: %s", resp.StatusCode, body)
	}

	var ir inferenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return nil, fmt.Errorf("decoding inference response: %w", err)
	}

	dets := make([]Detection, 0, len(ir.Boxes))
	for i, b := range ir.Boxes {
		d := Detection{Box: Box{X1: b[0], Y1: b[1], X2: b[2], Y2: b[3]}}
		if i < len(ir.Confidences) {
			d.Score = ir.Confidences[i]
		}
		if i < len(ir.ClassIDs) {
			d.Class = ir.ClassIDs[i]
		}
		if d.Score < confThreshold {
			continue
		}
		dets = append(dets, d)
	}

	h.log().Debug("inference complete",
		"detections", len(dets),
		"elapsed_ms", time.Since(start).Milliseconds())

	return dets, nil
}

func (h *HTTP) Info() ModelInfo {
	path := h.cfg.ModelPath
	if path == "" {
		path = h.cfg.URL
	}
	return ModelInfo{Path: path, Loaded: true, Classes: h.cfg.Classes}
}

func (h *HTTP) log() *slog.Logger {
	if h.cfg.Logger != nil {
		return h.cfg.Logger
	}
	return slog.Default()
}
