package fetch

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/MeKo-Tech/rooftop/internal/tile"
)

// HTTPConfig configures an XYZ tile server source.
type HTTPConfig struct {
	// URLTemplate with {z}, {x}, {y} placeholders, e.g.
	// "https://tile.openstreetmap.org/{z}/{x}/{y}.png".
	URLTemplate string

	// UserAgent sent with every request. Public tile servers reject
	// anonymous clients, so this is always set.
	UserAgent string

	// Retries bounds retry attempts for transient failures
	// (connect errors, timeouts, 429, 5xx). Defaults to 3.
	Retries int

	// Timeout per request attempt. Defaults to 30s.
	Timeout time.Duration

	// RetryWaitMin/RetryWaitMax bound the backoff between attempts.
	// Defaults: 1s and 30s.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration

	Logger *slog.Logger
}

// HTTPSource downloads tiles from an XYZ tile server. Transient
// failures are retried with exponential backoff; client errors other
// than 429 fail immediately.
type HTTPSource struct {
	cfg    HTTPConfig
	client *retryablehttp.Client
}

// NewHTTPSource creates a tile server source.
func NewHTTPSource(cfg HTTPConfig) (*HTTPSource, error) {
	if cfg.URLTemplate == "" {
		return nil, fmt.Errorf("tile URL template is required")
	}
	if !strings.Contains(cfg.URLTemplate, "{z}") ||
		!strings.Contains(cfg.URLTemplate, "{x}") ||
		!strings.Contains(cfg.URLTemplate, "{y}") {
		return nil, fmt.Errorf("tile URL template %q must contain {z}, {x} and {y}", cfg.URLTemplate)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Rooftop/1.0 (building detection)"
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = 1 * time.Second
	}
	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = 30 * time.Second
	}

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.Retries
	client.RetryWaitMin = cfg.RetryWaitMin
	client.RetryWaitMax = cfg.RetryWaitMax
	client.HTTPClient.Timeout = cfg.Timeout
	client.Logger = nil

	return &HTTPSource{cfg: cfg, client: client}, nil
}

// Fetch downloads and decodes one tile.
func (s *HTTPSource) Fetch(ctx context.Context, c tile.Coords) (image.Image, error) {
	data, err := s.FetchBytes(ctx, c)
	if err != nil {
		return nil, err
	}
	return decodeTile(data)
}

// FetchBytes downloads the raw PNG payload for one tile.
func (s *HTTPSource) FetchBytes(ctx context.Context, c tile.Coords) ([]byte, error) {
	url := s.tileURL(c)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building tile request: %w", err)
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching tile %s: %w", c, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil, fmt.Errorf("tile server returned %d for %s", resp.StatusCode, url)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading tile %s: %w", c, err)
	}

	s.log().Debug("tile downloaded",
		"coords", c.String(),
		"bytes", len(data),
		"elapsed_ms", time.Since(start).Milliseconds())

	return data, nil
}

func (s *HTTPSource) tileURL(c tile.Coords) string {
	url := s.cfg.URLTemplate
	url = strings.ReplaceAll(url, "{z}", strconv.FormatUint(uint64(c.Z), 10))
	url = strings.ReplaceAll(url, "{x}", strconv.FormatUint(uint64(c.X), 10))
	url = strings.ReplaceAll(url, "{y}", strconv.FormatUint(uint64(c.Y), 10))
	return url
}

func (s *HTTPSource) log() *slog.Logger {
	if s.cfg.Logger != nil {
		return s.cfg.Logger
	}
	return slog.Default()
}
