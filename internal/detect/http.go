package detect

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"evidenced/internal/framebuf"
)

// responseSchema constrains what a remote detector may answer. Remote
// detectors are untrusted; anything outside the schema is rejected.
const responseSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "event_kind": {"type": ["string", "null"], "maxLength": 64},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  },
  "required": ["event_kind"],
  "additionalProperties": true
}`

const responseSchemaURL = "detector-response.json"

// ErrBadResponse is returned when the detector answers outside the contract.
var ErrBadResponse = errors.New("detect: malformed detector response")

// HTTPConfig configures an HTTPDetector.
type HTTPConfig struct {
	// URL receives a POST of the JPEG frame.
	URL string
	// Timeout bounds each classification request.
	Timeout time.Duration
	// JPEGQuality is used when the frame must be encoded first.
	JPEGQuality int
}

// HTTPDetector forwards frames to a remote classification service.
type HTTPDetector struct {
	url     string
	quality int
	client  *http.Client
	schema  *jsonschema.Schema
}

// NewHTTPDetector creates a detector that calls a remote service.
func NewHTTPDetector(cfg HTTPConfig) (*HTTPDetector, error) {
	if cfg.URL == "" {
		return nil, errors.New("detect: detector URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(responseSchemaURL, strings.NewReader(responseSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := compiler.Compile(responseSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	return &HTTPDetector{
		url:     cfg.URL,
		quality: cfg.JPEGQuality,
		client:  &http.Client{Timeout: timeout},
		schema:  schema,
	}, nil
}

// Classify posts the frame and decodes the verdict.
func (d *HTTPDetector) Classify(ctx context.Context, f framebuf.Frame) (*Trigger, error) {
	body, err := f.JPEG(d.quality)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	req.Header.Set("X-Frame-Seq", fmt.Sprintf("%d", f.Seq))

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classify frame %d: %w", f.Seq, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrBadResponse, resp.StatusCode)
	}

	return d.decode(data, f.Timestamp)
}

func (d *HTTPDetector) decode(data []byte, frameTime time.Time) (*Trigger, error) {
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if err := d.schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	var verdict struct {
		Kind       *string `json:"event_kind"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal(data, &verdict); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if verdict.Kind == nil || *verdict.Kind == "" || *verdict.Kind == "unknown" {
		return nil, nil
	}
	return Normalize(&Trigger{Kind: *verdict.Kind, Confidence: verdict.Confidence}, frameTime), nil
}
