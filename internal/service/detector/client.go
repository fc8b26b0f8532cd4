// Package detector calls the reference detection backend for final transcripts.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"live-transcript-relay/internal/models"
)

// Detector returns the annotations found in a finalized utterance.
type Detector interface {
	Detect(ctx context.Context, req Request) ([]models.Annotation, error)
}

// Request describes one finalized utterance.
type Request struct {
	Text             string `json:"text"`
	SegmentID        string `json:"segmentId"`
	PreferredVersion string `json:"preferredVersion"`
}

// Error is returned for every detection failure.
type Error struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("detector %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("detector %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Config struct {
	BaseURL       string
	Timeout       time.Duration
	MinConfidence float64
}

// Client is an HTTP Detector. Safe for concurrent use.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	minConfidence float64
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}

	return &Client{
		httpClient:    &http.Client{Timeout: timeout},
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		minConfidence: cfg.MinConfidence,
	}
}

type detection struct {
	Label         string  `json:"label"`
	MatchedText   string  `json:"matchedText"`
	SourceVersion string  `json:"sourceVersion"`
	Confidence    float64 `json:"confidence"`
}

// Detect posts the utterance to {baseURL}/detect. Detections below the
// minimum confidence are dropped; an out of range confidence fails the call.
func (c *Client) Detect(ctx context.Context, req Request) ([]models.Annotation, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Op: "marshal", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Op: "request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Op: "call", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, &Error{Op: "call", StatusCode: resp.StatusCode}
	}

	var detections []detection
	if err := json.NewDecoder(resp.Body).Decode(&detections); err != nil {
		return nil, &Error{Op: "decode", Err: err}
	}

	out := make([]models.Annotation, 0, len(detections))
	for _, d := range detections {
		if d.Confidence < 0 || d.Confidence > 1 {
			return nil, &Error{Op: "decode", Err: fmt.Errorf("confidence %v out of range for %q", d.Confidence, d.Label)}
		}
		if d.Label == "" || d.Confidence < c.minConfidence {
			continue
		}
		version := d.SourceVersion
		if version == "" {
			version = req.PreferredVersion
		}
		out = append(out, models.Annotation{
			SegmentID:     req.SegmentID,
			Label:         d.Label,
			MatchedText:   d.MatchedText,
			SourceVersion: version,
			Confidence:    d.Confidence,
		})
	}
	return out, nil
}

// Noop never detects anything. Used when no backend is configured.
type Noop struct{}

func (Noop) Detect(context.Context, Request) ([]models.Annotation, error) {
	return nil, nil
}
