package faceclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"rollcall/internal/metrics"
)

// Template is one registered biometric reference sent to the oracle.
type Template struct {
	ParticipantID string    `json:"participant_id"`
	Embedding     []float64 `json:"embedding"`
}

// VerifyResult is a 1:1 verification verdict.
type VerifyResult struct {
	Verified   bool    `json:"verified"`
	Similarity float64 `json:"similarity"`
	Reason     string  `json:"reason,omitempty"`
}

// Match is one recognized participant in a group image.
type Match struct {
	ParticipantID string  `json:"participant_id"`
	Similarity    float64 `json:"similarity"`
}

// BatchResult is the outcome of matching a group image against a
// template set.
type BatchResult struct {
	Matches       []Match `json:"matches"`
	DetectedFaces int     `json:"detected_faces"`
}

// Client calls the face verification microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. When skip is true every call returns a
// positive mock result, for local development without the ML service.
func New(baseURL string, skip bool, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second // face processing can take time
	}
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// Verify compares a captured image against a registered embedding.
func (c *Client) Verify(ctx context.Context, image string, embedding []float64) (*VerifyResult, error) {
	if c.Skip {
		return &VerifyResult{Verified: true, Similarity: 0.92}, nil
	}
	if image == "" {
		return nil, fmt.Errorf("image required")
	}

	start := time.Now()
	defer func() { metrics.VerifyDuration.Observe(time.Since(start).Seconds()) }()

	var out VerifyResult
	if err := c.post(ctx, "/verify", map[string]any{
		"image":     image,
		"embedding": embedding,
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// BatchMatch sends a group image plus the full template set and
// returns the recognized participants and the detected face count.
func (c *Client) BatchMatch(ctx context.Context, image string, templates []Template) (*BatchResult, error) {
	if c.Skip {
		matches := make([]Match, len(templates))
		for i, t := range templates {
			matches[i] = Match{ParticipantID: t.ParticipantID, Similarity: 0.9}
		}
		return &BatchResult{Matches: matches, DetectedFaces: len(templates)}, nil
	}
	if image == "" {
		return nil, fmt.Errorf("image required")
	}

	start := time.Now()
	defer func() { metrics.VerifyDuration.Observe(time.Since(start).Seconds()) }()

	var out BatchResult
	if err := c.post(ctx, "/recognize_batch", map[string]any{
		"image":     image,
		"templates": templates,
	}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Register extracts an embedding from a registration image.
func (c *Client) Register(ctx context.Context, image string) ([]float64, error) {
	if c.Skip {
		return []float64{0.1, 0.2, 0.3}, nil
	}
	if image == "" {
		return nil, fmt.Errorf("image required")
	}

	var out struct {
		Embedding []float64 `json:"embedding"`
	}
	if err := c.post(ctx, "/register", map[string]any{"image": image}, &out); err != nil {
		return nil, err
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("no face detected in image")
	}
	return out.Embedding, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
