package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrEmptyInput is returned for texts that cannot be embedded at all.
// It is permanent: retrying the same input will not succeed.
var ErrEmptyInput = errors.New("embedding: input text is empty")

// ProviderError describes a failure reported by the embedding provider.
// Transient failures (rate limits, timeouts, provider outages) may be
// retried by out-of-band tooling; permanent ones must not be.
type ProviderError struct {
	StatusCode int
	Message    string
	Transient  bool
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("embedding provider error (%s, status %d): %s", kind, e.StatusCode, e.Message)
}

// IsTransient reports whether err is a retryable provider failure.
func IsTransient(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}

// Result is the outcome of embedding a single text within a batch.
// Exactly one of Vector and Err is set.
type Result struct {
	Vector []float32
	Err    error
}

// Client converts text into fixed-dimension vectors.
type Client interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch embeds each text independently: a failing item never
	// fails the batch. The returned slice always has len(texts) entries.
	EmbedBatch(ctx context.Context, texts []string) []Result
	Dimensions() int
}

// HTTPClient talks to an OpenAI-compatible /embeddings endpoint.
type HTTPClient struct {
	apiKey     string
	baseURL    string
	model      string
	dimensions int
	httpClient *http.Client
}

// NewHTTPClient builds a client for the given OpenAI-compatible base URL.
func NewHTTPClient(apiKey, baseURL, model string, dimensions int, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPClient{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		dimensions: dimensions,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Dimensions returns the configured vector length.
func (c *HTTPClient) Dimensions() int { return c.dimensions }

// Embed generates an embedding for a single text.
func (c *HTTPClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyInput
	}
	vecs, err := c.request(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, &ProviderError{Message: fmt.Sprintf("expected 1 vector, got %d", len(vecs)), Transient: false}
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts together where possible. If the combined call
// fails, each text is retried individually so one bad input cannot sink
// its siblings.
func (c *HTTPClient) EmbedBatch(ctx context.Context, texts []string) []Result {
	results := make([]Result, len(texts))
	if len(texts) == 0 {
		return results
	}

	// Reject empty inputs up front; the provider call only carries the rest.
	valid := make([]int, 0, len(texts))
	inputs := make([]string, 0, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			results[i] = Result{Err: ErrEmptyInput}
			continue
		}
		valid = append(valid, i)
		inputs = append(inputs, t)
	}
	if len(inputs) == 0 {
		return results
	}

	vecs, err := c.request(ctx, inputs)
	if err == nil && len(vecs) == len(inputs) {
		for j, i := range valid {
			results[i] = Result{Vector: vecs[j]}
		}
		return results
	}

	// Batch call failed; isolate failures by embedding one at a time.
	for j, i := range valid {
		vec, err := c.Embed(ctx, inputs[j])
		if err != nil {
			results[i] = Result{Err: err}
			continue
		}
		results[i] = Result{Vector: vec}
	}
	return results
}

func (c *HTTPClient) request(ctx context.Context, inputs []string) ([][]float32, error) {
	body := map[string]interface{}{
		"model": c.model,
		"input": inputs,
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/embeddings", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and connection failures are retryable.
		return nil, &ProviderError{Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ProviderError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(msg)),
			Transient:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	vecs := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		idx := d.Index
		if idx < 0 || idx >= len(vecs) {
			idx = i
		}
		vecs[idx] = d.Embedding
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return nil, &ProviderError{Message: fmt.Sprintf("missing vector at index %d", i), Transient: true}
		}
		if c.dimensions > 0 && len(v) != c.dimensions {
			return nil, &ProviderError{
				Message:   fmt.Sprintf("vector dimension mismatch (got %d want %d)", len(v), c.dimensions),
				Transient: false,
			}
		}
	}
	return vecs, nil
}
