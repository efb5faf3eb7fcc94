package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Generator sends one prompt to a model and returns its raw text.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
	Ping(ctx context.Context) error
}

// GenerateRequest is a single non-streaming completion request.
type GenerateRequest struct {
	Prompt  string
	Options Profile
}

// StatusError is a non-200 response from the inference endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ollama error (status %d): %s", e.StatusCode, e.Body)
}

// Ollama talks to an Ollama-compatible /api/generate endpoint.
type Ollama struct {
	client  *http.Client
	baseURL string
	model   string
}

// generateRequest is the Ollama /api/generate request format.
type generateRequest struct {
	Model   string  `json:"model"`
	Prompt  string  `json:"prompt"`
	Stream  bool    `json:"stream"`
	Format  string  `json:"format,omitempty"`
	Options Profile `json:"options"`
}

// generateResponse is the Ollama /api/generate response format.
type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// NewOllama returns a transport for the model at baseURL. timeout bounds
// each HTTP exchange; callers normally set a tighter per-attempt context
// deadline as well.
func NewOllama(baseURL, model string, timeout time.Duration) *Ollama {
	return &Ollama{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
	}
}

// Generate produces a completion for req.
func (o *Ollama) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	jsonBody, err := json.Marshal(generateRequest{
		Model:   o.model,
		Prompt:  req.Prompt,
		Stream:  false,
		Format:  "json",
		Options: req.Options,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/generate", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var genResp generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", &InvalidResponseError{Err: fmt.Errorf("decode response: %w", err)}
	}
	return genResp.Response, nil
}

// Ping checks the endpoint with GET /api/tags, which runs no inference.
func (o *Ollama) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"/api/tags", http.NoBody)
	if err != nil {
		return fmt.Errorf("ollama: failed to create ping request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("ollama: ping failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return nil
}

// Model returns the configured model name.
func (o *Ollama) Model() string {
	return o.model
}
