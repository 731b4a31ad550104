package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Generation defaults always supplied to the model server.
const (
	DefaultMaxLength   = 200
	DefaultTemperature = 1.0
	DefaultNumBeams    = 4

	defaultHealthTimeout = 3 * time.Second
)

// ErrInference marks failures of the external model call so callers can tell
// them apart from persistence failures. Remediation differs: retry the
// question rather than the save.
var ErrInference = errors.New("inference request failed")

// Parameters control answer generation on the model server.
type Parameters struct {
	MaxLength   int     `json:"max_length"`
	Temperature float64 `json:"temperature"`
	NumBeams    int     `json:"num_beams"`
}

// ModelAnswer is one model's answer to a question.
type ModelAnswer struct {
	ModelName string  `json:"model_name"`
	Answer    string  `json:"answer"`
	LatencyMS float64 `json:"latency_ms"`
}

// ModelInfo describes one model hosted by the inference service.
type ModelInfo struct {
	Name        string `json:"name"`
	Loaded      bool   `json:"loaded"`
	Description string `json:"description"`
}

// ModelsResponse lists the models the inference service knows about.
type ModelsResponse struct {
	AvailableModels []ModelInfo `json:"available_models"`
	LoadedCount     int         `json:"loaded_count"`
	TotalCount      int         `json:"total_count"`
}

type predictRequest struct {
	Question   string     `json:"question"`
	Models     []string   `json:"models,omitempty"`
	Parameters Parameters `json:"parameters"`
}

type predictResponse struct {
	Question  string        `json:"question"`
	Answers   []ModelAnswer `json:"answers"`
	Timestamp string        `json:"timestamp"`
}

type healthResponse struct {
	Status        string          `json:"status"`
	ModelsLoaded  map[string]bool `json:"models_loaded"`
	UptimeSeconds float64         `json:"uptime_seconds"`
}

// Client talks to the external inference HTTP service.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	healthTimeout time.Duration
}

// NewClient builds a client for the inference service at baseURL.
// healthTimeout bounds the availability check only; question and model-list
// calls run on the caller's context.
func NewClient(baseURL string, healthTimeout time.Duration) *Client {
	if healthTimeout <= 0 {
		healthTimeout = defaultHealthTimeout
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    &http.Client{},
		healthTimeout: healthTimeout,
	}
}

// AskQuestion submits the question to the model server and returns one answer
// per queried model, in the server's order. An empty model list asks the
// server to use every loaded model. Transport errors, non-2xx statuses, and
// empty answer sets all wrap ErrInference.
func (c *Client) AskQuestion(ctx context.Context, question string, modelNames []string) ([]ModelAnswer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("%w: question is required", ErrInference)
	}

	body, err := json.Marshal(predictRequest{
		Question: question,
		Models:   modelNames,
		Parameters: Parameters{
			MaxLength:   DefaultMaxLength,
			Temperature: DefaultTemperature,
			NumBeams:    DefaultNumBeams,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrInference, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/predict", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrInference, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrInference, resp.StatusCode)
	}

	var parsed predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrInference, err)
	}
	if len(parsed.Answers) == 0 {
		return nil, fmt.Errorf("%w: no answers returned", ErrInference)
	}
	return parsed.Answers, nil
}

// ListModels fetches the model catalog from the inference service.
func (c *Client) ListModels(ctx context.Context) (*ModelsResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrInference, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: unexpected status %d", ErrInference, resp.StatusCode)
	}
	var parsed ModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrInference, err)
	}
	return &parsed, nil
}

// CheckAvailability probes the health endpoint with a bounded timeout. The
// service counts as available when it reports "healthy" or "degraded"; every
// failure path resolves to false, never an error.
func (c *Client) CheckAvailability(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var parsed healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return false
	}
	return parsed.Status == "healthy" || parsed.Status == "degraded"
}
