// Copyright 2025 CostPilot
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultTimeout is the default HTTP timeout for a completion
	DefaultTimeout = 120 * time.Second

	// DefaultMaxTokens is the default generation cap
	DefaultMaxTokens = 4096

	// DefaultTemperature is used when the request leaves it negative
	DefaultTemperature = 0.2
)

// HTTPClient is an interface for HTTP client operations (enables testing)
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config contains configuration for the HTTP backend
type Config struct {
	APIKey  string        // Required: backend API key
	BaseURL string        // Required: backend endpoint
	Model   string        // Optional: default model
	Timeout time.Duration // Optional: HTTP timeout (default: 120s)
}

// HTTPBackend is a Backend over a JSON completion API
type HTTPBackend struct {
	apiKey  string
	baseURL string
	model   string
	client  HTTPClient
	healthy bool
	mu      sync.RWMutex
}

// NewHTTPBackend creates a backend client
func NewHTTPBackend(cfg Config) (*HTTPBackend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("inference API key is required")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("inference base URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &HTTPBackend{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
		healthy: true,
	}, nil
}

// Name returns the backend name
func (b *HTTPBackend) Name() string {
	return "http"
}

// IsHealthy reports whether the last call reached the backend
func (b *HTTPBackend) IsHealthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.healthy
}

func (b *HTTPBackend) setHealthy(healthy bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.healthy = healthy
}

type apiRequest struct {
	Model       string       `json:"model"`
	MaxTokens   int          `json:"max_tokens"`
	Temperature *float64     `json:"temperature,omitempty"`
	System      string       `json:"system,omitempty"`
	Messages    []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type apiResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete generates one completion
func (b *HTTPBackend) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = b.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	// Temperature 0.0 is valid (deterministic); negative means unset
	temperature := req.Temperature
	if temperature < 0 {
		temperature = DefaultTemperature
	}

	body := apiRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: &temperature,
		System:      req.SystemPrompt,
		Messages:    []apiMessage{{Role: "user", Content: req.Prompt}},
	}
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/completions", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		b.setHealthy(false)
		return nil, fmt.Errorf("inference backend error: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 500 {
			b.setHealthy(false)
		}
		return nil, parseAPIError(resp.StatusCode, raw)
	}
	b.setHealthy(true)

	var decoded apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	var content strings.Builder
	for _, block := range decoded.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &CompletionResponse{
		Content:    content.String(),
		Model:      decoded.Model,
		StopReason: decoded.StopReason,
		Usage: UsageStats{
			InputTokens:  decoded.Usage.InputTokens,
			OutputTokens: decoded.Usage.OutputTokens,
			TotalTokens:  decoded.Usage.InputTokens + decoded.Usage.OutputTokens,
		},
		Latency: time.Since(start),
	}, nil
}

func parseAPIError(status int, body []byte) error {
	var parsed apiError
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return fmt.Errorf("inference backend returned %d (%s): %s", status, parsed.Error.Type, parsed.Error.Message)
	}
	return fmt.Errorf("inference backend returned %d: %s", status, strings.TrimSpace(string(body)))
}
