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

package costdata

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

// DefaultTimeout is the default HTTP timeout for one fetch
const DefaultTimeout = 30 * time.Second

// HTTPConfig configures the live provider
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPProvider fetches records from the cost data service over HTTP
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvider creates a live provider
func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("cost data base URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// Name returns the provider name
func (p *HTTPProvider) Name() string { return "http" }

// Fetch queries the upstream service
func (p *HTTPProvider) Fetch(ctx context.Context, q Query) (*ResultSet, error) {
	body, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/costs/query", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cost data service error: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("cost data service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var result ResultSet
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode cost data response: %w", err)
	}
	if result.FetchedAt.IsZero() {
		result.FetchedAt = time.Now().UTC()
	}
	return &result, nil
}
