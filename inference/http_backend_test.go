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
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPBackend_Validation(t *testing.T) {
	_, err := NewHTTPBackend(Config{BaseURL: "http://backend"})
	assert.ErrorContains(t, err, "API key")

	_, err = NewHTTPBackend(Config{APIKey: "key"})
	assert.ErrorContains(t, err, "base URL")
}

func TestHTTPBackend_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req apiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "cost-analyst-v2", req.Model)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"content":     []map[string]string{{"type": "text", "text": "spend rose 12%"}},
			"model":       "cost-analyst-v2",
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 42, "output_tokens": 7},
		})
	}))
	defer server.Close()

	backend, err := NewHTTPBackend(Config{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Model:   "cost-analyst-v2",
	})
	require.NoError(t, err)

	resp, err := backend.Complete(context.Background(), CompletionRequest{
		Prompt:      "why did spend rise",
		Temperature: -1,
	})
	require.NoError(t, err)

	assert.Equal(t, "spend rose 12%", resp.Content)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, 49, resp.Usage.TotalTokens)
	assert.True(t, backend.IsHealthy())
}

func TestHTTPBackend_ServerErrorMarksUnhealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]string{"type": "overloaded", "message": "backend saturated"},
		})
	}))
	defer server.Close()

	backend, err := NewHTTPBackend(Config{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = backend.Complete(context.Background(), CompletionRequest{Prompt: "q"})
	assert.ErrorContains(t, err, "overloaded")
	assert.False(t, backend.IsHealthy())
}

func TestHTTPBackend_ClientErrorKeepsHealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad prompt", http.StatusBadRequest)
	}))
	defer server.Close()

	backend, err := NewHTTPBackend(Config{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	_, err = backend.Complete(context.Background(), CompletionRequest{Prompt: "q"})
	assert.ErrorContains(t, err, "400")
	assert.True(t, backend.IsHealthy(), "4xx is the caller's fault, not an outage")
}

func TestHTTPBackend_HonorsContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server starts its background read and
		// cancels r.Context() when the client disconnects; otherwise
		// server.Close() deadlocks waiting on this handler.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer server.Close()

	backend, err := NewHTTPBackend(Config{APIKey: "k", BaseURL: server.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = backend.Complete(ctx, CompletionRequest{Prompt: "q"})
	assert.Error(t, err)
}
