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

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"costpilot/core/shared/logger"
)

// Server is the HTTP transport for the orchestration core
type Server struct {
	service *Service
	http    *http.Server
	logger  *logger.Logger
}

// NewServer builds the HTTP surface on top of the service
func NewServer(service *Service, addr string) *Server {
	s := &Server{
		service: service,
		logger:  logger.New("http"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/analyze", s.handleAnalyze).Methods("POST")
	r.HandleFunc("/observability/snapshot", s.handleSnapshot).Methods("GET")
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	s.http = &http.Server{
		Addr:         addr,
		Handler:      c.Handler(r),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests until Shutdown
func (s *Server) ListenAndServe() error {
	s.logger.Info("", "http server listening", map[string]interface{}{"addr": s.http.Addr})
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type analyzeRequest struct {
	Query       string                 `json:"query"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Preferences map[string]interface{} `json:"preferences,omitempty"`
}

type errorResponse struct {
	Error      string      `json:"error"`
	Kind       ErrorKind   `json:"kind"`
	Violations interface{} `json:"violations,omitempty"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body", Kind: KindRejectedInput})
		return
	}
	if req.Query == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "query is required", Kind: KindRejectedInput})
		return
	}

	result, err := s.service.Analyze(r.Context(), req.Query, req.Context, req.Preferences)
	if err != nil {
		var coreErr *CoreError
		if errors.As(err, &coreErr) && coreErr.Kind == KindRejectedInput {
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{
				Error:      coreErr.Message,
				Kind:       coreErr.Kind,
				Violations: coreErr.Violations,
			})
			return
		}
		s.logger.ErrorWithErr("", "analyze failed", err, nil)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "analysis failed", Kind: KindInternal})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.ObservabilitySnapshot())
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
