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

package safety

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"costpilot/core/shared/logger"
)

// AuditSink receives Medium and above violations for the compliance
// trail. Append must never block the sanitization path.
type AuditSink interface {
	Append(v Violation)
}

// auditRecord is what actually gets persisted
type auditRecord struct {
	Kind        string    `json:"kind"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	Action      string    `json:"action"`
	RecordedAt  time.Time `json:"recorded_at"`
	retries     int
}

// DBAuditSink persists violations to Postgres through a bounded queue
// of background workers. A full queue or unreachable database degrades
// to an append-only JSONL file so no violation is silently lost.
type DBAuditSink struct {
	queue        chan auditRecord
	wg           sync.WaitGroup
	db           *sql.DB
	fallbackFile *os.File
	mu           sync.Mutex
	logger       *logger.Logger

	persisted atomic.Uint64
	fallbacks atomic.Uint64
}

// NewDBAuditSink creates the sink and starts its workers. db may be
// nil, in which case everything goes to the fallback file.
func NewDBAuditSink(db *sql.DB, queueSize, workers int, fallbackPath string) (*DBAuditSink, error) {
	fallbackFile, err := os.OpenFile(fallbackPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit fallback file: %w", err)
	}

	s := &DBAuditSink{
		queue:        make(chan auditRecord, queueSize),
		db:           db,
		fallbackFile: fallbackFile,
		logger:       logger.New("audit-sink"),
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s, nil
}

// Append enqueues a violation. When the queue is full the record goes
// straight to the fallback file; the caller never waits.
func (s *DBAuditSink) Append(v Violation) {
	rec := auditRecord{
		Kind:        string(v.Kind),
		Severity:    string(v.Severity),
		Description: v.Description,
		Action:      v.SuggestedAction,
		RecordedAt:  time.Now().UTC(),
	}
	select {
	case s.queue <- rec:
	default:
		s.mu.Lock()
		s.writeFallback(rec)
		s.mu.Unlock()
	}
}

// Close drains the queue and closes the fallback file
func (s *DBAuditSink) Close() error {
	close(s.queue)
	s.wg.Wait()
	return s.fallbackFile.Close()
}

// Persisted reports how many records reached the database
func (s *DBAuditSink) Persisted() uint64 { return s.persisted.Load() }

func (s *DBAuditSink) worker() {
	defer s.wg.Done()

	for rec := range s.queue {
		if s.db == nil {
			s.mu.Lock()
			s.writeFallback(rec)
			s.mu.Unlock()
			continue
		}

		var err error
		for retry := 0; retry < 3; retry++ {
			if err = s.insert(rec); err == nil {
				s.persisted.Add(1)
				break
			}
			time.Sleep(time.Millisecond * time.Duration(100*(retry+1)))
			rec.retries++
		}
		if err != nil {
			s.mu.Lock()
			s.writeFallback(rec)
			s.mu.Unlock()
		}
	}
}

func (s *DBAuditSink) insert(rec auditRecord) error {
	if s.db == nil {
		return fmt.Errorf("audit database not configured")
	}
	_, err := s.db.Exec(`
		INSERT INTO safety_violations (kind, severity, description, suggested_action, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.Kind, rec.Severity, rec.Description, rec.Action, rec.RecordedAt)
	return err
}

// writeFallback appends one JSONL line; caller holds s.mu
func (s *DBAuditSink) writeFallback(rec auditRecord) {
	s.fallbacks.Add(1)
	line, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if _, err := s.fallbackFile.Write(append(line, '\n')); err != nil {
		s.logger.Error("", "audit fallback write failed", map[string]interface{}{"error": err.Error()})
	}
}
