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

package logger

import (
	"encoding/json"
	"log"
	"os"
	"time"
)

// LogLevel represents the severity of a log entry
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

var levelRank = map[LogLevel]int{DEBUG: 0, INFO: 1, WARN: 2, ERROR: 3}

// Logger provides structured JSON logging for a single component
type Logger struct {
	Component string
	Host      string
	minLevel  LogLevel
}

// LogEntry is a single structured log line written to stdout
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Component string                 `json:"component"`
	Host      string                 `json:"host"`
	RequestID string                 `json:"request_id,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// New creates a new Logger for the specified component.
// The minimum level is read from LOG_LEVEL (default INFO).
func New(component string) *Logger {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}

	minLevel := LogLevel(os.Getenv("LOG_LEVEL"))
	if _, ok := levelRank[minLevel]; !ok {
		minLevel = INFO
	}

	return &Logger{
		Component: component,
		Host:      host,
		minLevel:  minLevel,
	}
}

// Log creates a structured log entry and writes it to stdout
func (l *Logger) Log(level LogLevel, requestID, message string, fields map[string]interface{}) {
	if levelRank[level] < levelRank[l.minLevel] {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Component: l.Component,
		Host:      l.Host,
		RequestID: requestID,
		Message:   message,
		Fields:    fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}

	log.Println(string(jsonBytes))
}

// Debug logs a debug message
func (l *Logger) Debug(requestID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, requestID, message, fields)
}

// Info logs an informational message
func (l *Logger) Info(requestID, message string, fields map[string]interface{}) {
	l.Log(INFO, requestID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(requestID, message string, fields map[string]interface{}) {
	l.Log(WARN, requestID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(requestID, message string, fields map[string]interface{}) {
	l.Log(ERROR, requestID, message, fields)
}

// InfoWithDuration logs an info message with a duration_ms field
func (l *Logger) InfoWithDuration(requestID, message string, durationMS float64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = durationMS
	l.Info(requestID, message, fields)
}

// ErrorWithErr logs an error message carrying the error string as a field
func (l *Logger) ErrorWithErr(requestID, message string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(requestID, message, fields)
}
