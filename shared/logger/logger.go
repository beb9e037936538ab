// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package logger

import (
	"encoding/json"
	"log"
	"os"
	"strings"
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

// Logger provides structured logging scoped to a component. Entries are
// single-line JSON on stdout so the container runtime can ship them.
type Logger struct {
	Component  string
	InstanceID string
	Container  string
}

// LogEntry is one structured line. WorkspaceID and ExecutionID carry the
// multi-tenant correlation identifiers.
type LogEntry struct {
	Timestamp   string                 `json:"timestamp"`
	Level       LogLevel               `json:"level"`
	Component   string                 `json:"component"`
	InstanceID  string                 `json:"instance_id"`
	Container   string                 `json:"container"`
	WorkspaceID string                 `json:"workspace_id"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	Message     string                 `json:"message"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
}

// sensitiveKeys lists field-name substrings whose values must never
// reach the log stream.
var sensitiveKeys = []string{"value", "plaintext", "secret", "password", "token", "api_key", "credential"}

// New creates a new Logger for the specified component
func New(component string) *Logger {
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = "unknown"
	}

	container, err := os.Hostname()
	if err != nil {
		container = "unknown"
	}

	return &Logger{
		Component:  component,
		InstanceID: instanceID,
		Container:  container,
	}
}

// Log creates a structured log entry and writes it to stdout
func (l *Logger) Log(level LogLevel, workspaceID, executionID, message string, fields map[string]interface{}) {
	entry := LogEntry{
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
		Level:       level,
		Component:   l.Component,
		InstanceID:  l.InstanceID,
		Container:   l.Container,
		WorkspaceID: workspaceID,
		ExecutionID: executionID,
		Message:     message,
		Fields:      redact(fields),
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		log.Printf("ERROR: Failed to marshal log entry: %v", err)
		return
	}

	log.Println(string(jsonBytes))
}

// Info logs an informational message
func (l *Logger) Info(workspaceID, executionID, message string, fields map[string]interface{}) {
	l.Log(INFO, workspaceID, executionID, message, fields)
}

// Error logs an error message
func (l *Logger) Error(workspaceID, executionID, message string, fields map[string]interface{}) {
	l.Log(ERROR, workspaceID, executionID, message, fields)
}

// Warn logs a warning message
func (l *Logger) Warn(workspaceID, executionID, message string, fields map[string]interface{}) {
	l.Log(WARN, workspaceID, executionID, message, fields)
}

// Debug logs a debug message
func (l *Logger) Debug(workspaceID, executionID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, workspaceID, executionID, message, fields)
}

// InfoWithDuration logs an info message with duration field
func (l *Logger) InfoWithDuration(workspaceID, executionID, message string, durationMS float64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = durationMS
	l.Info(workspaceID, executionID, message, fields)
}

// ErrorWithCode logs an error with status code
func (l *Logger) ErrorWithCode(workspaceID, executionID, message string, statusCode int, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["status_code"] = statusCode
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(workspaceID, executionID, message, fields)
}

// redact replaces values of sensitive-looking field names so secret
// material cannot leak through ad-hoc log fields.
func redact(fields map[string]interface{}) map[string]interface{} {
	if len(fields) == 0 {
		return fields
	}
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if isSensitive(k) {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range sensitiveKeys {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
