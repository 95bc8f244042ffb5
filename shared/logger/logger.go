// Copyright 2025 RouteGate
// SPDX-License-Identifier: Apache-2.0

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

// Logger provides structured, component-scoped logging. Every routing
// decision, admission verdict, and breaker transition is emitted through
// this logger as one immutable JSON line on stdout.
type Logger struct {
	Component string
	Instance  string
}

// LogEntry is the wire shape of one structured log line.
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Component string                 `json:"component"`
	Instance  string                 `json:"instance"`
	RequestID string                 `json:"request_id,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// New creates a Logger for the specified component.
func New(component string) *Logger {
	instance := os.Getenv("INSTANCE_ID")
	if instance == "" {
		if host, err := os.Hostname(); err == nil {
			instance = host
		} else {
			instance = "unknown"
		}
	}

	return &Logger{
		Component: component,
		Instance:  instance,
	}
}

// Log writes a structured entry to stdout.
func (l *Logger) Log(level LogLevel, requestID, message string, fields map[string]interface{}) {
	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Component: l.Component,
		Instance:  l.Instance,
		RequestID: requestID,
		Message:   message,
		Fields:    fields,
	}

	jsonBytes, err := json.Marshal(entry)
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		log.Printf("ERROR: failed to marshal log entry: %v", err)
		return
	}

	log.Println(string(jsonBytes))
}

// Debug logs a debug message.
func (l *Logger) Debug(requestID, message string, fields map[string]interface{}) {
	l.Log(DEBUG, requestID, message, fields)
}

// Info logs an informational message.
func (l *Logger) Info(requestID, message string, fields map[string]interface{}) {
	l.Log(INFO, requestID, message, fields)
}

// Warn logs a warning message.
func (l *Logger) Warn(requestID, message string, fields map[string]interface{}) {
	l.Log(WARN, requestID, message, fields)
}

// Error logs an error message.
func (l *Logger) Error(requestID, message string, fields map[string]interface{}) {
	l.Log(ERROR, requestID, message, fields)
}

// InfoWithDuration logs an info message with a duration_ms field.
func (l *Logger) InfoWithDuration(requestID, message string, durationMS float64, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["duration_ms"] = durationMS
	l.Info(requestID, message, fields)
}

// ErrorWithErr logs an error message carrying the error string.
func (l *Logger) ErrorWithErr(requestID, message string, err error, fields map[string]interface{}) {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	l.Error(requestID, message, fields)
}
