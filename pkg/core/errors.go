// SPDX-License-Identifier: MIT
// Copyright 2025 The nlweb-go Authors
//

package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for the pipeline's failure classes. External-call failures
// (one LLM or backend call) are handled at the call site and never carry a
// sentinel: the failing item is dropped and siblings proceed.
var (
	// ErrInvalidInput reports missing or malformed request parameters.
	// Surfaced before the pipeline starts.
	ErrInvalidInput = errors.New("invalid input")

	// ErrAllBackendsFailed reports that every selected retrieval backend
	// failed. Surfaced to the caller as an error message.
	ErrAllBackendsFailed = errors.New("all retrieval backends failed")

	// ErrConnectionLost reports that the caller disconnected mid-stream.
	// Not a failure: emission becomes a no-op and tasks drain.
	ErrConnectionLost = errors.New("connection lost")
)

// ConfigurationError reports missing or inconsistent startup configuration.
// Fatal: the process should not start.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}

// ToolHandlerError reports a tool handler failure. The query handler falls
// back to plain search unless plain search was already running.
type ToolHandlerError struct {
	Tool string
	Err  error
}

func (e *ToolHandlerError) Error() string {
	return fmt.Sprintf("tool handler %s failed: %v", e.Tool, e.Err)
}

func (e *ToolHandlerError) Unwrap() error {
	return e.Err
}

// InvalidInputf wraps ErrInvalidInput with a formatted reason.
func InvalidInputf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
