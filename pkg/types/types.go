// Package types defines the shared types used across parley packages.
//
// These types form the lingua franca between the HTTP-backed providers and
// the controllers that report their failures. Each package defines its own
// domain types; cross-cutting data structures live here to avoid circular
// imports.
package types

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrNetwork marks a request that failed before any response arrived.
var ErrNetwork = errors.New("network error or request aborted")

// maxErrorBody caps how much of a failed response is read for its detail.
const maxErrorBody = 64 << 10

// StatusError is a non-success HTTP response, or a success response without
// a body. Detail holds the server's explanation when one was provided.
type StatusError struct {
	Status int
	Detail string
}

// Error formats the error as "HTTP <status>: <detail>".
func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Detail)
}

// NewStatusError reads at most 64 KiB of resp.Body and builds a StatusError
// from it. The body is not closed.
func NewStatusError(resp *http.Response) *StatusError {
	var body []byte
	if resp.Body != nil {
		body, _ = io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	}
	return &StatusError{Status: resp.StatusCode, Detail: Detail(body)}
}

// Detail extracts a human-readable message from an error body. A JSON
// object's "detail" field wins; if it is not a string it is rendered as
// JSON. Other JSON is returned verbatim, anything else as trimmed text.
// An empty body yields "unknown".
func Detail(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return "unknown"
	}
	var obj struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(body, &obj); err == nil {
		if len(obj.Detail) > 0 && string(obj.Detail) != "null" {
			var s string
			if json.Unmarshal(obj.Detail, &s) == nil {
				if s != "" {
					return s
				}
			} else {
				return string(obj.Detail)
			}
		}
		return string(body)
	}
	return string(body)
}

// Guard wraps a single request attempt, typically with a circuit breaker.
// fn returns nil for cancelled requests so they are not counted as failures.
type Guard interface {
	Execute(fn func() error) error
}

// Passthrough is a Guard that runs fn unconditionally.
type Passthrough struct{}

// Execute implements Guard.
func (Passthrough) Execute(fn func() error) error { return fn() }
