// Package submit defines the collaborator that delivers a queued payload to the
// backend write endpoint, and the classification of its outcome.
package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ResultError is the failure detail a backend reports for a write.
type ResultError struct {
	// Status is the HTTP-like status code. Zero means none was reported.
	Status  int    `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// Result is the structured response of a submission.
type Result struct {
	Success bool         `json:"success"`
	Error   *ResultError `json:"error,omitempty"`
}

type Submitter interface {
	// Submit delivers payload. A returned error means the submission did not
	// produce a structured Result; it may still carry a status via StatusCode.
	Submit(ctx context.Context, payload json.RawMessage) (Result, error)
}

// SubmitterFunc adapts a function to Submitter.
type SubmitterFunc func(ctx context.Context, payload json.RawMessage) (Result, error)

func (f SubmitterFunc) Submit(ctx context.Context, payload json.RawMessage) (Result, error) {
	return f(ctx, payload)
}

// StatusError is an error that carries a backend status code.
type StatusError struct {
	Status int
	Err    error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("submit: status %d", e.Status)
	}
	return fmt.Sprintf("submit: status %d: %v", e.Status, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

func (e *StatusError) StatusCode() int {
	return e.Status
}

// StatusOf returns the status code carried anywhere in err's chain, or 0.
func StatusOf(err error) int {
	var sc interface{ StatusCode() int }
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 0
}

// Outcome is the classification of a single submission.
type Outcome int

const (
	// Transient failures keep the item and count an attempt.
	Transient Outcome = iota
	// Delivered items are removed.
	Delivered
	// Rejected items are removed without counting an attempt.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case Transient:
		return "transient"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Classify maps a submission result to an outcome. A status in [400,500) is
// permanent; a missing status, 5xx, or anything else is transient.
func Classify(res Result, err error) Outcome {
	if err == nil && res.Success {
		return Delivered
	}

	status := StatusOf(err)
	if status == 0 && res.Error != nil {
		status = res.Error.Status
	}
	if IsClientError(status) {
		return Rejected
	}
	return Transient
}

// Status returns the status code reported by res or err, preferring err.
func Status(res Result, err error) int {
	if s := StatusOf(err); s != 0 {
		return s
	}
	if res.Error != nil {
		return res.Error.Status
	}
	return 0
}

func IsClientError(status int) bool {
	return status >= 400 && status < 500
}
