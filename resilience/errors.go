// Package resilience wraps every external call: it classifies failures
// into a fixed taxonomy, retries the transient ones with backoff, and
// guards each named dependency with a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Category is the machine-readable failure class carried on session.error
// events and used to decide retry eligibility.
type Category string

const (
	CategoryAuth          Category = "auth_failure"
	CategoryInvalidInput  Category = "invalid_input"
	CategoryNotFound      Category = "not_found"
	CategoryContextLength Category = "context_length_exceeded"
	CategoryTimeout       Category = "timeout"
	CategoryTransient     Category = "transient"
	CategoryRateLimited   Category = "rate_limited"
	CategoryUnavailable   Category = "unavailable"
	CategoryInternal      Category = "internal"
)

// Retryable reports whether calls failing with this category may be retried.
func (c Category) Retryable() bool {
	switch c {
	case CategoryTimeout, CategoryTransient, CategoryRateLimited, CategoryUnavailable:
		return true
	}
	return false
}

// Error is a classified external-call failure.
type Error struct {
	Category Category
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(category Category, message string) *Error {
	return &Error{Category: category, Message: message}
}

// Wrap classifies err under category, preserving the cause.
func Wrap(category Category, message string, err error) *Error {
	return &Error{Category: category, Message: message, Err: err}
}

// StatusCoder is implemented by provider errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// Classify maps an arbitrary error onto the taxonomy. Already-classified
// errors pass through unchanged.
func Classify(err error) Category {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CategoryInternal
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return categoryForStatus(sc.StatusCode())
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryTransient
	}
	return CategoryInternal
}

func categoryForStatus(code int) Category {
	switch {
	case code == 401 || code == 403:
		return CategoryAuth
	case code == 404:
		return CategoryNotFound
	case code == 408 || code == 504:
		return CategoryTimeout
	case code == 429:
		return CategoryRateLimited
	case code == 400:
		return CategoryInvalidInput
	case code >= 500:
		return CategoryUnavailable
	default:
		return CategoryInternal
	}
}

// ClassifyWrap returns err as a classified *Error, classifying it first
// when needed.
func ClassifyWrap(err error, message string) *Error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}
	return Wrap(Classify(err), message, err)
}
