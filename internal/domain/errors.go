package domain

import (
	"errors"
	"fmt"
)

// FetchErrorKind classifies a failure of the rendering collaborator.
type FetchErrorKind int

const (
	KindFetchError FetchErrorKind = iota
	KindFetchTimeout
)

func (k FetchErrorKind) String() string {
	switch k {
	case KindFetchTimeout:
		return "FetchTimeout"
	default:
		return "FetchError"
	}
}

// FetchError is returned by the browser when a page could not be rendered.
// Transient errors are retried by the orchestrator, others fail the page at once.
type FetchError struct {
	Kind      FetchErrorKind
	URL       string
	Transient bool
	Err       error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.URL)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewTimeout wraps err as a transient FetchTimeout.
func NewTimeout(url string, err error) *FetchError {
	return &FetchError{Kind: KindFetchTimeout, URL: url, Transient: true, Err: err}
}

// NewFetchError wraps err as a transient FetchError.
func NewFetchError(url string, err error) *FetchError {
	return &FetchError{Kind: KindFetchError, URL: url, Transient: true, Err: err}
}

// IsTransient reports whether err carries a FetchError marked transient.
func IsTransient(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Transient
}

// Describe renders err the way the failure log stores it: the error class
// followed by the message for fetch errors, the plain message otherwise.
func Describe(err error) string {
	var fe *FetchError
	if errors.As(err, &fe) {
		if fe.Err != nil {
			return fmt.Sprintf("%s: %v", fe.Kind, fe.Err)
		}
		return fe.Kind.String()
	}
	return err.Error()
}
