package openrouter

import "fmt"

// MalformedResponseError reports a model reply that could not be turned
// into a classification: unparseable JSON, missing fields, or a sentiment
// label outside the allowed set.
type MalformedResponseError struct {
    Reason string
    Err    error
}

func (e *MalformedResponseError) Error() string {
    if e.Err != nil { return fmt.Sprintf("openrouter: malformed response: %s: %v", e.Reason, e.Err) }
    return "openrouter: malformed response: " + e.Reason
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// RetryExhaustedError wraps the last failure after all attempts were used.
type RetryExhaustedError struct {
    Attempts int
    Err      error
}

func (e *RetryExhaustedError) Error() string {
    return fmt.Sprintf("openrouter: %d attempts exhausted: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }
