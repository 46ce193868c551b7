package mailer

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthFailed is returned when the relay rejects the sender's credentials
	ErrAuthFailed = errors.New("smtp authentication failed")
	// ErrStartTLSRequired is returned when the relay does not offer STARTTLS
	ErrStartTLSRequired = errors.New("smtp server does not support STARTTLS")
)

// ValidationError reports a batch field that is missing or malformed
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Batch stages
const (
	StageConnect  = "connect"
	StageStartTLS = "starttls"
	StageAuth     = "auth"
)

// BatchError is a failure that aborts the whole batch before any
// recipient is attempted.
type BatchError struct {
	Stage    string
	Endpoint Endpoint
	Err      error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s to %s failed: %v", e.Stage, e.Endpoint, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}
