package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedChunk marks a stream line that did not parse. Adapters log and
// skip such lines; it never terminates a stream.
var ErrMalformedChunk = errors.New("malformed stream chunk")

// ConfigurationError reports a missing credential, URL or model. It is raised
// before any network call.
type ConfigurationError struct {
	Provider ProviderID
	Field    string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	if e.Provider == "" {
		return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("configuration error provider=%s: %s: %s", e.Provider, e.Field, e.Reason)
}

// NetworkError wraps a transport failure.
type NetworkError struct {
	Provider ProviderID
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s request failed: %v", e.Provider, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProviderError is a non-2xx response whose error body parsed; Message is
// surfaced verbatim.
type ProviderError struct {
	Provider ProviderID
	Status   int
	Type     string
	Message  string
}

func (e *ProviderError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s error status=%d type=%s: %s", e.Provider, e.Status, e.Type, e.Message)
	}
	return fmt.Sprintf("%s error status=%d: %s", e.Provider, e.Status, e.Message)
}

// StatusError is a non-2xx response without a parseable error body.
type StatusError struct {
	Provider ProviderID
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s non-success status=%d body=%s", e.Provider, e.Status, e.Body)
}

// RequireField returns a ConfigurationError when value is blank.
func RequireField(provider ProviderID, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ConfigurationError{Provider: provider, Field: field, Reason: "is required"}
	}
	return nil
}

// IsConfigurationError reports whether err is (or wraps) a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
