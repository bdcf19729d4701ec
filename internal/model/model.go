package model

import (
	"context"
	"fmt"

	ctxpkg "github.com/stupiduntilnot/sidechat/internal/context"
)

// ProviderID selects one of the supported completion backends.
type ProviderID string

const (
	ProviderOpenAI    ProviderID = "openai"
	ProviderAnthropic ProviderID = "anthropic"
	ProviderLocal     ProviderID = "local"
)

// ParseProviderID validates a provider identifier.
func ParseProviderID(s string) (ProviderID, error) {
	switch p := ProviderID(s); p {
	case ProviderOpenAI, ProviderAnthropic, ProviderLocal:
		return p, nil
	default:
		return "", fmt.Errorf("unknown provider %q", s)
	}
}

// Request is one completion call. Endpoint is only meaningful for the local
// provider, where it is the user-configured chat URL.
type Request struct {
	Provider   ProviderID
	Model      string
	Credential string
	Endpoint   string
	Messages   []ctxpkg.Message
}

// Stream is a finite, non-restartable sequence of reply fragments.
type Stream interface {
	// Next advances to the next fragment. It returns false at end of stream
	// or on error; Err distinguishes the two.
	Next() bool
	Fragment() string
	Err() error
	Close() error
}

// Provider is the model provider abstraction used by the relay.
type Provider interface {
	Open(ctx context.Context, req Request) (Stream, error)
}

// Registry is the strategy table keyed by provider identifier.
type Registry map[ProviderID]Provider

// Lookup returns the provider registered for id.
func (r Registry) Lookup(id ProviderID) (Provider, error) {
	p, ok := r[id]
	if !ok || p == nil {
		return nil, &ConfigurationError{Field: "provider", Reason: fmt.Sprintf("no adapter registered for %q", id)}
	}
	return p, nil
}
