package chat

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/stupiduntilnot/sidechat/internal/model"
)

// classifyError buckets a stream failure for the events table.
func classifyError(err error) string {
	if err == nil {
		return "unknown"
	}
	var (
		cfgErr    *model.ConfigurationError
		netErr    *model.NetworkError
		provErr   *model.ProviderError
		statusErr *model.StatusError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &cfgErr):
		return "configuration"
	case errors.As(err, &provErr):
		return "provider_api"
	case errors.As(err, &statusErr):
		return "provider_status"
	case errors.As(err, &netErr):
		return "network"
	default:
		return "unknown"
	}
}

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._\-=/+]+`),
	regexp.MustCompile(`(?i)\b(sk-[A-Za-z0-9\-_]{8,})\b`),
	regexp.MustCompile(`(?i)\b([A-Za-z0-9_]*(TOKEN|SECRET|PASSWORD|API_KEY))\b\s*[:=]\s*["']?([^\s"']+)`),
}

// redactSecrets masks credentials that providers sometimes echo back in
// error bodies.
func redactSecrets(text string) string {
	out := text
	for _, p := range secretPatterns {
		out = p.ReplaceAllStringFunc(out, func(m string) string {
			if k, _, ok := strings.Cut(m, "="); ok {
				return k + "=***REDACTED***"
			}
			if k, _, ok := strings.Cut(m, ":"); ok {
				return k + ": ***REDACTED***"
			}
			return "***REDACTED***"
		})
	}
	return out
}

// failureText is the system notice stored in place of a failed reply.
func failureText(err error) string {
	var provErr *model.ProviderError
	if errors.As(err, &provErr) && provErr.Message != "" {
		return "An error occurred: " + redactSecrets(provErr.Message)
	}
	return "An error occurred: " + redactSecrets(model.Truncate(err.Error(), 300)) + ". Please try again."
}
