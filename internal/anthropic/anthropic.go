package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	ctxpkg "github.com/stupiduntilnot/sidechat/internal/context"
	"github.com/stupiduntilnot/sidechat/internal/model"
)

const (
	DefaultURL       = "https://api.anthropic.com/v1/messages"
	DefaultVersion   = "2023-06-01"
	DefaultMaxTokens = 1024
)

// Config holds the endpoint settings that do not change per request.
type Config struct {
	URL       string
	Version   string
	MaxTokens int
	Timeout   time.Duration
}

// Client is a streaming Anthropic messages client.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates an Anthropic client, filling unset fields with defaults.
func NewClient(cfg Config) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type messagesRequest struct {
	Model     string           `json:"model"`
	MaxTokens int              `json:"max_tokens"`
	System    string           `json:"system,omitempty"`
	Messages  []ctxpkg.Message `json:"messages"`
	Stream    bool             `json:"stream"`
}

type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorBody struct {
	Type  string    `json:"type"`
	Error *apiError `json:"error"`
}

// FormatMessages reshapes a role-tagged list for the messages API. Only the
// system messages that open the list become the system string; a system
// message appearing later keeps its position as a user turn, since the API has
// no system role inside the conversation. Consecutive messages of the same
// role are merged, and a leading non-user message is dropped because the API
// requires the conversation to open with the user.
func FormatMessages(messages []ctxpkg.Message) (string, []ctxpkg.Message) {
	var systemParts []string
	var out []ctxpkg.Message
	leading := true
	for _, m := range messages {
		if m.Role == ctxpkg.RoleSystem && leading {
			systemParts = append(systemParts, m.Content)
			continue
		}
		leading = false
		if m.Role == ctxpkg.RoleSystem {
			m.Role = ctxpkg.RoleUser
		}
		if n := len(out); n > 0 && out[n-1].Role == m.Role {
			out[n-1].Content += "\n\n" + m.Content
			continue
		}
		out = append(out, ctxpkg.Message{Role: m.Role, Content: m.Content})
	}
	if len(out) > 0 && out[0].Role != ctxpkg.RoleUser {
		out = out[1:]
	}
	return strings.Join(systemParts, "\n\n"), out
}

// Open sends a streaming messages request. Errors from a non-2xx response
// are returned before any fragment is produced.
func (c *Client) Open(ctx context.Context, req model.Request) (model.Stream, error) {
	if err := model.RequireField(model.ProviderAnthropic, "credential", req.Credential); err != nil {
		return nil, err
	}
	if err := model.RequireField(model.ProviderAnthropic, "model", req.Model); err != nil {
		return nil, err
	}

	system, messages := FormatMessages(req.Messages)
	payload, err := json.Marshal(messagesRequest{
		Model:     req.Model,
		MaxTokens: c.cfg.MaxTokens,
		System:    system,
		Messages:  messages,
		Stream:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", req.Credential)
	httpReq.Header.Set("anthropic-version", c.cfg.Version)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &model.NetworkError{Provider: model.ProviderAnthropic, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, &model.NetworkError{Provider: model.ProviderAnthropic, Err: readErr}
		}
		return nil, statusError(resp.StatusCode, body)
	}

	return model.NewLineStream(model.ProviderAnthropic, resp.Body, parseLine), nil
}

func parseLine(line string) (model.LineResult, error) {
	data, ok := model.SSEData(line)
	if !ok || data == "" {
		return model.LineResult{}, nil
	}
	var ev streamEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		log.Printf("[anthropic] %v: %s", model.ErrMalformedChunk, model.Truncate(data, 200))
		return model.LineResult{}, nil
	}
	switch ev.Type {
	case "content_block_delta":
		return model.LineResult{Fragment: ev.Delta.Text}, nil
	case "message_stop":
		return model.LineResult{Done: true}, nil
	case "error":
		perr := &model.ProviderError{Provider: model.ProviderAnthropic, Message: "stream error"}
		if ev.Error != nil {
			perr.Type = ev.Error.Type
			perr.Message = ev.Error.Message
		}
		return model.LineResult{}, perr
	}
	return model.LineResult{}, nil
}

func statusError(status int, body []byte) error {
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != nil {
		return &model.ProviderError{
			Provider: model.ProviderAnthropic,
			Status:   status,
			Type:     parsed.Error.Type,
			Message:  parsed.Error.Message,
		}
	}
	return &model.StatusError{Provider: model.ProviderAnthropic, Status: status, Body: model.Truncate(string(body), 400)}
}
