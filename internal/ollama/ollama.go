package ollama

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

// DefaultURL is the chat endpoint of a local Ollama server.
const DefaultURL = "http://localhost:11434/api/chat"

// RemediationText is streamed as the whole reply when the local server
// answers 403, which almost always means its origin allowlist rejected us.
const RemediationText = "The local model server refused the request (HTTP 403). " +
	"This usually means it does not accept requests from this origin. " +
	"Restart it with OLLAMA_ORIGINS set to allow this client, for example: " +
	"OLLAMA_ORIGINS=\"*\" ollama serve"

// Client talks to a local model server that streams newline-delimited JSON.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a local-provider client. The endpoint URL comes with
// every request since it is user configured.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model    string           `json:"model"`
	Messages []ctxpkg.Message `json:"messages"`
}

type chatChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error"`
}

// Open posts the conversation to the configured URL and streams the reply.
func (c *Client) Open(ctx context.Context, req model.Request) (model.Stream, error) {
	if err := model.RequireField(model.ProviderLocal, "endpoint", req.Endpoint); err != nil {
		return nil, err
	}
	if err := model.RequireField(model.ProviderLocal, "model", req.Model); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(chatRequest{Model: req.Model, Messages: req.Messages})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal local request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &model.ConfigurationError{Provider: model.ProviderLocal, Field: "endpoint", Reason: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &model.NetworkError{Provider: model.ProviderLocal, Err: err}
	}

	if resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		log.Printf("[ollama] 403 from %s; surfacing origin remediation", req.Endpoint)
		return model.NewStaticStream(RemediationText), nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, statusError(resp.StatusCode, body)
	}

	return model.NewLineStream(model.ProviderLocal, resp.Body, parseLine), nil
}

func parseLine(line string) (model.LineResult, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return model.LineResult{}, nil
	}
	var chunk chatChunk
	if err := json.Unmarshal([]byte(line), &chunk); err != nil {
		log.Printf("[ollama] %v: %s", model.ErrMalformedChunk, model.Truncate(line, 200))
		return model.LineResult{}, nil
	}
	if chunk.Error != "" {
		return model.LineResult{}, &model.ProviderError{Provider: model.ProviderLocal, Message: chunk.Error}
	}
	if chunk.Done {
		return model.LineResult{Fragment: chunk.Message.Content, Done: true}, nil
	}
	return model.LineResult{Fragment: chunk.Message.Content}, nil
}

func statusError(status int, body []byte) error {
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		return &model.ProviderError{Provider: model.ProviderLocal, Status: status, Message: parsed.Error}
	}
	return &model.StatusError{Provider: model.ProviderLocal, Status: status, Body: model.Truncate(string(body), 400)}
}
