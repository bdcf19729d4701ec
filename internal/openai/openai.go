package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	ctxpkg "github.com/stupiduntilnot/sidechat/internal/context"
	"github.com/stupiduntilnot/sidechat/internal/model"
)

// DefaultURL is the hosted chat completions endpoint.
const DefaultURL = "https://api.openai.com/v1/chat/completions"

const doneSentinel = "[DONE]"

// Client is a minimal streaming OpenAI chat completions client.
type Client struct {
	url        string
	httpClient *http.Client
}

// NewClient creates an OpenAI client. A zero timeout leaves stream reads unbounded.
func NewClient(url string, timeout time.Duration) *Client {
	if url == "" {
		url = DefaultURL
	}
	return &Client{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type chatRequest struct {
	Model    string           `json:"model"`
	Messages []ctxpkg.Message `json:"messages"`
	Stream   bool             `json:"stream"`
}

type chunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Open sends a streaming chat completion request.
func (c *Client) Open(ctx context.Context, req model.Request) (model.Stream, error) {
	if err := model.RequireField(model.ProviderOpenAI, "credential", req.Credential); err != nil {
		return nil, err
	}
	if err := model.RequireField(model.ProviderOpenAI, "model", req.Model); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(chatRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal openai request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create openai request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.Credential)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &model.NetworkError{Provider: model.ProviderOpenAI, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return nil, statusError(resp.StatusCode, body)
	}

	return model.NewLineStream(model.ProviderOpenAI, resp.Body, parseLine), nil
}

func parseLine(line string) (model.LineResult, error) {
	data, ok := model.SSEData(line)
	if !ok || data == "" {
		return model.LineResult{}, nil
	}
	if data == doneSentinel {
		return model.LineResult{Done: true}, nil
	}
	var parsed chunk
	if err := json.Unmarshal([]byte(data), &parsed); err != nil {
		log.Printf("[openai] %v: %s", model.ErrMalformedChunk, model.Truncate(data, 200))
		return model.LineResult{}, nil
	}
	if len(parsed.Choices) == 0 {
		return model.LineResult{}, nil
	}
	return model.LineResult{Fragment: parsed.Choices[0].Delta.Content}, nil
}

func statusError(status int, body []byte) error {
	var parsed errorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return &model.ProviderError{
			Provider: model.ProviderOpenAI,
			Status:   status,
			Type:     parsed.Error.Type,
			Message:  parsed.Error.Message,
		}
	}
	return &model.StatusError{Provider: model.ProviderOpenAI, Status: status, Body: model.Truncate(string(body), 400)}
}
