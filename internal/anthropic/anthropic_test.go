package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	ctxpkg "github.com/stupiduntilnot/sidechat/internal/context"
	"github.com/stupiduntilnot/sidechat/internal/model"
)

func TestFormatMessages_ExtractsSystemAndMerges(t *testing.T) {
	system, msgs := FormatMessages([]ctxpkg.Message{
		{Role: ctxpkg.RoleSystem, Content: "S"},
		{Role: ctxpkg.RoleUser, Content: "A"},
		{Role: ctxpkg.RoleUser, Content: "B"},
		{Role: ctxpkg.RoleAssistant, Content: "C"},
	})
	if system != "S" {
		t.Fatalf("unexpected system %q", system)
	}
	want := []ctxpkg.Message{
		{Role: ctxpkg.RoleUser, Content: "A\n\nB"},
		{Role: ctxpkg.RoleAssistant, Content: "C"},
	}
	if !reflect.DeepEqual(msgs, want) {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestFormatMessages_DropsLeadingNonUser(t *testing.T) {
	system, msgs := FormatMessages([]ctxpkg.Message{
		{Role: ctxpkg.RoleSystem, Content: "S"},
		{Role: ctxpkg.RoleAssistant, Content: "earlier reply"},
		{Role: ctxpkg.RoleUser, Content: "question"},
	})
	if system != "S" {
		t.Fatalf("unexpected system %q", system)
	}
	if len(msgs) != 1 || msgs[0].Role != ctxpkg.RoleUser || msgs[0].Content != "question" {
		t.Fatalf("expected leading assistant message dropped, got %+v", msgs)
	}
}

func TestFormatMessages_LaterSystemStaysInPlace(t *testing.T) {
	system, msgs := FormatMessages([]ctxpkg.Message{
		{Role: ctxpkg.RoleSystem, Content: "persona"},
		{Role: ctxpkg.RoleUser, Content: "first"},
		{Role: ctxpkg.RoleAssistant, Content: "answer"},
		{Role: ctxpkg.RoleSystem, Content: "page changed"},
		{Role: ctxpkg.RoleUser, Content: "second"},
	})
	if system != "persona" {
		t.Fatalf("only the leading system message belongs in system, got %q", system)
	}
	want := []ctxpkg.Message{
		{Role: ctxpkg.RoleUser, Content: "first"},
		{Role: ctxpkg.RoleAssistant, Content: "answer"},
		{Role: ctxpkg.RoleUser, Content: "page changed\n\nsecond"},
	}
	if !reflect.DeepEqual(msgs, want) {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestFormatMessages_DoesNotMutateInput(t *testing.T) {
	in := []ctxpkg.Message{
		{Role: ctxpkg.RoleUser, Content: "A"},
		{Role: ctxpkg.RoleUser, Content: "B"},
	}
	FormatMessages(in)
	if in[0].Content != "A" {
		t.Fatalf("input mutated: %+v", in)
	}
}

func testRequest() model.Request {
	return model.Request{
		Provider:   model.ProviderAnthropic,
		Model:      "claude-3.5-sonnet",
		Credential: "ak-test",
		Messages: []ctxpkg.Message{
			{Role: ctxpkg.RoleSystem, Content: "persona"},
			{Role: ctxpkg.RoleUser, Content: "hi"},
		},
	}
}

func TestOpen_StreamsContentBlockDeltas(t *testing.T) {
	var gotHeaders http.Header
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{}}\n\n")
		io.WriteString(w, "event: content_block_start\ndata: {\"type\":\"content_block_start\",\"index\":0}\n\n")
		io.WriteString(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Bon\"}}\n\n")
		io.WriteString(w, "event: ping\ndata: {\"type\":\"ping\"}\n\n")
		io.WriteString(w, "event: content_block_delta\ndata: {not json\n\n")
		io.WriteString(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"jour\"}}\n\n")
		io.WriteString(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer server.Close()

	client := NewClient(Config{URL: server.URL, Timeout: 5 * time.Second})
	s, err := client.Open(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	var got []string
	for s.Next() {
		got = append(got, s.Fragment())
	}
	if s.Err() != nil {
		t.Fatalf("unexpected err: %v", s.Err())
	}
	if strings.Join(got, "") != "Bonjour" {
		t.Fatalf("unexpected fragments %q", got)
	}

	if gotHeaders.Get("x-api-key") != "ak-test" {
		t.Errorf("expected x-api-key header, got %q", gotHeaders.Get("x-api-key"))
	}
	if gotHeaders.Get("Authorization") != "" {
		t.Errorf("credential must not be sent as bearer token")
	}
	if gotHeaders.Get("anthropic-version") != DefaultVersion {
		t.Errorf("unexpected anthropic-version %q", gotHeaders.Get("anthropic-version"))
	}
	if gotBody["system"] != "persona" || gotBody["stream"] != true {
		t.Errorf("unexpected body %v", gotBody)
	}
	if gotBody["max_tokens"] != float64(DefaultMaxTokens) {
		t.Errorf("unexpected max_tokens %v", gotBody["max_tokens"])
	}
}

func TestOpen_ErrorBodyBeforeFragments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens: must be positive"}}`)
	}))
	defer server.Close()

	_, err := NewClient(Config{URL: server.URL}).Open(context.Background(), testRequest())
	var perr *model.ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if perr.Type != "invalid_request_error" || perr.Message != "max_tokens: must be positive" {
		t.Fatalf("unexpected provider error %+v", perr)
	}
}

func TestOpen_MidStreamErrorEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"par\"}}\n\n")
		io.WriteString(w, "data: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"Overloaded\"}}\n\n")
	}))
	defer server.Close()

	s, err := NewClient(Config{URL: server.URL}).Open(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	var got []string
	for s.Next() {
		got = append(got, s.Fragment())
	}
	if len(got) != 1 || got[0] != "par" {
		t.Fatalf("unexpected fragments %q", got)
	}
	var perr *model.ProviderError
	if !errors.As(s.Err(), &perr) || perr.Type != "overloaded_error" {
		t.Fatalf("expected overloaded ProviderError, got %v", s.Err())
	}
}

func TestOpen_MissingCredential(t *testing.T) {
	req := testRequest()
	req.Credential = ""
	_, err := NewClient(Config{URL: "http://127.0.0.1:1"}).Open(context.Background(), req)
	if !model.IsConfigurationError(err) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
