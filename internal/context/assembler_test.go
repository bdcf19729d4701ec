package context

import (
	"strings"
	"testing"
)

func TestStandardAssembler_Assemble(t *testing.T) {
	a := &StandardAssembler{}
	history := []Message{
		{Role: RoleUser, Content: "prev question"},
		{Role: RoleAssistant, Content: "prev answer"},
	}
	result := a.Assemble("You are a bot.", history, "new question")

	if len(result) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(result))
	}

	if result[0].Role != RoleSystem || result[0].Content != "You are a bot." {
		t.Errorf("unexpected system message: %+v", result[0])
	}
	if result[1].Role != "user" || result[1].Content != "prev question" {
		t.Errorf("unexpected history[0]: %+v", result[1])
	}
	if result[2].Role != "assistant" || result[2].Content != "prev answer" {
		t.Errorf("unexpected history[1]: %+v", result[2])
	}
	if result[3].Role != "user" || result[3].Content != "new question" {
		t.Errorf("unexpected user message: %+v", result[3])
	}
}

func TestStandardAssembler_EmptyHistory(t *testing.T) {
	a := &StandardAssembler{}
	result := a.Assemble("system", nil, "hello")

	if len(result) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(result))
	}
	if result[0].Role != RoleSystem {
		t.Errorf("expected system role, got %q", result[0].Role)
	}
	if result[1].Role != "user" || result[1].Content != "hello" {
		t.Errorf("unexpected user message: %+v", result[1])
	}
}

func TestSystemPrompt_WithSelection(t *testing.T) {
	got := SystemPrompt("  You are helpful.  ", Page{Content: "body text", Selection: "picked"})
	want := "You are helpful.\n\nPage content: body text\n\nSelected text: picked"
	if got != want {
		t.Fatalf("unexpected prompt:\n got=%q\nwant=%q", got, want)
	}
}

func TestSystemPrompt_OmitsBlankSelection(t *testing.T) {
	got := SystemPrompt("persona", Page{Content: "", Selection: "   "})
	if strings.Contains(got, "Selected text") {
		t.Fatalf("blank selection should be omitted: %q", got)
	}
	if got != "persona\n\nPage content: " {
		t.Fatalf("unexpected prompt: %q", got)
	}
}
