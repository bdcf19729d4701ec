package context

import (
	stdctx "context"
	"strings"

	"github.com/stupiduntilnot/sidechat/internal/db"
)

// Provider retrieves conversation history from a persistent store.
type Provider interface {
	GetHistory(ctx stdctx.Context, conversationID string, limit int) ([]Message, error)
}

// ConversationReader is the slice of the conversation store the provider needs.
type ConversationReader interface {
	Get(ctx stdctx.Context, id string) (*db.Conversation, error)
}

// StoreProvider reads conversation history from the conversation store.
type StoreProvider struct {
	Store ConversationReader
}

// GetHistory returns the most recent `limit` user/assistant messages of the
// conversation, ordered chronologically (oldest first).
func (p *StoreProvider) GetHistory(ctx stdctx.Context, conversationID string, limit int) ([]Message, error) {
	conv, err := p.Store.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	history := HistoryFromEntries(conv.Entries)
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history, nil
}

// HistoryFromEntries maps chat-message entries to provider messages. URL
// visits, system notices and empty replies carry nothing the model should see.
func HistoryFromEntries(entries []db.Entry) []Message {
	var results []Message
	for _, e := range entries {
		if e.Type != db.EntryMessage || strings.TrimSpace(e.Text) == "" {
			continue
		}
		switch e.Sender {
		case db.SenderUser:
			results = append(results, Message{Role: RoleUser, Content: e.Text})
		case db.SenderAssistant:
			results = append(results, Message{Role: RoleAssistant, Content: e.Text})
		}
	}
	return results
}
