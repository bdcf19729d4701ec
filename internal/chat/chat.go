package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	ctxpkg "github.com/stupiduntilnot/sidechat/internal/context"
	"github.com/stupiduntilnot/sidechat/internal/db"
	"github.com/stupiduntilnot/sidechat/internal/model"
	"github.com/stupiduntilnot/sidechat/internal/relay"
	"github.com/stupiduntilnot/sidechat/internal/settings"
)

var (
	// ErrNeedsConfiguration means no usable provider is configured. Nothing
	// was written to the store.
	ErrNeedsConfiguration = errors.New("provider needs configuration")
	ErrEmptyMessage       = errors.New("message is empty")
)

// PageContext is the page text and selection attached to a send.
type PageContext = ctxpkg.Page

// TabSource reports the URL of the active tab.
type TabSource interface {
	CurrentURL(ctx context.Context) (string, bool)
}

// ContentSource returns the active page's text and the user's selection.
type ContentSource interface {
	PageContentAndSelection(ctx context.Context) (PageContext, error)
}

// SettingsSource loads the persisted provider settings.
type SettingsSource interface {
	Load(ctx context.Context) (settings.Settings, error)
}

// Sink receives UI updates for a send as they happen.
type Sink interface {
	UserMessage(conversationID string, entry db.Entry)
	Fragment(conversationID string, text string)
	Finished(conversationID string, entry db.Entry)
	Failed(conversationID string, entry db.Entry, err error)
}

// NopSink discards every update.
type NopSink struct{}

func (NopSink) UserMessage(string, db.Entry)   {}
func (NopSink) Fragment(string, string)        {}
func (NopSink) Finished(string, db.Entry)      {}
func (NopSink) Failed(string, db.Entry, error) {}

// PanelSession is the state of one UI surface: the conversation it shows and
// the tab it is attached to. Sends on one session must not overlap.
type PanelSession struct {
	Tab     TabSource
	Content ContentSource
	Sink    Sink

	mu             sync.Mutex
	conversationID string
}

func NewPanelSession(tab TabSource, content ContentSource, sink Sink) *PanelSession {
	if sink == nil {
		sink = NopSink{}
	}
	return &PanelSession{Tab: tab, Content: content, Sink: sink}
}

// ConversationID returns the current conversation, "" before the first one.
func (s *PanelSession) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// SetConversation points the session at id without touching the store.
func (s *PanelSession) SetConversation(id string) {
	s.mu.Lock()
	s.conversationID = id
	s.mu.Unlock()
}

func (s *PanelSession) sink() Sink {
	if s.Sink == nil {
		return NopSink{}
	}
	return s.Sink
}

// Result describes a completed send.
type Result struct {
	ConversationID string
	SessionID      string
	ReplyIndex     int
	Reply          string
	Err            error
}

// Orchestrator runs the send pipeline and the conversation lifecycle on top
// of the store, the settings and the relay.
type Orchestrator struct {
	Store          *db.Conversations
	Events         *sql.DB
	Settings       SettingsSource
	Registry       model.Registry
	Hub            *relay.Hub
	Assembler      ctxpkg.Assembler
	Compressor     ctxpkg.Compressor
	Persona        string
	ContextTimeout time.Duration
	ParentEventID  *int64
	Now            func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) logEvent(parentID *int64, eventType string, payload map[string]any) *int64 {
	if o.Events == nil {
		return nil
	}
	id, err := db.LogEvent(o.Events, parentID, eventType, payload)
	if err != nil {
		log.Printf("[chat] failed to log %s: %v", eventType, err)
		return nil
	}
	return &id
}

// NewConversation points the session at a fresh conversation id. The record
// is written on the first send.
func (o *Orchestrator) NewConversation(s *PanelSession) string {
	id := db.NewConversationID(o.now())
	s.SetConversation(id)
	return id
}

// OpenMostRecent attaches the session to the most recently updated
// conversation, or to a new one when the store is empty.
func (o *Orchestrator) OpenMostRecent(ctx context.Context, s *PanelSession) (*db.Conversation, error) {
	conv, err := o.Store.Latest(ctx)
	if errors.Is(err, db.ErrConversationNotFound) {
		id := o.NewConversation(s)
		return &db.Conversation{ID: id, Entries: []db.Entry{}}, nil
	}
	if err != nil {
		return nil, err
	}
	s.SetConversation(conv.ID)
	return conv, nil
}

// Open attaches the session to conversation id.
func (o *Orchestrator) Open(ctx context.Context, s *PanelSession, id string) (*db.Conversation, error) {
	conv, err := o.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.SetConversation(conv.ID)
	return conv, nil
}

// Summary is one row of the conversation list.
type Summary struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
	Preview   string `json:"preview"`
	URL       string `json:"url,omitempty"`
}

const previewChars = 30

// History lists every conversation, most recently created first.
func (o *Orchestrator) History(ctx context.Context) ([]Summary, error) {
	convs, err := o.Store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	out := make([]Summary, 0, len(convs))
	for i := range convs {
		c := &convs[i]
		out = append(out, Summary{
			ID:        c.ID,
			CreatedAt: c.CreatedAt,
			UpdatedAt: c.UpdatedAt,
			Preview:   c.Preview(previewChars),
			URL:       c.CurrentURL(),
		})
	}
	return out, nil
}

// Delete removes conversation id. A session showing it moves to a new
// conversation.
func (o *Orchestrator) Delete(ctx context.Context, s *PanelSession, id string) error {
	if err := o.Store.Delete(ctx, id); err != nil {
		return err
	}
	o.logEvent(o.ParentEventID, db.EventConversationDeleted, map[string]any{"conversation_id": id})
	if s != nil && s.ConversationID() == id {
		o.NewConversation(s)
	}
	return nil
}
