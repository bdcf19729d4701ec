package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// EntryType discriminates the entries of a conversation log.
type EntryType string

const (
	EntryURL     EntryType = "url"
	EntryMessage EntryType = "message"
)

// Sender identifies who wrote a chat message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
	SenderSystem    Sender = "system"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationExists   = errors.New("conversation already exists")
	ErrEntryNotReplaceable  = errors.New("entry is not an assistant message")
)

// Entry is one item of a conversation log: either a URL visit or a chat
// message. Timestamps are unix milliseconds.
type Entry struct {
	Type      EntryType `json:"type"`
	URL       string    `json:"url,omitempty"`
	Sender    Sender    `json:"sender,omitempty"`
	Text      string    `json:"text,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// URLVisit builds a url entry.
func URLVisit(url string, ts int64) Entry {
	return Entry{Type: EntryURL, URL: url, Timestamp: ts}
}

// ChatMessage builds a message entry.
func ChatMessage(sender Sender, text string, ts int64) Entry {
	return Entry{Type: EntryMessage, Sender: sender, Text: text, Timestamp: ts}
}

func (e Entry) validate() error {
	switch e.Type {
	case EntryURL:
		if strings.TrimSpace(e.URL) == "" {
			return fmt.Errorf("url entry requires a url")
		}
	case EntryMessage:
		switch e.Sender {
		case SenderUser, SenderAssistant, SenderSystem:
		default:
			return fmt.Errorf("invalid message sender %q", e.Sender)
		}
	default:
		return fmt.Errorf("invalid entry type %q", e.Type)
	}
	return nil
}

// Conversation is an ordered, append-only log of entries.
type Conversation struct {
	ID        string  `json:"id"`
	CreatedAt int64   `json:"created_at"`
	UpdatedAt int64   `json:"updated_at"`
	Entries   []Entry `json:"entries"`
}

// CurrentURL returns the url of the last url entry, or "" when none was recorded.
func (c *Conversation) CurrentURL() string {
	for i := len(c.Entries) - 1; i >= 0; i-- {
		if c.Entries[i].Type == EntryURL {
			return c.Entries[i].URL
		}
	}
	return ""
}

// Preview returns the first message text truncated to maxChars, used in listings.
func (c *Conversation) Preview(maxChars int) string {
	for _, e := range c.Entries {
		if e.Type == EntryMessage && strings.TrimSpace(e.Text) != "" {
			return truncate(e.Text, maxChars)
		}
	}
	return ""
}

var (
	idMu   sync.Mutex
	lastID int64
)

// NewConversationID returns a millisecond-timestamp token. Tokens issued by the
// process are strictly increasing even when two are requested in the same
// millisecond.
func NewConversationID(now time.Time) string {
	idMu.Lock()
	defer idMu.Unlock()
	n := now.UnixMilli()
	if n <= lastID {
		n = lastID + 1
	}
	lastID = n
	return strconv.FormatInt(n, 10)
}

// Conversations is the conversation store. Append is a read-modify-write of
// the whole record; callers keep a single writer per conversation.
type Conversations struct {
	DB  *sql.DB
	Now func() time.Time
}

func (s *Conversations) now() int64 {
	if s.Now != nil {
		return s.Now().UnixMilli()
	}
	return time.Now().UnixMilli()
}

// Create inserts a new conversation holding the given initial entries.
func (s *Conversations) Create(ctx context.Context, id string, initial ...Entry) (*Conversation, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("conversation id cannot be empty")
	}
	for _, e := range initial {
		if err := e.validate(); err != nil {
			return nil, err
		}
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create conversation: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM chats WHERE chat_id = ? LIMIT 1`, id).Scan(&exists)
	if err == nil {
		return nil, fmt.Errorf("%w: %s", ErrConversationExists, id)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := s.now()
	conv := &Conversation{ID: id, CreatedAt: now, UpdatedAt: now, Entries: []Entry{}}
	for _, e := range initial {
		conv.Entries = append(conv.Entries, clampTimestamp(conv.Entries, e))
	}
	payload, err := json.Marshal(conv.Entries)
	if err != nil {
		return nil, fmt.Errorf("marshal entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chats (chat_id, created_at, updated_at, entries) VALUES (?, ?, ?, ?)`,
		id, conv.CreatedAt, conv.UpdatedAt, string(payload),
	); err != nil {
		return nil, fmt.Errorf("insert conversation %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit conversation %s: %w", id, err)
	}
	return conv, nil
}

// Get returns the current record for id.
func (s *Conversations) Get(ctx context.Context, id string) (*Conversation, error) {
	conv, _, err := getLatest(ctx, s.DB, id)
	return conv, err
}

// Append adds entry to the end of the conversation and returns the updated record.
func (s *Conversations) Append(ctx context.Context, id string, entry Entry) (*Conversation, error) {
	if err := entry.validate(); err != nil {
		return nil, err
	}
	return s.update(ctx, id, func(conv *Conversation) error {
		conv.Entries = append(conv.Entries, clampTimestamp(conv.Entries, entry))
		return nil
	})
}

// ReplaceMessage overwrites the assistant message at index. It is the only
// mutation allowed on an appended entry: the in-flight reply placeholder is
// finalized with the streamed text, or turned into a system notice on failure.
func (s *Conversations) ReplaceMessage(ctx context.Context, id string, index int, entry Entry) (*Conversation, error) {
	if entry.Type != EntryMessage {
		return nil, fmt.Errorf("replacement must be a message entry")
	}
	if err := entry.validate(); err != nil {
		return nil, err
	}
	return s.update(ctx, id, func(conv *Conversation) error {
		if index < 0 || index >= len(conv.Entries) {
			return fmt.Errorf("entry index %d out of range for conversation %s", index, id)
		}
		old := conv.Entries[index]
		if old.Type != EntryMessage || old.Sender != SenderAssistant {
			return fmt.Errorf("%w: index=%d", ErrEntryNotReplaceable, index)
		}
		if entry.Timestamp < old.Timestamp {
			entry.Timestamp = old.Timestamp
		}
		if index+1 < len(conv.Entries) && entry.Timestamp > conv.Entries[index+1].Timestamp {
			entry.Timestamp = old.Timestamp
		}
		conv.Entries[index] = entry
		return nil
	})
}

func (s *Conversations) update(ctx context.Context, id string, mutate func(*Conversation) error) (*Conversation, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update conversation: %w", err)
	}
	defer tx.Rollback()

	conv, rowID, err := getLatest(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(conv); err != nil {
		return nil, err
	}
	conv.UpdatedAt = s.now()
	payload, err := json.Marshal(conv.Entries)
	if err != nil {
		return nil, fmt.Errorf("marshal entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE chats SET entries = ?, updated_at = ? WHERE row_id = ?`,
		string(payload), conv.UpdatedAt, rowID,
	); err != nil {
		return nil, fmt.Errorf("update conversation %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit conversation %s: %w", id, err)
	}
	return conv, nil
}

// List returns every conversation, most recently created first. Rows are
// walked by created_at descending with a seen-id set, so an id written more
// than once yields a single record: whatever Get returns for it.
func (s *Conversations) List(ctx context.Context) ([]Conversation, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT chat_id FROM chats ORDER BY created_at DESC, row_id DESC`,
	)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]Conversation, 0, len(ids))
	for _, id := range ids {
		conv, err := s.Get(ctx, id)
		if errors.Is(err, ErrConversationNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *conv)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

// Latest returns the most recently updated conversation.
func (s *Conversations) Latest(ctx context.Context) (*Conversation, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`SELECT chat_id FROM chats ORDER BY updated_at DESC, row_id DESC LIMIT 1`,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Delete removes every row of the conversation. Deleting a missing id is a no-op.
func (s *Conversations) Delete(ctx context.Context, id string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM chats WHERE chat_id = ?`, id); err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getLatest(ctx context.Context, q queryer, id string) (*Conversation, int64, error) {
	var (
		rowID   int64
		conv    Conversation
		entries string
	)
	err := q.QueryRowContext(ctx,
		`SELECT row_id, chat_id, created_at, updated_at, entries
		   FROM chats
		  WHERE chat_id = ?
		  ORDER BY row_id DESC
		  LIMIT 1`,
		id,
	).Scan(&rowID, &conv.ID, &conv.CreatedAt, &conv.UpdatedAt, &entries)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	if err != nil {
		return nil, 0, err
	}
	if err := json.Unmarshal([]byte(entries), &conv.Entries); err != nil {
		return nil, 0, fmt.Errorf("decode entries of conversation %s: %w", id, err)
	}
	if conv.Entries == nil {
		conv.Entries = []Entry{}
	}
	return &conv, rowID, nil
}

func clampTimestamp(entries []Entry, e Entry) Entry {
	if n := len(entries); n > 0 && e.Timestamp < entries[n-1].Timestamp {
		e.Timestamp = entries[n-1].Timestamp
	}
	return e
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
