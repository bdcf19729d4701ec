package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	ctxpkg "github.com/stupiduntilnot/sidechat/internal/context"
	"github.com/stupiduntilnot/sidechat/internal/db"
	"github.com/stupiduntilnot/sidechat/internal/model"
	"github.com/stupiduntilnot/sidechat/internal/relay"
)

const (
	defaultHistoryWindow  = 10
	defaultContextTimeout = 2 * time.Second
	relayBuffer           = 32
)

// Send runs one user message through the pipeline: resolve the provider,
// persist the user entry, gather page context, build the request, stream the
// reply and finalize it. A cancelled ctx abandons the stream and leaves the
// placeholder reply empty.
func (o *Orchestrator) Send(ctx context.Context, s *PanelSession, text string) (*Result, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	sink := s.sink()
	sendEventID := o.logEvent(o.ParentEventID, db.EventSendStarted, map[string]any{
		"conversation_id": s.ConversationID(),
		"chars":           len([]rune(text)),
	})

	// Resolving model.
	st, err := o.Settings.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if !st.Configured() {
		o.logEvent(sendEventID, db.EventSendNeedsConfig, map[string]any{"reason": "no provider"})
		return nil, ErrNeedsConfiguration
	}
	sel, err := st.Selection()
	if err != nil {
		if model.IsConfigurationError(err) {
			o.logEvent(sendEventID, db.EventSendNeedsConfig, map[string]any{"reason": err.Error()})
			return nil, fmt.Errorf("%w: %v", ErrNeedsConfiguration, err)
		}
		return nil, err
	}

	// Persisting user entry.
	conv, err := o.ensureConversation(ctx, s, sendEventID)
	if err != nil {
		return nil, err
	}
	history := ctxpkg.HistoryFromEntries(conv.Entries)
	history = o.compressor().Compress(history)

	userEntry := db.ChatMessage(db.SenderUser, text, o.now().UnixMilli())
	conv, err = o.Store.Append(ctx, conv.ID, userEntry)
	if err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}
	sink.UserMessage(conv.ID, conv.Entries[len(conv.Entries)-1])

	// Gathering context.
	page := o.gatherContext(ctx, s, sendEventID)

	// Building request.
	messages := o.assembler().Assemble(ctxpkg.SystemPrompt(o.Persona, page), history, text)
	req := model.Request{
		Provider:   sel.Provider,
		Model:      sel.Model,
		Credential: sel.Credential,
		Endpoint:   sel.Endpoint,
		Messages:   messages,
	}
	o.logEvent(sendEventID, db.EventRequestBuilt, map[string]any{
		"provider":        string(sel.Provider),
		"model":           sel.Model,
		"history":         len(history),
		"messages":        len(messages),
		"page_chars":      len([]rune(page.Content)),
		"selection_chars": len([]rune(page.Selection)),
	})

	// Streaming.
	conv, err = o.Store.Append(ctx, conv.ID, db.ChatMessage(db.SenderAssistant, "", o.now().UnixMilli()))
	if err != nil {
		return nil, fmt.Errorf("append reply placeholder: %w", err)
	}
	result := &Result{ConversationID: conv.ID, ReplyIndex: len(conv.Entries) - 1}

	sub := o.Hub.Subscribe(relayBuffer)
	defer sub.Close()
	startedAt := o.now()
	result.SessionID = o.Hub.Send(ctx, o.Registry, req)
	streamEventID := o.logEvent(sendEventID, db.EventStreamStarted, map[string]any{
		"session_id": result.SessionID,
		"provider":   string(sel.Provider),
		"model":      sel.Model,
	})

	reply, fragments, streamErr := consume(ctx, sub, result.SessionID, func(fragment string) {
		sink.Fragment(conv.ID, fragment)
	})
	result.Reply = reply

	if abandoned(ctx, streamErr) {
		o.logEvent(streamEventID, db.EventStreamAbandoned, map[string]any{
			"fragments": fragments,
			"reason":    streamErr.Error(),
		})
		return result, streamErr
	}
	// A stream that finished before a late cancel is still recorded.
	ctx = context.WithoutCancel(ctx)

	// Failed.
	if streamErr != nil {
		message := failureText(streamErr)
		o.logEvent(streamEventID, db.EventStreamFailed, map[string]any{
			"fragments":   fragments,
			"error_class": classifyError(streamErr),
			"error":       message,
			"latency_ms":  o.now().Sub(startedAt).Milliseconds(),
		})
		notice := db.ChatMessage(db.SenderSystem, message, o.now().UnixMilli())
		if _, err := o.Store.ReplaceMessage(ctx, conv.ID, result.ReplyIndex, notice); err != nil {
			log.Printf("[chat] failed to record stream failure conversation=%s: %v", conv.ID, err)
			o.logEvent(streamEventID, db.EventReplyFinalizeFailed, map[string]any{"error": err.Error()})
		}
		result.Err = streamErr
		sink.Failed(conv.ID, notice, streamErr)
		return result, streamErr
	}

	// Finalizing.
	o.logEvent(streamEventID, db.EventStreamCompleted, map[string]any{
		"fragments":  fragments,
		"chars":      len([]rune(reply)),
		"latency_ms": o.now().Sub(startedAt).Milliseconds(),
	})
	final := db.ChatMessage(db.SenderAssistant, reply, o.now().UnixMilli())
	if _, err := o.Store.ReplaceMessage(ctx, conv.ID, result.ReplyIndex, final); err != nil {
		o.logEvent(streamEventID, db.EventReplyFinalizeFailed, map[string]any{"error": err.Error()})
		return result, fmt.Errorf("finalize reply: %w", err)
	}
	o.logEvent(streamEventID, db.EventReplyFinalized, map[string]any{
		"conversation_id": conv.ID,
		"index":           result.ReplyIndex,
	})
	sink.Finished(conv.ID, final)
	return result, nil
}

// ensureConversation makes sure the session's conversation exists and that
// its current URL matches the tab.
func (o *Orchestrator) ensureConversation(ctx context.Context, s *PanelSession, parentID *int64) (*db.Conversation, error) {
	url, hasURL := "", false
	if s.Tab != nil {
		url, hasURL = s.Tab.CurrentURL(ctx)
	}
	now := o.now().UnixMilli()

	id := s.ConversationID()
	if id != "" {
		conv, err := o.Store.Get(ctx, id)
		switch {
		case err == nil:
			if !hasURL || conv.CurrentURL() == url {
				return conv, nil
			}
			conv, err = o.Store.Append(ctx, id, db.URLVisit(url, now))
			if err != nil {
				return nil, fmt.Errorf("append url: %w", err)
			}
			o.logEvent(parentID, db.EventURLRecorded, map[string]any{"conversation_id": id, "url": url})
			return conv, nil
		case errors.Is(err, db.ErrConversationNotFound):
		default:
			return nil, err
		}
	} else {
		id = o.NewConversation(s)
	}

	var initial []db.Entry
	if hasURL {
		initial = append(initial, db.URLVisit(url, now))
	}
	conv, err := o.Store.Create(ctx, id, initial...)
	if errors.Is(err, db.ErrConversationExists) {
		return o.Store.Get(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	o.logEvent(parentID, db.EventConversationCreated, map[string]any{"conversation_id": id, "url": url})
	return conv, nil
}

// gatherContext asks the content source for page text and selection. Any
// failure or timeout yields an empty context.
func (o *Orchestrator) gatherContext(ctx context.Context, s *PanelSession, parentID *int64) PageContext {
	if s.Content == nil {
		return PageContext{}
	}
	timeout := o.ContextTimeout
	if timeout <= 0 {
		timeout = defaultContextTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		page PageContext
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		p, err := s.Content.PageContentAndSelection(cctx)
		ch <- outcome{page: p, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			log.Printf("[chat] page context unavailable: %v", out.err)
			o.logEvent(parentID, db.EventContextUnavailable, map[string]any{"error": out.err.Error()})
			return PageContext{}
		}
		o.logEvent(parentID, db.EventContextGathered, map[string]any{
			"page_chars":      len([]rune(out.page.Content)),
			"selection_chars": len([]rune(out.page.Selection)),
		})
		return out.page
	case <-cctx.Done():
		log.Printf("[chat] page context timed out after %s", timeout)
		o.logEvent(parentID, db.EventContextUnavailable, map[string]any{"error": cctx.Err().Error()})
		return PageContext{}
	}
}

func (o *Orchestrator) assembler() ctxpkg.Assembler {
	if o.Assembler != nil {
		return o.Assembler
	}
	return &ctxpkg.StandardAssembler{}
}

func (o *Orchestrator) compressor() ctxpkg.Compressor {
	if o.Compressor != nil {
		return o.Compressor
	}
	return &ctxpkg.SimpleCompressor{MaxMessages: defaultHistoryWindow}
}

// abandoned reports whether the stream stopped because ctx ended rather than
// because the provider finished or failed.
func abandoned(ctx context.Context, streamErr error) bool {
	return streamErr != nil && ctx.Err() != nil && errors.Is(streamErr, ctx.Err())
}

// consume reads the relay until sessionID ends, forwarding each fragment.
func consume(ctx context.Context, sub *relay.Subscription, sessionID string, onFragment func(string)) (string, int, error) {
	var b strings.Builder
	fragments := 0
	for {
		select {
		case ev := <-sub.Events():
			if ev.SessionID != sessionID {
				continue
			}
			switch ev.Kind {
			case relay.KindFragment:
				fragments++
				b.WriteString(ev.Text)
				onFragment(ev.Text)
			case relay.KindEnd:
				return b.String(), fragments, nil
			case relay.KindError:
				err := ev.Err
				if err == nil {
					err = errors.New(ev.Text)
				}
				return b.String(), fragments, err
			}
		case <-ctx.Done():
			return b.String(), fragments, ctx.Err()
		}
	}
}
