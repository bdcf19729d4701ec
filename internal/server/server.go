package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stupiduntilnot/sidechat/internal/chat"
	ctxpkg "github.com/stupiduntilnot/sidechat/internal/context"
	"github.com/stupiduntilnot/sidechat/internal/db"
	"github.com/stupiduntilnot/sidechat/internal/model"
	"github.com/stupiduntilnot/sidechat/internal/page"
	"github.com/stupiduntilnot/sidechat/internal/settings"
)

const maxBodyBytes = 4 << 20

// Server exposes the relay, the orchestrator and the stores over HTTP for
// external UIs.
type Server struct {
	Chat     *chat.Orchestrator
	Settings *settings.Store
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/completions", s.handleCompletions)
	mux.HandleFunc("GET /v1/events", s.handleEvents)
	mux.HandleFunc("POST /v1/chat", s.handleChat)
	mux.HandleFunc("GET /v1/conversations", s.handleListConversations)
	mux.HandleFunc("POST /v1/conversations", s.handleCreateConversation)
	mux.HandleFunc("GET /v1/conversations/{id}", s.handleGetConversation)
	mux.HandleFunc("DELETE /v1/conversations/{id}", s.handleDeleteConversation)
	mux.HandleFunc("POST /v1/conversations/{id}/entries", s.handleAppendEntry)
	mux.HandleFunc("GET /v1/conversations/{id}/messages", s.handleMessages)
	mux.HandleFunc("GET /v1/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /v1/settings", s.handleUpdateSettings)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	return mux
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

// statusFor maps pipeline errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, db.ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, db.ErrConversationExists):
		return http.StatusConflict
	case errors.Is(err, chat.ErrNeedsConfiguration), model.IsConfigurationError(err):
		return http.StatusConflict
	case errors.Is(err, chat.ErrEmptyMessage):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return 499
	default:
		return http.StatusBadGateway
	}
}

type completionRequest struct {
	Provider   model.ProviderID `json:"provider"`
	Model      string           `json:"model"`
	Credential string           `json:"credential"`
	Endpoint   string           `json:"endpoint"`
	Messages   []ctxpkg.Message `json:"messages"`
}

// handleCompletions is the raw send-completion entry point: it relays one
// provider stream as SSE. Missing provider fields come from the settings.
func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var body completionRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(body.Messages) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("messages are required"))
		return
	}
	req, err := s.resolveCompletion(r.Context(), body)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	hub := s.Chat.Hub
	sub := hub.Subscribe(32)
	defer sub.Close()
	sessionID := hub.Send(r.Context(), s.Chat.Registry, req)
	w.Header().Set("X-Session-ID", sessionID)

	for {
		select {
		case ev := <-sub.Events():
			if ev.SessionID != sessionID {
				continue
			}
			if err := sse.Event(string(ev.Kind), ev); err != nil {
				return
			}
			if ev.Terminal() {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) resolveCompletion(ctx context.Context, body completionRequest) (model.Request, error) {
	st, err := s.Settings.Load(ctx)
	if err != nil {
		return model.Request{}, err
	}
	req := model.Request{
		Provider:   body.Provider,
		Model:      body.Model,
		Credential: body.Credential,
		Endpoint:   body.Endpoint,
		Messages:   body.Messages,
	}
	if req.Provider == "" {
		sel, err := st.Selection()
		if err != nil {
			return model.Request{}, err
		}
		req.Provider = sel.Provider
		if req.Model == "" {
			req.Model = sel.Model
		}
		if req.Credential == "" {
			req.Credential = sel.Credential
		}
		if req.Endpoint == "" {
			req.Endpoint = sel.Endpoint
		}
		return req, nil
	}
	if _, err := model.ParseProviderID(string(req.Provider)); err != nil {
		return model.Request{}, &model.ConfigurationError{Field: "provider", Reason: err.Error()}
	}
	if req.Model == "" {
		req.Model = settings.DefaultModel(req.Provider)
	}
	if req.Credential == "" {
		req.Credential = st.Credential(req.Provider)
	}
	if req.Endpoint == "" && req.Provider == model.ProviderLocal {
		req.Endpoint = st.LocalEndpoint()
	}
	return req, nil
}

// handleEvents streams every relay event until the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	sub := s.Chat.Hub.Subscribe(64)
	defer sub.Close()
	if err := sse.Event("ready", map[string]int{"subscribers": s.Chat.Hub.Subscribers()}); err != nil {
		return
	}
	for {
		select {
		case ev := <-sub.Events():
			if err := sse.Event(string(ev.Kind), ev); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

type chatRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
	URL            string `json:"url"`
	Page           string `json:"page"`
	Selection      string `json:"selection"`
}

type chatDone struct {
	ConversationID string `json:"conversation_id"`
	SessionID      string `json:"session_id"`
	Reply          string `json:"reply"`
}

// sseSink forwards orchestrator updates as SSE events.
type sseSink struct {
	sse *sseWriter
}

func (k sseSink) UserMessage(id string, e db.Entry) {
	_ = k.sse.Event("user", map[string]any{"conversation_id": id, "entry": e})
}

func (k sseSink) Fragment(id string, text string) {
	_ = k.sse.Event("fragment", map[string]any{"conversation_id": id, "text": text})
}

func (k sseSink) Finished(id string, e db.Entry) {}

func (k sseSink) Failed(id string, e db.Entry, err error) {}

// handleChat runs one orchestrated send. The reply streams as SSE; errors
// raised before anything was persisted come back as plain JSON.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	tab := page.Static{URL: body.URL, Content: body.Page, Selection: body.Selection}
	session := chat.NewPanelSession(tab, tab, sseSink{sse: sse})
	if id := strings.TrimSpace(body.ConversationID); id != "" {
		session.SetConversation(id)
	} else {
		s.Chat.NewConversation(session)
	}

	res, err := s.Chat.Send(r.Context(), session, body.Text)
	if err != nil {
		if !sse.Started() {
			writeError(w, statusFor(err), err)
			return
		}
		payload := errorBody{Error: err.Error()}
		if res != nil && res.Err != nil {
			// The notice stored in the conversation is what UIs render.
			if conv, gerr := s.Chat.Store.Get(r.Context(), res.ConversationID); gerr == nil && res.ReplyIndex < len(conv.Entries) {
				payload.Error = conv.Entries[res.ReplyIndex].Text
			}
		}
		_ = sse.Event("error", payload)
		return
	}
	_ = sse.Event("done", chatDone{ConversationID: res.ConversationID, SessionID: res.SessionID, Reply: res.Reply})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	list, err := s.Chat.History(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type createConversationRequest struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var body createConversationRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	id := strings.TrimSpace(body.ID)
	if id == "" {
		id = db.NewConversationID(time.Now())
	}
	var initial []db.Entry
	if u := strings.TrimSpace(body.URL); u != "" {
		initial = append(initial, db.URLVisit(u, time.Now().UnixMilli()))
	}
	conv, err := s.Chat.Store.Create(r.Context(), id, initial...)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.Chat.Store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// handleMessages returns the history a provider would see for the
// conversation: user and assistant messages only, oldest first.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	history := &ctxpkg.StoreProvider{Store: s.Chat.Store}
	messages, err := history.GetHistory(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if messages == nil {
		messages = []ctxpkg.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.Chat.Delete(r.Context(), nil, r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAppendEntry(w http.ResponseWriter, r *http.Request) {
	var entry db.Entry
	if err := decodeBody(r, &entry); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}
	conv, err := s.Chat.Store.Append(r.Context(), r.PathValue("id"), entry)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusBadGateway {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	st, err := s.Settings.Load(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st.Redacted())
}

type settingsPatch struct {
	Provider      *model.ProviderID `json:"provider"`
	Model         *string           `json:"model"`
	Credentials   map[string]string `json:"credentials"`
	LocalURL      *string           `json:"local_url"`
	AddLocalModel string            `json:"add_local_model"`
}

// handleUpdateSettings applies a partial update; absent fields are kept so
// a redacted GET response is never written back over real credentials.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var patch settingsPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st, err := s.Settings.Update(r.Context(), func(v *settings.Settings) error {
		if patch.Provider != nil {
			v.Provider = *patch.Provider
		}
		if patch.Model != nil {
			v.Model = strings.TrimSpace(*patch.Model)
		}
		for provider, key := range patch.Credentials {
			if err := v.SetCredential(model.ProviderID(provider), key); err != nil {
				return err
			}
		}
		if patch.LocalURL != nil {
			v.LocalURL = strings.TrimSpace(*patch.LocalURL)
		}
		if patch.AddLocalModel != "" {
			v.AddLocalModel(patch.AddLocalModel)
		}
		return nil
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, st.Redacted())
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	st, err := s.Settings.Load(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	models := st.AvailableModels()
	if models == nil {
		models = []settings.Option{}
	}
	writeJSON(w, http.StatusOK, models)
}
