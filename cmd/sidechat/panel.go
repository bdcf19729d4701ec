package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/stupiduntilnot/sidechat/internal/chat"
	"github.com/stupiduntilnot/sidechat/internal/db"
	"github.com/stupiduntilnot/sidechat/internal/model"
	"github.com/stupiduntilnot/sidechat/internal/page"
	"github.com/stupiduntilnot/sidechat/internal/settings"
)

var (
	youStyle    = color.New(color.FgGreen, color.Bold).SprintFunc()
	botStyle    = color.New(color.FgCyan, color.Bold).SprintFunc()
	noticeStyle = color.New(color.FgRed).SprintFunc()
	faintStyle  = color.New(color.Faint).SprintFunc()
)

// settingsStore is the part of settings.Store the panel edits.
type settingsStore interface {
	Load(ctx context.Context) (settings.Settings, error)
	Update(ctx context.Context, mutate func(*settings.Settings) error) (settings.Settings, error)
}

// panel is the terminal rendition of the side panel: one session attached to
// one tab.
type panel struct {
	orch     *chat.Orchestrator
	settings settingsStore
	tab      *page.Tab
	session  *chat.PanelSession
	sink     *terminalSink
	out      io.Writer

	readLine   func() (string, bool)
	readSecret func(prompt string) (string, error)

	quote   string
	mu      sync.Mutex
	sending context.CancelFunc
}

func newPanel(orch *chat.Orchestrator, store settingsStore, tab *page.Tab, out io.Writer) *panel {
	p := &panel{orch: orch, settings: store, tab: tab, out: out, sink: &terminalSink{out: out}}
	p.session = chat.NewPanelSession(tab, tab, p.sink)
	return p
}

// cancelSend cancels the in-flight reply. It reports false when idle.
func (p *panel) cancelSend() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sending == nil {
		return false
	}
	p.sending()
	p.sending = nil
	return true
}

func (p *panel) loop(ctx context.Context) {
	for {
		fmt.Fprint(p.out, youStyle("You: "))
		line, ok := p.readLine()
		if !ok {
			return
		}
		if quit := p.handle(ctx, line); quit {
			return
		}
	}
}

// handle runs one input line and reports whether the panel should exit.
func (p *panel) handle(ctx context.Context, line string) bool {
	name, arg, isCommand := parseCommand(line)
	if !isCommand {
		p.send(ctx, line)
		return false
	}
	if err := p.run(ctx, name, arg); err != nil {
		if errors.Is(err, errQuit) {
			return true
		}
		fmt.Fprintln(p.out, noticeStyle("Error: "+err.Error()))
	}
	return false
}

var errQuit = errors.New("quit")

// parseCommand splits "/name rest of line". Lines that do not start with a
// slash, or start with "//", are messages.
func parseCommand(line string) (name, arg string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "/") || strings.HasPrefix(trimmed, "//") {
		return "", "", false
	}
	trimmed = strings.TrimPrefix(trimmed, "/")
	name, arg, _ = strings.Cut(trimmed, " ")
	return strings.ToLower(name), strings.TrimSpace(arg), true
}

const helpText = `Commands:
  /new                       start a new conversation
  /list                      list conversations, newest first
  /open <n|id>               open a conversation from /list
  /delete [n|id]             delete a conversation (default: current)
  /url <url>                 attach the panel to a page
  /select <text>             set the selected text on the page
  /quote                     quote the selection into the next message
  /models                    list available models
  /use <provider> [model]    choose provider and model
  /key <provider> [key]      set an API key (prompted when omitted)
  /local-url <url>           set the local model endpoint
  /local-model <name>        add a local model name
  /quit                      exit`

func (p *panel) run(ctx context.Context, name, arg string) error {
	switch name {
	case "help", "h", "?":
		fmt.Fprintln(p.out, helpText)
	case "quit", "exit", "q":
		return errQuit
	case "new":
		p.orch.NewConversation(p.session)
		p.quote = ""
		fmt.Fprintln(p.out, faintStyle("New conversation."))
	case "list", "history":
		return p.list(ctx)
	case "open":
		id, err := p.resolveID(ctx, arg)
		if err != nil {
			return err
		}
		conv, err := p.orch.Open(ctx, p.session, id)
		if err != nil {
			return err
		}
		p.render(conv)
	case "delete":
		id := p.session.ConversationID()
		if arg != "" {
			var err error
			if id, err = p.resolveID(ctx, arg); err != nil {
				return err
			}
		}
		if id == "" {
			return errors.New("no conversation to delete")
		}
		if err := p.orch.Delete(ctx, p.session, id); err != nil {
			return err
		}
		fmt.Fprintln(p.out, faintStyle("Deleted "+id+"."))
	case "url":
		if arg == "" {
			url, _ := p.tab.CurrentURL(ctx)
			fmt.Fprintln(p.out, emptyAs(url, "(no page)"))
			return nil
		}
		p.tab.Navigate(arg)
		fmt.Fprintln(p.out, faintStyle("Attached to "+arg))
	case "select":
		p.tab.Select(arg)
	case "quote":
		q := chat.Quote(p.tab.Selection())
		if q == "" {
			return errors.New("nothing selected")
		}
		p.quote = q
		fmt.Fprint(p.out, faintStyle(q))
	case "models":
		return p.models(ctx)
	case "use":
		return p.use(ctx, arg)
	case "key":
		return p.key(ctx, arg)
	case "local-url":
		if arg == "" {
			return errors.New("usage: /local-url <url>")
		}
		_, err := p.settings.Update(ctx, func(s *settings.Settings) error {
			s.LocalURL = arg
			return nil
		})
		return err
	case "local-model":
		if arg == "" {
			return errors.New("usage: /local-model <name>")
		}
		_, err := p.settings.Update(ctx, func(s *settings.Settings) error {
			s.AddLocalModel(arg)
			return nil
		})
		return err
	default:
		return fmt.Errorf("unknown command /%s, try /help", name)
	}
	return nil
}

func (p *panel) send(ctx context.Context, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if p.quote != "" {
		text = p.quote + text
		p.quote = ""
	}

	sendCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.sending = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.sending = nil
		p.mu.Unlock()
		cancel()
	}()

	res, err := p.orch.Send(sendCtx, p.session, text)
	switch {
	case err == nil:
	case res != nil && res.Err != nil:
		// The sink already showed the stored failure notice.
	case errors.Is(err, context.Canceled):
		p.sink.reset()
		fmt.Fprintln(p.out, faintStyle("[cancelled]"))
	case errors.Is(err, chat.ErrNeedsConfiguration):
		fmt.Fprintln(p.out, noticeStyle("No model is configured. Use /key openai, /key anthropic or /use local first."))
	case errors.Is(err, chat.ErrEmptyMessage):
	default:
		fmt.Fprintln(p.out, noticeStyle("Error: "+err.Error()))
	}
}

func (p *panel) list(ctx context.Context) error {
	rows, err := p.orch.History(ctx)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(p.out, faintStyle("No conversations yet."))
		return nil
	}
	current := p.session.ConversationID()
	for i, r := range rows {
		marker := " "
		if r.ID == current {
			marker = "*"
		}
		created := time.UnixMilli(r.CreatedAt).Format("2006-01-02 15:04")
		fmt.Fprintf(p.out, "%s%3d  %s  %s  %s\n", marker, i+1, created, emptyAs(r.Preview, "(empty)"), faintStyle(r.URL))
	}
	return nil
}

// resolveID accepts a 1-based position from /list or a conversation id.
func (p *panel) resolveID(ctx context.Context, arg string) (string, error) {
	if arg == "" {
		return "", errors.New("conversation number or id required")
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n <= 0 || len(arg) > 6 {
		return arg, nil
	}
	rows, err := p.orch.History(ctx)
	if err != nil {
		return "", err
	}
	if n > len(rows) {
		return "", fmt.Errorf("no conversation #%d", n)
	}
	return rows[n-1].ID, nil
}

func (p *panel) render(conv *db.Conversation) {
	for _, e := range conv.Entries {
		switch {
		case e.Type == db.EntryURL:
			fmt.Fprintln(p.out, faintStyle("@ "+e.URL))
		case e.Sender == db.SenderUser:
			fmt.Fprintln(p.out, youStyle("You: ")+e.Text)
		case e.Sender == db.SenderAssistant:
			fmt.Fprintln(p.out, botStyle("Assistant: ")+e.Text)
		case e.Sender == db.SenderSystem:
			fmt.Fprintln(p.out, noticeStyle(e.Text))
		}
	}
}

func (p *panel) models(ctx context.Context) error {
	st, err := p.settings.Load(ctx)
	if err != nil {
		return err
	}
	options := st.AvailableModels()
	if len(options) == 0 {
		fmt.Fprintln(p.out, faintStyle("No models available. Set a key with /key or pick /use local."))
		return nil
	}
	for _, o := range options {
		marker := " "
		if o.Provider == st.Provider && (o.Model == st.Model || (st.Model == "" && o.Model == settings.DefaultModel(o.Provider))) {
			marker = "*"
		}
		fmt.Fprintf(p.out, "%s %s\n", marker, o)
	}
	return nil
}

// use accepts "<provider> [model]" or the "provider: model" form /models prints.
func (p *panel) use(ctx context.Context, arg string) error {
	fields := strings.Fields(arg)
	if len(fields) == 0 {
		return errors.New("usage: /use <provider> [model]")
	}
	provider, err := model.ParseProviderID(strings.TrimSuffix(fields[0], ":"))
	if err != nil {
		return err
	}
	modelName := strings.Join(fields[1:], " ")
	st, err := p.settings.Update(ctx, func(s *settings.Settings) error {
		s.Provider = provider
		s.Model = modelName
		if provider == model.ProviderLocal && modelName != "" {
			s.AddLocalModel(modelName)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sel, err := st.Selection()
	if err != nil {
		fmt.Fprintln(p.out, noticeStyle(err.Error()))
		return nil
	}
	fmt.Fprintln(p.out, faintStyle(fmt.Sprintf("Using %s: %s", sel.Provider, sel.Model)))
	return nil
}

func (p *panel) key(ctx context.Context, arg string) error {
	providerArg, key, _ := strings.Cut(arg, " ")
	provider, err := model.ParseProviderID(providerArg)
	if err != nil {
		return errors.New("usage: /key <openai|anthropic> [key]")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		if p.readSecret == nil {
			return errors.New("key required")
		}
		if key, err = p.readSecret(fmt.Sprintf("%s API key", provider)); err != nil {
			return err
		}
	}
	st, err := p.settings.Update(ctx, func(s *settings.Settings) error {
		if err := s.SetCredential(provider, key); err != nil {
			return err
		}
		if !s.Configured() {
			s.Provider = provider
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(p.out, faintStyle(fmt.Sprintf("Saved %s key %s", provider, st.Redacted().Credential(provider))))
	return nil
}

// readSecret prompts without echo on a terminal and falls back to a plain
// line read otherwise.
func readSecret(out io.Writer, prompt string, readLine func() (string, bool)) (string, error) {
	fmt.Fprintf(out, "%s: ", prompt)
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		line, ok := readLine()
		if !ok {
			return "", io.EOF
		}
		return strings.TrimSpace(line), nil
	}
	secret, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(string(secret)), nil
}

func emptyAs(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// terminalSink streams reply fragments to the terminal as they arrive.
type terminalSink struct {
	out     io.Writer
	started bool
}

func (s *terminalSink) UserMessage(string, db.Entry) {}

func (s *terminalSink) reset() {
	if s.started {
		fmt.Fprintln(s.out)
	}
	s.started = false
}

func (s *terminalSink) Fragment(_ string, text string) {
	if !s.started {
		fmt.Fprint(s.out, botStyle("Assistant: "))
		s.started = true
	}
	fmt.Fprint(s.out, text)
}

func (s *terminalSink) Finished(string, db.Entry) {
	if !s.started {
		fmt.Fprint(s.out, botStyle("Assistant: "))
	}
	fmt.Fprint(s.out, "\n\n")
	s.started = false
}

func (s *terminalSink) Failed(_ string, notice db.Entry, _ error) {
	if s.started {
		fmt.Fprintln(s.out)
	}
	fmt.Fprintln(s.out, noticeStyle(notice.Text))
	fmt.Fprintln(s.out)
	s.started = false
}
