package dummy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	modelpkg "github.com/stupiduntilnot/sidechat/internal/model"
)

// Script actions, comma separated, one consumed per Open:
//
//	ok             single fragment "dummy-ok"
//	msg:a|b|c      fragments a, b, c
//	msgb64:<b64>   one fragment with the decoded text
//	err:<class>    Open fails with a ProviderError
//	cut:a|b        fragments a, b then a NetworkError
//	sleep:<ms>     wait, then a single fragment
//	hang           block until the request context is cancelled
//
// The last action repeats once the script is exhausted.
type action struct {
	kind string
	arg  string
}

var prefixedKinds = []string{"err", "sleep", "msg", "msgb64", "cut"}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		if token == "ok" || token == "hang" {
			actions = append(actions, action{kind: token})
			continue
		}
		matched := false
		for _, kind := range prefixedKinds {
			if strings.HasPrefix(token, kind+":") {
				actions = append(actions, action{kind: kind, arg: strings.TrimPrefix(token, kind+":")})
				matched = true
				break
			}
		}
		if !matched {
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

// Provider is a scripted model.Provider that records every request.
type Provider struct {
	mu       sync.Mutex
	id       modelpkg.ProviderID
	script   *scriptRunner
	requests []modelpkg.Request
}

// NewProvider returns a scripted provider reporting itself as id.
func NewProvider(id modelpkg.ProviderID, script string) (*Provider, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Provider{id: id, script: runner}, nil
}

// Requests returns a copy of the requests seen so far.
func (p *Provider) Requests() []modelpkg.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]modelpkg.Request(nil), p.requests...)
}

func (p *Provider) Open(ctx context.Context, req modelpkg.Request) (modelpkg.Stream, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	a := p.script.next()
	p.mu.Unlock()

	switch a.kind {
	case "ok":
		return modelpkg.NewStaticStream("dummy-ok"), nil
	case "msg":
		return modelpkg.NewStaticStream(strings.Split(a.arg, "|")...), nil
	case "msgb64":
		raw, err := base64.StdEncoding.DecodeString(a.arg)
		if err != nil {
			return nil, fmt.Errorf("dummy provider msgb64 decode failed: %w", err)
		}
		return modelpkg.NewStaticStream(string(raw)), nil
	case "err":
		return nil, &modelpkg.ProviderError{
			Provider: p.id,
			Status:   500,
			Message:  fmt.Sprintf("dummy provider error class=%s", emptyAs(a.arg, "provider_api")),
		}
	case "cut":
		return &stream{
			fragments: strings.Split(a.arg, "|"),
			tail:      &modelpkg.NetworkError{Provider: p.id, Err: errors.New("dummy connection reset")},
		}, nil
	case "sleep":
		ms, _ := strconv.Atoi(a.arg)
		if ms > 0 {
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-ctx.Done():
				return nil, &modelpkg.NetworkError{Provider: p.id, Err: ctx.Err()}
			}
		}
		return modelpkg.NewStaticStream("dummy-after-sleep"), nil
	case "hang":
		return &stream{ctx: ctx, hang: true, provider: p.id}, nil
	default:
		return modelpkg.NewStaticStream("dummy-ok"), nil
	}
}

type stream struct {
	ctx       context.Context
	provider  modelpkg.ProviderID
	hang      bool
	fragments []string
	tail      error
	current   string
	err       error
}

func (s *stream) Next() bool {
	if s.err != nil {
		return false
	}
	if s.hang {
		<-s.ctx.Done()
		s.err = &modelpkg.NetworkError{Provider: s.provider, Err: s.ctx.Err()}
		return false
	}
	if len(s.fragments) == 0 {
		s.err = s.tail
		return false
	}
	s.current = s.fragments[0]
	s.fragments = s.fragments[1:]
	return true
}

func (s *stream) Fragment() string { return s.current }
func (s *stream) Err() error       { return s.err }
func (s *stream) Close() error     { return nil }

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
