package settings

import (
	"fmt"
	"strings"

	"github.com/stupiduntilnot/sidechat/internal/model"
)

// DefaultProvider is offered first in front ends; it is not applied to an
// unconfigured store.
const DefaultProvider = model.ProviderOpenAI

// DefaultLocalURL is the chat endpoint assumed for the local provider.
const DefaultLocalURL = "http://localhost:11434/api/chat"

var catalog = map[model.ProviderID][]string{
	model.ProviderOpenAI:    {"gpt-4o-mini", "gpt-4o"},
	model.ProviderAnthropic: {"claude-3.5-sonnet", "claude-3.5-haiku"},
	model.ProviderLocal:     {"llama3.1"},
}

var defaultModels = map[model.ProviderID]string{
	model.ProviderOpenAI:    "gpt-4o-mini",
	model.ProviderAnthropic: "claude-3.5-sonnet",
	model.ProviderLocal:     "llama3.1",
}

// DefaultModel returns the model used when a provider is chosen without one.
func DefaultModel(p model.ProviderID) string {
	return defaultModels[p]
}

// Catalog returns the built-in model names for p.
func Catalog(p model.ProviderID) []string {
	return append([]string(nil), catalog[p]...)
}

// Credentials holds one bearer credential per remote provider.
type Credentials struct {
	OpenAI    string `json:"openai,omitempty"`
	Anthropic string `json:"anthropic,omitempty"`
}

// Settings is the persisted provider configuration.
type Settings struct {
	Provider    model.ProviderID `json:"provider,omitempty"`
	Model       string           `json:"model,omitempty"`
	Credentials Credentials      `json:"credentials"`
	LocalURL    string           `json:"local_url,omitempty"`
	LocalModels []string         `json:"local_models,omitempty"`
}

// Selection is the provider choice resolved for a single send.
type Selection struct {
	Provider   model.ProviderID
	Model      string
	Credential string
	Endpoint   string
}

// Option is one entry of the model picker.
type Option struct {
	Provider model.ProviderID `json:"provider"`
	Model    string           `json:"model"`
}

func (o Option) String() string {
	return fmt.Sprintf("%s: %s", o.Provider, o.Model)
}

// Configured reports whether a provider has been chosen.
func (s Settings) Configured() bool {
	return strings.TrimSpace(string(s.Provider)) != ""
}

// Credential returns the stored credential for p.
func (s Settings) Credential(p model.ProviderID) string {
	switch p {
	case model.ProviderOpenAI:
		return s.Credentials.OpenAI
	case model.ProviderAnthropic:
		return s.Credentials.Anthropic
	default:
		return ""
	}
}

// SetCredential stores key for a remote provider.
func (s *Settings) SetCredential(p model.ProviderID, key string) error {
	key = strings.TrimSpace(key)
	switch p {
	case model.ProviderOpenAI:
		s.Credentials.OpenAI = key
	case model.ProviderAnthropic:
		s.Credentials.Anthropic = key
	default:
		return fmt.Errorf("provider %q does not take a credential", p)
	}
	return nil
}

// LocalEndpoint returns the configured local URL or the default one.
func (s Settings) LocalEndpoint() string {
	if u := strings.TrimSpace(s.LocalURL); u != "" {
		return u
	}
	return DefaultLocalURL
}

// Models returns the selectable model names for p, including user-added
// local models.
func (s Settings) Models(p model.ProviderID) []string {
	if p == model.ProviderLocal && len(s.LocalModels) > 0 {
		return append([]string(nil), s.LocalModels...)
	}
	return Catalog(p)
}

// AddLocalModel appends name to the local model list. It reports false when
// name is blank or already listed.
func (s *Settings) AddLocalModel(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	current := s.Models(model.ProviderLocal)
	for _, m := range current {
		if m == name {
			return false
		}
	}
	s.LocalModels = append(current, name)
	return true
}

// Selection resolves the provider, model and credential for a send. A
// missing provider, credential or local URL is a ConfigurationError.
func (s Settings) Selection() (Selection, error) {
	if !s.Configured() {
		return Selection{}, &model.ConfigurationError{Field: "provider", Reason: "no provider configured"}
	}
	p, err := model.ParseProviderID(string(s.Provider))
	if err != nil {
		return Selection{}, &model.ConfigurationError{Field: "provider", Reason: err.Error()}
	}
	sel := Selection{Provider: p, Model: strings.TrimSpace(s.Model)}
	if sel.Model == "" {
		sel.Model = DefaultModel(p)
	}
	switch p {
	case model.ProviderLocal:
		sel.Endpoint = s.LocalEndpoint()
	default:
		sel.Credential = strings.TrimSpace(s.Credential(p))
		if err := model.RequireField(p, "credential", sel.Credential); err != nil {
			return Selection{}, err
		}
	}
	return sel, nil
}

// AvailableModels lists the models that can be used right now: the chosen
// remote provider's catalog when its credential is set, or the local models
// when the local provider is chosen.
func (s Settings) AvailableModels() []Option {
	var out []Option
	switch s.Provider {
	case model.ProviderOpenAI, model.ProviderAnthropic:
		if strings.TrimSpace(s.Credential(s.Provider)) == "" {
			return nil
		}
		for _, m := range s.Models(s.Provider) {
			out = append(out, Option{Provider: s.Provider, Model: m})
		}
	case model.ProviderLocal:
		for _, m := range s.Models(model.ProviderLocal) {
			out = append(out, Option{Provider: model.ProviderLocal, Model: m})
		}
	}
	return out
}

// Redacted returns a copy safe to hand to a UI: credentials are masked.
func (s Settings) Redacted() Settings {
	s.Credentials.OpenAI = mask(s.Credentials.OpenAI)
	s.Credentials.Anthropic = mask(s.Credentials.Anthropic)
	s.LocalModels = append([]string(nil), s.LocalModels...)
	return s
}

func mask(v string) string {
	if v == "" {
		return ""
	}
	if len(v) <= 8 {
		return "****"
	}
	return v[:3] + "****" + v[len(v)-4:]
}

// Validate rejects unknown providers.
func (s Settings) Validate() error {
	if !s.Configured() {
		return nil
	}
	if _, err := model.ParseProviderID(string(s.Provider)); err != nil {
		return err
	}
	return nil
}
