// Package app wires configuration, storage, providers and the orchestrator
// together for the sidechat binaries.
package app

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/stupiduntilnot/sidechat/internal/anthropic"
	"github.com/stupiduntilnot/sidechat/internal/chat"
	"github.com/stupiduntilnot/sidechat/internal/config"
	ctxpkg "github.com/stupiduntilnot/sidechat/internal/context"
	"github.com/stupiduntilnot/sidechat/internal/control"
	"github.com/stupiduntilnot/sidechat/internal/db"
	"github.com/stupiduntilnot/sidechat/internal/dummy"
	"github.com/stupiduntilnot/sidechat/internal/model"
	"github.com/stupiduntilnot/sidechat/internal/ollama"
	"github.com/stupiduntilnot/sidechat/internal/openai"
	"github.com/stupiduntilnot/sidechat/internal/relay"
	"github.com/stupiduntilnot/sidechat/internal/settings"
)

// App holds the long-lived resources of one process.
type App struct {
	Config       config.Config
	DB           *sql.DB
	Settings     *settings.Store
	Hub          *relay.Hub
	Orchestrator *chat.Orchestrator
	ProcessID    *int64
}

// NewRegistry builds the provider table. A non-empty DummyScript replaces
// every adapter with a scripted provider.
func NewRegistry(cfg config.Config) (model.Registry, error) {
	timeout := time.Duration(cfg.HTTPTimeoutSeconds) * time.Second
	registry := model.Registry{}
	if cfg.DummyScript != "" {
		for _, id := range []model.ProviderID{model.ProviderOpenAI, model.ProviderAnthropic, model.ProviderLocal} {
			p, err := dummy.NewProvider(id, cfg.DummyScript)
			if err != nil {
				return nil, fmt.Errorf("SIDECHAT_DUMMY_SCRIPT: %w", err)
			}
			registry[id] = p
		}
	} else {
		registry[model.ProviderOpenAI] = openai.NewClient(cfg.OpenAIChatCompURL, timeout)
		registry[model.ProviderAnthropic] = anthropic.NewClient(anthropic.Config{
			URL:       cfg.AnthropicMessagesURL,
			Version:   cfg.AnthropicVersion,
			MaxTokens: cfg.AnthropicMaxTokens,
			Timeout:   timeout,
		})
		registry[model.ProviderLocal] = ollama.NewClient(timeout)
	}
	if cfg.CircuitThreshold > 0 {
		registry = control.GuardRegistry(registry, cfg.CircuitThreshold, time.Duration(cfg.CircuitCooldownSecs)*time.Second)
	}
	return registry, nil
}

// Open opens the event database and the settings store, records a
// process.started root event for role and builds the orchestrator.
func Open(cfg config.Config, role string) (*App, error) {
	database, err := db.OpenDB(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := db.InitSchema(database); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	store, err := settings.Open(cfg.SettingsPath)
	if err != nil {
		database.Close()
		return nil, err
	}
	registry, err := NewRegistry(cfg)
	if err != nil {
		store.Close()
		database.Close()
		return nil, err
	}

	a := &App{Config: cfg, DB: database, Settings: store, Hub: relay.NewHub()}
	processID, err := db.LogEvent(database, nil, db.EventProcessStarted, map[string]any{
		"role":  role,
		"pid":   os.Getpid(),
		"dummy": cfg.DummyScript != "",
	})
	if err != nil {
		log.Printf("[%s] failed to log process.started: %v", role, err)
	} else {
		a.ProcessID = &processID
	}

	a.Orchestrator = &chat.Orchestrator{
		Store:          &db.Conversations{DB: database},
		Events:         database,
		Settings:       store,
		Registry:       registry,
		Hub:            a.Hub,
		Assembler:      &ctxpkg.StandardAssembler{},
		Compressor:     &ctxpkg.SimpleCompressor{MaxMessages: cfg.HistoryWindow},
		Persona:        cfg.SystemPrompt,
		ContextTimeout: time.Duration(cfg.ContextTimeoutMS) * time.Millisecond,
		ParentEventID:  a.ProcessID,
	}
	return a, nil
}

// Close waits for in-flight relay sessions and releases the stores.
func (a *App) Close() error {
	a.Hub.Wait()
	serr := a.Settings.Close()
	derr := a.DB.Close()
	if serr != nil {
		return serr
	}
	return derr
}
