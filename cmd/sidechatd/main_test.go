package main

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/sidechat/internal/app"
	"github.com/stupiduntilnot/sidechat/internal/config"
)

func TestServe_ShutsDownOnCancel(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{
		DBPath:              filepath.Join(dir, "sidechat.db"),
		SettingsPath:        filepath.Join(dir, "settings.bolt"),
		ContextTimeoutMS:    500,
		HistoryWindow:       10,
		CircuitCooldownSecs: 30,
		DummyScript:         "ok",
	}
	a, err := app.Open(cfg, "sidechatd")
	require.NoError(t, err)
	defer a.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, ln, newHTTPServer(a)) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/v1/settings")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}

	_, err = http.Get("http://" + ln.Addr().String() + "/v1/settings")
	assert.Error(t, err)
}
