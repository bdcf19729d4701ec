package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/stupiduntilnot/sidechat/internal/app"
	"github.com/stupiduntilnot/sidechat/internal/config"
	"github.com/stupiduntilnot/sidechat/internal/server"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[sidechatd] %v", err)
	}

	a, err := app.Open(cfg, "sidechatd")
	if err != nil {
		log.Fatalf("[sidechatd] %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		a.Close()
		log.Fatalf("[sidechatd] listen %s: %v", cfg.ListenAddr, err)
	}

	if err := serve(ctx, ln, newHTTPServer(a)); err != nil {
		log.Printf("[sidechatd] %v", err)
	}
	if err := a.Close(); err != nil {
		log.Printf("[sidechatd] close: %v", err)
	}
	log.Printf("[sidechatd] stopped")
}

func newHTTPServer(a *app.App) *http.Server {
	srv := &server.Server{Chat: a.Orchestrator, Settings: a.Settings}
	return &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// serve runs httpServer on ln until ctx is done, then shuts it down. Open
// event streams are cut when the grace period ends.
func serve(ctx context.Context, ln net.Listener, httpServer *http.Server) error {
	httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[sidechatd] listening on %s", ln.Addr())
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Printf("[sidechatd] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		httpServer.Close()
		return err
	}
	return nil
}
