package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/stupiduntilnot/sidechat/internal/app"
	"github.com/stupiduntilnot/sidechat/internal/config"
	"github.com/stupiduntilnot/sidechat/internal/page"
)

var (
	startURL = flag.String("url", "", "page the panel starts attached to")
	fresh    = flag.Bool("new", false, "start a new conversation instead of reopening the latest")
)

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[sidechat] %v", err)
	}
	a, err := app.Open(cfg, "sidechat")
	if err != nil {
		log.Fatalf("[sidechat] %v", err)
	}

	tab := &page.Tab{}
	if cfg.FetchPages {
		tab.Fetcher = page.NewFetcher(time.Duration(cfg.ContextTimeoutMS) * time.Millisecond)
	}
	if *startURL != "" {
		tab.Navigate(*startURL)
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	p := newPanel(a.Orchestrator, a.Settings, tab, os.Stdout)
	p.readLine = func() (string, bool) {
		if !scanner.Scan() {
			return "", false
		}
		return scanner.Text(), true
	}
	p.readSecret = func(prompt string) (string, error) {
		return readSecret(p.out, prompt, p.readLine)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			if p.cancelSend() {
				continue
			}
			fmt.Fprintln(p.out, "\nShutting down...")
			cancel()
			a.Close()
			os.Exit(0)
		}
	}()

	if *fresh {
		p.orch.NewConversation(p.session)
	} else if conv, err := p.orch.OpenMostRecent(ctx, p.session); err != nil {
		log.Printf("[sidechat] reopen latest conversation: %v", err)
	} else if conv != nil {
		p.render(conv)
	}

	header := color.New(color.FgGreen, color.Bold).SprintFunc()
	fmt.Fprintln(p.out, header("sidechat"))
	fmt.Fprintln(p.out, "Type a message and press Enter. /help lists commands, Ctrl+C cancels a reply.")
	fmt.Fprintln(p.out)

	p.loop(ctx)
	signal.Stop(sigCh)
	if err := a.Close(); err != nil {
		log.Printf("[sidechat] close: %v", err)
	}
}
