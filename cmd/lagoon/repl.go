package main

import (
	"bufio"
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lagoon "github.com/nevindra/lagoon"
	"github.com/nevindra/lagoon/attach"
	"github.com/nevindra/lagoon/internal/config"
	"github.com/nevindra/lagoon/readpreview"
	"github.com/nevindra/lagoon/render"
)

// app is the interactive terminal client: a Controller plus a streaming
// printer and the local session index.
type app struct {
	ctrl     *lagoon.Controller
	sessions lagoon.SessionStore
	catalog  lagoon.ToolCatalog

	mu sync.Mutex
	// printed is how much of the currently streaming message has been
	// written to the terminal.
	printedID  string
	printedLen int
	lastStatus lagoon.AgentStatus
	title      string
}

func newApp(cfg config.Config, backend lagoon.Backend, catalog lagoon.ToolCatalog, tracer lagoon.Tracer, sessions lagoon.SessionStore) *app {
	a := &app{sessions: sessions, catalog: catalog}

	opts := []lagoon.Option{
		lagoon.WithDetachedTools(cfg.Session.DetachedTools...),
		lagoon.WithFlushInterval(time.Duration(cfg.Session.FlushIntervalMS) * time.Millisecond),
		lagoon.WithPollInterval(time.Duration(cfg.Session.PollIntervalMS) * time.Millisecond),
		lagoon.WithOnChange(a.redraw),
	}
	if cfg.Model.ID != "" {
		opts = append(opts, lagoon.WithModel(cfg.Model.ID, cfg.Model.Temperature))
	}
	if cfg.Model.SystemPrompt != "" {
		opts = append(opts, lagoon.WithSystemPrompt(cfg.Model.SystemPrompt))
	}
	if cfg.Session.IdleTimeoutMS > 0 {
		opts = append(opts, lagoon.WithStreamIdleTimeout(time.Duration(cfg.Session.IdleTimeoutMS)*time.Millisecond))
	}
	if tracer != nil {
		opts = append(opts, lagoon.WithTracer(tracer))
	}

	a.ctrl = lagoon.NewController(backend, opts...)
	return a
}

func (a *app) run(ctx context.Context) error {
	fmt.Printf("session %s — type a message, or /help\n", a.ctrl.SessionID())

	sc := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !sc.Scan() {
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := a.command(ctx, line); quit {
				return nil
			}
			continue
		}
		a.sendTurn(ctx, line)
	}
}

// sendTurn runs one turn synchronously; streaming output lands through the
// redraw callback while this blocks.
func (a *app) sendTurn(ctx context.Context, text string) {
	a.mu.Lock()
	if a.title == "" {
		a.title = text
	}
	a.mu.Unlock()

	if err := a.ctrl.SendMessage(ctx, text); err != nil {
		fmt.Fprintf(os.Stderr, "\n! %v\n", err)
	}
	fmt.Println()
	a.saveSession(ctx)

	// Interrupts need an answer before the turn can continue.
	if is := a.ctrl.Interrupt(); is != nil {
		for _, i := range is.Interrupts {
			fmt.Printf("? [%s] %s: %s (reply with /respond %s <decision>)\n", i.ID, i.Name, i.Reason, i.ID)
		}
	}
}

func (a *app) command(ctx context.Context, line string) (quit bool) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/help":
		fmt.Println("/new, /open <id>, /sessions, /respond <id> <decision>, /stop, /status, /tools,")
		fmt.Println("/attach <file> <message>, /preview <url>, /export <file.html>, /quit")
	case "/quit", "/exit":
		return true
	case "/new":
		a.resetPrinter()
		id := a.ctrl.NewChat()
		a.mu.Lock()
		a.title = ""
		a.mu.Unlock()
		fmt.Printf("session %s\n", id)
	case "/open":
		if len(fields) != 2 {
			fmt.Println("usage: /open <session-id>")
			return
		}
		a.resetPrinter()
		if err := a.ctrl.LoadSession(ctx, fields[1]); err != nil {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
			return
		}
		a.printTranscript()
	case "/sessions":
		recs, err := a.sessions.ListSessions(ctx, 20)
		if err != nil {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
			return
		}
		for _, r := range recs {
			fmt.Printf("%s  %s\n", r.ID, r.Title)
		}
	case "/respond":
		if len(fields) < 3 {
			fmt.Println("usage: /respond <interrupt-id> <decision>")
			return
		}
		if err := a.ctrl.RespondToInterrupt(ctx, fields[1], strings.Join(fields[2:], " ")); err != nil {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
		}
		fmt.Println()
		a.saveSession(ctx)
	case "/stop":
		if err := a.ctrl.Stop(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
		}
	case "/tools":
		names, err := a.catalog.Tools(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
			return
		}
		for _, n := range names {
			fmt.Println(n)
		}
	case "/attach":
		if len(fields) < 3 {
			fmt.Println("usage: /attach <file> <message>")
			return
		}
		content, err := os.ReadFile(fields[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
			return
		}
		att := attach.Attachment{
			Name:    filepath.Base(fields[1]),
			MIME:    mime.TypeByExtension(filepath.Ext(fields[1])),
			Content: content,
		}
		text, err := attach.FlattenAll(strings.Join(fields[2:], " "), []attach.Attachment{att})
		if err != nil {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
			return
		}
		a.sendTurn(ctx, text)
	case "/preview":
		if len(fields) != 2 {
			fmt.Println("usage: /preview <url>")
			return
		}
		p, err := readpreview.New().Fetch(ctx, fields[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
			return
		}
		fmt.Printf("%s\n%s\n", p.Title, p.Excerpt)
	case "/export":
		if len(fields) != 2 {
			fmt.Println("usage: /export <file.html>")
			return
		}
		html := render.Transcript(a.ctrl.Transcript())
		if err := os.WriteFile(fields[1], []byte(html), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
			return
		}
		fmt.Printf("wrote %s\n", fields[1])
	case "/status":
		fmt.Printf("%s  session=%s", a.ctrl.Status(), a.ctrl.SessionID())
		if p := a.ctrl.Progress(); p != "" {
			fmt.Printf("  (%s)", p)
		}
		fmt.Println()
	default:
		fmt.Printf("unknown command %s\n", fields[0])
	}
	return false
}

// redraw is the Controller's OnChange callback. It prints the unseen tail
// of the streaming message and status transitions worth surfacing.
func (a *app) redraw() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if st := a.ctrl.Status(); st != a.lastStatus {
		a.lastStatus = st
		switch st {
		case lagoon.StatusResearching, lagoon.StatusBrowsing, lagoon.StatusToolRunning, lagoon.StatusSwarm:
			fmt.Fprintf(os.Stderr, "[%s]\n", st)
		}
	}

	msgs := a.ctrl.Transcript().Messages()
	if len(msgs) == 0 {
		return
	}
	last := msgs[len(msgs)-1]
	if last.Sender != lagoon.SenderAgent {
		return
	}
	if last.ID != a.printedID {
		a.printedID = last.ID
		a.printedLen = 0
	}
	if len(last.Text) > a.printedLen {
		fmt.Print(last.Text[a.printedLen:])
		a.printedLen = len(last.Text)
	}
}

func (a *app) resetPrinter() {
	a.mu.Lock()
	a.printedID = ""
	a.printedLen = 0
	a.mu.Unlock()
}

// printTranscript dumps a reloaded session's history.
func (a *app) printTranscript() {
	for _, m := range a.ctrl.Transcript().Messages() {
		prefix := "  "
		if m.Sender == lagoon.SenderUser {
			prefix = "> "
		}
		fmt.Printf("%s%s\n", prefix, m.Text)
	}
}

func (a *app) saveSession(ctx context.Context) {
	a.mu.Lock()
	title := a.title
	a.mu.Unlock()
	if title == "" {
		title = "(untitled)"
	}
	now := lagoon.NowUnix()
	rec := lagoon.SessionRecord{ID: a.ctrl.SessionID(), Title: title, CreatedAt: now, UpdatedAt: now}
	if err := a.sessions.SaveSession(ctx, rec); err != nil {
		fmt.Fprintf(os.Stderr, "! save session: %v\n", err)
	}
}
