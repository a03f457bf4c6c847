package lagoon

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestController(be Backend, opts ...Option) *Controller {
	base := []Option{
		WithFlushInterval(time.Millisecond),
		WithPollInterval(time.Hour),
		WithDetachedTools("deep_research"),
	}
	return NewController(be, append(base, opts...)...)
}

func TestSendMessageFullTurn(t *testing.T) {
	fb := &fakeBackend{streams: []string{frames(
		Event{Kind: EventInit},
		Event{Kind: EventText, Text: "The answer "},
		Event{Kind: EventToolUse, ToolID: "t-1", ToolName: "calc", Input: json.RawMessage(`{"expr":"2+2"}`)},
		Event{Kind: EventToolResult, ToolID: "t-1", Result: "4"},
		Event{Kind: EventText, Text: "is 4."},
		Event{Kind: EventComplete},
	)}}
	ctrl := newTestController(fb, WithModel("m-large", 0.3), WithEnabledTools("calc"))

	if err := ctrl.SendMessage(context.Background(), "what is 2+2?"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if got := ctrl.Status(); got != StatusIdle {
		t.Errorf("Status = %s, want idle", got)
	}
	msgs := ctrl.Transcript().Messages()
	if len(msgs) < 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Sender != SenderUser || msgs[0].Text != "what is 2+2?" {
		t.Errorf("user message = %+v", msgs[0])
	}
	last := lastAgentMessage(ctrl.Transcript())
	if last.IsStreaming || last.Text != "is 4." {
		t.Errorf("answer = %+v", last)
	}

	req, err := fb.lastRequest()
	if err != nil {
		t.Fatal(err)
	}
	if req.RequestType != RequestChat || req.ModelID != "m-large" || req.Temperature != 0.3 {
		t.Errorf("request = %+v", req)
	}
	if len(req.EnabledTools) != 1 || req.EnabledTools[0] != "calc" {
		t.Errorf("EnabledTools = %v", req.EnabledTools)
	}
}

func TestSessionSwitchDropsLateEvents(t *testing.T) {
	pr, pw := io.Pipe()
	be := &fetchBackend{
		scriptedStream: scriptedStream{open: func(context.Context, string, TurnRequest) (io.ReadCloser, error) {
			return pr, nil
		}},
		fetch: func(_ context.Context, sessionID string) ([]TranscriptEntry, error) {
			return []TranscriptEntry{
				{ID: "m-old", Sender: SenderAgent, Text: "from the other session"},
			}, nil
		},
	}
	ctrl := newTestController(be)

	done := make(chan error, 1)
	go func() { done <- ctrl.SendMessage(context.Background(), "hi") }()

	io.WriteString(pw, frame(Event{Kind: EventText, Text: "early"}))
	waitFor(t, "early delta to land", func() bool {
		m := lastAgentMessage(ctrl.Transcript())
		return m != nil && strings.Contains(m.Text, "early")
	})

	if err := ctrl.LoadSession(context.Background(), "s-other"); err != nil {
		t.Fatalf("LoadSession: %v", err)
	}

	// The superseded stream keeps producing; everything it emits is stale.
	io.WriteString(pw, frame(Event{Kind: EventText, Text: " late"}))
	pw.Close()

	if err := <-done; err != nil {
		t.Errorf("superseded SendMessage = %v, want nil", err)
	}

	msgs := ctrl.Transcript().Messages()
	if len(msgs) != 1 || msgs[0].Text != "from the other session" {
		t.Fatalf("transcript = %+v, want only the loaded entry", msgs)
	}
	for _, m := range msgs {
		if strings.Contains(m.Text, "late") || strings.Contains(m.Text, "early") {
			t.Errorf("stale text leaked: %q", m.Text)
		}
	}
	if ctrl.SessionID() != "s-other" {
		t.Errorf("SessionID = %q", ctrl.SessionID())
	}
}

func TestSendWhileStreamingSupersedes(t *testing.T) {
	pr, pw := io.Pipe()
	var calls atomic.Int64
	be := &scriptedStream{open: func(context.Context, string, TurnRequest) (io.ReadCloser, error) {
		if calls.Add(1) == 1 {
			return pr, nil
		}
		return io.NopCloser(strings.NewReader(frames(
			Event{Kind: EventText, Text: "answer two"},
			Event{Kind: EventComplete},
		))), nil
	}}
	ctrl := newTestController(be)

	firstDone := make(chan error, 1)
	go func() { firstDone <- ctrl.SendMessage(context.Background(), "first") }()

	io.WriteString(pw, frame(Event{Kind: EventText, Text: "partial answer one"}))
	waitFor(t, "first turn's delta to land", func() bool {
		m := lastAgentMessage(ctrl.Transcript())
		return m != nil && strings.Contains(m.Text, "partial")
	})

	// The second send supersedes the still-streaming first turn.
	if err := ctrl.SendMessage(context.Background(), "second"); err != nil {
		t.Fatalf("second SendMessage: %v", err)
	}
	pw.Close()
	if err := <-firstDone; err != nil {
		t.Errorf("superseded SendMessage = %v, want nil", err)
	}

	turns := ctrl.Transcript().Turns()
	if len(turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(turns))
	}
	var first, second *Message
	for _, m := range turns[0].Messages {
		if m.Sender == SenderAgent {
			first = m
		}
	}
	for _, m := range turns[1].Messages {
		if m.Sender == SenderAgent {
			second = m
		}
	}
	if first == nil || first.IsStreaming || first.Text != "partial answer one" {
		t.Errorf("superseded turn's message = %+v, want finalized partial text", first)
	}
	if second == nil || second.Text != "answer two" {
		t.Errorf("new turn's message = %+v", second)
	}
	if got := ctrl.Status(); got != StatusIdle {
		t.Errorf("Status = %s, want idle", got)
	}
}

func TestInterruptRoundTrip(t *testing.T) {
	fb := &fakeBackend{streams: []string{
		frames(Event{Kind: EventInterrupt, Interrupts: []Interrupt{
			{ID: "int-1", Name: "approve_purchase", Reason: "cost above limit"},
		}}),
		frames(
			Event{Kind: EventText, Text: "Purchased."},
			Event{Kind: EventComplete},
		),
	}}
	ctrl := newTestController(fb)

	if err := ctrl.SendMessage(context.Background(), "buy it"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got := ctrl.Status(); got != StatusInterrupted {
		t.Fatalf("Status = %s, want interrupted", got)
	}
	is := ctrl.Interrupt()
	if is == nil || len(is.Interrupts) != 1 || is.Interrupts[0].ID != "int-1" {
		t.Fatalf("Interrupt = %+v", is)
	}

	if err := ctrl.RespondToInterrupt(context.Background(), "int-1", "approve"); err != nil {
		t.Fatalf("RespondToInterrupt: %v", err)
	}
	if ctrl.Interrupt() != nil {
		t.Error("interrupt state not cleared")
	}
	req, err := fb.lastRequest()
	if err != nil {
		t.Fatal(err)
	}
	if req.RequestType != RequestInterruptResponse || req.InterruptID != "int-1" || req.Decision != "approve" {
		t.Errorf("request = %+v", req)
	}
	if m := lastAgentMessage(ctrl.Transcript()); m == nil || m.Text != "Purchased." {
		t.Errorf("resumed answer = %+v", m)
	}

	// A second response has nothing pending to respond to.
	if err := ctrl.RespondToInterrupt(context.Background(), "int-1", "approve"); err == nil {
		t.Error("RespondToInterrupt succeeded with no pending interrupt")
	}
}

// pipeBackend streams a caller-fed body and counts stop signals.
type pipeBackend struct {
	body  io.ReadCloser
	stops atomic.Int64
}

func (p *pipeBackend) StreamTurn(context.Context, string, TurnRequest) (io.ReadCloser, error) {
	return p.body, nil
}

func (p *pipeBackend) FetchTranscript(context.Context, string) ([]TranscriptEntry, error) {
	return nil, nil
}

func (p *pipeBackend) SendStop(context.Context, string) error {
	p.stops.Add(1)
	return nil
}

func TestStopSignalsBackendForDetachedWork(t *testing.T) {
	pr, pw := io.Pipe()
	be := &pipeBackend{body: pr}
	ctrl := newTestController(be)

	done := make(chan error, 1)
	go func() { done <- ctrl.SendMessage(context.Background(), "research this") }()

	io.WriteString(pw, frame(Event{Kind: EventToolUse, ToolID: "t-1", ToolName: "deep_research"}))
	waitFor(t, "detached execution to register", func() bool {
		e, ok := ctrl.Transcript().exec("t-1")
		return ok && e.Detached
	})

	if err := ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	pw.Close()
	if err := <-done; err != nil {
		t.Errorf("stopped SendMessage = %v, want nil", err)
	}

	if got := be.stops.Load(); got != 1 {
		t.Errorf("stop signals = %d, want 1", got)
	}
	if got := ctrl.Status(); got != StatusIdle {
		t.Errorf("Status = %s, want idle after stop", got)
	}
	e, _ := ctrl.Transcript().exec("t-1")
	if !e.IsCancelled {
		t.Error("outstanding execution not marked cancelled")
	}
	for _, m := range ctrl.Transcript().Messages() {
		if m.IsError {
			t.Error("stop produced an error message")
		}
	}
}

func TestStopWithoutDetachedWorkSkipsSignal(t *testing.T) {
	fb := &fakeBackend{streams: []string{frames(
		Event{Kind: EventText, Text: "done"},
		Event{Kind: EventComplete},
	)}}
	ctrl := newTestController(fb)

	if err := ctrl.SendMessage(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	if err := ctrl.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := fb.stopCount(); got != 0 {
		t.Errorf("stop signals = %d, want 0 with nothing outstanding", got)
	}
}

func TestLoadSessionArmsPollerWhenUnsettled(t *testing.T) {
	fb := &fakeBackend{}
	fb.setEntries([]TranscriptEntry{
		{ID: "m-1", Sender: SenderUser, Text: "look into this"},
		{ID: "m-2", Sender: SenderAgent, ToolCalls: []EntryToolCall{
			{ID: "t-1", Name: "deep_research", IsComplete: false},
		}},
	})
	ctrl := newTestController(fb)

	if err := ctrl.LoadSession(context.Background(), "s-1"); err != nil {
		t.Fatalf("LoadSession: %v", err)
	}

	msgs := ctrl.Transcript().Messages()
	if len(msgs) == 0 || msgs[0].Sender != SenderUser || msgs[0].Text != "look into this" {
		t.Errorf("reload dropped the user row: %+v", msgs)
	}
	if !ctrl.poller.Armed() {
		t.Error("poller not armed for the outstanding detached execution")
	}
	ctrl.poller.Disarm()
}

func TestLoadSessionSettledLeavesPollerDisarmed(t *testing.T) {
	fb := &fakeBackend{}
	fb.setEntries([]TranscriptEntry{
		{ID: "m-1", Sender: SenderUser, Text: "hi"},
		{ID: "m-2", Sender: SenderAgent, Text: "hello"},
	})
	ctrl := newTestController(fb)

	if err := ctrl.LoadSession(context.Background(), "s-1"); err != nil {
		t.Fatal(err)
	}
	if ctrl.poller.Armed() {
		t.Error("poller armed with nothing to reconcile")
	}
	if got := ctrl.Status(); got != StatusIdle {
		t.Errorf("Status = %s", got)
	}
}

func TestNewChatResets(t *testing.T) {
	fb := &fakeBackend{streams: []string{frames(
		Event{Kind: EventText, Text: "hello"},
		Event{Kind: EventComplete},
	)}}
	ctrl := newTestController(fb)

	if err := ctrl.SendMessage(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	old := ctrl.SessionID()

	id := ctrl.NewChat()
	if id == old {
		t.Error("NewChat reused the session id")
	}
	if id != ctrl.SessionID() {
		t.Errorf("returned id %q != active id %q", id, ctrl.SessionID())
	}
	if got := len(ctrl.Transcript().Messages()); got != 0 {
		t.Errorf("transcript kept %d messages across NewChat", got)
	}
}

func TestStreamEndWithoutCompleteFinalizesTurn(t *testing.T) {
	// The stream closes cleanly with no terminal event.
	fb := &fakeBackend{streams: []string{frame(Event{Kind: EventText, Text: "partial answer"})}}
	ctrl := newTestController(fb)

	if err := ctrl.SendMessage(context.Background(), "hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if got := ctrl.Status(); got != StatusIdle {
		t.Errorf("Status = %s, want idle", got)
	}
	m := lastAgentMessage(ctrl.Transcript())
	if m == nil || m.IsStreaming || m.Text != "partial answer" {
		t.Errorf("message = %+v, want finalized partial text", m)
	}
}

func TestOnChangeFires(t *testing.T) {
	fb := &fakeBackend{streams: []string{frames(
		Event{Kind: EventText, Text: "hello"},
		Event{Kind: EventComplete},
	)}}
	var changes atomic.Int64
	ctrl := newTestController(fb, WithOnChange(func() { changes.Add(1) }))

	if err := ctrl.SendMessage(context.Background(), "hi"); err != nil {
		t.Fatal(err)
	}
	if changes.Load() == 0 {
		t.Error("OnChange never fired")
	}
}
