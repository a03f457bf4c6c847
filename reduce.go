package lagoon

import (
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Effect is a side effect scheduled by an event handler. Handlers mutate the
// reducer's model and return effects; the Controller executes them after the
// handler returns. This keeps the state machine testable without a live
// network: feed events in, assert on state and scheduled effects.
type Effect uint8

const (
	// EffectArmPoller arms the Fallback Poller for the active session
	// (a detached long-running tool was invoked).
	EffectArmPoller Effect = iota + 1
	// EffectStopPoller disarms the Fallback Poller (an interrupt arrived;
	// the turn is paused awaiting a human decision).
	EffectStopPoller
)

// handlerFunc is one entry in the reducer's dispatch table: it maps the
// current state plus one event to new state and a list of effects.
type handlerFunc func(*Reducer, Event) []Effect

// handlers is the tagged-variant dispatch table, one handler per event kind.
var handlers = map[EventKind]handlerFunc{
	EventInit:             (*Reducer).handleInit,
	EventThinking:         (*Reducer).handleInit,
	EventReasoning:        (*Reducer).handleReasoning,
	EventText:             (*Reducer).handleText,
	EventToolUse:          (*Reducer).handleToolUse,
	EventToolResult:       (*Reducer).handleToolResult,
	EventProgress:         (*Reducer).handleProgress,
	EventComplete:         (*Reducer).handleComplete,
	EventError:            (*Reducer).handleError,
	EventInterrupt:        (*Reducer).handleInterrupt,
	EventMetadata:         (*Reducer).handleMetadata,
	EventBrowserProgress:  (*Reducer).handleProgress,
	EventResearchProgress: (*Reducer).handleProgress,
	EventSwarmNodeStart:   (*Reducer).handleSwarmNodeStart,
	EventSwarmNodeStop:    (*Reducer).handleSwarmNodeStop,
	EventSwarmHandoff:     (*Reducer).handleSwarmHandoff,
	EventSwarmComplete:    (*Reducer).handleSwarmComplete,
}

// Reducer reduces the event sequence for one session into the transcript
// and status model. It is not safe for concurrent use on its own: the
// Controller serializes access and consults the Guard before every dispatch.
type Reducer struct {
	logger        *slog.Logger
	transcript    *Transcript
	status        AgentStatus
	co            *Coalescer
	detached      map[string]bool
	flushInterval time.Duration

	// publish runs a deferred mutation (a coalescer flush) back on the
	// owner's goroutine discipline: under the session lock, guard-checked.
	// The Controller installs it; the default runs inline for tests.
	publish func(apply func())

	// Per-turn transient state, cleared on complete/error.
	streaming   *Message
	reasoning   strings.Builder
	progress    string
	swarm       *swarmState
	turnStart   time.Time
	sawDelta    bool
	turnIsVoice bool

	// interrupt is the zero-or-one pending human decision set.
	interrupt *InterruptState

	// meta holds set-once side-channel identifiers (live-view sub-session
	// ids and the like). Session-scoped: an error mid-turn must not drop an
	// established live-view handle, so it survives everything short of a
	// session reset.
	meta map[string]string
}

// ReducerOption configures a Reducer.
type ReducerOption func(*Reducer)

// ReducerLogger sets the structured logger. Protocol violations (results for
// unknown ids, unknown kinds) log at WARN and are otherwise skipped.
func ReducerLogger(l *slog.Logger) ReducerOption {
	return func(r *Reducer) { r.logger = l }
}

// ReducerFlushInterval overrides the text coalescing cadence.
func ReducerFlushInterval(d time.Duration) ReducerOption {
	return func(r *Reducer) { r.flushInterval = d }
}

// ReducerDetachedTools names the tools that execute as independent backend
// processes and must be reconciled via polling.
func ReducerDetachedTools(names ...string) ReducerOption {
	return func(r *Reducer) {
		for _, n := range names {
			r.detached[n] = true
		}
	}
}

// NewReducer returns a Reducer with an empty transcript in StatusIdle.
func NewReducer(opts ...ReducerOption) *Reducer {
	r := &Reducer{
		logger:        nopLogger,
		transcript:    NewTranscript(),
		status:        StatusIdle,
		detached:      make(map[string]bool),
		flushInterval: DefaultFlushInterval,
		meta:          make(map[string]string),
		publish:       func(apply func()) { apply() },
	}
	for _, o := range opts {
		o(r)
	}
	r.co = NewCoalescer(r.flushInterval)
	return r
}

// Transcript returns the session transcript. Read-only for callers.
func (r *Reducer) Transcript() *Transcript { return r.transcript }

// Status returns the current agent status.
func (r *Reducer) Status() AgentStatus { return r.status }

// Progress returns the latest out-of-band progress line, or "".
func (r *Reducer) Progress() string { return r.progress }

// Interrupt returns the pending interrupt state, or nil.
func (r *Reducer) Interrupt() *InterruptState { return r.interrupt }

// Metadata returns the recorded side-channel value for key, or "".
func (r *Reducer) Metadata(key string) string { return r.meta[key] }

// SwarmSteps returns the per-node step list for the current turn, for
// optional expanded inspection. Nil outside a swarm turn.
func (r *Reducer) SwarmSteps() []*SwarmStep {
	if r.swarm == nil {
		return nil
	}
	return r.swarm.steps
}

// setStatus transitions the status. Voice statuses are owned by
// VoiceSession and set through here as well.
func (r *Reducer) setStatus(s AgentStatus) { r.status = s }

// BeginTurn appends the user message, opens a new turn, and primes per-turn
// state. The status moves to thinking immediately so the UI reflects the
// send; the backend's init event then lands as an idempotent no-op.
//
// A send can supersede a turn that is still streaming. The previous turn's
// partial message is finalized first so the new turn's deltas open a fresh
// message instead of appending into it.
func (r *Reducer) BeginTurn(text string, voice bool) *Message {
	r.finalizeStreaming()
	m := &Message{
		ID:        NewID(),
		Sender:    SenderUser,
		Text:      text,
		IsVoice:   voice,
		CreatedAt: time.Now(),
	}
	r.transcript.beginTurn(m)
	r.turnStart = time.Now()
	r.sawDelta = false
	r.turnIsVoice = voice
	r.progress = ""
	r.reasoning.Reset()
	r.swarm = nil
	r.setStatus(StatusThinking)
	return m
}

// Dispatch routes one event through the dispatch table and returns the
// effects to schedule. Unknown kinds are logged and skipped, never fatal.
func (r *Reducer) Dispatch(ev Event) []Effect {
	h, ok := handlers[ev.Kind]
	if !ok {
		r.logger.Warn("ignoring unknown event kind", "kind", ev.Kind)
		return nil
	}
	return h(r, ev)
}

// --- per-event-kind handlers ---

func (r *Reducer) handleInit(Event) []Effect {
	// Idempotent: a straggler init must not regress an advanced turn.
	if r.status == StatusIdle {
		r.setStatus(StatusThinking)
	}
	return nil
}

func (r *Reducer) handleReasoning(ev Event) []Effect {
	r.reasoning.WriteString(ev.Text)
	return nil
}

func (r *Reducer) handleText(ev Event) []Effect {
	if ev.Final {
		return r.applyFinalText(ev)
	}

	// Swarm turns: only the terminal node's text is user-visible; every
	// other node's output is recorded in its step. Until a node is
	// explicitly designated terminal, nothing streams live — the answer is
	// promoted from the terminal step at swarm_complete, since the terminal
	// node is not known before then.
	if r.swarm != nil {
		node := r.swarm.attribute(ev.Node)
		if st := r.swarm.step(node, ev.NodeName); st != nil {
			st.Text += ev.Text
		}
		if r.swarm.terminal == "" || node != r.swarm.terminal {
			return nil
		}
	}

	if r.streaming == nil {
		m := &Message{
			ID:          NewID(),
			Sender:      SenderAgent,
			IsStreaming: true,
			IsVoice:     r.turnIsVoice,
			CreatedAt:   time.Now(),
		}
		r.transcript.append(m)
		r.streaming = m
		r.co.StartFlushing(func(text string) {
			r.publish(func() {
				if m.IsStreaming {
					m.Text = text
				}
			})
		})
	}
	r.co.AppendChunk(ev.Text)

	if !r.sawDelta {
		r.sawDelta = true
		if !r.turnStart.IsZero() {
			r.streaming.FirstTokenLatency = time.Since(r.turnStart)
		}
	}
	// A late text event must not clobber a more specific status.
	if r.status == StatusThinking {
		r.setStatus(StatusResponding)
	}
	return nil
}

// applyFinalText upserts an authoritative (poll- or reload-sourced) message.
// Idempotent by message id. A user row opens a new turn, so a reloaded
// history keeps its one-user-input-per-turn grouping.
func (r *Reducer) applyFinalText(ev Event) []Effect {
	if ev.MessageID != "" && r.transcript.seen[ev.MessageID] {
		return nil
	}
	sender := ev.Sender
	if sender == "" {
		sender = SenderAgent
	}
	m := &Message{
		ID:        ev.MessageID,
		Sender:    sender,
		Text:      norm.NFC.String(ev.Text),
		IsVoice:   ev.Voice,
		CreatedAt: time.Now(),
	}
	if sender == SenderUser {
		r.transcript.beginTurn(m)
	} else {
		r.transcript.append(m)
	}
	return nil
}

func (r *Reducer) handleToolUse(ev Event) []Effect {
	if ev.ToolID == "" {
		r.logger.Warn("tool_use without id", "tool", ev.ToolName)
		return nil
	}

	if exec, ok := r.transcript.exec(ev.ToolID); ok {
		// Known id: input streamed incrementally.
		if len(ev.Input) > 0 {
			exec.Input = ev.Input
		}
		if ev.ToolName != "" && exec.Name == "" {
			exec.Name = ev.ToolName
		}
		return nil
	}

	// Force a final flush and finalization of any streaming message so the
	// interleaved text/tool order is preserved in the transcript.
	r.finalizeStreaming()

	exec := &ToolExecution{
		ID:        ev.ToolID,
		Name:      ev.ToolName,
		Input:     ev.Input,
		Detached:  r.detached[ev.ToolName],
		StartedAt: time.Now(),
	}
	r.transcript.addExec(exec)

	if r.swarm != nil {
		// Swarm turns record tool calls only in the step list; the
		// transcript carries just the terminal node's answer.
		node := r.swarm.attribute(ev.Node)
		if st := r.swarm.step(node, ev.NodeName); st != nil {
			st.ToolCalls = append(st.ToolCalls, exec)
		}
	} else {
		r.transcript.append(&Message{
			ID:             NewID(),
			Sender:         SenderAgent,
			ToolExecutions: []*ToolExecution{exec},
			CreatedAt:      time.Now(),
		})
		if r.status != StatusStopping {
			r.setStatus(toolStatus(ev.ToolName))
		}
	}

	if exec.Detached {
		return []Effect{EffectArmPoller}
	}
	return nil
}

func (r *Reducer) handleToolResult(ev Event) []Effect {
	exec, ok := r.transcript.exec(ev.ToolID)
	if !ok {
		// Protocol violation: log and skip, never crash the reducer.
		r.logger.Warn("tool_result for unknown execution", "id", ev.ToolID)
		return nil
	}
	if exec.IsComplete {
		// Idempotent: a duplicate result leaves the same final state.
		return nil
	}
	exec.Result = ev.Result
	exec.IsComplete = true
	exec.IsCancelled = ev.IsError

	// Move back toward thinking so a following text delta reads as
	// responding rather than a continuation of tool execution.
	if r.status.ToolRunning() && r.status != StatusSwarm {
		if len(r.transcript.incompleteExecs()) == 0 {
			r.setStatus(StatusThinking)
		}
	}
	return nil
}

func (r *Reducer) handleProgress(ev Event) []Effect {
	// Only the latest status line is meaningful: replace, never append.
	line := ev.Text
	if ev.URL != "" && line == "" {
		line = ev.URL
	}
	r.progress = line
	return nil
}

func (r *Reducer) handleComplete(ev Event) []Effect {
	if ev.Stopped {
		// Stopped by user: cancelled-complete, not an error.
		for _, exec := range r.transcript.incompleteExecs() {
			exec.IsComplete = true
			exec.IsCancelled = true
		}
	}
	r.finalizeStreaming()
	r.attachTurnMetadata(ev.Usage)
	r.clearTurnState()
	r.setStatus(StatusIdle)
	return nil
}

func (r *Reducer) handleError(ev Event) []Effect {
	// Any partial streamed text is finalized and kept; side-channel
	// metadata in r.meta survives.
	r.finalizeStreaming()
	r.transcript.append(&Message{
		ID:        NewID(),
		Sender:    SenderAgent,
		Text:      ev.Text,
		IsError:   true,
		CreatedAt: time.Now(),
	})
	r.clearTurnState()
	r.setStatus(StatusIdle)
	return nil
}

func (r *Reducer) handleInterrupt(ev Event) []Effect {
	r.finalizeStreaming()
	r.interrupt = &InterruptState{Interrupts: ev.Interrupts}
	r.setStatus(StatusInterrupted)
	return []Effect{EffectStopPoller}
}

func (r *Reducer) handleMetadata(ev Event) []Effect {
	// Recorded once: later metadata must not force a redundant reconnection
	// of an expensive side channel.
	for k, v := range ev.Metadata {
		if _, exists := r.meta[k]; !exists {
			r.meta[k] = v
		}
	}
	return nil
}

func (r *Reducer) handleSwarmNodeStart(ev Event) []Effect {
	if r.swarm == nil {
		r.swarm = newSwarmState()
	}
	r.swarm.step(ev.Node, ev.NodeName)
	r.swarm.current = ev.Node
	if ev.Terminal {
		r.swarm.terminal = ev.Node
	}
	if r.status != StatusStopping {
		r.setStatus(StatusSwarm)
	}
	return nil
}

func (r *Reducer) handleSwarmNodeStop(ev Event) []Effect {
	if r.swarm == nil {
		return nil
	}
	if st, ok := r.swarm.byNode[ev.Node]; ok {
		st.EndedAt = time.Now()
	}
	return nil
}

func (r *Reducer) handleSwarmHandoff(ev Event) []Effect {
	if r.swarm == nil {
		r.swarm = newSwarmState()
	}
	if ev.To != "" {
		r.swarm.step(ev.To, "")
		r.swarm.current = ev.To
	}
	return nil
}

func (r *Reducer) handleSwarmComplete(ev Event) []Effect {
	if r.swarm == nil {
		return nil
	}
	sc := r.swarm.context(ev.AgentsUsed, ev.Shared)
	terminal := r.swarm.terminal
	if terminal == "" {
		terminal = r.swarm.current
	}
	r.finalizeStreaming()

	// Attach to the finalized answer message if the terminal node streamed
	// live; otherwise promote its accumulated step text as the answer.
	if t := r.transcript.current(); t != nil {
		for i := len(t.Messages) - 1; i >= 0; i-- {
			m := t.Messages[i]
			if m.Sender == SenderAgent && m.Text != "" {
				m.Swarm = sc
				return nil
			}
		}
	}
	if st, ok := r.swarm.byNode[terminal]; ok && st.Text != "" {
		r.transcript.append(&Message{
			ID:        NewID(),
			Sender:    SenderAgent,
			Text:      norm.NFC.String(st.Text),
			IsVoice:   r.turnIsVoice,
			Swarm:     sc,
			CreatedAt: time.Now(),
		})
	}
	return nil
}

// --- shared reduction helpers ---

// finalizeStreaming force-flushes the coalescer and closes the current
// streaming message, attaching any accumulated reasoning. No received byte
// is ever dropped: the coalescer reset performs the final full flush.
func (r *Reducer) finalizeStreaming() {
	text := r.co.Reset()
	if r.streaming == nil {
		return
	}
	if text != "" {
		r.streaming.Text = text
	}
	if r.reasoning.Len() > 0 {
		r.streaming.Reasoning = r.reasoning.String()
	}
	r.streaming.finalize()
	r.streaming = nil
}

// attachTurnMetadata records end-to-end latency and token usage as late
// metadata on the turn's last agent message. Set-once: a duplicate complete
// must not restamp metadata that is already attached.
func (r *Reducer) attachTurnMetadata(usage *Usage) {
	t := r.transcript.current()
	if t == nil || r.turnStart.IsZero() {
		return
	}
	for i := len(t.Messages) - 1; i >= 0; i-- {
		m := t.Messages[i]
		if m.Sender == SenderAgent {
			if m.TurnLatency == 0 {
				m.TurnLatency = time.Since(r.turnStart)
			}
			if m.Usage == nil {
				m.Usage = usage
			}
			return
		}
	}
}

// clearTurnState drops per-turn transient state. Session-scoped state (the
// transcript, execution index, side-channel metadata) survives.
func (r *Reducer) clearTurnState() {
	r.reasoning.Reset()
	r.progress = ""
	r.swarm = nil
	r.sawDelta = false
	r.turnIsVoice = false
}

// MarkStopping moves an in-turn status to stopping. Reachable from any
// in-turn state; the stopped-variant complete event returns it to idle.
func (r *Reducer) MarkStopping() {
	if r.status.InTurn() {
		r.setStatus(StatusStopping)
	}
}

// ClearInterrupt destroys the pending interrupt state. Called by the
// Controller immediately before the interrupt response is sent.
func (r *Reducer) ClearInterrupt() {
	r.interrupt = nil
	if r.status == StatusInterrupted {
		r.setStatus(StatusIdle)
	}
}

// ResetSession drops all state for a session switch: final-flushes and tears
// down the coalescer, clears the transcript, interrupts, side-channel
// metadata, and returns to idle.
func (r *Reducer) ResetSession() {
	r.finalizeStreaming()
	r.transcript.reset()
	r.clearTurnState()
	r.interrupt = nil
	r.meta = make(map[string]string)
	r.turnStart = time.Time{}
	r.setStatus(StatusIdle)
}
