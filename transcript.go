package lagoon

import (
	"encoding/json"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Sender identifies who produced a message.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// Message is one unit of transcript content. It is mutated in place while
// streaming; once IsStreaming is false it is immutable except for late
// metadata (latency, token usage) attached after the fact. Messages are
// never deleted except on session reset.
type Message struct {
	ID          string
	Sender      Sender
	Text        string
	IsStreaming bool
	// IsVoice marks messages that originated from voice mode.
	IsVoice bool
	// Reasoning is the transient reasoning attached to this message while
	// it streamed. Kept for optional expanded inspection.
	Reasoning string
	// ToolExecutions are the invocations that produced this message's
	// content, in arrival order.
	ToolExecutions []*ToolExecution
	// Swarm is set when multiple cooperating sub-agents contributed.
	Swarm *SwarmContext
	// IsError marks a synthetic agent message carrying an error text.
	IsError   bool
	CreatedAt time.Time

	// Late metadata, attached after finalization.
	FirstTokenLatency time.Duration
	TurnLatency       time.Duration
	Usage             *Usage
}

// finalize ends streaming and normalizes the accumulated text to NFC so
// mixed-provider deltas compose consistently. Safe to call more than once.
func (m *Message) finalize() {
	if !m.IsStreaming {
		return
	}
	m.IsStreaming = false
	m.Text = norm.NFC.String(m.Text)
}

// ToolExecution is one invocation of a named tool within a turn, keyed by id.
// An execution is created at most once per id and looked up by id for every
// subsequent update. Result is only ever set together with IsComplete.
type ToolExecution struct {
	ID   string
	Name string
	// Input is populated progressively: it may start empty and be filled
	// as input streams in.
	Input       json.RawMessage
	Result      string
	IsComplete  bool
	IsCancelled bool
	// Detached marks tools that execute as independent backend processes
	// and must be reconciled via polling.
	Detached  bool
	StartedAt time.Time
}

// SwarmContext is attached to a Message when multiple cooperating sub-agents
// contributed to producing it.
type SwarmContext struct {
	AgentsUsed    []string
	SharedContext map[string]any
}

// SwarmStep records one sub-agent's contribution for optional expanded
// inspection. Only the terminal node's streamed text is promoted into the
// user-visible transcript; every other node's output lives here.
type SwarmStep struct {
	Node      string
	Name      string
	Text      string
	ToolCalls []*ToolExecution
	StartedAt time.Time
	EndedAt   time.Time
}

// InterruptState is the zero-or-one pending set of interrupts awaiting a
// human decision. Created on an interrupt event; destroyed when a response
// is sent for it.
type InterruptState struct {
	Interrupts []Interrupt
}

// Turn is one user input and the ordered agent output it produced. A turn is
// created when the user sends input and closed implicitly when the next user
// message begins.
type Turn struct {
	ID       string
	Messages []*Message
}

// last returns the turn's most recent message, or nil.
func (t *Turn) last() *Message {
	if len(t.Messages) == 0 {
		return nil
	}
	return t.Messages[len(t.Messages)-1]
}

// Transcript is the ordered message log for the active session, grouped into
// turns. It is single-writer by construction: only the Reducer holding the
// current generation mutates it.
type Transcript struct {
	turns []*Turn
	// execs indexes every ToolExecution by id across the whole session.
	execs map[string]*ToolExecution
	// seen tracks authoritative message ids applied from poll refreshes and
	// history loads, so re-fetches are idempotent.
	seen map[string]bool
}

// NewTranscript returns an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{
		execs: make(map[string]*ToolExecution),
		seen:  make(map[string]bool),
	}
}

// Turns returns the ordered turn list. Callers must treat it as read-only.
func (tr *Transcript) Turns() []*Turn { return tr.turns }

// Messages returns the flattened ordered message list.
func (tr *Transcript) Messages() []*Message {
	var out []*Message
	for _, t := range tr.turns {
		out = append(out, t.Messages...)
	}
	return out
}

// current returns the open turn, or nil when the transcript is empty.
func (tr *Transcript) current() *Turn {
	if len(tr.turns) == 0 {
		return nil
	}
	return tr.turns[len(tr.turns)-1]
}

// beginTurn opens a new turn with the given user message.
func (tr *Transcript) beginTurn(user *Message) *Turn {
	t := &Turn{ID: NewID(), Messages: []*Message{user}}
	tr.turns = append(tr.turns, t)
	if user.ID != "" {
		tr.seen[user.ID] = true
	}
	return t
}

// append adds a message to the open turn, opening one if none exists (the
// backend can emit agent output with no preceding local user message after
// a history reload).
func (tr *Transcript) append(m *Message) {
	t := tr.current()
	if t == nil {
		t = &Turn{ID: NewID()}
		tr.turns = append(tr.turns, t)
	}
	t.Messages = append(t.Messages, m)
	if m.ID != "" {
		tr.seen[m.ID] = true
	}
}

// exec looks up a ToolExecution by id.
func (tr *Transcript) exec(id string) (*ToolExecution, bool) {
	e, ok := tr.execs[id]
	return e, ok
}

// addExec registers a new ToolExecution under its id.
func (tr *Transcript) addExec(e *ToolExecution) {
	tr.execs[e.ID] = e
}

// incompleteExecs returns every execution not yet complete, in no particular
// order.
func (tr *Transcript) incompleteExecs() []*ToolExecution {
	var out []*ToolExecution
	for _, e := range tr.execs {
		if !e.IsComplete {
			out = append(out, e)
		}
	}
	return out
}

// settled is the Fallback Poller's termination predicate: true once no
// execution is both incomplete and detached, AND the agent has produced a
// text response after the last detached execution's message. A detached tool
// marked complete with no subsequent text is still pending a final answer,
// so polling must continue — stopping there is one tick too early.
func (tr *Transcript) settled() bool {
	lastDetachedTurn := -1
	for i, t := range tr.turns {
		for _, m := range t.Messages {
			for _, e := range m.ToolExecutions {
				if !e.Detached {
					continue
				}
				if !e.IsComplete {
					return false
				}
				if i > lastDetachedTurn {
					lastDetachedTurn = i
				}
			}
		}
	}
	if lastDetachedTurn < 0 {
		return true
	}
	// Require a finalized agent text message after the detached execution
	// within its turn (or any later turn).
	for i := lastDetachedTurn; i < len(tr.turns); i++ {
		sawDetached := i > lastDetachedTurn
		for _, m := range tr.turns[i].Messages {
			if !sawDetached {
				for _, e := range m.ToolExecutions {
					if e.Detached {
						sawDetached = true
					}
				}
				continue
			}
			if m.Sender == SenderAgent && !m.IsStreaming && m.Text != "" {
				return true
			}
		}
	}
	return false
}

// reset drops all turns and indexes. Used on session switch.
func (tr *Transcript) reset() {
	tr.turns = nil
	tr.execs = make(map[string]*ToolExecution)
	tr.seen = make(map[string]bool)
}

// TranscriptEntry is one authoritative message row from the backend's
// transcript read. Used identically by the Fallback Poller and by manual
// session reload.
type TranscriptEntry struct {
	ID        string          `json:"id"`
	Sender    Sender          `json:"sender"`
	Text      string          `json:"text"`
	ToolCalls []EntryToolCall `json:"tool_calls,omitempty"`
	IsVoice   bool            `json:"is_voice,omitempty"`
	CreatedAt int64           `json:"created_at"`
}

// EntryToolCall is a tool invocation as recorded in the authoritative
// transcript.
type EntryToolCall struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input,omitempty"`
	Result     string          `json:"result,omitempty"`
	IsComplete bool            `json:"is_complete"`
	IsError    bool            `json:"is_error,omitempty"`
}

// snapshotEvents translates authoritative transcript rows into the same
// event sequence the live stream would have produced, so refreshes flow
// through the one reducer path. Rows already applied (by message id or
// execution id) still translate — the reducer's idempotence by id makes
// re-dispatch harmless.
//
// includeUser is false for poll refreshes: the poller only reconciles tool
// results and following agent text, and user rows carry backend ids that
// would duplicate the locally-created user messages. Session reload starts
// from an empty transcript and passes true.
func snapshotEvents(entries []TranscriptEntry, includeUser bool) []Event {
	var out []Event
	for _, en := range entries {
		if en.Sender == SenderUser && !includeUser {
			continue
		}
		for _, tc := range en.ToolCalls {
			out = append(out, Event{
				Kind:     EventToolUse,
				ToolID:   tc.ID,
				ToolName: tc.Name,
				Input:    tc.Input,
			})
			if tc.IsComplete {
				out = append(out, Event{
					Kind:    EventToolResult,
					ToolID:  tc.ID,
					Result:  tc.Result,
					IsError: tc.IsError,
				})
			}
		}
		if en.Text != "" {
			out = append(out, Event{
				Kind:      EventText,
				MessageID: en.ID,
				Sender:    en.Sender,
				Text:      en.Text,
				Final:     true,
				Voice:     en.IsVoice,
			})
		}
	}
	return out
}
