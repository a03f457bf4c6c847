package lagoon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// EventKind identifies the kind of a framed protocol event.
type EventKind string

const (
	// EventInit signals the backend accepted the turn. Idempotent: at most
	// one transition to thinking per turn; stragglers are no-ops.
	EventInit EventKind = "init"
	// EventThinking is an alias some backend versions emit instead of init.
	EventThinking EventKind = "thinking"
	// EventReasoning carries an incremental reasoning chunk.
	EventReasoning EventKind = "reasoning"
	// EventText carries an incremental chunk of user-visible text.
	EventText EventKind = "text"
	// EventToolUse announces a tool invocation. The same id may repeat as
	// input streams in incrementally.
	EventToolUse EventKind = "tool_use"
	// EventToolResult carries the result of a completed tool invocation.
	EventToolResult EventKind = "tool_result"
	// EventProgress replaces the transient progress line for the turn.
	EventProgress EventKind = "progress"
	// EventComplete ends the turn. The Stopped variant marks incomplete
	// executions cancelled instead of treating the stop as an error.
	EventComplete EventKind = "complete"
	// EventError ends the turn with a visible error message.
	EventError EventKind = "error"
	// EventInterrupt pauses the turn for a human decision.
	EventInterrupt EventKind = "interrupt"
	// EventMetadata attaches side-channel identifiers (e.g. a live-view
	// sub-session). Recorded once per turn; later metadata does not overwrite.
	EventMetadata EventKind = "metadata"
	// EventBrowserProgress and EventResearchProgress carry step telemetry
	// from browser and research tools.
	EventBrowserProgress  EventKind = "browser_progress"
	EventResearchProgress EventKind = "research_progress"
	// Swarm events track multi-agent execution.
	EventSwarmNodeStart EventKind = "swarm_node_start"
	EventSwarmNodeStop  EventKind = "swarm_node_stop"
	EventSwarmHandoff   EventKind = "swarm_handoff"
	EventSwarmComplete  EventKind = "swarm_complete"
)

// known kinds; anything else is ignored rather than treated as fatal.
var knownKinds = map[EventKind]bool{
	EventInit: true, EventThinking: true, EventReasoning: true,
	EventText: true, EventToolUse: true, EventToolResult: true,
	EventProgress: true, EventComplete: true, EventError: true,
	EventInterrupt: true, EventMetadata: true,
	EventBrowserProgress: true, EventResearchProgress: true,
	EventSwarmNodeStart: true, EventSwarmNodeStop: true,
	EventSwarmHandoff: true, EventSwarmComplete: true,
}

// Event is one decoded frame from the inbound stream. Fields are populated
// per kind; unused fields are zero.
type Event struct {
	Kind EventKind `json:"type"`

	// Text carries the delta (text, reasoning), the error message (error),
	// or the progress line (progress, *_progress).
	Text string `json:"text,omitempty"`

	// MessageID is set on authoritative (poll-applied) text events so the
	// reducer can dedupe against messages it already holds. Live deltas
	// leave it empty.
	MessageID string `json:"message_id,omitempty"`
	// Final marks an authoritative text event as already complete: the
	// reducer appends it finalized instead of opening a streaming message.
	Final bool `json:"final,omitempty"`
	// Sender is set on authoritative text events; live deltas are always
	// agent-sent and leave it empty.
	Sender Sender `json:"sender,omitempty"`
	// Voice marks authoritative rows that originated from voice mode.
	Voice bool `json:"voice,omitempty"`

	// Tool fields (tool_use, tool_result).
	ToolID   string          `json:"tool_id,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Result   string          `json:"result,omitempty"`
	IsError  bool            `json:"is_error,omitempty"`

	// Stopped marks the stopped-by-user variant of complete.
	Stopped bool `json:"stopped,omitempty"`

	// Interrupts are the pending human decisions (interrupt).
	Interrupts []Interrupt `json:"interrupts,omitempty"`

	// Swarm fields.
	Node     string `json:"node,omitempty"`
	NodeName string `json:"node_name,omitempty"`
	// Terminal designates the node whose streamed text is promoted into
	// the user-visible transcript.
	Terminal bool   `json:"terminal,omitempty"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	// AgentsUsed and Shared arrive on swarm_complete.
	AgentsUsed []string       `json:"agents_used,omitempty"`
	Shared     map[string]any `json:"shared_context,omitempty"`

	// Metadata (metadata event). Keys are recorded once per turn.
	Metadata map[string]string `json:"metadata,omitempty"`

	// URL is the page a browser tool is visiting (browser_progress).
	URL string `json:"url,omitempty"`

	// Usage arrives on complete and is attached to the turn as late metadata.
	Usage *Usage `json:"usage,omitempty"`
}

// Interrupt is one pending human decision within an interrupt event.
type Interrupt struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Reason string `json:"reason,omitempty"`
}

// Usage tracks token counts for a turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// framePrefix marks data-carrying lines in the framed stream.
var framePrefix = []byte("data: ")

// ParseFrame decodes one raw stream line into an Event.
//
// Lines that carry no payload (blank lines, comments, non-data fields) return
// ok=false with no error. Malformed JSON and unknown event kinds return
// ok=false with a non-nil error so the caller can log and keep reading —
// a single bad frame must not lose the rest of the stream.
func ParseFrame(line []byte) (Event, bool, error) {
	if !bytes.HasPrefix(line, framePrefix) {
		return Event{}, false, nil
	}
	data := bytes.TrimPrefix(line, framePrefix)
	if len(bytes.TrimSpace(data)) == 0 {
		return Event{}, false, nil
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, false, fmt.Errorf("malformed frame: %w", err)
	}
	if !knownKinds[ev.Kind] {
		return Event{}, false, &ErrProtocol{Kind: ev.Kind, Message: "unknown event kind"}
	}
	return ev, true, nil
}

// TurnRequest is the outbound request for one conversational turn. The
// session identifier travels as request metadata (header), never in the body,
// and the local generation number is never transmitted.
type TurnRequest struct {
	Message        string            `json:"message"`
	EnabledTools   []string          `json:"enabled_tools,omitempty"`
	ModelID        string            `json:"model_id,omitempty"`
	Temperature    float64           `json:"temperature,omitempty"`
	RequestType    string            `json:"request_type,omitempty"`
	SystemPrompt   string            `json:"system_prompt,omitempty"`
	SessionContext map[string]string `json:"session_context,omitempty"`

	// Interrupt response fields (RequestType == RequestInterruptResponse).
	InterruptID string `json:"interrupt_id,omitempty"`
	Decision    string `json:"decision,omitempty"`
}

// Request types.
const (
	RequestChat              = "chat"
	RequestInterruptResponse = "interrupt_response"
	RequestVoice             = "voice"
)

// describe renders a compact one-line summary for logging.
func (e Event) describe() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.ToolID != "" {
		fmt.Fprintf(&b, " tool=%s id=%s", e.ToolName, e.ToolID)
	}
	if e.Node != "" {
		fmt.Fprintf(&b, " node=%s", e.Node)
	}
	return b.String()
}
