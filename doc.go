// Package lagoon is the client-side session engine for a hosted agent chat
// front end. It opens a long-lived streaming request to an agent backend,
// consumes the backend's framed event protocol (text deltas, reasoning, tool
// invocation and results, multi-agent handoffs, human-in-the-loop interrupts,
// out-of-band progress), and reduces that sequence into a consistent
// transcript and status model that survives network interruption, user
// cancellation, and concurrent session switches.
//
// # Quick Start
//
// Create a Controller around a Backend and send a message:
//
//	backend := lagoon.NewHTTPBackend("https://agents.example.com", tokens)
//	ctrl := lagoon.NewController(backend,
//		lagoon.WithEnabledTools("web_search", "deep_research"),
//		lagoon.WithDetachedTools("deep_research"),
//		lagoon.WithOnChange(func() { ui.Refresh() }),
//	)
//
//	err := ctrl.SendMessage(ctx, "Summarize the latest report")
//
// The Controller owns all mutable session state. UI code reads the transcript
// and status through synchronous getters:
//
//	for _, turn := range ctrl.Transcript().Turns() {
//		render(turn)
//	}
//	status := ctrl.Status()
//
// # Core pieces
//
//   - [Controller] — owns one active session; entry points SendMessage,
//     RespondToInterrupt, Stop, LoadSession, NewChat
//   - [Reducer] — per-event-kind handlers mapping (state, event) to new
//     state plus scheduled effects
//   - [Coalescer] — bounds UI update frequency for streamed text
//   - [Guard] — generation counter that drops writes from stale sessions
//   - [Driver] — lifecycle of one outbound streaming request
//   - [Poller] — reconciliation loop for detached long-running tools
//   - [Backend] — the streaming agent backend (HTTP implementation included)
//
// Storage for the session index lives in store/sqlite and store/postgres.
// Markdown rendering for the browser UI lives in render. Observability is
// wired through the [Tracer] interface with an OTEL-backed implementation
// in observer.
package lagoon
