package lagoon

import "sync/atomic"

// Guard is the generation counter that rejects stale asynchronous writes.
//
// Every outbound request captures a Token at send time. Every unit of work
// performed asynchronously as a result of that request — a stream frame, the
// post-stream completion callback, a scheduled poll tick — must re-check the
// token immediately before mutating shared state. A failed check means the
// user switched sessions while the work was in flight; the work still drains
// its resources (the network reader is consumed so the backend is not left
// writing into a dead consumer) but performs zero transcript or status
// mutation.
//
// Stale drops are an internal race, not a user-facing failure: they are
// silent apart from debug logging.
type Guard struct {
	generation atomic.Uint64
}

// NewGuard returns a Guard at generation zero.
func NewGuard() *Guard {
	return &Guard{}
}

// Capture returns a token stamped with the current generation.
func (g *Guard) Capture() Token {
	return Token{guard: g, generation: g.generation.Load()}
}

// Advance unconditionally increments the generation. Called on every
// load/switch/new-session action, before any awaited work begins — closing
// the race window between "decide to switch" and "first stale write lands".
func (g *Guard) Advance() {
	g.generation.Add(1)
}

// Generation returns the current generation. Purely local: it is never
// transmitted to the backend.
func (g *Guard) Generation() uint64 {
	return g.generation.Load()
}

// Token is the generation captured by one outbound request.
type Token struct {
	guard      *Guard
	generation uint64
}

// Valid reports whether the captured generation is still current.
func (t Token) Valid() bool {
	return t.guard != nil && t.guard.generation.Load() == t.generation
}
