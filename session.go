package lagoon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Controller owns all mutable state for the active session: the transcript,
// the status, the pending interrupt, the in-flight stream, and the poller.
// It is the explicit owned mutable controller object from the design notes:
// UI code reads state through synchronous getters instead of relying on a
// render cycle for correctness-critical reads, and cross-component refresh
// signaling happens through the injected OnChange callback, never through
// ambient globals.
//
// All methods are safe for concurrent use. At most one session is active at
// a time; the Guard drops every write belonging to a superseded session.
type Controller struct {
	backend Backend
	guard   *Guard
	driver  *Driver
	poller  *Poller
	red     *Reducer
	logger  *slog.Logger
	tracer  Tracer

	mu        sync.Mutex
	sessionID string
	turnToken Token
	// turnSeq distinguishes turns within one session. The guard generation
	// only moves on session switches, so two turns in the same session share
	// a valid token; a superseded turn's post-stream continuation must not
	// complete the turn that replaced it.
	turnSeq uint64

	// Outbound request defaults.
	enabledTools   []string
	modelID        string
	temperature    float64
	systemPrompt   string
	sessionContext map[string]string

	onChange func()
}

// Option configures a Controller.
type Option func(*controllerConfig)

type controllerConfig struct {
	logger        *slog.Logger
	tracer        Tracer
	onChange      func()
	sessionID     string
	enabledTools  []string
	detachedTools []string
	modelID       string
	temperature   float64
	systemPrompt  string
	sessionCtx    map[string]string
	flushInterval time.Duration
	pollInterval  time.Duration
	idleTimeout   time.Duration
}

// WithLogger sets the structured logger. If not set, a no-op logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *controllerConfig) { c.logger = l }
}

// WithTracer sets the tracer. When set, the controller emits spans for each
// turn and poll reconciliation. Use observer.NewTracer() for an OTEL-backed
// implementation.
func WithTracer(t Tracer) Option {
	return func(c *controllerConfig) { c.tracer = t }
}

// WithOnChange injects the refresh callback invoked after every observable
// state change. It runs outside the controller's lock; reading the
// transcript and status from inside it is safe.
func WithOnChange(fn func()) Option {
	return func(c *controllerConfig) { c.onChange = fn }
}

// WithSessionID resumes an existing session id instead of generating one.
func WithSessionID(id string) Option {
	return func(c *controllerConfig) { c.sessionID = id }
}

// WithEnabledTools sets the tool names sent with every turn.
func WithEnabledTools(names ...string) Option {
	return func(c *controllerConfig) { c.enabledTools = names }
}

// WithDetachedTools names the tools that execute as independent backend
// processes and must be reconciled via polling.
func WithDetachedTools(names ...string) Option {
	return func(c *controllerConfig) { c.detachedTools = names }
}

// WithModel sets the model id and sampling temperature for outbound turns.
func WithModel(id string, temperature float64) Option {
	return func(c *controllerConfig) { c.modelID = id; c.temperature = temperature }
}

// WithSystemPrompt sets the system prompt sent with every turn.
func WithSystemPrompt(s string) Option {
	return func(c *controllerConfig) { c.systemPrompt = s }
}

// WithSessionContext attaches opaque key-value context to every turn.
func WithSessionContext(kv map[string]string) Option {
	return func(c *controllerConfig) { c.sessionCtx = kv }
}

// WithFlushInterval overrides the text coalescing cadence.
func WithFlushInterval(d time.Duration) Option {
	return func(c *controllerConfig) { c.flushInterval = d }
}

// WithPollInterval overrides the Fallback Poller cadence.
func WithPollInterval(d time.Duration) Option {
	return func(c *controllerConfig) { c.pollInterval = d }
}

// WithStreamIdleTimeout enables the stalled-stream watchdog: a live stream
// producing no frames for d is treated as a transport failure. The protocol
// defines no heartbeat, so this is off by default.
func WithStreamIdleTimeout(d time.Duration) Option {
	return func(c *controllerConfig) { c.idleTimeout = d }
}

// nopLogger discards all output. Used when WithLogger is not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// NewController creates a Controller over backend with a fresh session.
func NewController(backend Backend, opts ...Option) *Controller {
	cfg := controllerConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = nopLogger
	}
	if cfg.sessionID == "" {
		cfg.sessionID = NewID()
	}

	c := &Controller{
		backend:        backend,
		guard:          NewGuard(),
		logger:         cfg.logger,
		tracer:         cfg.tracer,
		sessionID:      cfg.sessionID,
		enabledTools:   cfg.enabledTools,
		modelID:        cfg.modelID,
		temperature:    cfg.temperature,
		systemPrompt:   cfg.systemPrompt,
		sessionContext: cfg.sessionCtx,
		onChange:       cfg.onChange,
	}
	c.driver = NewDriver(backend, cfg.logger, cfg.idleTimeout)
	c.poller = NewPoller(backend, cfg.logger, cfg.pollInterval)
	c.poller.apply = c.applyPoll
	c.red = NewReducer(
		ReducerLogger(cfg.logger),
		ReducerFlushInterval(cfg.flushInterval),
		ReducerDetachedTools(cfg.detachedTools...),
	)
	c.red.publish = c.publishFlush
	return c
}

// --- read-only accessors ---

// SessionID returns the active session identifier.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Transcript returns the active session's transcript. Treat as read-only.
func (c *Controller) Transcript() *Transcript {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.red.Transcript()
}

// Status returns the current agent status.
func (c *Controller) Status() AgentStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.red.Status()
}

// Progress returns the latest out-of-band progress line, or "".
func (c *Controller) Progress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.red.Progress()
}

// Interrupt returns the pending interrupt state, or nil.
func (c *Controller) Interrupt() *InterruptState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.red.Interrupt()
}

// Metadata returns the recorded side-channel value for key, or "".
func (c *Controller) Metadata(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.red.Metadata(key)
}

// SwarmSteps returns the current turn's per-node step list, or nil.
func (c *Controller) SwarmSteps() []*SwarmStep {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.red.SwarmSteps()
}

// --- entry points ---

// SendMessage sends one user message as a new turn and blocks until the
// stream ends. Run it in a goroutine; state changes surface through the
// OnChange callback and the read accessors.
func (c *Controller) SendMessage(ctx context.Context, text string) error {
	return c.sendTurn(ctx, TurnRequest{
		Message:     text,
		RequestType: RequestChat,
	}, text, false)
}

// SendVoiceMessage sends one transcribed voice utterance as a new turn.
// The produced messages carry voice provenance.
func (c *Controller) SendVoiceMessage(ctx context.Context, text string) error {
	return c.sendTurn(ctx, TurnRequest{
		Message:     text,
		RequestType: RequestVoice,
	}, text, true)
}

// RespondToInterrupt resumes a paused turn with the human's decision. The
// pending InterruptState is cleared before the request is sent, and exactly
// one outbound request carries the interrupt id and decision. From the
// reducer's point of view this is a normal new turn.
func (c *Controller) RespondToInterrupt(ctx context.Context, interruptID, decision string) error {
	c.mu.Lock()
	if c.red.Interrupt() == nil {
		c.mu.Unlock()
		return fmt.Errorf("no pending interrupt")
	}
	c.red.ClearInterrupt()
	c.mu.Unlock()
	c.notify()

	return c.sendTurn(ctx, TurnRequest{
		Message:     decision,
		RequestType: RequestInterruptResponse,
		InterruptID: interruptID,
		Decision:    decision,
	}, decision, false)
}

// sendTurn is the shared outbound path for chat, voice, and interrupt
// responses.
func (c *Controller) sendTurn(ctx context.Context, req TurnRequest, userText string, voice bool) error {
	c.mu.Lock()
	token := c.guard.Capture()
	c.turnToken = token
	c.turnSeq++
	seq := c.turnSeq
	sessionID := c.sessionID
	req.EnabledTools = c.enabledTools
	req.ModelID = c.modelID
	req.Temperature = c.temperature
	req.SystemPrompt = c.systemPrompt
	req.SessionContext = c.sessionContext
	c.red.BeginTurn(userText, voice)
	c.mu.Unlock()
	c.notify()

	var span Span
	if c.tracer != nil {
		ctx, span = c.tracer.Start(ctx, "session.turn",
			StringAttr("session_id", sessionID),
			StringAttr("request_type", req.RequestType))
		defer span.End()
	}

	err := c.driver.Run(ctx, sessionID, req, func(ev Event) {
		c.dispatch(token, seq, ev)
	})
	if err != nil && span != nil {
		span.Error(err)
	}

	// If the stream ended cleanly without a terminal event, complete the
	// turn here. Guard-checked like every other asynchronous continuation,
	// and sequence-checked so a superseded turn does not complete the turn
	// that replaced it.
	c.mu.Lock()
	if token.Valid() && seq == c.turnSeq && err == nil && c.red.Status().InTurn() {
		c.red.Dispatch(Event{Kind: EventComplete})
	}
	c.mu.Unlock()
	c.notify()
	return err
}

// Stop cancels the in-flight turn: it aborts the streaming request,
// best-effort cancels the reader, sends the out-of-band stop signal when
// detached backend work is outstanding (closing the stream alone does not
// stop such work), and marks the turn stopped-by-user. Not an error: no
// error message is appended. The Fallback Poller is left to its own
// termination condition.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	token := c.turnToken
	seq := c.turnSeq
	sessionID := c.sessionID
	inTurn := c.red.Status().InTurn()
	if inTurn {
		c.red.MarkStopping()
	}
	detachedOutstanding := false
	for _, e := range c.red.Transcript().incompleteExecs() {
		if e.Detached {
			detachedOutstanding = true
		}
	}
	c.mu.Unlock()
	c.notify()

	c.driver.Abort()

	var stopErr error
	if detachedOutstanding {
		// Idempotent; safe even if the work finished in the meantime.
		if err := c.backend.SendStop(ctx, sessionID); err != nil {
			c.logger.Warn("stop signal failed", "session", sessionID, "error", err)
			stopErr = err
		}
	}

	if inTurn {
		c.dispatch(token, seq, Event{Kind: EventComplete, Stopped: true})
	}
	return stopErr
}

// LoadSession switches to an existing session and rebuilds the transcript
// from the authoritative read. The generation is advanced unconditionally
// before any awaited work begins, so writes from the previous session's
// stream land after the switch and are dropped.
func (c *Controller) LoadSession(ctx context.Context, sessionID string) error {
	c.guard.Advance()
	c.driver.Abort()
	c.poller.Disarm()

	c.mu.Lock()
	c.red.ResetSession()
	c.sessionID = sessionID
	token := c.guard.Capture()
	c.turnToken = token
	c.mu.Unlock()
	c.notify()

	entries, err := c.backend.FetchTranscript(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}

	c.mu.Lock()
	if !token.Valid() {
		// Superseded by another switch while the fetch was in flight.
		c.mu.Unlock()
		return nil
	}
	needPoll := false
	for _, ev := range snapshotEvents(entries, true) {
		for _, eff := range c.red.Dispatch(ev) {
			if eff == EffectArmPoller {
				needPoll = true
			}
		}
	}
	if !c.red.Transcript().settled() {
		needPoll = true
	}
	c.mu.Unlock()
	c.notify()

	if needPoll {
		c.poller.Arm(sessionID, token)
	}
	return nil
}

// NewChat abandons the current session and starts a fresh one, returning
// the new session id.
func (c *Controller) NewChat() string {
	c.guard.Advance()
	c.driver.Abort()
	c.poller.Disarm()

	c.mu.Lock()
	c.red.ResetSession()
	c.sessionID = NewID()
	id := c.sessionID
	c.mu.Unlock()
	c.notify()
	return id
}

// --- internal plumbing ---

// dispatch routes one event into the reducer under the session lock,
// consulting the Guard and the turn sequence first. Stale events are dropped
// silently: they are an internal race, not a user-facing failure.
func (c *Controller) dispatch(token Token, seq uint64, ev Event) {
	c.mu.Lock()
	if !token.Valid() || seq != c.turnSeq {
		c.mu.Unlock()
		c.logger.Debug("dropping stale event", "event", ev.describe())
		return
	}
	effects := c.red.Dispatch(ev)
	sessionID := c.sessionID
	c.mu.Unlock()

	for _, eff := range effects {
		switch eff {
		case EffectArmPoller:
			c.poller.Arm(sessionID, token)
		case EffectStopPoller:
			c.poller.Disarm()
		}
	}
	c.notify()
}

// applyPoll dispatches one poll refresh through the reducer and reports
// whether the transcript has settled. Installed as the Poller's apply hook;
// the Poller has already guard-checked around the fetch, and the token is
// re-checked here under the lock immediately before mutation.
func (c *Controller) applyPoll(token Token, entries []TranscriptEntry) bool {
	c.mu.Lock()
	if !token.Valid() {
		c.mu.Unlock()
		return true
	}
	for _, ev := range snapshotEvents(entries, false) {
		// ArmPoller effects are ignored here: the poller is already
		// running, and re-arming from inside a tick would reset its loop.
		c.red.Dispatch(ev)
	}
	settled := c.red.Transcript().settled()
	c.mu.Unlock()
	c.notify()
	return settled
}

// publishFlush applies a coalescer flush on the controller's discipline:
// under the lock, guard-checked against the turn that armed the coalescer.
func (c *Controller) publishFlush(apply func()) {
	c.mu.Lock()
	if !c.turnToken.Valid() {
		c.mu.Unlock()
		return
	}
	apply()
	c.mu.Unlock()
	c.notify()
}

// notify invokes the injected refresh callback outside the lock.
func (c *Controller) notify() {
	if c.onChange != nil {
		c.onChange()
	}
}
