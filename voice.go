package lagoon

import (
	"context"
	"fmt"
	"log/slog"
)

// AudioSource captures microphone input as binary chunks. Codec and capture
// details are external: the engine only moves chunks.
type AudioSource interface {
	// Record streams one utterance into ch and closes it when the
	// utterance ends. Cancelling ctx aborts capture.
	Record(ctx context.Context, ch chan<- []byte) error
}

// AudioSink plays binary chunks to the speaker.
type AudioSink interface {
	// Play consumes chunks from ch until it is closed. Blocks until
	// playback finishes or ctx is cancelled.
	Play(ctx context.Context, ch <-chan []byte) error
}

// SpeechGateway converts between audio and text. Treated as a black-box
// capability like the agent backend.
type SpeechGateway interface {
	// Transcribe consumes one utterance worth of chunks and returns its
	// text.
	Transcribe(ctx context.Context, audio <-chan []byte) (string, error)
	// Synthesize streams spoken audio for text into out and closes it.
	Synthesize(ctx context.Context, text string, out chan<- []byte) error
}

// VoiceSession drives voice mode over an existing Controller: it owns the
// voice status transitions (connecting, listening, processing, speaking)
// and marks produced messages with voice provenance. The underlying turn
// handling is identical to typed chat.
type VoiceSession struct {
	ctrl   *Controller
	source AudioSource
	sink   AudioSink
	speech SpeechGateway
	logger *slog.Logger
	token  Token
}

// NewVoiceSession binds voice capabilities to ctrl. The session captures
// the current generation: switching sessions invalidates it, and further
// utterances fail cleanly instead of writing into the wrong transcript.
func NewVoiceSession(ctrl *Controller, source AudioSource, sink AudioSink, speech SpeechGateway) *VoiceSession {
	v := &VoiceSession{
		ctrl:   ctrl,
		source: source,
		sink:   sink,
		speech: speech,
		logger: ctrl.logger,
	}
	v.token = ctrl.guard.Capture()
	v.setStatus(StatusVoiceConnecting)
	v.setStatus(StatusVoiceListening)
	return v
}

// RunUtterance captures one utterance, sends it as a voice turn, and speaks
// the agent's reply. Blocks until playback finishes.
func (v *VoiceSession) RunUtterance(ctx context.Context) error {
	if !v.token.Valid() {
		return fmt.Errorf("voice session superseded by session switch")
	}

	// Capture + transcribe.
	audio := make(chan []byte, 16)
	recErr := make(chan error, 1)
	go func() { recErr <- v.source.Record(ctx, audio) }()
	text, err := v.speech.Transcribe(ctx, audio)
	if err != nil {
		return fmt.Errorf("transcribe: %w", err)
	}
	if err := <-recErr; err != nil {
		return fmt.Errorf("record: %w", err)
	}
	if text == "" {
		return nil
	}

	v.setStatus(StatusVoiceProcessing)
	if err := v.ctrl.SendVoiceMessage(ctx, text); err != nil {
		v.setStatus(StatusVoiceListening)
		return err
	}

	reply := v.lastAgentText()
	if reply == "" {
		v.setStatus(StatusVoiceListening)
		return nil
	}

	v.setStatus(StatusVoiceSpeaking)
	out := make(chan []byte, 16)
	synthErr := make(chan error, 1)
	go func() { synthErr <- v.speech.Synthesize(ctx, reply, out) }()
	if err := v.sink.Play(ctx, out); err != nil {
		v.setStatus(StatusVoiceListening)
		return fmt.Errorf("play: %w", err)
	}
	if err := <-synthErr; err != nil {
		v.setStatus(StatusVoiceListening)
		return fmt.Errorf("synthesize: %w", err)
	}

	v.setStatus(StatusVoiceListening)
	return nil
}

// Close leaves voice mode, returning the status to idle.
func (v *VoiceSession) Close() {
	v.setStatus(StatusIdle)
}

// setStatus applies a voice status transition, guard-checked like every
// other asynchronous write.
func (v *VoiceSession) setStatus(s AgentStatus) {
	v.ctrl.mu.Lock()
	if !v.token.Valid() {
		v.ctrl.mu.Unlock()
		return
	}
	// Never clobber an in-turn status: the turn machinery owns those.
	if cur := v.ctrl.red.Status(); cur.InTurn() && s != StatusIdle {
		v.ctrl.mu.Unlock()
		return
	}
	v.ctrl.red.setStatus(s)
	v.ctrl.mu.Unlock()
	v.ctrl.notify()
}

// lastAgentText returns the final agent text of the most recent turn.
func (v *VoiceSession) lastAgentText() string {
	v.ctrl.mu.Lock()
	defer v.ctrl.mu.Unlock()
	turns := v.ctrl.red.Transcript().Turns()
	if len(turns) == 0 {
		return ""
	}
	msgs := turns[len(turns)-1].Messages
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Sender == SenderAgent && !msgs[i].IsError && msgs[i].Text != "" {
			return msgs[i].Text
		}
	}
	return ""
}
