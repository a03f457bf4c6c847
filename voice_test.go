package lagoon

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeAudio is a scripted AudioSource and AudioSink.
type fakeAudio struct {
	utterance [][]byte
	recordErr error

	played [][]byte
	playErr error
}

func (f *fakeAudio) Record(ctx context.Context, ch chan<- []byte) error {
	defer close(ch)
	if f.recordErr != nil {
		return f.recordErr
	}
	for _, chunk := range f.utterance {
		ch <- chunk
	}
	return nil
}

func (f *fakeAudio) Play(ctx context.Context, ch <-chan []byte) error {
	for chunk := range ch {
		f.played = append(f.played, chunk)
	}
	return f.playErr
}

// fakeSpeech transcribes every utterance to a fixed string and synthesizes
// text back as one chunk per word.
type fakeSpeech struct {
	text          string
	transcribeErr error
	synthesized   string
}

func (f *fakeSpeech) Transcribe(ctx context.Context, audio <-chan []byte) (string, error) {
	for range audio {
	}
	return f.text, f.transcribeErr
}

func (f *fakeSpeech) Synthesize(ctx context.Context, text string, out chan<- []byte) error {
	defer close(out)
	f.synthesized = text
	for _, w := range strings.Fields(text) {
		out <- []byte(w)
	}
	return nil
}

func TestVoiceUtteranceRoundTrip(t *testing.T) {
	fb := &fakeBackend{streams: []string{frames(
		Event{Kind: EventText, Text: "It is sunny today."},
		Event{Kind: EventComplete},
	)}}
	ctrl := newTestController(fb)
	audio := &fakeAudio{utterance: [][]byte{[]byte("pcm")}}
	speech := &fakeSpeech{text: "what is the weather"}

	v := NewVoiceSession(ctrl, audio, audio, speech)
	if got := ctrl.Status(); got != StatusVoiceListening {
		t.Fatalf("Status = %s, want voice-listening", got)
	}

	if err := v.RunUtterance(context.Background()); err != nil {
		t.Fatalf("RunUtterance: %v", err)
	}

	req, err := fb.lastRequest()
	if err != nil {
		t.Fatal(err)
	}
	if req.RequestType != RequestVoice || req.Message != "what is the weather" {
		t.Errorf("request = %+v", req)
	}
	if speech.synthesized != "It is sunny today." {
		t.Errorf("synthesized %q", speech.synthesized)
	}
	if len(audio.played) == 0 {
		t.Error("nothing played")
	}

	// Both sides of the exchange carry voice provenance.
	for _, m := range ctrl.Transcript().Messages() {
		if !m.IsVoice {
			t.Errorf("message %q lacks voice provenance", m.Text)
		}
	}
	if got := ctrl.Status(); got != StatusVoiceListening {
		t.Errorf("Status = %s, want back to listening", got)
	}

	v.Close()
	if got := ctrl.Status(); got != StatusIdle {
		t.Errorf("Status after Close = %s", got)
	}
}

func TestVoiceEmptyTranscriptIsSkipped(t *testing.T) {
	fb := &fakeBackend{}
	ctrl := newTestController(fb)
	audio := &fakeAudio{}
	speech := &fakeSpeech{text: ""}

	v := NewVoiceSession(ctrl, audio, audio, speech)
	if err := v.RunUtterance(context.Background()); err != nil {
		t.Fatalf("RunUtterance: %v", err)
	}
	if req, err := fb.lastRequest(); err == nil {
		t.Errorf("silent utterance sent a turn: %+v", req)
	}
}

func TestVoiceTranscribeFailure(t *testing.T) {
	ctrl := newTestController(&fakeBackend{})
	audio := &fakeAudio{}
	speech := &fakeSpeech{transcribeErr: errors.New("no speech detected")}

	v := NewVoiceSession(ctrl, audio, audio, speech)
	if err := v.RunUtterance(context.Background()); err == nil {
		t.Fatal("RunUtterance succeeded with failing transcription")
	}
}

func TestVoiceSupersededBySessionSwitch(t *testing.T) {
	ctrl := newTestController(&fakeBackend{})
	audio := &fakeAudio{utterance: [][]byte{[]byte("pcm")}}
	speech := &fakeSpeech{text: "hello"}

	v := NewVoiceSession(ctrl, audio, audio, speech)
	ctrl.NewChat()

	if err := v.RunUtterance(context.Background()); err == nil {
		t.Fatal("stale voice session accepted an utterance")
	}
	// Stale status writes are dropped too.
	v.Close()
	if got := ctrl.Status(); got.Voice() {
		t.Errorf("Status = %s, stale voice session changed status", got)
	}
}
