package lagoon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// frame encodes one event as a data line the way the backend frames them.
func frame(ev Event) string {
	data, err := json.Marshal(ev)
	if err != nil {
		panic(err)
	}
	return "data: " + string(data) + "\n"
}

// frames joins events into one stream body.
func frames(evs ...Event) string {
	var b strings.Builder
	for _, ev := range evs {
		b.WriteString(frame(ev))
	}
	return b.String()
}

// fakeBackend is a scripted Backend for controller and transport tests.
// Each StreamTurn call consumes the next scripted stream body; FetchTranscript
// returns the current entries snapshot.
type fakeBackend struct {
	mu        sync.Mutex
	streams   []string
	streamErr error
	entries   []TranscriptEntry
	fetchErr  error

	requests []TurnRequest
	sessions []string
	fetches  int
	stops    int
}

func (f *fakeBackend) StreamTurn(ctx context.Context, sessionID string, req TurnRequest) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	f.sessions = append(f.sessions, sessionID)
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	if len(f.streams) == 0 {
		return io.NopCloser(strings.NewReader("")), nil
	}
	body := f.streams[0]
	f.streams = f.streams[1:]
	return io.NopCloser(strings.NewReader(body)), nil
}

func (f *fakeBackend) FetchTranscript(ctx context.Context, sessionID string) ([]TranscriptEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	out := make([]TranscriptEntry, len(f.entries))
	copy(out, f.entries)
	return out, nil
}

func (f *fakeBackend) SendStop(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}

func (f *fakeBackend) setEntries(entries []TranscriptEntry) {
	f.mu.Lock()
	f.entries = entries
	f.mu.Unlock()
}

func (f *fakeBackend) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *fakeBackend) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeBackend) lastRequest() (TurnRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return TurnRequest{}, fmt.Errorf("no requests recorded")
	}
	return f.requests[len(f.requests)-1], nil
}

// blockingReader is a stream body that never produces data. Reads block
// until Close and then fail, the way a closed http response body does.
type blockingReader struct {
	closed chan struct{}
	once   sync.Once
}

func newBlockingReader() *blockingReader {
	return &blockingReader{closed: make(chan struct{})}
}

func (b *blockingReader) Read(p []byte) (int, error) {
	<-b.closed
	return 0, errors.New("read on closed body")
}

func (b *blockingReader) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

// lastAgentMessage returns the most recent agent message in the transcript.
func lastAgentMessage(tr *Transcript) *Message {
	msgs := tr.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Sender == SenderAgent {
			return msgs[i]
		}
	}
	return nil
}
