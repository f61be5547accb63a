package mock

import (
	"context"
	"sync"

	"github.com/sanavoice/sana/pkg/frames"
)

// STT is a scriptable speech-to-text adapter. Tests push transcripts with
// EmitFinal and EmitInterim instead of feeding audio.
type STT struct {
	mu       sync.Mutex
	started  bool
	closed   bool
	streamID string
	results  chan frames.Frame
	audio    []frames.AudioFrame
	sendErr  error
}

func NewSTT(streamID string) *STT {
	return &STT{
		streamID: streamID,
		results:  make(chan frames.Frame, 64),
	}
}

func (m *STT) Name() string { return "mock-stt" }

func (m *STT) Start(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	return nil
}

func (m *STT) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.results)
	}
	return nil
}

func (m *STT) SendAudio(frame frames.AudioFrame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.audio = append(m.audio, frame)
	return nil
}

func (m *STT) Results() <-chan frames.Frame { return m.results }

// SetSendError makes subsequent SendAudio calls fail.
func (m *STT) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// AudioCount reports how many frames were forwarded.
func (m *STT) AudioCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.audio)
}

// EmitFinal delivers a final transcript.
func (m *STT) EmitFinal(text string) {
	m.results <- frames.NewTextFrame(m.streamID, frames.Now(), text, map[string]string{
		frames.MetaIsFinal: "true",
	})
}

// EmitInterim delivers a partial transcript.
func (m *STT) EmitInterim(text string) {
	m.results <- frames.NewTextFrame(m.streamID, frames.Now(), text, map[string]string{
		frames.MetaIsFinal: "false",
	})
}

// EmitSpeechStart delivers a vendor speech onset event.
func (m *STT) EmitSpeechStart() {
	m.results <- frames.NewControlFrame(m.streamID, frames.Now(), frames.ControlSpeechStart, nil)
}
