package mock

import (
	"context"
	"sync"

	"github.com/sanavoice/sana/pkg/frames"
)

// TTS is a scriptable text-to-speech adapter. Each SendText synthesizes one
// audio frame followed by a speech-done control frame, synchronously, unless
// Hold is set.
type TTS struct {
	mu       sync.Mutex
	streamID string
	results  chan frames.Frame
	closed   bool
	spoken   []string
	flushes  int
	sendErr  error

	// Hold suppresses the automatic speech-done so tests can keep the
	// session in the speaking state.
	Hold bool
}

func NewTTS(streamID string) *TTS {
	return &TTS{
		streamID: streamID,
		results:  make(chan frames.Frame, 64),
	}
}

func (m *TTS) Name() string { return "mock-tts" }

func (m *TTS) Start(context.Context) error { return nil }

func (m *TTS) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.results)
	}
	return nil
}

func (m *TTS) SendText(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.spoken = append(m.spoken, text)
	if m.closed {
		return nil
	}
	m.results <- frames.NewAudioFrame(m.streamID, frames.Now(), []byte{0xFF, 0xFF}, 8000, 1, nil)
	if !m.Hold {
		m.results <- frames.NewControlFrame(m.streamID, frames.Now(), frames.ControlSpeechDone, nil)
	}
	return nil
}

func (m *TTS) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes++
	return nil
}

func (m *TTS) Results() <-chan frames.Frame { return m.results }

// FinishSpeech emits the speech-done frame held back by Hold.
func (m *TTS) FinishSpeech() {
	m.results <- frames.NewControlFrame(m.streamID, frames.Now(), frames.ControlSpeechDone, nil)
}

// SetSendError makes subsequent SendText calls fail.
func (m *TTS) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Spoken returns the texts synthesized so far.
func (m *TTS) Spoken() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.spoken...)
}

// Flushes reports how many times synthesis was flushed.
func (m *TTS) Flushes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushes
}
