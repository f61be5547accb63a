package tts

import (
	"context"

	"github.com/sanavoice/sana/pkg/frames"
)

// StreamingTTS is the contract for streaming text-to-speech providers.
// SendText queues text for synthesis; audio arrives on Results as
// AudioFrames followed by a ControlSpeechDone frame when the utterance is
// fully synthesized. Flush abandons any queued or in-flight synthesis, used
// on barge-in.
type StreamingTTS interface {
	Name() string
	Start(ctx context.Context) error
	Close() error
	SendText(text string) error
	Flush() error
	Results() <-chan frames.Frame
}
