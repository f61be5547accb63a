package stt

import (
	"context"

	"github.com/sanavoice/sana/pkg/frames"
)

// StreamingSTT is the contract for streaming speech-to-text providers.
// SendAudio pushes caller audio; Results delivers interim and final
// transcripts as TextFrames plus control frames for speech onset and
// end-of-utterance. Final transcripts carry frames.MetaIsFinal = "true".
type StreamingSTT interface {
	Name() string
	Start(ctx context.Context) error
	Close() error
	SendAudio(frame frames.AudioFrame) error
	Results() <-chan frames.Frame
}
