package vad

import (
	"math"
	"sync"
	"time"
)

// Event is a speech boundary detected in the caller audio stream.
type Event int

const (
	EventNone Event = iota
	EventSpeechStart
	EventSpeechEnd
)

func (e Event) String() string {
	switch e {
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechEnd:
		return "speech_end"
	default:
		return "none"
	}
}

// Config tunes the energy detector. Zero values fall back to defaults sized
// for 8 kHz G.711 telephone audio in 20 ms frames.
type Config struct {
	// EnergyThreshold is the RMS level above which a frame counts as speech.
	EnergyThreshold float64
	// OnsetFrames is how many consecutive speech frames trigger SpeechStart.
	OnsetFrames int
	// Hangover is how long silence must persist after speech before
	// SpeechEnd fires.
	Hangover time.Duration
	// FrameDuration is the wall-clock span of one audio frame.
	FrameDuration time.Duration
}

func (c *Config) applyDefaults() {
	if c.EnergyThreshold <= 0 {
		c.EnergyThreshold = 900
	}
	if c.OnsetFrames <= 0 {
		c.OnsetFrames = 3
	}
	if c.Hangover <= 0 {
		c.Hangover = 700 * time.Millisecond
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = 20 * time.Millisecond
	}
}

// Detector is an energy-based voice activity detector for mu-law audio. It is
// a cheap local gate in front of the STT provider's own endpointing: speech
// onset drives barge-in, speech end is a fallback end-of-utterance signal.
type Detector struct {
	mu  sync.Mutex
	cfg Config

	speaking    bool
	onsetStreak int
	silence     time.Duration
}

func NewDetector(cfg Config) *Detector {
	cfg.applyDefaults()
	return &Detector{cfg: cfg}
}

// Process consumes one mu-law frame and reports the boundary it crossed, if
// any. Callers feed frames in arrival order from a single goroutine; the lock
// only guards against a concurrent Reset.
func (d *Detector) Process(mulaw []byte) Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	energy := rmsEnergy(mulaw)
	loud := energy >= d.cfg.EnergyThreshold

	if !d.speaking {
		if loud {
			d.onsetStreak++
			if d.onsetStreak >= d.cfg.OnsetFrames {
				d.speaking = true
				d.silence = 0
				return EventSpeechStart
			}
		} else {
			d.onsetStreak = 0
		}
		return EventNone
	}

	if loud {
		d.silence = 0
		return EventNone
	}
	d.silence += d.cfg.FrameDuration
	if d.silence >= d.cfg.Hangover {
		d.speaking = false
		d.onsetStreak = 0
		d.silence = 0
		return EventSpeechEnd
	}
	return EventNone
}

// Speaking reports whether the detector currently considers the caller to be
// mid-utterance.
func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// Reset clears all detector state, used when a session restarts listening.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.speaking = false
	d.onsetStreak = 0
	d.silence = 0
}

func rmsEnergy(mulaw []byte) float64 {
	if len(mulaw) == 0 {
		return 0
	}
	var sum float64
	for _, b := range mulaw {
		s := float64(mulawToPCM[b])
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(mulaw)))
}
