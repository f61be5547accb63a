package agent

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sanavoice/sana/pkg/frames"
	"github.com/sanavoice/sana/pkg/metrics"
	"github.com/sanavoice/sana/pkg/persona"
	"github.com/sanavoice/sana/pkg/scheduling"
	tmock "github.com/sanavoice/sana/pkg/transports/mock"
)

const testTenantsYAML = `tenants:
  default:
    agent_name: Sana
    greeting: "Hi, thanks for calling {{practice_name}}."
    instructions: "You are {{agent_name}}, a scheduling assistant."
    timezone: America/New_York
    practice:
      name: Bright Smiles Dental
      phone: "+1-555-0123"
  northside:
    agent_name: Ava
    greeting: "Hello from Northside."
    instructions: "You are Ava."
    practice:
      name: Northside Dental
`

type stubScheduler struct{}

func (stubScheduler) ListAvailableTimes(context.Context, string, int) ([]scheduling.Slot, error) {
	return nil, nil
}

func (stubScheduler) ListEventTypes(context.Context) ([]scheduling.EventType, error) {
	return nil, nil
}

func (stubScheduler) CreateBooking(context.Context, scheduling.BookingRequest) (scheduling.Booking, error) {
	return scheduling.Booking{}, nil
}

func (stubScheduler) CancelBooking(context.Context, string, string) error { return nil }

func newTestEngine(t *testing.T, cfg Config) (*Engine, *tmock.Transport) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	if err := os.WriteFile(path, []byte(testTenantsYAML), 0o600); err != nil {
		t.Fatalf("write tenants: %v", err)
	}
	store, err := persona.NewStoreFromFile(path, slog.Default())
	if err != nil {
		t.Fatalf("persona store: %v", err)
	}

	tr := tmock.New()
	eng, err := NewEngine(EngineOptions{
		Config:    cfg,
		Transport: tr,
		Personas:  store,
		Scheduler: stubScheduler{},
		Observer:  metrics.NoopObserver{},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Stop() })
	return eng, tr
}

func mockVendorConfig() Config {
	return Config{
		Vendors: VendorsConfig{
			STT: VendorConfig{Provider: "mock"},
			TTS: VendorConfig{Provider: "mock"},
			LLM: VendorConfig{Provider: "mock"},
		},
	}
}

func callStartFrame(streamID, callSID, tenantID string) frames.SystemFrame {
	return frames.NewSystemFrame(streamID, frames.Now(), "call_start", map[string]string{
		frames.MetaStreamID: streamID,
		frames.MetaCallSID:  callSID,
		frames.MetaTenantID: tenantID,
	})
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEngineStartsSessionAndGreets(t *testing.T) {
	eng, tr := newTestEngine(t, mockVendorConfig())

	tr.Inject(callStartFrame("MZ1", "CA1", "default"))

	waitFor(t, func() bool { return eng.ActiveCalls() == 1 }, "expected one active call")
	waitFor(t, func() bool {
		for _, f := range tr.Sent() {
			if f.Kind() == frames.KindAudio {
				return true
			}
		}
		return false
	}, "expected greeting audio on the transport")
}

func TestEngineCallEndRemovesSession(t *testing.T) {
	eng, tr := newTestEngine(t, mockVendorConfig())

	tr.Inject(callStartFrame("MZ1", "CA1", "default"))
	waitFor(t, func() bool { return eng.ActiveCalls() == 1 }, "expected one active call")

	tr.Inject(frames.NewSystemFrame("MZ1", frames.Now(), "call_end", map[string]string{
		frames.MetaStreamID:      "MZ1",
		frames.MetaCallSID:       "CA1",
		frames.MetaCallEndReason: "completed",
	}))
	waitFor(t, func() bool { return eng.ActiveCalls() == 0 }, "expected session removal after call_end")
}

func TestEngineCallEndByCallSIDOnly(t *testing.T) {
	eng, tr := newTestEngine(t, mockVendorConfig())

	tr.Inject(callStartFrame("MZ1", "CA1", "default"))
	waitFor(t, func() bool { return eng.ActiveCalls() == 1 }, "expected one active call")

	tr.Inject(frames.NewSystemFrame("", frames.Now(), "call_end", map[string]string{
		frames.MetaCallSID:       "CA1",
		frames.MetaCallEndReason: "completed",
	}))
	waitFor(t, func() bool { return eng.ActiveCalls() == 0 }, "expected call sid lookup to end the session")
}

func TestEngineAdapterBuildFailureLeavesNoSession(t *testing.T) {
	cfg := mockVendorConfig()
	cfg.Vendors.STT = VendorConfig{Provider: "deepgram"}

	eng, tr := newTestEngine(t, cfg)

	tr.Inject(callStartFrame("MZ1", "CA1", "default"))
	time.Sleep(50 * time.Millisecond)
	if got := eng.ActiveCalls(); got != 0 {
		t.Fatalf("expected no session after build failure, got %d", got)
	}
}

func TestEngineStopDrainsSessions(t *testing.T) {
	eng, tr := newTestEngine(t, mockVendorConfig())

	tr.Inject(callStartFrame("MZ1", "CA1", "default"))
	waitFor(t, func() bool { return eng.ActiveCalls() == 1 }, "expected one active call")

	if err := eng.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitFor(t, func() bool { return eng.ActiveCalls() == 0 }, "expected drain to end the session")
}

func TestEngineDropsFramesForUnknownStream(t *testing.T) {
	eng, tr := newTestEngine(t, mockVendorConfig())

	af := frames.NewAudioFrame("MZ9", frames.Now(), []byte{0xFF, 0xFF}, 8000, 1, map[string]string{
		frames.MetaStreamID: "MZ9",
	})
	tr.Inject(af)
	time.Sleep(20 * time.Millisecond)
	if got := eng.ActiveCalls(); got != 0 {
		t.Fatalf("expected no sessions, got %d", got)
	}
}
