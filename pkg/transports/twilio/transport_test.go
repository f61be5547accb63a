package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/sanavoice/sana/pkg/frames"
)

func TestSendClearControlClearsBuffer(t *testing.T) {
	tr := New(Config{})
	c := &callConn{sendCh: make(chan []byte, 1)}
	tr.mu.Lock()
	tr.conns["stream-1"] = c
	tr.mu.Unlock()

	cf := frames.NewControlFrame("stream-1", frames.Now(), frames.ControlClear, nil)
	if err := tr.Send(context.Background(), cf); err != nil {
		t.Fatalf("send error: %v", err)
	}

	select {
	case msg := <-c.sendCh:
		var payload map[string]any
		if err := json.Unmarshal(msg, &payload); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if payload["event"] != "clear" {
			t.Fatalf("expected clear event, got %v", payload["event"])
		}
		if payload["streamSid"] != "stream-1" {
			t.Fatalf("expected streamSid, got %v", payload["streamSid"])
		}
	default:
		t.Fatal("expected clear event to be enqueued")
	}
}

func TestSendAudioEnqueuesMedia(t *testing.T) {
	tr := New(Config{})
	c := &callConn{sendCh: make(chan []byte, 1)}
	tr.mu.Lock()
	tr.conns["stream-1"] = c
	tr.mu.Unlock()

	af := frames.NewAudioFrame("stream-1", frames.Now(), []byte{0x01, 0x02}, 8000, 1, nil)
	if err := tr.Send(context.Background(), af); err != nil {
		t.Fatalf("send error: %v", err)
	}

	select {
	case msg := <-c.sendCh:
		var payload map[string]any
		if err := json.Unmarshal(msg, &payload); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if payload["event"] != "media" {
			t.Fatalf("expected media event, got %v", payload["event"])
		}
		media := payload["media"].(map[string]any)
		raw, err := base64.StdEncoding.DecodeString(media["payload"].(string))
		if err != nil || string(raw) != "\x01\x02" {
			t.Fatalf("unexpected media payload %v", media["payload"])
		}
	default:
		t.Fatal("expected media event to be enqueued")
	}
}

func TestCallConnEnqueueDuringClose(t *testing.T) {
	c := &callConn{sendCh: make(chan []byte, 4)}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			_ = c.enqueue(map[string]any{"event": "media", "seq": i})
		}
	}()
	_ = c.close()
	<-done

	if err := c.enqueue(map[string]any{"event": "media"}); err != nil {
		t.Fatalf("enqueue after close must be a no-op, got %v", err)
	}
	if err := c.close(); err != nil {
		t.Fatalf("repeated close: %v", err)
	}
}

func TestHandleVoiceSignatureValidation(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com", VoicePath: "/voice"}
	tr := New(cfg)

	form := url.Values{}
	form.Set("CallSid", "CA123")
	form.Set("To", "+15550123")
	body := form.Encode()

	req := httptest.NewRequest(http.MethodPost, "https://example.com/voice", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	params := map[string]string{"CallSid": "CA123", "To": "+15550123"}
	sig := computeSignature(cfg.AuthToken, tr.requestURL(req), params)
	req.Header.Set("X-Twilio-Signature", sig)

	w := httptest.NewRecorder()
	tr.handleVoice(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	reqInvalid := httptest.NewRequest(http.MethodPost, "https://example.com/voice", strings.NewReader(body))
	reqInvalid.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	reqInvalid.Header.Set("X-Twilio-Signature", "invalid")
	wInvalid := httptest.NewRecorder()
	tr.handleVoice(wInvalid, reqInvalid)
	if wInvalid.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", wInvalid.Code)
	}
}

func TestHandleVoiceEmbedsTenantParameter(t *testing.T) {
	tr := New(Config{
		PublicURL:     "https://example.com",
		NumberTenants: map[string]string{"+15550123": "northside"},
	})

	form := url.Values{}
	form.Set("To", "+15550123")
	req := httptest.NewRequest(http.MethodPost, "https://example.com/voice", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	w := httptest.NewRecorder()
	tr.handleVoice(w, req)
	twiml := w.Body.String()
	if !strings.Contains(twiml, `<Parameter name="tenant_id" value="northside"/>`) {
		t.Fatalf("TwiML must carry the tenant parameter, got %q", twiml)
	}
	if !strings.Contains(twiml, `wss://example.com/ws`) {
		t.Fatalf("TwiML must point at the media stream, got %q", twiml)
	}
}

func TestTenantForNumberFallsBack(t *testing.T) {
	tr := New(Config{NumberTenants: map[string]string{"+15550123": "northside"}})
	if got := tr.tenantForNumber("+15550123"); got != "northside" {
		t.Fatalf("expected northside, got %q", got)
	}
	if got := tr.tenantForNumber("+19998887777"); got != "default" {
		t.Fatalf("unmapped number must use the default tenant, got %q", got)
	}
}

func TestHandleStatusCallbackEmitsCallEnd(t *testing.T) {
	cfg := Config{AuthToken: "token", PublicURL: "https://example.com", StatusCallbackPath: "/status"}
	tr := New(cfg)
	streamID := "stream-1"
	callSID := "CA123"

	tr.mu.Lock()
	tr.callStreams[callSID] = streamID
	tr.callSIDs[streamID] = callSID
	tr.mu.Unlock()

	form := url.Values{}
	form.Set("CallSid", callSID)
	form.Set("CallStatus", "completed")
	body := form.Encode()

	req := httptest.NewRequest(http.MethodPost, "https://example.com/status", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	params := map[string]string{"CallSid": callSID, "CallStatus": "completed"}
	sig := computeSignature(cfg.AuthToken, tr.requestURL(req), params)
	req.Header.Set("X-Twilio-Signature", sig)

	w := httptest.NewRecorder()
	tr.handleStatusCallback(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	select {
	case frame := <-tr.Recv():
		sys, ok := frame.(frames.SystemFrame)
		if !ok || sys.Name() != "call_end" {
			t.Fatalf("expected call_end system frame, got %v", frame)
		}
		meta := sys.Meta()
		if meta[frames.MetaCallEndReason] != "completed" {
			t.Fatalf("expected reason completed, got %q", meta[frames.MetaCallEndReason])
		}
		if meta[frames.MetaCallSID] != callSID {
			t.Fatalf("expected call_sid %q, got %q", callSID, meta[frames.MetaCallSID])
		}
	case <-time.After(1 * time.Second):
		t.Fatal("expected call_end frame")
	}
}

func TestNormalizeCallEndReason(t *testing.T) {
	cases := map[string]string{
		"completed":        "completed",
		"hangup":           "completed",
		"busy":             "busy",
		"no-answer":        "no_answer",
		"failed":           "failed",
		"ringing":          "",
		"in-progress":      "",
		"something-else":   "unknown",
		"":                 "",
		"transport_closed": "failed",
	}
	for in, want := range cases {
		if got := normalizeCallEndReason(in); got != want {
			t.Fatalf("normalizeCallEndReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func computeSignature(authToken, url string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	base := url
	for _, k := range keys {
		base += k + params[k]
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	_, _ = mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
