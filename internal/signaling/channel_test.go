package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/krakonos-tatransky/chatorbit-sub001/internal/domain"
)

func TestSessionURL(t *testing.T) {
	cases := []struct {
		name    string
		base    string
		want    string
		wantErr bool
	}{
		{
			name: "https upgrades to wss",
			base: "https://chat.example.com",
			want: "wss://chat.example.com/ws/sessions/tok-1?participantId=p-1",
		},
		{
			name: "http stays plain",
			base: "http://127.0.0.1:8080",
			want: "ws://127.0.0.1:8080/ws/sessions/tok-1?participantId=p-1",
		},
		{
			name: "trailing path is replaced",
			base: "https://chat.example.com/api/",
			want: "wss://chat.example.com/ws/sessions/tok-1?participantId=p-1",
		},
		{
			name:    "garbage",
			base:    "://nope",
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := sessionURL(tc.base, "tok-1", "p-1")
			if tc.wantErr {
				if err == nil {
					t.Fatalf("no error for %q", tc.base)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

var testUpgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// scriptServer upgrades one connection and feeds it the given raw frames.
func scriptServer(t *testing.T, frames []string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Hold the socket so the client decides when to stop.
		time.Sleep(2 * time.Second)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func nextEvent(t *testing.T, ch *Channel) Event {
	t.Helper()
	select {
	case ev, ok := <-ch.Events():
		if !ok {
			t.Fatal("event stream closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no event within 3s")
		return nil
	}
}

func TestChannelDecodesEventStream(t *testing.T) {
	const remaining = 1740
	frames := []string{
		`{"type":"session-joined"}`,
		`{"type":"signal","signalType":"offer","payload":{"type":"offer","sdp":"v=0 x"},"sender":"p-2"}`,
		`{"type":"bogus"}`,
		`{"type":"signal","signalType":"weird","payload":{}}`,
		`{"type":"status","token":"tok","status":"active","connected_participants":["a","b"],"remaining_seconds":1740}`,
		`{"type":"error","message":"signalType is required."}`,
		`{"type":"session_closed"}`,
	}
	ts := scriptServer(t, frames)

	ch, err := Connect(context.Background(), ts.URL, "tok", "p-1")
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	if _, ok := nextEvent(t, ch).(Joined); !ok {
		t.Fatal("first event is not Joined")
	}

	sig, ok := nextEvent(t, ch).(Signal)
	if !ok || sig.Type != SignalOffer || sig.Sender != "p-2" {
		t.Fatalf("signal event %#v", sig)
	}
	var sdp SDPPayload
	if err := json.Unmarshal(sig.Payload, &sdp); err != nil || sdp.SDP != "v=0 x" {
		t.Fatalf("payload %s", sig.Payload)
	}

	// Unknown type and unknown signalType frames were discarded; next is
	// the status snapshot.
	status, ok := nextEvent(t, ch).(Status)
	if !ok {
		t.Fatal("expected Status after discards")
	}
	if status.Phase != domain.PhaseActive || len(status.Connected) != 2 || status.RemainingSeconds != remaining {
		t.Fatalf("status event %#v", status)
	}

	// The error frame is logged, not surfaced; the terminal frame ends
	// the stream.
	term, ok := nextEvent(t, ch).(Terminated)
	if !ok || term.Reason != TypeSessionClosed {
		t.Fatalf("terminal event %#v", term)
	}

	if _, ok := <-ch.Events(); ok {
		t.Fatal("stream not closed after terminal event")
	}
}

func TestConnectFailureIsTransient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := Connect(ctx, "http://127.0.0.1:1", "tok", "p-1")
	if !errors.Is(err, domain.ErrTransientNetwork) {
		t.Fatalf("dial failure returned %v", err)
	}
}

func TestRemoteDropSurfacesDisconnected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Close() // immediate drop, no terminal envelope
	}))
	defer ts.Close()

	ch, err := Connect(context.Background(), ts.URL, "tok", "p-1")
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	ev := nextEvent(t, ch)
	disc, ok := ev.(Disconnected)
	if !ok {
		t.Fatalf("event %#v, want Disconnected", ev)
	}
	if !errors.Is(disc.Err, domain.ErrTransientNetwork) {
		t.Fatalf("disconnect error %v", disc.Err)
	}
}

func TestLocalCloseEndsStreamQuietly(t *testing.T) {
	ts := scriptServer(t, []string{`{"type":"session-joined"}`})

	ch, err := Connect(context.Background(), ts.URL, "tok", "p-1")
	if err != nil {
		t.Fatal(err)
	}
	nextEvent(t, ch) // Joined

	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	select {
	case ev, ok := <-ch.Events():
		if ok {
			if _, isDisc := ev.(Disconnected); isDisc {
				t.Fatal("local close produced Disconnected")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after local Close")
	}
}

func TestSendWritesSignalEnvelope(t *testing.T) {
	got := make(chan Envelope, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/ws/sessions/") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var env Envelope
		if err := conn.ReadJSON(&env); err == nil {
			got <- env
		}
	}))
	defer ts.Close()

	ch, err := Connect(context.Background(), ts.URL, "tok", "p-1")
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	if err := ch.Send(SignalAnswer, SDPPayload{Type: "answer", SDP: "v=0 a"}); err != nil {
		t.Fatal(err)
	}

	select {
	case env := <-got:
		if env.Type != TypeSignal || env.SignalType != SignalAnswer {
			t.Fatalf("envelope %+v", env)
		}
		var sdp SDPPayload
		if err := json.Unmarshal(env.Payload, &sdp); err != nil || sdp.SDP != "v=0 a" {
			t.Fatalf("payload %s", env.Payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never received the envelope")
	}
}
