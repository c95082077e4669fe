package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/krakonos-tatransky/chatorbit-sub001/internal/rest"
	"github.com/krakonos-tatransky/chatorbit-sub001/internal/signaling"
)

func startServer(t *testing.T) (*httptest.Server, *rest.Client) {
	t.Helper()
	srv := New(RegistryOptions{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, rest.NewClient(ts.URL)
}

func dialWS(t *testing.T, ts *httptest.Server, token, participantID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/sessions/" + token + "?participantId=" + participantID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil reads envelopes until one matches the wanted type.
func readUntil(t *testing.T, conn *websocket.Conn, want signaling.EnvelopeType) signaling.Envelope {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for {
		var env signaling.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if env.Type == want {
			return env
		}
		if time.Now().After(deadline) {
			t.Fatalf("no %s envelope before deadline", want)
		}
	}
}

func setupSession(t *testing.T, ts *httptest.Server, api *rest.Client) (token, hostID, guestID string) {
	t.Helper()
	ctx := context.Background()
	tok, err := api.CreateToken(ctx, rest.CreateTokenRequest{
		ValidityPeriod:    rest.ValidityOneDay,
		SessionTTLMinutes: 30,
	})
	if err != nil {
		t.Fatal(err)
	}
	host, err := api.JoinSession(ctx, rest.JoinSessionRequest{Token: tok.Token})
	if err != nil {
		t.Fatal(err)
	}
	guest, err := api.JoinSession(ctx, rest.JoinSessionRequest{Token: tok.Token})
	if err != nil {
		t.Fatal(err)
	}
	return tok.Token, host.ParticipantID, guest.ParticipantID
}

func TestHealthDatabase(t *testing.T) {
	_, api := startServer(t)
	if err := api.HealthDatabase(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestSocketRequiresKnownParticipant(t *testing.T) {
	ts, api := startServer(t)
	token, _, _ := setupSession(t, ts, api)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/sessions/" + token + "?participantId=stranger"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("stranger was admitted")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
}

func TestSignalRelayExcludesSender(t *testing.T) {
	ts, api := startServer(t)
	token, hostID, guestID := setupSession(t, ts, api)

	hostConn := dialWS(t, ts, token, hostID)
	readUntil(t, hostConn, signaling.TypeSessionJoined)
	guestConn := dialWS(t, ts, token, guestID)
	readUntil(t, guestConn, signaling.TypeSessionJoined)

	payload, _ := json.Marshal(signaling.SDPPayload{Type: "offer", SDP: "v=0 test"})
	if err := hostConn.WriteJSON(signaling.Envelope{
		Type:       signaling.TypeSignal,
		SignalType: signaling.SignalOffer,
		Payload:    payload,
	}); err != nil {
		t.Fatal(err)
	}

	env := readUntil(t, guestConn, signaling.TypeSignal)
	if env.SignalType != signaling.SignalOffer {
		t.Fatalf("signalType = %s", env.SignalType)
	}
	if env.Sender != hostID {
		t.Fatalf("sender = %s, want %s", env.Sender, hostID)
	}
	var sdp signaling.SDPPayload
	if err := json.Unmarshal(env.Payload, &sdp); err != nil || sdp.SDP != "v=0 test" {
		t.Fatalf("payload %s (err %v)", env.Payload, err)
	}
}

func TestStatusBroadcastTracksConnections(t *testing.T) {
	ts, api := startServer(t)
	token, hostID, guestID := setupSession(t, ts, api)

	hostConn := dialWS(t, ts, token, hostID)
	readUntil(t, hostConn, signaling.TypeSessionJoined)

	guestConn := dialWS(t, ts, token, guestID)
	readUntil(t, guestConn, signaling.TypeSessionJoined)

	// The host sees a status update carrying both connected participants.
	deadline := time.Now().Add(5 * time.Second)
	for {
		env := readUntil(t, hostConn, signaling.TypeStatus)
		if len(env.ConnectedParticipants) == 2 {
			if env.Status != string(StatusActive) {
				t.Fatalf("status = %s", env.Status)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("host never saw two connected participants")
		}
	}
}

func TestDeleteBroadcastsTerminal(t *testing.T) {
	ts, api := startServer(t)
	token, hostID, guestID := setupSession(t, ts, api)

	hostConn := dialWS(t, ts, token, hostID)
	readUntil(t, hostConn, signaling.TypeSessionJoined)
	guestConn := dialWS(t, ts, token, guestID)
	readUntil(t, guestConn, signaling.TypeSessionJoined)

	if err := api.EndSession(context.Background(), token); err != nil {
		t.Fatal(err)
	}

	env := readUntil(t, guestConn, signaling.TypeSessionDeleted)
	if env.Type != signaling.TypeSessionDeleted {
		t.Fatalf("type = %s", env.Type)
	}
}

func TestUnsupportedInboundTypeGetsError(t *testing.T) {
	ts, api := startServer(t)
	token, hostID, _ := setupSession(t, ts, api)

	hostConn := dialWS(t, ts, token, hostID)
	readUntil(t, hostConn, signaling.TypeSessionJoined)

	if err := hostConn.WriteJSON(map[string]string{"type": "telemetry"}); err != nil {
		t.Fatal(err)
	}
	env := readUntil(t, hostConn, signaling.TypeError)
	if env.Message == "" {
		t.Fatal("error envelope without message")
	}
}
