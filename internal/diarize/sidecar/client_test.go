package sidecar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tiroq/diarscribe/internal/diarize"
)

var upgrader = websocket.Upgrader{}

// mockSidecar is an in-process diarization service.
type mockSidecar struct {
	server      *httptest.Server
	sendHello   bool
	requireAuth bool
	token       string
	tracks      []diarize.Track
	failRequest bool
	dropOnReq   bool

	gotRequest chan DiarizeRequest
	gotAuth    chan string
}

func newMockSidecar(t *testing.T) *mockSidecar {
	t.Helper()
	m := &mockSidecar{
		sendHello:  true,
		gotRequest: make(chan DiarizeRequest, 4),
		gotAuth:    make(chan string, 4),
	}
	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() {
			_ = conn.Close()
		}()
		m.handleConnection(conn)
	}))
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockSidecar) url() string {
	return "ws" + strings.TrimPrefix(m.server.URL, "http")
}

func (m *mockSidecar) handleConnection(conn *websocket.Conn) {
	if !m.sendHello {
		// Keep the socket open without greeting.
		var discard Message
		_ = conn.ReadJSON(&discard)
		return
	}
	helloData := HelloData{ServiceVersion: "1.2.0", RPCVersion: 1}
	if m.requireAuth {
		helloData.Authentication.Challenge = "testchallenge"
		helloData.Authentication.Salt = "testsalt"
	}
	hello := Message{Op: OpHello}
	hello.D, _ = json.Marshal(helloData)
	if err := conn.WriteJSON(hello); err != nil {
		return
	}

	var identifyMsg Message
	if err := conn.ReadJSON(&identifyMsg); err != nil {
		return
	}
	var identify IdentifyData
	_ = json.Unmarshal(identifyMsg.D, &identify)
	m.gotAuth <- identify.Authentication
	if m.requireAuth && identify.Authentication != signChallenge(m.token, "testsalt", "testchallenge") {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(4009, "authentication failed"))
		return
	}

	identified := Message{Op: OpIdentified, D: json.RawMessage("{}")}
	if err := conn.WriteJSON(identified); err != nil {
		return
	}

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Op != OpRequest {
			continue
		}
		var req Request
		if err := json.Unmarshal(msg.D, &req); err != nil {
			return
		}
		var payload DiarizeRequest
		raw, _ := json.Marshal(req.RequestData)
		_ = json.Unmarshal(raw, &payload)
		m.gotRequest <- payload

		if m.dropOnReq {
			return
		}

		resp := Response{RequestType: req.RequestType, RequestID: req.RequestID}
		if m.failRequest {
			resp.RequestStatus.Result = false
			resp.RequestStatus.Code = 500
			resp.RequestStatus.Comment = "pipeline crashed"
		} else {
			resp.RequestStatus.Result = true
			resp.RequestStatus.Code = 100
			resp.ResponseData, _ = json.Marshal(DiarizeResponse{Tracks: m.tracks})
		}
		out := Message{Op: OpRequestResponse}
		out.D, _ = json.Marshal(resp)
		if err := conn.WriteJSON(out); err != nil {
			return
		}
	}
}

func newTestClient(m *mockSidecar) *Client {
	return NewClient(Config{
		URL:                     m.url(),
		Token:                   m.token,
		HandshakeTimeoutSeconds: 2,
		RequestTimeoutSeconds:   2,
	})
}

func TestDiarizeReturnsTracks(t *testing.T) {
	m := newMockSidecar(t)
	m.tracks = []diarize.Track{
		{Start: 0, End: 2.5, TrackID: "A", Speaker: "SPEAKER_00"},
		{Start: 2.5, End: 4, TrackID: "B", Speaker: "SPEAKER_01"},
	}
	c := newTestClient(m)
	defer c.Close()

	tracks, err := c.Diarize(context.Background(), "/audio/meeting.wav", diarize.Hints{MinSpeakers: 2, MaxSpeakers: 4})
	if err != nil {
		t.Fatalf("Diarize: %v", err)
	}
	if len(tracks) != 2 {
		t.Fatalf("expected 2 tracks, got %d", len(tracks))
	}
	if tracks[1].Speaker != "SPEAKER_01" || tracks[1].Start != 2.5 {
		t.Errorf("unexpected track: %+v", tracks[1])
	}

	req := <-m.gotRequest
	if req.AudioPath != "/audio/meeting.wav" {
		t.Errorf("audio path = %q", req.AudioPath)
	}
	if req.MinSpeakers != 2 || req.MaxSpeakers != 4 {
		t.Errorf("hints not forwarded: %+v", req.Hints)
	}
	if !c.IsConnected() {
		t.Error("expected client to stay connected")
	}
}

func TestDiarizeReusesConnection(t *testing.T) {
	m := newMockSidecar(t)
	c := newTestClient(m)
	defer c.Close()

	for i := 0; i < 2; i++ {
		if _, err := c.Diarize(context.Background(), "a.wav", diarize.Hints{}); err != nil {
			t.Fatalf("Diarize #%d: %v", i, err)
		}
	}
	if got := len(m.gotAuth); got != 1 {
		t.Errorf("expected a single handshake, got %d", got)
	}
}

func TestDiarizeConcurrentCallersShareHandshake(t *testing.T) {
	for round := range 10 {
		m := newMockSidecar(t)
		c := newTestClient(m)

		var wg sync.WaitGroup
		errs := make(chan error, 2)
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := c.Diarize(context.Background(), "a.wav", diarize.Hints{}); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("round %d: Diarize: %v", round, err)
		}
		if got := len(m.gotAuth); got != 1 {
			t.Errorf("round %d: expected a single handshake, got %d", round, got)
		}
		_ = c.Close()
	}
}

func TestDiarizeWithAuthentication(t *testing.T) {
	m := newMockSidecar(t)
	m.requireAuth = true
	m.token = "s3cret"
	c := newTestClient(m)
	defer c.Close()

	if _, err := c.Diarize(context.Background(), "a.wav", diarize.Hints{}); err != nil {
		t.Fatalf("Diarize: %v", err)
	}
	if auth := <-m.gotAuth; auth == "" {
		t.Error("expected an authentication string")
	}
}

func TestDiarizeAuthRequiredWithoutToken(t *testing.T) {
	m := newMockSidecar(t)
	m.requireAuth = true
	c := NewClient(Config{URL: m.url(), HandshakeTimeoutSeconds: 2})

	_, err := c.Diarize(context.Background(), "a.wav", diarize.Hints{})
	if err == nil || !strings.Contains(err.Error(), "no token") {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestDiarizeRequestFailure(t *testing.T) {
	m := newMockSidecar(t)
	m.failRequest = true
	c := newTestClient(m)
	defer c.Close()

	_, err := c.Diarize(context.Background(), "a.wav", diarize.Hints{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "pipeline crashed") || !strings.Contains(err.Error(), "code: 500") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestDiarizeConnectionDropped(t *testing.T) {
	m := newMockSidecar(t)
	m.dropOnReq = true
	c := newTestClient(m)
	defer c.Close()

	_, err := c.Diarize(context.Background(), "a.wav", diarize.Hints{})
	if err == nil {
		t.Fatal("expected error when the sidecar drops the connection")
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.IsConnected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.IsConnected() {
		t.Error("expected client to be disconnected")
	}
}

func TestConnectHelloTimeout(t *testing.T) {
	m := newMockSidecar(t)
	m.sendHello = false
	c := NewClient(Config{URL: m.url(), HandshakeTimeoutSeconds: 1})

	err := c.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "Hello") {
		t.Fatalf("expected hello timeout, got %v", err)
	}
}

func TestConnectRefused(t *testing.T) {
	c := NewClient(Config{URL: "ws://127.0.0.1:1/diarize", HandshakeTimeoutSeconds: 1})
	if _, err := c.Diarize(context.Background(), "a.wav", diarize.Hints{}); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestSignChallengeDeterministic(t *testing.T) {
	a := signChallenge("tok", "salt", "challenge")
	b := signChallenge("tok", "salt", "challenge")
	if a != b || a == "" {
		t.Errorf("signChallenge not deterministic: %q vs %q", a, b)
	}
	if signChallenge("other", "salt", "challenge") == a {
		t.Error("different tokens must sign differently")
	}
}
