package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/podiumlabs/lectern/internal/observe"
	"github.com/podiumlabs/lectern/internal/server"
	"github.com/podiumlabs/lectern/internal/session"
	"github.com/podiumlabs/lectern/pkg/audio"
	"github.com/podiumlabs/lectern/pkg/recognizer"
	recmock "github.com/podiumlabs/lectern/pkg/recognizer/mock"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func newFixture(t *testing.T, provider recognizer.Provider) (*httptest.Server, *observe.Collector) {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	collector := observe.NewCollector(m)

	manager := session.NewManager(session.ManagerConfig{
		Provider:  provider,
		Collector: collector,
	})
	t.Cleanup(func() { manager.CloseAll(context.Background()) })

	mux := http.NewServeMux()
	server.New(server.Config{Manager: manager, Collector: collector}).Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, collector
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/stream"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ websocket.MessageType, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, typ, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func sendCommand(t *testing.T, conn *websocket.Conn, cmd string) {
	t.Helper()
	send(t, conn, websocket.MessageText, []byte(cmd))
}

// readEvent reads text frames until one with the wanted event name arrives.
func readEvent(t *testing.T, conn *websocket.Conn, want string) map[string]json.RawMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read waiting for %q: %v", want, err)
		}
		var msg map[string]json.RawMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		var event string
		_ = json.Unmarshal(msg["event"], &event)
		if event == want {
			return msg
		}
	}
}

// ─── TestServer_StartStopFlow ────────────────────────────────────────────────

func TestServer_StartStopFlow(t *testing.T) {
	t.Parallel()

	st := recmock.NewStream()
	srv, _ := newFixture(t, &recmock.Provider{Stream: st})
	conn := dial(t, srv)

	sendCommand(t, conn, `{"action":"start","session_id":"ws-1","presentation_id":"deck-1","lecture_id":7,"language_code":"ja-JP","enable_interim_results":true}`)
	started := readEvent(t, conn, "session_started")
	var sid string
	_ = json.Unmarshal(started["session_id"], &sid)
	if sid != "ws-1" {
		t.Fatalf("session_started echo: got %q", sid)
	}

	send(t, conn, websocket.MessageBinary, make([]byte, audio.MinFrameBytes))

	st.Emit(recognizer.Event{Text: "講義を始めます", IsFinal: true, Confidence: 0.92})
	ev := readEvent(t, conn, "transcription")
	var res session.Result
	if err := json.Unmarshal(ev["result"], &res); err != nil {
		t.Fatalf("result payload: %v", err)
	}
	if res.Text != "講義を始めます" || !res.IsFinal || res.SessionID != "ws-1" {
		t.Errorf("result: %+v", res)
	}
	if res.LectureID != 7 {
		t.Errorf("lecture id: got %d", res.LectureID)
	}

	sendCommand(t, conn, `{"action":"stop"}`)
	closed := readEvent(t, conn, "session_closed")
	var sum session.Summary
	if err := json.Unmarshal(closed["summary"], &sum); err != nil {
		t.Fatalf("summary payload: %v", err)
	}
	if sum.TotalFramesSent != 1 || sum.FinalResults != 1 {
		t.Errorf("summary: frames=%d finals=%d", sum.TotalFramesSent, sum.FinalResults)
	}
}

// ─── TestServer_AudioBeforeStart ─────────────────────────────────────────────

func TestServer_AudioBeforeStart(t *testing.T) {
	t.Parallel()

	srv, _ := newFixture(t, &recmock.Provider{})
	conn := dial(t, srv)

	send(t, conn, websocket.MessageBinary, make([]byte, 64))
	ev := readEvent(t, conn, "error")
	var msg string
	_ = json.Unmarshal(ev["message"], &msg)
	if !strings.Contains(msg, "start") {
		t.Errorf("error message: %q", msg)
	}
}

// ─── TestServer_UnknownAction ────────────────────────────────────────────────

func TestServer_UnknownAction(t *testing.T) {
	t.Parallel()

	srv, _ := newFixture(t, &recmock.Provider{})
	conn := dial(t, srv)

	sendCommand(t, conn, `{"action":"pause"}`)
	ev := readEvent(t, conn, "error")
	var msg string
	_ = json.Unmarshal(ev["message"], &msg)
	if !strings.Contains(msg, "pause") {
		t.Errorf("error message: %q", msg)
	}
}

// ─── TestServer_DoubleStart ──────────────────────────────────────────────────

func TestServer_DoubleStart(t *testing.T) {
	t.Parallel()

	srv, _ := newFixture(t, &recmock.Provider{})
	conn := dial(t, srv)

	sendCommand(t, conn, `{"action":"start","session_id":"dup-ws"}`)
	readEvent(t, conn, "session_started")
	sendCommand(t, conn, `{"action":"start","session_id":"dup-ws-2"}`)
	readEvent(t, conn, "error")
}

// ─── TestServer_DisconnectClosesSession ──────────────────────────────────────

func TestServer_DisconnectClosesSession(t *testing.T) {
	t.Parallel()

	srv, collector := newFixture(t, &recmock.Provider{})
	conn := dial(t, srv)

	sendCommand(t, conn, `{"action":"start","session_id":"drop-ws"}`)
	readEvent(t, conn, "session_started")
	if got := collector.Snapshot().ActiveSessions; got != 1 {
		t.Fatalf("active sessions after start: %d", got)
	}

	_ = conn.Close(websocket.StatusGoingAway, "client gone")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if collector.Snapshot().ActiveSessions == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session not closed after disconnect")
}

// ─── TestServer_Stats ────────────────────────────────────────────────────────

func TestServer_Stats(t *testing.T) {
	t.Parallel()

	srv, _ := newFixture(t, &recmock.Provider{})
	conn := dial(t, srv)
	sendCommand(t, conn, `{"action":"start","session_id":"stats-ws"}`)
	readEvent(t, conn, "session_started")

	resp, err := http.Get(srv.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET /v1/stats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var snap observe.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.ActiveSessions != 1 {
		t.Errorf("active sessions: %d", snap.ActiveSessions)
	}

	missing, err := http.Get(srv.URL + "/v1/sessions/nope/stats")
	if err != nil {
		t.Fatalf("GET session stats: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("missing session status: %d", missing.StatusCode)
	}
}
