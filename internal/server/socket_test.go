package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialSocket(t *testing.T, ts *testServer, bridgeID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/" + bridgeID
	header := http.Header{"Authorization": []string{"Bearer " + testToken}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return frame
}

// readFrameOfType skips frames until one of the wanted type arrives.
func readFrameOfType(t *testing.T, conn *websocket.Conn, want string) map[string]any {
	t.Helper()
	for range 10 {
		frame := readFrame(t, conn)
		if frame["type"] == want {
			return frame
		}
	}
	t.Fatalf("no %q frame seen", want)
	return nil
}

func TestSocket_UnknownBridge(t *testing.T) {
	ts := newTestServer(t, idleAgent)

	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/ws/bridge_404", nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSocket_StateSnapshotFirst(t *testing.T) {
	ts := newTestServer(t, idleAgent)
	_, body := ts.do(t, http.MethodPost, "/api/dispatch", map[string]any{
		"cwd": t.TempDir(), "message": "work",
	})
	bridgeID := body["bridgeId"].(string)

	conn := dialSocket(t, ts, bridgeID)
	frame := readFrame(t, conn)
	if frame["type"] != "state" {
		t.Fatalf("first frame = %v, want state", frame)
	}
	if frame["bridgeId"] != bridgeID || frame["alive"] != true {
		t.Errorf("state frame = %v", frame)
	}
}

func TestSocket_ReplaysBufferedEvents(t *testing.T) {
	ts := newTestServer(t, echoAgent)
	_, body := ts.do(t, http.MethodPost, "/api/dispatch", map[string]any{
		"cwd": t.TempDir(), "message": "work",
	})
	bridgeID := body["bridgeId"].(string)

	// The agent emitted message_start before any subscriber attached; the
	// first socket gets it replayed inside the event envelope.
	conn := dialSocket(t, ts, bridgeID)
	readFrameOfType(t, conn, "state")
	frame := readFrameOfType(t, conn, "event")
	inner, ok := frame["event"].(map[string]any)
	if !ok {
		t.Fatalf("event frame = %v, want nested event object", frame)
	}
	if inner["type"] != "message_start" {
		t.Errorf("replayed event type = %v, want message_start", inner["type"])
	}
}

// Uncorrelated agent response lines must arrive wrapped, never as bare
// top-level response frames that could collide with command replies.
func TestSocket_AgentResponseLinesAreEnveloped(t *testing.T) {
	// Emits an uncorrelated response line (no command outstanding) before
	// settling into the idle read loop.
	agent := `echo '{"type":"response","id":999,"success":true,"data":{"late":true}}'
while read line; do :; done
`
	ts := newTestServer(t, agent)
	_, body := ts.do(t, http.MethodPost, "/api/dispatch", map[string]any{
		"cwd": t.TempDir(), "message": "work",
	})
	conn := dialSocket(t, ts, body["bridgeId"].(string))
	readFrameOfType(t, conn, "state")

	frame := readFrameOfType(t, conn, "event")
	inner, ok := frame["event"].(map[string]any)
	if !ok {
		t.Fatalf("event frame without nested event: %v", frame)
	}
	if inner["type"] != "response" || inner["id"] != float64(999) {
		t.Errorf("nested event = %v, want the uncorrelated response line", inner)
	}
}

func TestSocket_CommandRoundTrip(t *testing.T) {
	ts := newTestServer(t, echoAgent)
	_, body := ts.do(t, http.MethodPost, "/api/dispatch", map[string]any{
		"cwd": t.TempDir(), "message": "work",
	})
	bridgeID := body["bridgeId"].(string)

	conn := dialSocket(t, ts, bridgeID)
	readFrameOfType(t, conn, "state")

	err := conn.WriteJSON(map[string]any{
		"type":      "command",
		"requestId": 42,
		"command":   map[string]any{"type": "get_state"},
	})
	if err != nil {
		t.Fatalf("write command: %v", err)
	}

	frame := readFrameOfType(t, conn, "response")
	if frame["requestId"] != float64(42) {
		t.Errorf("requestId = %v, want 42", frame["requestId"])
	}
	if frame["success"] != true {
		t.Errorf("response = %v, want success", frame)
	}
}

func TestSocket_MissingCommandIsRejected(t *testing.T) {
	ts := newTestServer(t, echoAgent)
	_, body := ts.do(t, http.MethodPost, "/api/dispatch", map[string]any{
		"cwd": t.TempDir(), "message": "work",
	})
	conn := dialSocket(t, ts, body["bridgeId"].(string))
	readFrameOfType(t, conn, "state")

	conn.WriteJSON(map[string]any{"type": "command", "requestId": 7})
	frame := readFrameOfType(t, conn, "response")
	if frame["success"] != false {
		t.Errorf("response = %v, want failure", frame)
	}
}

func TestSocket_ExitFrameOnProcessDeath(t *testing.T) {
	ts := newTestServer(t, idleAgent)
	_, body := ts.do(t, http.MethodPost, "/api/dispatch", map[string]any{
		"cwd": t.TempDir(), "message": "work",
	})
	bridgeID := body["bridgeId"].(string)

	conn := dialSocket(t, ts, bridgeID)
	readFrameOfType(t, conn, "state")

	b, err := ts.registry.Lookup(bridgeID)
	if err != nil {
		t.Fatal(err)
	}
	b.Kill()

	frame := readFrameOfType(t, conn, "exit")
	if _, ok := frame["code"]; !ok {
		t.Errorf("exit frame = %v, want code", frame)
	}
}

func TestSocket_UIResponseForwardsData(t *testing.T) {
	// Mirrors every stdin line back to stdout so the test can observe what
	// the server forwarded to the agent.
	agent := `while read line; do printf '%s\n' "$line"; done
`
	ts := newTestServer(t, agent)
	_, body := ts.do(t, http.MethodPost, "/api/dispatch", map[string]any{
		"cwd": t.TempDir(), "message": "work",
	})
	conn := dialSocket(t, ts, body["bridgeId"].(string))
	readFrameOfType(t, conn, "state")

	err := conn.WriteJSON(map[string]any{
		"type": "extension_ui_response",
		"data": map[string]any{"id": "ui-1", "choice": "ok"},
	})
	if err != nil {
		t.Fatalf("write ui response: %v", err)
	}

	for range 10 {
		frame := readFrameOfType(t, conn, "event")
		inner, ok := frame["event"].(map[string]any)
		if !ok {
			t.Fatalf("event frame without nested event: %v", frame)
		}
		if inner["type"] != "extension_ui_response" {
			continue
		}
		data, ok := inner["data"].(map[string]any)
		if !ok || data["id"] != "ui-1" {
			t.Fatalf("forwarded line = %v, want data with id ui-1", inner)
		}
		return
	}
	t.Fatal("ui response never reached the agent")
}
