package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lolwierd/rig/internal/bridge"
	"github.com/lolwierd/rig/internal/notify"
	"github.com/lolwierd/rig/internal/session"
)

const testToken = "test-token"

// writeScript drops an executable shell script to stand in for the agent
// binary.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

// idleAgent blocks on stdin until killed.
const idleAgent = `while read line; do :; done
`

// echoAgent emits one event at startup and answers every correlated
// command with a success response.
const echoAgent = `echo '{"type":"message_start"}'
while read line; do
  id=$(printf '%s' "$line" | sed -n 's/.*"id":\([0-9]*\).*/\1/p')
  if [ -n "$id" ]; then
    echo "{\"type\":\"response\",\"id\":$id,\"success\":true,\"data\":{\"ok\":true}}"
  fi
done
`

type testServer struct {
	srv      *httptest.Server
	registry *bridge.Registry
}

func newTestServer(t *testing.T, agentBody string) *testServer {
	t.Helper()
	r := bridge.NewRegistry(bridge.RegistryOpts{
		Binary:       writeScript(t, agentBody),
		SessionDir:   t.TempDir(),
		StartupGrace: 100 * time.Millisecond,
		RemoveDelay:  100 * time.Millisecond,
	})
	t.Cleanup(r.KillAll)

	provider := session.NewRegistryProvider(r)
	d, err := session.NewDispatcher(session.DispatcherOpts{Provider: provider})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	w, err := notify.NewWatcher(provider, notify.NotifierFunc(func(owner, text string) error {
		return nil
	}), nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	router := newRouter(StartOpts{
		Registry:   r,
		Dispatcher: d,
		Watcher:    w,
		AuthToken:  testToken,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, registry: r}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+testToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t, idleAgent)

	// No token.
	resp, err := http.Get(ts.srv.URL + "/api/bridges")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}

	// Wrong token.
	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/api/bridges", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d, want 401", resp.StatusCode)
	}

	// Right token.
	resp2, _ := ts.do(t, http.MethodGet, "/api/bridges", nil)
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("valid token: status = %d, want 200", resp2.StatusCode)
	}
}

func TestDispatch_SpawnsBridge(t *testing.T) {
	ts := newTestServer(t, idleAgent)

	resp, body := ts.do(t, http.MethodPost, "/api/dispatch", map[string]any{
		"cwd": t.TempDir(), "message": "run the build",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	bridgeID, _ := body["bridgeId"].(string)
	if bridgeID == "" {
		t.Fatalf("no bridgeId in %v", body)
	}
	if _, err := ts.registry.Lookup(bridgeID); err != nil {
		t.Errorf("dispatched bridge not in registry: %v", err)
	}

	_, list := ts.do(t, http.MethodGet, "/api/bridges", nil)
	bridges, _ := list["bridges"].([]any)
	if len(bridges) != 1 {
		t.Errorf("bridge list = %v, want one entry", list)
	}
}

func TestDispatch_DedupedRepeat(t *testing.T) {
	ts := newTestServer(t, idleAgent)
	cwd := t.TempDir()
	req := map[string]any{"cwd": cwd, "message": "same work"}

	_, first := ts.do(t, http.MethodPost, "/api/dispatch", req)
	_, second := ts.do(t, http.MethodPost, "/api/dispatch", req)

	if second["deduped"] != true {
		t.Errorf("repeat not deduped: %v", second)
	}
	if second["bridgeId"] != first["bridgeId"] {
		t.Errorf("repeat bridge = %v, want %v", second["bridgeId"], first["bridgeId"])
	}
}

func TestDispatch_Validation(t *testing.T) {
	ts := newTestServer(t, idleAgent)

	resp, _ := ts.do(t, http.MethodPost, "/api/dispatch", map[string]any{"cwd": "/w"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing message: status = %d, want 400", resp.StatusCode)
	}
}

func TestDispatch_BadBinaryIsBadGateway(t *testing.T) {
	r := bridge.NewRegistry(bridge.RegistryOpts{
		Binary:     filepath.Join(t.TempDir(), "missing"),
		SessionDir: t.TempDir(),
	})
	d, _ := session.NewDispatcher(session.DispatcherOpts{Provider: session.NewRegistryProvider(r)})
	srv := httptest.NewServer(newRouter(StartOpts{Registry: r, Dispatcher: d, AuthToken: testToken}))
	defer srv.Close()
	ts := &testServer{srv: srv, registry: r}

	resp, _ := ts.do(t, http.MethodPost, "/api/dispatch", map[string]any{
		"cwd": t.TempDir(), "message": "go",
	})
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestStop(t *testing.T) {
	ts := newTestServer(t, idleAgent)

	_, body := ts.do(t, http.MethodPost, "/api/dispatch", map[string]any{
		"cwd": t.TempDir(), "message": "work",
	})
	bridgeID := body["bridgeId"].(string)

	resp, stop := ts.do(t, http.MethodPost, "/api/stop", map[string]any{"bridgeId": bridgeID})
	if resp.StatusCode != http.StatusOK || stop["stopped"] != true {
		t.Errorf("stop = %v (%d), want stopped=true", stop, resp.StatusCode)
	}

	resp, stop = ts.do(t, http.MethodPost, "/api/stop", map[string]any{"bridgeId": "bridge_999"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown bridge stop: status = %d (%v), want 404", resp.StatusCode, stop)
	}
}

func TestBridgeDetail(t *testing.T) {
	ts := newTestServer(t, idleAgent)

	resp, _ := ts.do(t, http.MethodGet, "/api/bridges/bridge_404", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown bridge: status = %d, want 404", resp.StatusCode)
	}

	_, body := ts.do(t, http.MethodPost, "/api/dispatch", map[string]any{
		"cwd": t.TempDir(), "message": "work",
	})
	bridgeID := body["bridgeId"].(string)

	resp, detail := ts.do(t, http.MethodGet, "/api/bridges/"+bridgeID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	info, _ := detail["bridge"].(map[string]any)
	if info["alive"] != true {
		t.Errorf("detail = %v, want alive bridge", detail)
	}
}

func TestWatch(t *testing.T) {
	ts := newTestServer(t, idleAgent)

	resp, _ := ts.do(t, http.MethodPost, "/api/watch", map[string]any{
		"bridgeId": "bridge_404", "owner": "alice",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown bridge: status = %d, want 404", resp.StatusCode)
	}

	_, body := ts.do(t, http.MethodPost, "/api/dispatch", map[string]any{
		"cwd": t.TempDir(), "message": "work",
	})
	bridgeID := body["bridgeId"].(string)

	_, watch := ts.do(t, http.MethodPost, "/api/watch", map[string]any{
		"bridgeId": bridgeID, "label": "job", "owner": "alice",
	})
	if watch["armed"] != true {
		t.Errorf("watch = %v, want armed=true", watch)
	}

	_, watch = ts.do(t, http.MethodPost, "/api/watch", map[string]any{
		"bridgeId": bridgeID, "label": "job", "owner": "alice",
	})
	if watch["armed"] != false {
		t.Errorf("repeat watch = %v, want armed=false", watch)
	}
}
