package bridge

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// idleAgent returns a script binary that stays alive until stdin closes or
// it is signalled.
func idleAgent(t *testing.T) string {
	t.Helper()
	return writeScript(t, "while IFS= read -r line; do :; done\n")
}

func newTestRegistry(t *testing.T, binary string) *Registry {
	t.Helper()
	r := NewRegistry(RegistryOpts{
		Binary:       binary,
		SessionDir:   t.TempDir(),
		StartupGrace: 100 * time.Millisecond,
		RemoveDelay:  100 * time.Millisecond,
	})
	t.Cleanup(r.KillAll)
	return r
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRegistry_DispatchAssignsSequentialIDs(t *testing.T) {
	r := newTestRegistry(t, idleAgent(t))

	b1, err := r.Dispatch(context.Background(), t.TempDir(), "", "")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	b2, err := r.Dispatch(context.Background(), t.TempDir(), "acme", "m1")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if b1.ID() != "bridge_1" {
		t.Errorf("first id = %s, want bridge_1", b1.ID())
	}
	if b2.ID() != "bridge_2" {
		t.Errorf("second id = %s, want bridge_2", b2.ID())
	}
	if !strings.HasPrefix(b1.SessionID(), "sess-") {
		t.Errorf("session id = %s, want sess- prefix", b1.SessionID())
	}
	if b1.SessionFile() == "" || b1.SessionFile() == b2.SessionFile() {
		t.Errorf("session files not unique: %s / %s", b1.SessionFile(), b2.SessionFile())
	}
}

func TestRegistry_Lookup(t *testing.T) {
	r := newTestRegistry(t, idleAgent(t))
	b, err := r.Dispatch(context.Background(), t.TempDir(), "", "")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	got, err := r.Lookup(b.ID())
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got != b {
		t.Error("Lookup returned a different bridge")
	}

	if _, err := r.Lookup("bridge_999"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown lookup err = %v, want ErrNotFound", err)
	}
}

func TestRegistry_ResumeIdempotent(t *testing.T) {
	bin := idleAgent(t)
	r := newTestRegistry(t, bin)
	cwd := t.TempDir()

	sessionFile := filepath.Join(t.TempDir(), "sess-abc.jsonl")
	if err := os.WriteFile(sessionFile, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write session file: %v", err)
	}

	b1, already, err := r.Resume(context.Background(), cwd, sessionFile)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if already {
		t.Error("first resume reported alreadyActive")
	}
	if b1.SessionID() != "sess-abc" {
		t.Errorf("session id = %s, want sess-abc", b1.SessionID())
	}

	// Same resume file while the bridge lives: no duplicate process.
	b2, already, err := r.Resume(context.Background(), cwd, sessionFile)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !already {
		t.Error("second resume did not report alreadyActive")
	}
	if b2 != b1 {
		t.Error("second resume spawned a duplicate bridge")
	}
}

func TestRegistry_ConcurrentResumesShareOneBridge(t *testing.T) {
	r := newTestRegistry(t, idleAgent(t))
	cwd := t.TempDir()

	sessionFile := filepath.Join(t.TempDir(), "sess-race.jsonl")
	if err := os.WriteFile(sessionFile, []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write session file: %v", err)
	}

	const n = 8
	bridges := make([]*Bridge, n)
	actives := make([]bool, n)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, already, err := r.Resume(context.Background(), cwd, sessionFile)
			if err != nil {
				t.Errorf("Resume: %v", err)
				return
			}
			bridges[i] = b
			actives[i] = already
		}()
	}
	wg.Wait()

	fresh := 0
	for i := range n {
		if bridges[i] != bridges[0] {
			t.Fatalf("resume %d landed on a different bridge", i)
		}
		if !actives[i] {
			fresh++
		}
	}
	if fresh != 1 {
		t.Errorf("%d resumes spawned fresh, want exactly 1", fresh)
	}
	if got := len(r.List()); got != 1 {
		t.Errorf("registry holds %d bridges, want 1", got)
	}
}

func TestRegistry_ResumeAfterExitSpawnsFresh(t *testing.T) {
	r := newTestRegistry(t, idleAgent(t))
	cwd := t.TempDir()
	sessionFile := filepath.Join(t.TempDir(), "sess-dead.jsonl")

	b1, _, err := r.Resume(context.Background(), cwd, sessionFile)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	b1.Kill()
	<-b1.Done()

	b2, already, err := r.Resume(context.Background(), cwd, sessionFile)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if already {
		t.Error("resume of a dead bridge reported alreadyActive")
	}
	if b2 == b1 {
		t.Error("resume reused the dead bridge")
	}
}

func TestRegistry_RemovesExitedBridgeAfterGrace(t *testing.T) {
	r := newTestRegistry(t, idleAgent(t))
	b, err := r.Dispatch(context.Background(), t.TempDir(), "", "")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	b.Kill()
	<-b.Done()

	// Inside the grace period the bridge is still known.
	if _, err := r.Lookup(b.ID()); err != nil {
		t.Errorf("Lookup right after exit: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		_, err := r.Lookup(b.ID())
		return errors.Is(err, ErrNotFound)
	})
}

func TestRegistry_KillAll(t *testing.T) {
	r := newTestRegistry(t, idleAgent(t))
	var bridges []*Bridge
	for range 3 {
		b, err := r.Dispatch(context.Background(), t.TempDir(), "", "")
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		bridges = append(bridges, b)
	}

	r.KillAll()
	for _, b := range bridges {
		select {
		case <-b.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("%s did not exit after KillAll", b.ID())
		}
	}
}
