package bridge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultRemoveDelay is how long an exited bridge stays in the directory so
// in-flight lookups and slow clients can still read the terminal message.
const DefaultRemoveDelay = 5 * time.Second

// GenerateSessionID creates a unique session ID in sess-xxxxxxxx format
// (8-char hex).
func GenerateSessionID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("bridge: generate session ID: %w", err)
	}
	return "sess-" + hex.EncodeToString(b), nil
}

// Bridge is one spawned agent process plus its correlation and event state.
// Created by the Registry on dispatch or resume, removed shortly after the
// process exits or is explicitly killed.
type Bridge struct {
	id          string
	cwd         string
	sessionID   string
	sessionFile string
	channel     *Channel
	created     time.Time
}

func (b *Bridge) ID() string          { return b.id }
func (b *Bridge) Cwd() string         { return b.cwd }
func (b *Bridge) SessionID() string   { return b.sessionID }
func (b *Bridge) SessionFile() string { return b.sessionFile }
func (b *Bridge) Created() time.Time  { return b.created }
func (b *Bridge) Alive() bool         { return b.channel.Alive() }
func (b *Bridge) Done() <-chan struct{} { return b.channel.Done() }
func (b *Bridge) Exit() ExitInfo      { return b.channel.Exit() }
func (b *Bridge) Diagnostics() string { return b.channel.Diagnostics() }
func (b *Bridge) Kill()               { b.channel.Kill() }

// Subscribe attaches a subscriber to the bridge's event stream.
func (b *Bridge) Subscribe(s Subscriber) { b.channel.Hub().Subscribe(s) }

// Tap attaches a passive observer that leaves buffered replay for the
// first real subscriber.
func (b *Bridge) Tap(s Subscriber) { b.channel.Hub().Tap(s) }

// Unsubscribe detaches a subscriber from the bridge's event stream.
func (b *Bridge) Unsubscribe(s Subscriber) { b.channel.Hub().Unsubscribe(s) }

// SendCommand forwards a correlated command to the agent process.
func (b *Bridge) SendCommand(ctx context.Context, payload map[string]any, timeout time.Duration) ([]byte, error) {
	return b.channel.SendCommand(ctx, payload, timeout)
}

// SendFireAndForget forwards an uncorrelated line to the agent process.
func (b *Bridge) SendFireAndForget(payload map[string]any) error {
	return b.channel.SendFireAndForget(payload)
}

// RegistryOpts holds parameters for creating a Registry.
type RegistryOpts struct {
	Binary       string        // agent binary; defaults to DefaultBinary
	SessionDir   string        // directory for fresh session files
	StartupGrace time.Duration // passed through to Spawn
	RemoveDelay  time.Duration // defaults to DefaultRemoveDelay
	Out          io.Writer     // defaults to io.Discard
}

// Registry allocates bridge identities, spawns channels on demand, tracks
// liveness, and kills processes on command or shutdown. Bridge ids come
// from a single counter and are never reused.
type Registry struct {
	binary       string
	sessionDir   string
	startupGrace time.Duration
	removeDelay  time.Duration
	out          io.Writer

	mu          sync.Mutex
	nextID      int64
	bridges     map[string]*Bridge
	resumeLocks map[string]*sync.Mutex
}

// NewRegistry creates a Registry.
func NewRegistry(opts RegistryOpts) *Registry {
	binary := opts.Binary
	if binary == "" {
		binary = DefaultBinary
	}
	sessionDir := opts.SessionDir
	if sessionDir == "" {
		sessionDir = filepath.Join(os.TempDir(), "rig-sessions")
	}
	removeDelay := opts.RemoveDelay
	if removeDelay <= 0 {
		removeDelay = DefaultRemoveDelay
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	return &Registry{
		binary:       binary,
		sessionDir:   sessionDir,
		startupGrace: opts.StartupGrace,
		removeDelay:  removeDelay,
		out:          out,
		bridges:      make(map[string]*Bridge),
		resumeLocks:  make(map[string]*sync.Mutex),
	}
}

// Dispatch spawns a fresh agent process in cwd with an optional provider and
// model override, assigns the next bridge id, and registers the bridge.
func (r *Registry) Dispatch(ctx context.Context, cwd, provider, model string) (*Bridge, error) {
	sessionID, err := GenerateSessionID()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(r.sessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("bridge: session dir: %w", err)
	}
	sessionFile := filepath.Join(r.sessionDir, uuid.NewString()+".jsonl")

	ch, err := Spawn(ctx, ChannelOpts{
		Binary:       r.binary,
		Dir:          cwd,
		SessionFile:  sessionFile,
		Provider:     provider,
		Model:        model,
		StartupGrace: r.startupGrace,
	})
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		cwd:         cwd,
		sessionID:   sessionID,
		sessionFile: sessionFile,
		channel:     ch,
		created:     time.Now(),
	}
	r.register(b)
	return b, nil
}

// Resume spawns an agent process bound to an existing session file. If a
// live bridge is already bound to that file it is returned unchanged with
// alreadyActive true, rather than spawning a duplicate.
func (r *Registry) Resume(ctx context.Context, cwd, sessionFile string) (*Bridge, bool, error) {
	// Held across the liveness check and the spawn, so two concurrent
	// resumes of one file cannot both miss the check and spawn duplicates.
	fl := r.resumeLock(sessionFile)
	fl.Lock()
	defer fl.Unlock()

	r.mu.Lock()
	for _, b := range r.bridges {
		if b.sessionFile == sessionFile && b.Alive() {
			r.mu.Unlock()
			return b, true, nil
		}
	}
	r.mu.Unlock()

	ch, err := Spawn(ctx, ChannelOpts{
		Binary:       r.binary,
		Dir:          cwd,
		SessionFile:  sessionFile,
		StartupGrace: r.startupGrace,
	})
	if err != nil {
		return nil, false, err
	}

	b := &Bridge{
		cwd:         cwd,
		sessionID:   sessionIDFromFile(sessionFile),
		sessionFile: sessionFile,
		channel:     ch,
		created:     time.Now(),
	}
	r.register(b)
	return b, false, nil
}

// resumeLock returns the per-session-file lock, creating it on first use.
// Locks are never removed; the set of session files a process resumes is
// small.
func (r *Registry) resumeLock(sessionFile string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	fl, ok := r.resumeLocks[sessionFile]
	if !ok {
		fl = &sync.Mutex{}
		r.resumeLocks[sessionFile] = fl
	}
	return fl
}

// register assigns the bridge id and starts the exit reaper for the bridge.
func (r *Registry) register(b *Bridge) {
	r.mu.Lock()
	r.nextID++
	b.id = fmt.Sprintf("bridge_%d", r.nextID)
	r.bridges[b.id] = b
	r.mu.Unlock()

	fmt.Fprintf(r.out, "bridge: %s up [pid=%d cwd=%s]\n", b.id, b.channel.PID(), b.cwd)

	// Remove the bridge from the directory a grace period after the process
	// exits, so lookups racing the final message still succeed.
	go func() {
		<-b.channel.Done()
		exit := b.channel.Exit()
		fmt.Fprintf(r.out, "bridge: %s exited [code=%d signal=%s]\n", b.id, exit.Code, exit.Signal)
		time.Sleep(r.removeDelay)
		r.mu.Lock()
		delete(r.bridges, b.id)
		r.mu.Unlock()
	}()
}

// Lookup returns the bridge for the given id, or ErrNotFound.
func (r *Registry) Lookup(bridgeID string) (*Bridge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bridges[bridgeID]
	if !ok {
		return nil, ErrNotFound
	}
	return b, nil
}

// List returns all registered bridges, including recently exited ones still
// inside their removal grace period.
func (r *Registry) List() []*Bridge {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		out = append(out, b)
	}
	return out
}

// KillAll kills every registered bridge. Used at process-wide shutdown.
func (r *Registry) KillAll() {
	for _, b := range r.List() {
		b.Kill()
	}
}

func sessionIDFromFile(sessionFile string) string {
	base := filepath.Base(sessionFile)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
