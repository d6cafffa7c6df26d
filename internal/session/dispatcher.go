package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultDedupeWindow is how long an identical dispatch request is treated
// as a repeat of the previous one rather than a fresh job.
const DefaultDedupeWindow = 45 * time.Second

var (
	// ErrMissingCwd is returned for dispatch requests without a working
	// directory.
	ErrMissingCwd = errors.New("session: cwd is required")
	// ErrMissingMessage is returned for dispatch requests with an empty
	// message.
	ErrMissingMessage = errors.New("session: message is required")
	// ErrMissingSessionFile is returned for resume requests without a
	// session file.
	ErrMissingSessionFile = errors.New("session: sessionFile is required")
)

// DispatchRequest is the REST-facing dispatch input.
type DispatchRequest struct {
	Cwd           string   `json:"cwd"`
	Message       string   `json:"message"`
	Provider      string   `json:"provider,omitempty"`
	Model         string   `json:"model,omitempty"`
	ThinkingLevel string   `json:"thinkingLevel,omitempty"`
	Images        []string `json:"images,omitempty"`
}

// DispatchResult identifies the bridge a dispatch landed on. Deduped marks
// results served from the dedupe window instead of a fresh spawn.
type DispatchResult struct {
	BridgeID    string `json:"bridgeId"`
	SessionID   string `json:"sessionId"`
	SessionFile string `json:"sessionFile"`
	Deduped     bool   `json:"deduped,omitempty"`
}

// ResumeResult identifies the bridge a resume landed on.
type ResumeResult struct {
	BridgeID      string `json:"bridgeId"`
	AlreadyActive bool   `json:"alreadyActive,omitempty"`
}

// DispatcherOpts holds parameters for creating a Dispatcher.
type DispatcherOpts struct {
	Provider        Provider
	DefaultProvider string
	DefaultModel    string
	DedupeWindow    time.Duration // defaults to DefaultDedupeWindow
	Out             io.Writer     // defaults to io.Discard
}

// Dispatcher is the REST front door: it spawns bridges for work orders and
// collapses identical requests landing inside the dedupe window onto the
// prior result. Entries are keyed by (cwd, normalized message, provider,
// model, thinking level); stale entries expire rather than being evicted.
type Dispatcher struct {
	provider        Provider
	defaultProvider string
	defaultModel    string
	window          time.Duration
	cache           *gocache.Cache
	out             io.Writer
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(opts DispatcherOpts) (*Dispatcher, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("session: dispatcher: provider is required")
	}
	window := opts.DedupeWindow
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	return &Dispatcher{
		provider:        opts.Provider,
		defaultProvider: opts.DefaultProvider,
		defaultModel:    opts.DefaultModel,
		window:          window,
		cache:           gocache.New(window, 10*time.Minute),
		out:             out,
	}, nil
}

// Dispatch validates the request, serves a repeat from the dedupe window if
// one matches, and otherwise spawns a fresh bridge and sends the initial
// prompt fire-and-forget.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	if strings.TrimSpace(req.Cwd) == "" {
		return nil, ErrMissingCwd
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrMissingMessage
	}
	if !ValidThinkingLevel(req.ThinkingLevel) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidThinkingLevel, req.ThinkingLevel)
	}

	provider := req.Provider
	if provider == "" {
		provider = d.defaultProvider
	}
	model := req.Model
	if model == "" {
		model = d.defaultModel
	}

	key := dedupeKey(req.Cwd, req.Message, provider, model, req.ThinkingLevel)
	if v, ok := d.cache.Get(key); ok {
		prior := v.(*DispatchResult)
		cp := *prior
		cp.Deduped = true
		fmt.Fprintf(d.out, "session: dispatch deduped onto %s\n", cp.BridgeID)
		return &cp, nil
	}

	b, err := d.provider.Dispatch(ctx, req.Cwd, provider, model)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{"type": "prompt", "message": req.Message}
	if req.ThinkingLevel != "" {
		payload["thinkingLevel"] = req.ThinkingLevel
	}
	if len(req.Images) > 0 {
		payload["images"] = req.Images
	}
	if err := b.SendFireAndForget(payload); err != nil {
		b.Kill()
		return nil, fmt.Errorf("session: send initial prompt: %w", err)
	}

	res := &DispatchResult{
		BridgeID:    b.ID(),
		SessionID:   b.SessionID(),
		SessionFile: b.SessionFile(),
	}
	d.cache.Set(key, res, gocache.DefaultExpiration)
	return res, nil
}

// Resume attaches to (or spawns) a bridge for an existing session file.
func (d *Dispatcher) Resume(ctx context.Context, cwd, sessionFile string) (*ResumeResult, error) {
	if strings.TrimSpace(sessionFile) == "" {
		return nil, ErrMissingSessionFile
	}
	if strings.TrimSpace(cwd) == "" {
		return nil, ErrMissingCwd
	}
	b, already, err := d.provider.Resume(ctx, cwd, sessionFile)
	if err != nil {
		return nil, err
	}
	return &ResumeResult{BridgeID: b.ID(), AlreadyActive: already}, nil
}

// Stop kills the named bridge. Unknown bridges surface bridge.ErrNotFound.
func (d *Dispatcher) Stop(bridgeID string) error {
	b, err := d.provider.Lookup(bridgeID)
	if err != nil {
		return err
	}
	b.Kill()
	return nil
}

// dedupeKey hashes the identity of a dispatch request. Message text is
// normalized (whitespace collapsed) so trivial re-typing still matches.
func dedupeKey(cwd, message, provider, model, level string) string {
	normalized := strings.Join(strings.Fields(message), " ")
	h := sha256.Sum256([]byte(cwd + "\x00" + normalized + "\x00" + provider + "\x00" + model + "\x00" + level))
	return hex.EncodeToString(h[:])
}
