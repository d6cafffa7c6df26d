// Package session maps stable external conversation identities to live
// agent bridges, serializes turns, applies model preferences durably, and
// deduplicates dispatch requests.
package session

import (
	"context"
	"time"

	"github.com/lolwierd/rig/internal/bridge"
)

// AgentBridge is the slice of bridge behavior the orchestration layer uses.
// *bridge.Bridge satisfies it; tests substitute fakes.
type AgentBridge interface {
	ID() string
	SessionID() string
	SessionFile() string
	Alive() bool
	Done() <-chan struct{}
	Subscribe(bridge.Subscriber)
	Tap(bridge.Subscriber)
	Unsubscribe(bridge.Subscriber)
	SendCommand(ctx context.Context, payload map[string]any, timeout time.Duration) ([]byte, error)
	SendFireAndForget(payload map[string]any) error
	Kill()
}

// Provider abstracts the bridge Registry for testability.
type Provider interface {
	Dispatch(ctx context.Context, cwd, provider, model string) (AgentBridge, error)
	Resume(ctx context.Context, cwd, sessionFile string) (AgentBridge, bool, error)
	Lookup(bridgeID string) (AgentBridge, error)
}

// registryProvider adapts *bridge.Registry to the Provider interface.
type registryProvider struct {
	r *bridge.Registry
}

// NewRegistryProvider wraps a bridge Registry as a Provider.
func NewRegistryProvider(r *bridge.Registry) Provider {
	return registryProvider{r: r}
}

func (p registryProvider) Dispatch(ctx context.Context, cwd, provider, model string) (AgentBridge, error) {
	b, err := p.r.Dispatch(ctx, cwd, provider, model)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (p registryProvider) Resume(ctx context.Context, cwd, sessionFile string) (AgentBridge, bool, error) {
	b, already, err := p.r.Resume(ctx, cwd, sessionFile)
	if err != nil {
		return nil, false, err
	}
	return b, already, nil
}

func (p registryProvider) Lookup(bridgeID string) (AgentBridge, error) {
	b, err := p.r.Lookup(bridgeID)
	if err != nil {
		return nil, err
	}
	return b, nil
}
