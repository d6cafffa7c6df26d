// Package notify arms fire-once completion notifications on live bridges.
// A watch fires when the agent finishes its turn or the process exits,
// whichever comes first, then detaches itself.
package notify

import (
	"fmt"
	"io"
	"sync"

	"github.com/lolwierd/rig/internal/bridge"
	"github.com/lolwierd/rig/internal/session"
)

// Notifier delivers a completion notice to its owner. Implementations may
// block; the watcher calls them off the event path.
type Notifier interface {
	Notify(owner, text string) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(owner, text string) error

func (f NotifierFunc) Notify(owner, text string) error { return f(owner, text) }

// Watcher tracks at most one armed watch per bridge.
type Watcher struct {
	provider session.Provider
	notifier Notifier
	out      io.Writer

	mu      sync.Mutex
	watches map[string]*watch // bridge id -> armed watch
}

type watch struct {
	w        *Watcher
	bridgeID string
	label    string
	owner    string
	fired    sync.Once
	b        session.AgentBridge
}

// NewWatcher creates a Watcher.
func NewWatcher(provider session.Provider, notifier Notifier, out io.Writer) (*Watcher, error) {
	if provider == nil {
		return nil, fmt.Errorf("notify: provider is required")
	}
	if notifier == nil {
		return nil, fmt.Errorf("notify: notifier is required")
	}
	if out == nil {
		out = io.Discard
	}
	return &Watcher{
		provider: provider,
		notifier: notifier,
		out:      out,
		watches:  make(map[string]*watch),
	}, nil
}

// Watch arms a completion notification on the named bridge. Watching a
// bridge that already has an armed watch updates nothing and reports
// false; a fresh arm reports true.
func (w *Watcher) Watch(bridgeID, label, owner string) (bool, error) {
	b, err := w.provider.Lookup(bridgeID)
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	if _, ok := w.watches[bridgeID]; ok {
		w.mu.Unlock()
		return false, nil
	}
	wc := &watch{w: w, bridgeID: bridgeID, label: label, owner: owner, b: b}
	w.watches[bridgeID] = wc
	w.mu.Unlock()

	// A tap observes events without consuming the replay buffer, which
	// belongs to the first attached client.
	b.Tap(wc)
	// The bridge may have exited between Lookup and Tap.
	if !b.Alive() {
		wc.fire("exited")
	}
	return true, nil
}

// Watching reports whether the named bridge has an armed watch.
func (w *Watcher) Watching(bridgeID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watches[bridgeID]
	return ok
}

// Deliver implements bridge.Subscriber. It never blocks: notification
// delivery happens on its own goroutine.
func (wc *watch) Deliver(evt bridge.Event) {
	switch evt.Type {
	case bridge.EventAgentEnd:
		wc.fire("finished")
	case bridge.EventProcessExit:
		wc.fire("exited")
	}
}

func (wc *watch) fire(how string) {
	wc.fired.Do(func() {
		wc.w.mu.Lock()
		delete(wc.w.watches, wc.bridgeID)
		wc.w.mu.Unlock()

		label := wc.label
		if label == "" {
			label = wc.bridgeID
		}
		text := fmt.Sprintf("%s %s", label, how)

		go func() {
			wc.b.Unsubscribe(wc)
			if err := wc.w.notifier.Notify(wc.owner, text); err != nil {
				fmt.Fprintf(wc.w.out, "notify: %s: %v\n", wc.bridgeID, err)
			}
		}()
	})
}
