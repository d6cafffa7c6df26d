package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lolwierd/rig/internal/bridge"
	"github.com/lolwierd/rig/internal/models"
	"gorm.io/gorm"
)

const (
	// DefaultTurnTimeout is the ceiling for one turn. A slow agent is not a
	// failed agent: hitting it rejects the turn but leaves the bridge alive.
	DefaultTurnTimeout = 10 * time.Minute

	// DefaultIdleTimeout is how long a conversation may sit without
	// activity before the reaper evicts its bridge.
	DefaultIdleTimeout = 15 * time.Minute

	// commandTimeout bounds the correlated commands the orchestrator sends
	// itself (set_model, set_thinking_level).
	commandTimeout = 15 * time.Second

	// turnQueueDepth bounds how many turns may sit queued per conversation.
	turnQueueDepth = 16
)

// ErrConversationClosed is returned for turns submitted to a conversation
// whose bridge was evicted before the turn ran.
var ErrConversationClosed = errors.New("session: conversation closed")

// ErrInvalidThinkingLevel is wrapped by dispatch/set errors for unknown
// reasoning-effort levels.
var ErrInvalidThinkingLevel = errors.New("session: invalid thinking level")

// thinkingLevels are the reasoning-effort levels the agent accepts.
var thinkingLevels = map[string]bool{
	"off": true, "low": true, "medium": true, "high": true,
}

// ValidThinkingLevel reports whether level is acceptable. Empty means
// "agent default" and is always valid.
func ValidThinkingLevel(level string) bool {
	return level == "" || thinkingLevels[level]
}

// TurnState classifies how a turn ended.
type TurnState string

const (
	// TurnCompleted means a terminal assistant event was observed.
	TurnCompleted TurnState = "completed"
	// TurnNeedsModel means the agent paused waiting for a model selection.
	TurnNeedsModel TurnState = "needs_model"
	// TurnNeedsProject means the agent paused waiting for a target folder.
	TurnNeedsProject TurnState = "needs_project"
)

// TurnResult is the outcome of one turn. Pause states are results, not
// errors: the caller is expected to resubmit with the missing parameter.
type TurnResult struct {
	State TurnState
	Text  string // final assistant text (empty for pause states)
}

// TurnCallbacks reports turn phases to the caller as they stream. All
// fields are optional.
type TurnCallbacks struct {
	OnText      func(delta string)
	OnToolStart func(name string)
	OnToolEnd   func(name string)
}

// TurnTimeoutError means the turn exceeded its ceiling. The bridge survives.
type TurnTimeoutError struct {
	After time.Duration
}

func (e *TurnTimeoutError) Error() string {
	return fmt.Sprintf("session: turn timed out after %s", e.After)
}

// Opts holds parameters for creating an Orchestrator.
type Opts struct {
	DB              *gorm.DB
	Provider        Provider
	Cwd             string // working directory for chat-driven conversations
	DefaultProvider string
	DefaultModel    string
	TurnTimeout     time.Duration // defaults to DefaultTurnTimeout
	IdleTimeout     time.Duration // defaults to DefaultIdleTimeout
	Out             io.Writer     // defaults to io.Discard
}

// Orchestrator maps each conversation identity to at most one live bridge,
// executes that conversation's turns strictly one at a time in submission
// order, and keeps the persisted ConversationRecord current.
type Orchestrator struct {
	db              *gorm.DB
	provider        Provider
	cwd             string
	defaultProvider string
	defaultModel    string
	turnTimeout     time.Duration
	idleTimeout     time.Duration
	out             io.Writer

	ensureMu sync.Mutex // serializes bridge creation across conversations

	mu     sync.Mutex
	convos map[string]*activeConversation
}

// activeConversation is the in-memory counterpart of a ConversationRecord
// while its bridge is alive.
type activeConversation struct {
	convoID      string
	bridge       AgentBridge
	queue        chan *turnRequest
	done         chan struct{}
	lastActivity time.Time // guarded by Orchestrator.mu
}

type turnRequest struct {
	message  string
	userName string
	images   []string
	cb       TurnCallbacks
	resultCh chan turnOutcome // buffered(1)
}

type turnOutcome struct {
	result *TurnResult
	err    error
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(opts Opts) (*Orchestrator, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("session: db is required")
	}
	if opts.Provider == nil {
		return nil, fmt.Errorf("session: provider is required")
	}
	turnTimeout := opts.TurnTimeout
	if turnTimeout <= 0 {
		turnTimeout = DefaultTurnTimeout
	}
	idleTimeout := opts.IdleTimeout
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	return &Orchestrator{
		db:              opts.DB,
		provider:        opts.Provider,
		cwd:             opts.Cwd,
		defaultProvider: opts.DefaultProvider,
		defaultModel:    opts.DefaultModel,
		turnTimeout:     turnTimeout,
		idleTimeout:     idleTimeout,
		out:             out,
		convos:          make(map[string]*activeConversation),
	}, nil
}

// Ensure returns the live conversation for convoID, resuming or dispatching
// a bridge if none is alive. The persisted record's model preferences are
// re-applied best-effort before the conversation accepts turns.
func (o *Orchestrator) Ensure(ctx context.Context, convoID string) error {
	_, err := o.ensure(ctx, convoID)
	return err
}

func (o *Orchestrator) ensure(ctx context.Context, convoID string) (*activeConversation, error) {
	o.mu.Lock()
	if ac, ok := o.convos[convoID]; ok && ac.bridge.Alive() {
		o.mu.Unlock()
		return ac, nil
	}
	o.mu.Unlock()

	o.ensureMu.Lock()
	defer o.ensureMu.Unlock()

	// Re-check: another caller may have raced us here.
	o.mu.Lock()
	if ac, ok := o.convos[convoID]; ok && ac.bridge.Alive() {
		o.mu.Unlock()
		return ac, nil
	}
	o.mu.Unlock()

	rec, err := o.loadRecord(convoID)
	if err != nil {
		return nil, err
	}

	var b AgentBridge
	if rec.SessionFile != "" {
		if _, statErr := os.Stat(rec.SessionFile); statErr == nil {
			b, _, err = o.provider.Resume(ctx, o.cwd, rec.SessionFile)
			if err != nil {
				return nil, err
			}
		}
	}
	if b == nil {
		provider := rec.Provider
		if provider == "" {
			provider = o.defaultProvider
		}
		model := rec.Model
		if model == "" {
			model = o.defaultModel
		}
		b, err = o.provider.Dispatch(ctx, o.cwd, provider, model)
		if err != nil {
			return nil, err
		}
	}

	o.applyPreferences(ctx, b, rec)

	rec.SessionFile = b.SessionFile()
	rec.SessionID = b.SessionID()
	rec.LastActivity = time.Now()
	o.saveRecord(rec)

	ac := &activeConversation{
		convoID:      convoID,
		bridge:       b,
		queue:        make(chan *turnRequest, turnQueueDepth),
		done:         make(chan struct{}),
		lastActivity: time.Now(),
	}
	o.mu.Lock()
	o.convos[convoID] = ac
	o.mu.Unlock()

	go o.runQueue(ac)
	go o.monitorBridge(ac)

	fmt.Fprintf(o.out, "session: %s bound to %s\n", convoID, b.ID())
	return ac, nil
}

// applyPreferences re-applies the record's model and thinking level to a
// fresh bridge. Failures are logged and swallowed: the conversation proceeds
// with whatever the agent defaults to.
func (o *Orchestrator) applyPreferences(ctx context.Context, b AgentBridge, rec *models.ConversationRecord) {
	if rec.Model != "" {
		_, err := b.SendCommand(ctx, map[string]any{
			"type":     "set_model",
			"provider": rec.Provider,
			"model":    rec.Model,
		}, commandTimeout)
		if err != nil {
			fmt.Fprintf(o.out, "session: %s: apply model %s/%s: %v\n", rec.ConvoID, rec.Provider, rec.Model, err)
		}
	}
	if rec.ThinkingLevel != "" {
		_, err := b.SendCommand(ctx, map[string]any{
			"type":  "set_thinking_level",
			"level": rec.ThinkingLevel,
		}, commandTimeout)
		if err != nil {
			fmt.Fprintf(o.out, "session: %s: apply thinking level %s: %v\n", rec.ConvoID, rec.ThinkingLevel, err)
		}
	}
}

// SendTurn appends a turn onto the conversation's queue and blocks until the
// turn completes, pauses, fails, or ctx is cancelled. Turns for one
// conversation execute strictly sequentially in submission order, regardless
// of caller concurrency.
func (o *Orchestrator) SendTurn(ctx context.Context, convoID, userName, message string, images []string, cb TurnCallbacks) (*TurnResult, error) {
	ac, err := o.ensure(ctx, convoID)
	if err != nil {
		return nil, err
	}

	req := &turnRequest{
		message:  message,
		userName: userName,
		images:   images,
		cb:       cb,
		resultCh: make(chan turnOutcome, 1),
	}

	select {
	case ac.queue <- req:
	case <-ac.done:
		return nil, ErrConversationClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case out := <-req.resultCh:
		return out.result, out.err
	case <-ac.done:
		// The worker may have finished the turn while the conversation was
		// being torn down; prefer the result when both raced.
		select {
		case out := <-req.resultCh:
			return out.result, out.err
		default:
			return nil, ErrConversationClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runQueue is the per-conversation worker: one turn at a time, FIFO.
func (o *Orchestrator) runQueue(ac *activeConversation) {
	for {
		select {
		case req := <-ac.queue:
			res, err := o.runTurn(ac, req)
			req.resultCh <- turnOutcome{result: res, err: err}
		case <-ac.done:
			return
		}
	}
}

// runTurn executes one prompt/terminal-event cycle on the conversation's
// bridge.
func (o *Orchestrator) runTurn(ac *activeConversation, req *turnRequest) (*TurnResult, error) {
	b := ac.bridge
	sub := newEventSub()
	b.Subscribe(sub)
	defer b.Unsubscribe(sub)

	o.touch(ac)
	o.logTurn(ac.convoID, "user", req.userName, req.message)

	payload := map[string]any{"type": "prompt", "message": req.message}
	if len(req.images) > 0 {
		payload["images"] = req.images
	}
	if err := b.SendFireAndForget(payload); err != nil {
		return nil, err
	}

	timer := time.NewTimer(o.turnTimeout)
	defer timer.Stop()

	var text strings.Builder
	for {
		select {
		case evt := <-sub.ch:
			switch evt.Type {
			case bridge.EventMessageUpdate:
				if delta := parseMessage(evt.Raw).Delta; delta != "" {
					text.WriteString(delta)
					if req.cb.OnText != nil {
						req.cb.OnText(delta)
					}
				}

			case bridge.EventMessageEnd:
				msg := parseMessage(evt.Raw)
				if msg.Role != "" && msg.Role != "assistant" {
					continue
				}
				if msg.Content != "" {
					text.Reset()
					text.WriteString(msg.Content)
				}
				if strings.TrimSpace(text.String()) != "" {
					return o.finishTurn(ac, text.String()), nil
				}

			case bridge.EventAgentEnd:
				return o.finishTurn(ac, text.String()), nil

			case bridge.EventToolExecutionStart:
				if req.cb.OnToolStart != nil {
					req.cb.OnToolStart(parseTool(evt.Raw).Name)
				}

			case bridge.EventToolExecutionEnd:
				if req.cb.OnToolEnd != nil {
					req.cb.OnToolEnd(parseTool(evt.Raw).Name)
				}

			case bridge.EventModelChange:
				mc := parseModelChange(evt.Raw)
				o.persistModel(ac.convoID, mc.Provider, mc.Model)

			case bridge.EventThinkingLevelChange:
				o.persistThinkingLevel(ac.convoID, parseThinkingLevel(evt.Raw))

			case bridge.EventExtensionUIRequest:
				switch parseUIRequest(evt.Raw).Method {
				case uiSelectModel:
					o.touch(ac)
					return &TurnResult{State: TurnNeedsModel}, nil
				case uiSelectProject:
					o.touch(ac)
					return &TurnResult{State: TurnNeedsProject}, nil
				}

			case bridge.EventProcessExit:
				return nil, &bridge.ProcessExitedError{Exit: parseExit(evt.Raw)}
			}

		case <-timer.C:
			return nil, &TurnTimeoutError{After: o.turnTimeout}
		}
	}
}

// finishTurn records the assistant text and activity, then builds the result.
func (o *Orchestrator) finishTurn(ac *activeConversation, text string) *TurnResult {
	o.touch(ac)
	if strings.TrimSpace(text) != "" {
		o.logTurn(ac.convoID, "assistant", "", text)
	}
	o.db.Model(&models.ConversationRecord{}).
		Where("convo_id = ?", ac.convoID).
		Update("last_activity", time.Now())
	return &TurnResult{State: TurnCompleted, Text: text}
}

// SetModel applies a model to the live bridge (if any) and persists it for
// future resumes.
func (o *Orchestrator) SetModel(ctx context.Context, convoID, provider, model string) error {
	var cmdErr error
	if ac := o.active(convoID); ac != nil {
		_, cmdErr = ac.bridge.SendCommand(ctx, map[string]any{
			"type":     "set_model",
			"provider": provider,
			"model":    model,
		}, commandTimeout)
	}
	o.persistModel(convoID, provider, model)
	return cmdErr
}

// SetThinkingLevel applies a reasoning-effort level best-effort and persists
// it. Command failures are logged and swallowed.
func (o *Orchestrator) SetThinkingLevel(ctx context.Context, convoID, level string) error {
	if !ValidThinkingLevel(level) {
		return fmt.Errorf("%w: %q", ErrInvalidThinkingLevel, level)
	}
	if ac := o.active(convoID); ac != nil {
		if _, err := ac.bridge.SendCommand(ctx, map[string]any{
			"type":  "set_thinking_level",
			"level": level,
		}, commandTimeout); err != nil {
			fmt.Fprintf(o.out, "session: %s: set thinking level %s: %v\n", convoID, level, err)
		}
	}
	o.persistThinkingLevel(convoID, level)
	return nil
}

// Clear kills the conversation's live bridge if any, then either trims the
// record down to its model selection or deletes it entirely.
func (o *Orchestrator) Clear(convoID string, preserveModel bool) error {
	if ac := o.active(convoID); ac != nil {
		o.evict(ac, "clear")
	}
	if !preserveModel {
		return o.db.Delete(&models.ConversationRecord{}, "convo_id = ?", convoID).Error
	}
	return o.db.Model(&models.ConversationRecord{}).
		Where("convo_id = ?", convoID).
		Updates(map[string]any{"session_file": "", "session_id": ""}).Error
}

// BridgeID returns the live bridge id for a conversation, or "".
func (o *Orchestrator) BridgeID(convoID string) string {
	if ac := o.active(convoID); ac != nil {
		return ac.bridge.ID()
	}
	return ""
}

// ReapIdle evicts every conversation whose last activity is older than the
// idle threshold, flushing its terminal state to the ConversationRecord
// first. Returns the number of conversations evicted.
func (o *Orchestrator) ReapIdle() int {
	cutoff := time.Now().Add(-o.idleTimeout)

	o.mu.Lock()
	var stale []*activeConversation
	for _, ac := range o.convos {
		if ac.lastActivity.Before(cutoff) {
			stale = append(stale, ac)
		}
	}
	o.mu.Unlock()

	for _, ac := range stale {
		o.evict(ac, "idle")
	}
	return len(stale)
}

// monitorBridge evicts the conversation when its bridge exits out from
// under it.
func (o *Orchestrator) monitorBridge(ac *activeConversation) {
	select {
	case <-ac.bridge.Done():
		o.evict(ac, "process exit")
	case <-ac.done:
	}
}

// evict flushes the conversation's terminal state into its record, kills the
// bridge, and removes the in-memory conversation. Idempotent.
func (o *Orchestrator) evict(ac *activeConversation, reason string) {
	o.mu.Lock()
	cur, ok := o.convos[ac.convoID]
	if !ok || cur != ac {
		o.mu.Unlock()
		return
	}
	delete(o.convos, ac.convoID)
	last := ac.lastActivity
	o.mu.Unlock()

	o.db.Model(&models.ConversationRecord{}).
		Where("convo_id = ?", ac.convoID).
		Updates(map[string]any{
			"session_file":  ac.bridge.SessionFile(),
			"session_id":    ac.bridge.SessionID(),
			"last_activity": last,
		})

	close(ac.done)
	ac.bridge.Kill()
	fmt.Fprintf(o.out, "session: %s evicted (%s)\n", ac.convoID, reason)
}

func (o *Orchestrator) active(convoID string) *activeConversation {
	o.mu.Lock()
	defer o.mu.Unlock()
	ac, ok := o.convos[convoID]
	if !ok || !ac.bridge.Alive() {
		return nil
	}
	return ac
}

func (o *Orchestrator) touch(ac *activeConversation) {
	o.mu.Lock()
	ac.lastActivity = time.Now()
	o.mu.Unlock()
}

// loadRecord fetches or creates the ConversationRecord for convoID.
func (o *Orchestrator) loadRecord(convoID string) (*models.ConversationRecord, error) {
	var rec models.ConversationRecord
	err := o.db.Where("convo_id = ?", convoID).First(&rec).Error
	switch {
	case err == nil:
		return &rec, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		rec = models.ConversationRecord{
			ConvoID:      convoID,
			Provider:     o.defaultProvider,
			Model:        o.defaultModel,
			LastActivity: time.Now(),
		}
		if err := o.db.Create(&rec).Error; err != nil {
			return nil, fmt.Errorf("session: create record %s: %w", convoID, err)
		}
		return &rec, nil
	default:
		return nil, fmt.Errorf("session: load record %s: %w", convoID, err)
	}
}

func (o *Orchestrator) saveRecord(rec *models.ConversationRecord) {
	if err := o.db.Save(rec).Error; err != nil {
		fmt.Fprintf(o.out, "session: save record %s: %v\n", rec.ConvoID, err)
	}
}

func (o *Orchestrator) persistModel(convoID, provider, model string) {
	o.db.Model(&models.ConversationRecord{}).
		Where("convo_id = ?", convoID).
		Updates(map[string]any{"provider": provider, "model": model})
}

func (o *Orchestrator) persistThinkingLevel(convoID, level string) {
	o.db.Model(&models.ConversationRecord{}).
		Where("convo_id = ?", convoID).
		Update("thinking_level", level)
}

// logTurn appends one TurnLog row with the next sequence number.
func (o *Orchestrator) logTurn(convoID, role, userName, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	var maxSeq int
	o.db.Model(&models.TurnLog{}).
		Where("convo_id = ?", convoID).
		Select("COALESCE(MAX(sequence), 0)").Scan(&maxSeq)

	o.db.Create(&models.TurnLog{
		ConvoID:  convoID,
		Sequence: maxSeq + 1,
		Role:     role,
		UserName: userName,
		Content:  content,
	})
}

// Shutdown evicts every active conversation. Used at process exit.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	var all []*activeConversation
	for _, ac := range o.convos {
		all = append(all, ac)
	}
	o.mu.Unlock()
	for _, ac := range all {
		o.evict(ac, "shutdown")
	}
}
