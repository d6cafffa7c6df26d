// Package bridge owns agent subprocesses: spawning, the line-JSON
// command/response protocol, and event buffering/fan-out to subscribers.
package bridge

import "encoding/json"

// Event type names emitted by the agent process on stdout. The set is open:
// anything that is not a correlated response line is forwarded as an event
// with whatever type the agent gave it.
const (
	EventMessageStart        = "message_start"
	EventMessageUpdate       = "message_update"
	EventMessageEnd          = "message_end"
	EventToolExecutionStart  = "tool_execution_start"
	EventToolExecutionEnd    = "tool_execution_end"
	EventModelChange         = "model_change"
	EventThinkingLevelChange = "thinking_level_change"
	EventAgentEnd            = "agent_end"
	EventExtensionUIRequest  = "extension_ui_request"

	// EventProcessExit is synthesized locally when the agent process exits.
	// It is the only event type not read from the process itself.
	EventProcessExit = "process_exit"
)

// Event is one out-of-band protocol line from an agent process, plus the
// synthesized process-exit event. Raw holds the full JSON line so consumers
// can parse whatever fields they care about.
type Event struct {
	Type string
	Raw  json.RawMessage
}

// ExitInfo describes how an agent process terminated.
type ExitInfo struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
}

// newExitEvent builds the synthesized process-exit event.
func newExitEvent(info ExitInfo) Event {
	raw, _ := json.Marshal(struct {
		Type string `json:"type"`
		ExitInfo
	}{Type: EventProcessExit, ExitInfo: info})
	return Event{Type: EventProcessExit, Raw: raw}
}
