package session

import (
	"encoding/json"

	"github.com/lolwierd/rig/internal/bridge"
)

// Extension-UI request methods that pause a turn instead of completing it.
const (
	uiSelectModel   = "select_model"
	uiSelectProject = "select_project"
)

// messagePayload is the inner message of message_* events.
type messagePayload struct {
	Role    string `json:"role"`
	Delta   string `json:"delta"`
	Content string `json:"content"`
}

func parseMessage(raw json.RawMessage) messagePayload {
	var env struct {
		Message messagePayload `json:"message"`
	}
	json.Unmarshal(raw, &env)
	return env.Message
}

// toolPayload is the inner tool of tool_execution_* events.
type toolPayload struct {
	Name string `json:"name"`
}

func parseTool(raw json.RawMessage) toolPayload {
	var env struct {
		Tool toolPayload `json:"tool"`
	}
	json.Unmarshal(raw, &env)
	return env.Tool
}

// modelChange is the top-level shape of model_change events.
type modelChange struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func parseModelChange(raw json.RawMessage) modelChange {
	var mc modelChange
	json.Unmarshal(raw, &mc)
	return mc
}

func parseThinkingLevel(raw json.RawMessage) string {
	var tc struct {
		Level string `json:"level"`
	}
	json.Unmarshal(raw, &tc)
	return tc.Level
}

// uiRequest is the inner request of extension_ui_request events.
type uiRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
}

func parseUIRequest(raw json.RawMessage) uiRequest {
	var env struct {
		Request uiRequest `json:"request"`
	}
	json.Unmarshal(raw, &env)
	return env.Request
}

func parseExit(raw json.RawMessage) bridge.ExitInfo {
	var info bridge.ExitInfo
	json.Unmarshal(raw, &info)
	return info
}

// eventSub is a buffered-channel Subscriber used by turn execution. Events
// past the buffer are dropped rather than blocking the bridge's fan-out.
type eventSub struct {
	ch chan bridge.Event
}

func newEventSub() *eventSub {
	return &eventSub{ch: make(chan bridge.Event, 256)}
}

func (s *eventSub) Deliver(evt bridge.Event) {
	select {
	case s.ch <- evt:
	default:
	}
}
