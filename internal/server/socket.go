package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/lolwierd/rig/internal/bridge"
)

const (
	socketWriteWait   = 10 * time.Second
	socketSendBuffer  = 256
	socketCommandWait = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The API is token-gated; origins are not.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// inboundFrame is what clients send over the socket.
type inboundFrame struct {
	Type      string          `json:"type"`
	RequestID int64           `json:"requestId,omitempty"`
	Command   map[string]any  `json:"command,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// handleSocket attaches a WebSocket client to one bridge: a state snapshot
// first, then the bridge's event stream, with correlated commands flowing
// the other way.
func handleSocket(r *bridge.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		b, err := r.Lookup(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown bridge"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}

		client := &socketClient{
			conn: conn,
			b:    b,
			send: make(chan []byte, socketSendBuffer),
			stop: make(chan struct{}),
		}

		client.enqueueJSON(map[string]any{
			"type":        "state",
			"bridgeId":    b.ID(),
			"sessionId":   b.SessionID(),
			"sessionFile": b.SessionFile(),
			"alive":       b.Alive(),
		})

		b.Subscribe(client)
		defer b.Unsubscribe(client)

		go client.writePump()
		client.readPump()
		close(client.stop)
	}
}

type socketClient struct {
	conn *websocket.Conn
	b    *bridge.Bridge
	send chan []byte
	stop chan struct{}
}

// Deliver implements bridge.Subscriber. Agent events are wrapped in an
// event envelope so uncorrelated agent response lines cannot be mistaken
// for command replies; the synthesized exit event becomes a terminal frame.
// A client too slow to drain its buffer loses events rather than stalling
// the bridge.
func (sc *socketClient) Deliver(evt bridge.Event) {
	if evt.Type == bridge.EventProcessExit {
		exit := sc.b.Exit()
		sc.enqueueJSON(map[string]any{
			"type":   "exit",
			"code":   exit.Code,
			"signal": exit.Signal,
		})
		return
	}
	sc.enqueueJSON(map[string]any{
		"type":  "event",
		"event": json.RawMessage(evt.Raw),
	})
}

func (sc *socketClient) enqueueJSON(v map[string]any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	sc.enqueue(data)
}

func (sc *socketClient) enqueue(data []byte) {
	select {
	case sc.send <- data:
	default:
	}
}

// writePump serializes all writes onto one goroutine.
func (sc *socketClient) writePump() {
	for {
		select {
		case data := <-sc.send:
			sc.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
			if err := sc.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-sc.b.Done():
			// Flush anything queued (the exit frame included), then close.
			for {
				select {
				case data := <-sc.send:
					sc.conn.SetWriteDeadline(time.Now().Add(socketWriteWait))
					sc.conn.WriteMessage(websocket.TextMessage, data)
				default:
					sc.conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "process exited"),
						time.Now().Add(socketWriteWait))
					sc.conn.Close()
					return
				}
			}
		case <-sc.stop:
			sc.conn.Close()
			return
		}
	}
}

// readPump handles inbound frames until the client hangs up.
func (sc *socketClient) readPump() {
	for {
		_, data, err := sc.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "command":
			go sc.runCommand(frame)
		case "extension_ui_response":
			payload := map[string]any{"type": "extension_ui_response"}
			if len(frame.Data) > 0 {
				var data map[string]any
				if json.Unmarshal(frame.Data, &data) == nil {
					payload["data"] = data
				}
			}
			sc.b.SendFireAndForget(payload)
		}
	}
}

// runCommand relays one correlated command to the agent and mirrors the
// outcome back under the client's own request id.
func (sc *socketClient) runCommand(frame inboundFrame) {
	if frame.Command == nil {
		sc.enqueueJSON(map[string]any{
			"type":      "response",
			"requestId": frame.RequestID,
			"success":   false,
			"error":     "command is required",
		})
		return
	}
	data, err := sc.b.SendCommand(context.Background(), frame.Command, socketCommandWait)
	if err != nil {
		sc.enqueueJSON(map[string]any{
			"type":      "response",
			"requestId": frame.RequestID,
			"success":   false,
			"error":     err.Error(),
		})
		return
	}
	sc.enqueueJSON(map[string]any{
		"type":      "response",
		"requestId": frame.RequestID,
		"success":   true,
		"data":      json.RawMessage(data),
	})
}
