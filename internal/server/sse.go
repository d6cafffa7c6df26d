package server

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lolwierd/rig/internal/bridge"
)

// handleEvents streams bridge lifecycle changes as SSE. Clients get a
// connected event, then bridge_up / bridge_down as the registry changes,
// with heartbeats to keep intermediaries from reaping the connection.
func handleEvents(r *bridge.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
		c.Writer.Flush()

		known := make(map[string]bool) // bridge id -> alive
		for _, b := range r.List() {
			known[b.ID()] = b.Alive()
			writeSSE(c.Writer, "bridge_up", summarize(b))
		}
		c.Writer.Flush()

		ctx := c.Request.Context()
		ticker := time.NewTicker(2 * time.Second)
		heartbeat := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()

			case <-ticker.C:
				current := make(map[string]*bridge.Bridge)
				for _, b := range r.List() {
					current[b.ID()] = b
				}

				changed := false
				for id, b := range current {
					alive := b.Alive()
					was, seen := known[id]
					if !seen {
						known[id] = alive
						writeSSE(c.Writer, "bridge_up", summarize(b))
						changed = true
					}
					if seen && was && !alive {
						known[id] = false
						exit := b.Exit()
						writeSSE(c.Writer, "bridge_down", map[string]any{
							"bridgeId": id,
							"code":     exit.Code,
							"signal":   exit.Signal,
						})
						changed = true
					}
				}
				for id := range known {
					if _, ok := current[id]; !ok {
						delete(known, id)
					}
				}
				if changed {
					c.Writer.Flush()
				}
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
