package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lolwierd/rig/internal/bridge"
	"github.com/lolwierd/rig/internal/session"
)

// registerRoutes sets up the JSON API, the SSE feed, and the per-bridge
// WebSocket endpoint.
func registerRoutes(router *gin.Engine, opts StartOpts) {
	router.POST("/api/dispatch", handleDispatch(opts.Dispatcher))
	router.POST("/api/resume", handleResume(opts.Dispatcher))
	router.POST("/api/stop", handleStop(opts.Dispatcher))
	router.GET("/api/bridges", handleBridgeList(opts.Registry))
	router.GET("/api/bridges/:id", handleBridgeDetail(opts.Registry))
	router.POST("/api/watch", handleWatch(opts))
	router.GET("/api/events", handleEvents(opts.Registry))
	router.GET("/ws/:id", handleSocket(opts.Registry))
}

// bridgeSummary is the wire shape of one registry entry.
type bridgeSummary struct {
	BridgeID    string    `json:"bridgeId"`
	Cwd         string    `json:"cwd"`
	SessionID   string    `json:"sessionId"`
	SessionFile string    `json:"sessionFile"`
	Alive       bool      `json:"alive"`
	Created     time.Time `json:"created"`
}

func summarize(b *bridge.Bridge) bridgeSummary {
	return bridgeSummary{
		BridgeID:    b.ID(),
		Cwd:         b.Cwd(),
		SessionID:   b.SessionID(),
		SessionFile: b.SessionFile(),
		Alive:       b.Alive(),
		Created:     b.Created(),
	}
}

func handleDispatch(d *session.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req session.DispatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json: " + err.Error()})
			return
		}
		res, err := d.Dispatch(c.Request.Context(), req)
		if err != nil {
			status, msg := dispatchErrorStatus(err)
			c.JSON(status, gin.H{"error": msg})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func handleResume(d *session.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Cwd         string `json:"cwd"`
			SessionFile string `json:"sessionFile"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json: " + err.Error()})
			return
		}
		res, err := d.Resume(c.Request.Context(), req.Cwd, req.SessionFile)
		if err != nil {
			status, msg := dispatchErrorStatus(err)
			c.JSON(status, gin.H{"error": msg})
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func handleStop(d *session.Dispatcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			BridgeID string `json:"bridgeId"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.BridgeID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bridgeId is required"})
			return
		}
		if err := d.Stop(req.BridgeID); err != nil {
			if errors.Is(err, bridge.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown bridge"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"stopped": true})
	}
}

func handleBridgeList(r *bridge.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		bridges := r.List()
		out := make([]bridgeSummary, 0, len(bridges))
		for _, b := range bridges {
			out = append(out, summarize(b))
		}
		c.JSON(http.StatusOK, gin.H{"bridges": out})
	}
}

func handleBridgeDetail(r *bridge.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		b, err := r.Lookup(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown bridge"})
			return
		}
		detail := gin.H{"bridge": summarize(b)}
		if !b.Alive() {
			exit := b.Exit()
			detail["exit"] = gin.H{"code": exit.Code, "signal": exit.Signal}
			detail["diagnostics"] = b.Diagnostics()
		}
		c.JSON(http.StatusOK, detail)
	}
}

func handleWatch(opts StartOpts) gin.HandlerFunc {
	return func(c *gin.Context) {
		if opts.Watcher == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "notifications not configured"})
			return
		}
		var req struct {
			BridgeID string `json:"bridgeId"`
			Label    string `json:"label"`
			Owner    string `json:"owner"`
		}
		if err := c.ShouldBindJSON(&req); err != nil || req.BridgeID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bridgeId is required"})
			return
		}
		armed, err := opts.Watcher.Watch(req.BridgeID, req.Label, req.Owner)
		if err != nil {
			if errors.Is(err, bridge.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "unknown bridge"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"armed": armed})
	}
}

// dispatchErrorStatus maps dispatcher errors onto HTTP statuses: caller
// mistakes are 400s, agent startup trouble is a 502.
func dispatchErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrMissingCwd),
		errors.Is(err, session.ErrMissingMessage),
		errors.Is(err, session.ErrMissingSessionFile),
		errors.Is(err, session.ErrInvalidThinkingLevel):
		return http.StatusBadRequest, err.Error()
	}
	var spawn *bridge.SpawnError
	var startup *bridge.StartupError
	if errors.As(err, &spawn) || errors.As(err, &startup) {
		return http.StatusBadGateway, err.Error()
	}
	return http.StatusInternalServerError, err.Error()
}
