// Package api implements the gateway's admin HTTP surface: health,
// static info, and command enqueue. Three routes only, per the
// gateway's admin-API scope.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openfms/telematics-gateway/internal/api/middleware"
	"github.com/openfms/telematics-gateway/internal/gateway"
	"github.com/openfms/telematics-gateway/internal/model"
	"github.com/openfms/telematics-gateway/internal/presence"
	"github.com/openfms/telematics-gateway/internal/session"
)

const version = "1.0.0"

// Handlers bundles the dependencies the admin routes need.
type Handlers struct {
	Presence  *presence.Store
	Sessions  session.Registry
	StartedAt time.Time
	Log       *zap.Logger
}

// RegisterRoutes mounts the three admin routes on r. secretKey gates
// only POST /api/commands/:imei; health and info are unauthenticated
// per spec.
func RegisterRoutes(r *gin.Engine, h *Handlers, secretKey string) {
	r.Use(middleware.CORS())

	r.GET("/api/health", h.health)
	r.GET("/api/info", h.info)

	authed := r.Group("/api")
	authed.Use(middleware.BearerAuth(secretKey, h.Log))
	authed.POST("/commands/:imei", h.enqueueCommand)
}

func (h *Handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"timestamp":     time.Now().UTC(),
		"uptimeSeconds": int64(time.Since(h.StartedAt).Seconds()),
	})
}

func (h *Handlers) info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service":   "telematics-gateway",
		"version":   version,
		"protocols": []string{"GT06", "TELTONIKA"},
		"startedAt": h.StartedAt.UTC(),
	})
}

type enqueueCommandRequest struct {
	Command string `json:"command" binding:"required"`
}

// enqueueCommand always persists the command so a future packet can
// trigger delivery, and additionally attempts immediate dispatch when
// the IMEI has a live authorised connection.
func (h *Handlers) enqueueCommand(c *gin.Context) {
	imei := c.Param("imei")
	var req enqueueCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ctx := c.Request.Context()
	id, err := h.Presence.EnqueueCommand(ctx, imei, req.Command)
	if err != nil {
		h.Log.Error("enqueue command failed", zap.String("imei", imei), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue command"})
		return
	}

	if connAny, ok := h.Sessions.GetConn(imei); ok {
		if bound, ok := connAny.(*gateway.BoundConn); ok {
			entry := &model.CommandQueueEntry{ID: id, IMEI: imei, Command: req.Command}
			if err := bound.DispatchCommand(ctx, entry); err != nil {
				h.Log.Warn("immediate dispatch failed, will retry on next device packet",
					zap.String("imei", imei), zap.Error(err))
			}
		}
	}

	c.JSON(http.StatusAccepted, gin.H{"message": "command queued"})
}
