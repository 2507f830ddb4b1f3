package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"salesfloor/proximity/internal/model"
	"salesfloor/proximity/internal/proximity"
	"salesfloor/proximity/internal/service"
)

// MonitorController is the manual command surface of the worker loops
type MonitorController interface {
	StartMonitoring(ctx context.Context, vendorID string, override *model.VendorProximityConfig) error
	StopMonitoring(vendorID string)
	CancelSession(vendorID string) error
	ConfirmRecording(vendorID, sessionID string) error
	StartRecording(vendorID string) error
	StopRecording(vendorID string) error
	UpdateConfig(vendorID string)
	UpdateZones(agencyID string)
	Status(vendorID string) (service.SchedulerStatus, error)
	Monitored() []string
}

// ProximityHandler handles monitoring, config, location and session history requests
type ProximityHandler struct {
	monitor MonitorController
	configs *service.VendorConfigService
	history *service.SessionHistory
	fixes   *service.FixBuffer
}

// NewProximityHandler creates a new proximity handler
func NewProximityHandler(monitor MonitorController, configs *service.VendorConfigService, history *service.SessionHistory, fixes *service.FixBuffer) *ProximityHandler {
	return &ProximityHandler{
		monitor: monitor,
		configs: configs,
		history: history,
		fixes:   fixes,
	}
}

// RegisterRoutes mounts the handler under api
func (h *ProximityHandler) RegisterRoutes(api *gin.RouterGroup, location ...gin.HandlerFunc) {
	vendors := api.Group("/vendors/:vendor_id")
	{
		vendors.POST("/monitoring", h.StartMonitoring)
		vendors.DELETE("/monitoring", h.StopMonitoring)
		vendors.GET("/status", h.Status)
		vendors.POST("/cancel", h.Cancel)
		vendors.POST("/recording/start", h.StartRecording)
		vendors.POST("/recording/stop", h.StopRecording)
		vendors.GET("/config", h.GetConfig)
		vendors.PUT("/config", h.UpdateConfig)
		vendors.POST("/location", append(location, h.PushLocation)...)
		vendors.GET("/sessions", h.ListSessions)
		vendors.GET("/sessions/export", h.ExportSessions)
	}
	api.GET("/monitoring", h.ListMonitored)
	api.POST("/sessions/:session_id/confirm", h.Confirm)
	api.POST("/zones/refresh", h.RefreshZones)
}

// StartMonitoring starts the vendor's worker loop. An optional JSON body overrides the stored config.
func (h *ProximityHandler) StartMonitoring(c *gin.Context) {
	vendorID := c.Param("vendor_id")

	var override *model.VendorProximityConfig
	if c.Request.ContentLength > 0 {
		var cfg model.VendorProximityConfig
		if err := c.ShouldBindJSON(&cfg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cfg.VendorID = vendorID
		if err := service.ValidateConfig(cfg); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		override = &cfg
	}

	if err := h.monitor.StartMonitoring(c.Request.Context(), vendorID, override); err != nil {
		writeError(c, err)
		return
	}
	h.writeStatus(c, http.StatusOK, vendorID)
}

// StopMonitoring stops the vendor's worker loop
func (h *ProximityHandler) StopMonitoring(c *gin.Context) {
	h.monitor.StopMonitoring(c.Param("vendor_id"))
	c.Status(http.StatusNoContent)
}

// ListMonitored returns the vendors with a running loop in this instance
func (h *ProximityHandler) ListMonitored(c *gin.Context) {
	vendors := h.monitor.Monitored()
	c.JSON(http.StatusOK, gin.H{"data": vendors, "total": len(vendors)})
}

// Status returns the vendor loop's last settled state
func (h *ProximityHandler) Status(c *gin.Context) {
	h.writeStatus(c, http.StatusOK, c.Param("vendor_id"))
}

func (h *ProximityHandler) writeStatus(c *gin.Context, code int, vendorID string) {
	status, err := h.monitor.Status(vendorID)
	if err != nil {
		writeError(c, err)
		return
	}
	if h.fixes != nil {
		if status.LastFixAt.IsZero() {
			status.LastFixAt = h.fixes.LastReceived(vendorID)
		}
	}
	c.JSON(code, status)
}

// Cancel discards the vendor's live session
func (h *ProximityHandler) Cancel(c *gin.Context) {
	if err := h.monitor.CancelSession(c.Param("vendor_id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// Confirm answers a confirmation prompt for a session
func (h *ProximityHandler) Confirm(c *gin.Context) {
	var req struct {
		VendorID string `json:"vendor_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.monitor.ConfirmRecording(req.VendorID, c.Param("session_id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// StartRecording starts a manual recording in the live session
func (h *ProximityHandler) StartRecording(c *gin.Context) {
	if err := h.monitor.StartRecording(c.Param("vendor_id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// StopRecording stops the manual recording
func (h *ProximityHandler) StopRecording(c *gin.Context) {
	if err := h.monitor.StopRecording(c.Param("vendor_id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// GetConfig returns the effective config, for ?zone_id= when given
func (h *ProximityHandler) GetConfig(c *gin.Context) {
	cfg, err := h.configs.Get(c.Request.Context(), c.Param("vendor_id"), c.Query("zone_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// UpdateConfig stores the vendor's config, or a zone override with ?zone_id=, and pokes the running loop
func (h *ProximityHandler) UpdateConfig(c *gin.Context) {
	var cfg model.VendorProximityConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg.VendorID = c.Param("vendor_id")
	cfg.ZoneID = c.Query("zone_id")

	saved, err := h.configs.Update(c.Request.Context(), cfg)
	if err != nil {
		writeError(c, err)
		return
	}
	h.monitor.UpdateConfig(cfg.VendorID)
	c.JSON(http.StatusOK, saved)
}

// RefreshZones drops cached zones for ?agency_id=, or all of them
func (h *ProximityHandler) RefreshZones(c *gin.Context) {
	h.monitor.UpdateZones(c.Query("agency_id"))
	c.Status(http.StatusNoContent)
}

// PushLocation accepts a fix from a vendor device that cannot reach the message bus
func (h *ProximityHandler) PushLocation(c *gin.Context) {
	vendorID := c.Param("vendor_id")
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, 64*1024))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var envelope struct {
		VendorID string `json:"vendor_id"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if envelope.VendorID != "" && envelope.VendorID != vendorID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "vendor_id does not match path"})
		return
	}
	if _, err := h.fixes.PushMessage(data, vendorID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// ListSessions returns the vendor's archived sessions
func (h *ProximityHandler) ListSessions(c *gin.Context) {
	filter, err := sessionFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sessions, err := h.history.List(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": sessions, "total": len(sessions)})
}

// ExportSessions downloads the vendor's archived sessions as an excel workbook
func (h *ProximityHandler) ExportSessions(c *gin.Context) {
	filter, err := sessionFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	buf, err := h.history.Export(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	filename := fmt.Sprintf("sessions_%s_%s.xlsx", filter.VendorID, time.Now().Format("20060102"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

// sessionFilter reads ?zone_id=, ?from=, ?to= (RFC3339) and ?limit=
func sessionFilter(c *gin.Context) (service.SessionFilter, error) {
	filter := service.SessionFilter{VendorID: c.Param("vendor_id"), ZoneID: c.Query("zone_id")}
	var err error
	if v := c.Query("from"); v != "" {
		if filter.From, err = time.Parse(time.RFC3339, v); err != nil {
			return filter, fmt.Errorf("invalid from: %w", err)
		}
	}
	if v := c.Query("to"); v != "" {
		if filter.To, err = time.Parse(time.RFC3339, v); err != nil {
			return filter, fmt.Errorf("invalid to: %w", err)
		}
	}
	if v := c.Query("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil || filter.Limit < 0 {
			return filter, fmt.Errorf("invalid limit %q", v)
		}
	}
	return filter, nil
}

// writeError maps service errors to HTTP status codes
func writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidConfig):
		code = http.StatusBadRequest
	case errors.Is(err, service.ErrNotMonitored), errors.Is(err, proximity.ErrNoSession):
		code = http.StatusNotFound
	case errors.Is(err, proximity.ErrStaleConfirmation), errors.Is(err, proximity.ErrNoRecording),
		errors.Is(err, service.ErrAlreadyRunning):
		code = http.StatusConflict
	case errors.Is(err, service.ErrLeaseHeld):
		code = http.StatusLocked
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
