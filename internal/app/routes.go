package app

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"meterhub/server/internal/ingest"
	"meterhub/server/internal/model"
	"meterhub/server/internal/registry"
	"meterhub/server/internal/store"
	"meterhub/server/internal/telemetry"
)

const (
	requestIDHeader = "X-Request-ID"
	requestTimeout  = 2 * time.Second
)

func (a *App) routes() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(a.logger))

	router.GET("/healthz", a.handleHealthz)
	router.GET("/readyz", a.handleReadyz)

	router.POST("/configure", a.handleConfigure)
	router.GET("/get_config/:meter_id", a.handleGetConfig)
	router.POST("/upload", a.handleUpload)
	router.GET("/meters", a.handleListMeters)
	router.GET("/meter_data/:meter_id", a.handleMeterData)
	router.GET("/download/:filename", a.handleDownload)
	router.GET("/api/stats", a.handleStats)

	return router
}

// requestLogger tags each request with an id and writes one access line per request.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)

		start := time.Now()
		c.Next()

		logger.Info("http request",
			"request_id", id,
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (a *App) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *App) handleReadyz(c *gin.Context) {
	if a.store == nil || a.pipeline == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("readiness: database unavailable", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}

	if a.subscriber != nil && !a.subscriber.IsConnected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "mqtt disconnected"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (a *App) handleConfigure(c *gin.Context) {
	var req registry.ConfigureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	m, err := a.registry.Configure(ctx, req)
	if err != nil {
		if writeValidationError(c, err) {
			return
		}
		a.logger.Error("failed to store meter configuration", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store configuration"})
		return
	}

	a.logger.Info("meter configured", "meter", m.MeterID, "sample_interval", m.SampleInterval)
	c.JSON(http.StatusOK, gin.H{
		"status":   "success",
		"message":  "Configuration updated",
		"meter_id": m.MeterID,
	})
}

func (a *App) handleGetConfig(c *gin.Context) {
	meterID := c.Param("meter_id")

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	m, err := a.registry.Get(ctx, meterID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Meter not configured"})
			return
		}
		a.logger.Error("failed to load meter configuration", "meter", meterID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load configuration"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ssid":            m.SSID,
		"password":        m.Password,
		"server_url":      m.ServerURL,
		"sample_interval": m.SampleInterval,
	})
}

func (a *App) handleUpload(c *gin.Context) {
	var u ingest.Upload
	if err := c.ShouldBindJSON(&u); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	out, err := a.pipeline.Ingest(ctx, u)
	if err != nil {
		if writeValidationError(c, err) {
			return
		}
		a.logger.Error("failed to ingest upload", "meter", u.MeterID, "sensor", u.SensorID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store telemetry"})
		return
	}

	if out.Status == ingest.ConfigRequired {
		c.JSON(http.StatusBadRequest, gin.H{"status": out.Status.String()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (a *App) handleListMeters(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	meters, err := a.registry.List(ctx)
	if err != nil {
		a.logger.Error("failed to list meters", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list meters"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"meters": meters})
}

func (a *App) handleMeterData(c *gin.Context) {
	meterID := c.Param("meter_id")
	if !telemetry.ValidIdentifier(meterID) {
		writeValidationError(c, &model.ValidationError{Field: "meter_id", Reason: model.ReasonInvalidIdentifier})
		return
	}

	streams, err := a.writer.Streams(meterID)
	if err != nil {
		a.logger.Error("failed to list streams", "meter", meterID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list data files"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"meter_id": meterID, "data_files": streams})
}

func (a *App) handleDownload(c *gin.Context) {
	filename := c.Param("filename")

	f, err := a.writer.Open(filename)
	if err != nil {
		switch {
		case errors.Is(err, telemetry.ErrInvalidStreamName):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid filename"})
		case errors.Is(err, fs.ErrNotExist):
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
		default:
			a.logger.Error("failed to open stream", "file", filename, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open file"})
		}
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		a.logger.Error("failed to stat stream", "file", filename, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to open file"})
		return
	}

	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": filename})
	if disposition == "" {
		disposition = "attachment"
	}

	c.DataFromReader(http.StatusOK, info.Size(), "text/csv", f, map[string]string{
		"Content-Disposition": disposition,
	})
}

func (a *App) handleStats(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	meters, err := a.store.CountMeters(ctx)
	if err != nil {
		a.logger.Error("stats: failed to count meters", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
		return
	}

	recorded, err := a.store.CountDrops(ctx)
	if err != nil {
		a.logger.Error("stats: failed to count drops", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load stats"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"meters":           meters,
		"dropped_payloads": a.pipeline.Drops(),
		"recorded_drops":   recorded,
		"mqtt_enabled":     a.subscriber != nil,
	})
}

// writeValidationError answers 400 when err is a validation failure and reports whether it did.
func writeValidationError(c *gin.Context, err error) bool {
	var verr *model.ValidationError
	if !errors.As(err, &verr) {
		return false
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
	return true
}
