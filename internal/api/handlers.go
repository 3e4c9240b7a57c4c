package api

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/medisync-ke/claims-pipeline/internal/bulk"
	"github.com/medisync-ke/claims-pipeline/internal/bulk/history"
	"github.com/medisync-ke/claims-pipeline/internal/fhirclient"
)

// JobService is the coordinator surface the handlers drive.
type JobService interface {
	Start(ctx context.Context, sourcePath string, opts bulk.Options) (string, error)
	Status(jobID string) (bulk.Job, bool)
	List() []bulk.Job
	Cancel(jobID string) bool
	Cleanup(olderThan time.Duration) (jobs, files int)
}

// HealthChecker pings a remote claims environment.
type HealthChecker interface {
	HealthCheck(ctx context.Context, env fhirclient.Environment) fhirclient.Result
}

// StatsStore reads persisted job history. Optional.
type StatsStore interface {
	Stats(ctx context.Context) (history.Stats, error)
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

// Handlers contains all HTTP request handlers.
type Handlers struct {
	jobs         JobService
	health       HealthChecker
	stats        StatsStore
	environments map[string]fhirclient.Environment
	uploadDir    string
	logger       *zap.Logger
}

// NewHandlers creates a Handlers instance. stats may be nil when no
// history store is configured.
func NewHandlers(
	jobs JobService,
	health HealthChecker,
	stats StatsStore,
	environments map[string]fhirclient.Environment,
	uploadDir string,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		jobs:         jobs,
		health:       health,
		stats:        stats,
		environments: environments,
		uploadDir:    uploadDir,
		logger:       logger,
	}
}

// Response is the standard JSON envelope.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// UploadData is the payload returned on accepted uploads.
type UploadData struct {
	JobID     string `json:"jobId"`
	StatusURL string `json:"statusUrl"`
}

// CleanupRequest carries the cleanup cutoff.
type CleanupRequest struct {
	OlderThanHours int `json:"olderThanHours"`
}

// Upload handles POST /api/v1/claims/bulk/upload. The upload is
// accepted once the workbook opens; processing continues in the
// background and progress is read from the status endpoint.
func (h *Handlers) Upload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "a spreadsheet file is required"})
		return
	}
	if !strings.EqualFold(filepath.Ext(file.Filename), ".xlsx") {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "only .xlsx files are supported"})
		return
	}

	envName := c.DefaultPostForm("environment", "qa")
	env, ok := h.environments[envName]
	if !ok {
		c.JSON(http.StatusBadRequest, Response{
			Success: false,
			Error:   fmt.Sprintf("unknown environment %q", envName),
		})
		return
	}

	batchSize := 0
	if raw := c.PostForm("batchSize"); raw != "" {
		batchSize, err = strconv.Atoi(raw)
		if err != nil || batchSize < 1 {
			c.JSON(http.StatusBadRequest, Response{Success: false, Error: "batchSize must be a positive integer"})
			return
		}
	}

	savedPath := filepath.Join(h.uploadDir,
		fmt.Sprintf("%d_%s", time.Now().UnixMilli(), filepath.Base(file.Filename)))
	if err := c.SaveUploadedFile(file, savedPath); err != nil {
		h.logger.Error("Failed to save uploaded file", zap.Error(err))
		c.JSON(http.StatusInternalServerError, Response{Success: false, Error: "failed to store uploaded file"})
		return
	}

	jobID, err := h.jobs.Start(c.Request.Context(), savedPath, bulk.Options{
		Environment: env,
		BatchSize:   batchSize,
	})
	if err != nil {
		h.logger.Error("Failed to start bulk job",
			zap.String("file", file.Filename),
			zap.Error(err))
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, Response{
		Success: true,
		Message: "bulk claim processing started",
		Data: UploadData{
			JobID:     jobID,
			StatusURL: "/api/v1/claims/bulk/status/" + jobID,
		},
	})
}

// Status handles GET /api/v1/claims/bulk/status/:jobId.
func (h *Handlers) Status(c *gin.Context) {
	job, ok := h.jobs.Status(c.Param("jobId"))
	if !ok {
		c.JSON(http.StatusNotFound, Response{Success: false, Error: "job not found"})
		return
	}
	c.JSON(http.StatusOK, Response{Success: true, Data: job})
}

// ListJobs handles GET /api/v1/claims/bulk/jobs.
func (h *Handlers) ListJobs(c *gin.Context) {
	jobs := h.jobs.List()
	c.JSON(http.StatusOK, Response{Success: true, Data: jobs})
}

// Cancel handles POST /api/v1/claims/bulk/cancel/:jobId. Cancellation
// is cooperative: records already in flight finish and are recorded.
func (h *Handlers) Cancel(c *gin.Context) {
	jobID := c.Param("jobId")
	if _, ok := h.jobs.Status(jobID); !ok {
		c.JSON(http.StatusNotFound, Response{Success: false, Error: "job not found"})
		return
	}
	if !h.jobs.Cancel(jobID) {
		c.JSON(http.StatusConflict, Response{
			Success: false,
			Error:   "job already finished",
		})
		return
	}
	c.JSON(http.StatusOK, Response{
		Success: true,
		Message: "cancellation requested, in-flight claims will finish",
	})
}

// Cleanup handles POST /api/v1/claims/bulk/cleanup.
func (h *Handlers) Cleanup(c *gin.Context) {
	req := CleanupRequest{OlderThanHours: 24}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, Response{Success: false, Error: "invalid cleanup request"})
			return
		}
	}
	if req.OlderThanHours < 0 {
		c.JSON(http.StatusBadRequest, Response{Success: false, Error: "olderThanHours must not be negative"})
		return
	}

	jobs, files := h.jobs.Cleanup(time.Duration(req.OlderThanHours) * time.Hour)
	c.JSON(http.StatusOK, Response{
		Success: true,
		Message: "cleanup finished",
		Data: gin.H{
			"jobsRemoved":  jobs,
			"filesRemoved": files,
		},
	})
}

// Download handles GET /api/v1/claims/bulk/download/:jobId. Only
// completed jobs have a result file.
func (h *Handlers) Download(c *gin.Context) {
	job, ok := h.jobs.Status(c.Param("jobId"))
	if !ok {
		c.JSON(http.StatusNotFound, Response{Success: false, Error: "job not found"})
		return
	}
	if job.Status != bulk.StatusCompleted || job.ResultFilePath == "" {
		c.JSON(http.StatusConflict, Response{
			Success: false,
			Error:   fmt.Sprintf("job is %s, no result file available", job.Status),
		})
		return
	}
	c.FileAttachment(job.ResultFilePath, filepath.Base(job.ResultFilePath))
}

// Stats handles GET /api/v1/claims/bulk/stats.
func (h *Handlers) Stats(c *gin.Context) {
	active := 0
	for _, job := range h.jobs.List() {
		if !job.Status.Terminal() {
			active++
		}
	}

	data := gin.H{"activeJobs": active}
	if h.stats != nil {
		stats, err := h.stats.Stats(c.Request.Context())
		if err != nil {
			h.logger.Error("Failed to read job stats", zap.Error(err))
			c.JSON(http.StatusInternalServerError, Response{Success: false, Error: "failed to read job statistics"})
			return
		}
		recent, err := h.stats.Recent(c.Request.Context(), 10)
		if err != nil {
			h.logger.Error("Failed to read recent jobs", zap.Error(err))
			c.JSON(http.StatusInternalServerError, Response{Success: false, Error: "failed to read job statistics"})
			return
		}
		data["history"] = stats
		data["recentJobs"] = recent
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

// HealthCheck handles GET /health. The optional environment query
// parameter also pings that remote endpoint.
func (h *Handlers) HealthCheck(c *gin.Context) {
	data := gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if envName := c.Query("environment"); envName != "" {
		env, ok := h.environments[envName]
		if !ok {
			c.JSON(http.StatusBadRequest, Response{
				Success: false,
				Error:   fmt.Sprintf("unknown environment %q", envName),
			})
			return
		}
		res := h.health.HealthCheck(c.Request.Context(), env)
		data["remote"] = gin.H{
			"environment": envName,
			"reachable":   res.Success,
			"statusCode":  res.StatusCode,
		}
	}

	c.JSON(http.StatusOK, Response{Success: true, Data: data})
}
