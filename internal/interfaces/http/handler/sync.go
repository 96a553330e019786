package handler

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	crmapp "github.com/authscape/crmsync/internal/application/crm"
	"github.com/authscape/crmsync/internal/domain/crm"
	"github.com/authscape/crmsync/internal/infrastructure/scheduler"
	"github.com/authscape/crmsync/internal/interfaces/http/dto"
)

// SyncAPI runs synchronization passes. Every call returns a result; failures
// are reported inside it.
type SyncAPI interface {
	SyncAll(ctx context.Context, connectionID uuid.UUID) *crm.SyncResult
	SyncIncremental(ctx context.Context, connectionID uuid.UUID) *crm.SyncResult
	SyncEntityMapping(ctx context.Context, mappingID uuid.UUID, fullSync bool) *crm.SyncResult
	SyncRelationships(ctx context.Context, mappingID uuid.UUID) *crm.SyncResult
	SyncOutbound(ctx context.Context, connectionID uuid.UUID, entityType crm.EntityType, entityID int64) *crm.SyncResult
	SyncInbound(ctx context.Context, connectionID uuid.UUID, remoteEntity, remoteID string) *crm.SyncResult
}

// JobScheduler queues connection passes
type JobScheduler interface {
	ScheduleSync(connectionID uuid.UUID, mode scheduler.SyncMode) (*scheduler.ConnectionSyncJob, error)
	GetJobHistory(limit int) []*scheduler.ConnectionSyncJob
	GetJobHistoryByConnection(connectionID uuid.UUID, limit int) []*scheduler.ConnectionSyncJob
}

// ProgressReader reads live progress of mapping passes
type ProgressReader interface {
	Get(ctx context.Context, syncID string) (*crm.ProgressSnapshot, error)
}

// SyncJobResponse is a scheduler job in API responses
type SyncJobResponse struct {
	ID           uuid.UUID     `json:"id"`
	ConnectionID uuid.UUID     `json:"connection_id"`
	Mode         string        `json:"mode"`
	Status       string        `json:"status"`
	Error        string        `json:"error,omitempty"`
	RetryCount   int           `json:"retry_count"`
	SyncID       string        `json:"sync_id,omitempty"`
	Stats        crm.SyncStats `json:"stats"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

func toSyncJobResponse(j *scheduler.ConnectionSyncJob) SyncJobResponse {
	return SyncJobResponse{
		ID:           j.ID,
		ConnectionID: j.ConnectionID,
		Mode:         string(j.Mode),
		Status:       string(j.Status),
		Error:        j.Error,
		RetryCount:   j.RetryCount,
		SyncID:       j.SyncID,
		Stats:        j.Stats,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
	}
}

func toSyncJobResponses(jobs []*scheduler.ConnectionSyncJob) []SyncJobResponse {
	out := make([]SyncJobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toSyncJobResponse(j))
	}
	return out
}

const defaultJobHistoryLimit = 50

// SyncHandler handles sync trigger, progress and job endpoints
type SyncHandler struct {
	BaseHandler
	sync      SyncAPI
	scheduler JobScheduler
	progress  ProgressReader
}

// NewSyncHandler creates a new SyncHandler. scheduler and progress may be
// nil, in which case async passes and progress lookups answer 503.
func NewSyncHandler(sync SyncAPI, scheduler JobScheduler, progress ProgressReader) *SyncHandler {
	return &SyncHandler{sync: sync, scheduler: scheduler, progress: progress}
}

// SyncConnection handles POST /crm/connections/:id/sync.
// The mode defaults to incremental.
func (h *SyncHandler) SyncConnection(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req crmapp.SyncConnectionRequest
	if !h.bindJSON(c, &req, true) {
		return
	}
	mode := scheduler.SyncModeIncremental
	if req.Mode != "" {
		mode = scheduler.SyncMode(req.Mode)
	}

	if req.Async {
		h.enqueue(c, id, mode)
		return
	}

	var result *crm.SyncResult
	if mode == scheduler.SyncModeFull {
		result = h.sync.SyncAll(c.Request.Context(), id)
	} else {
		result = h.sync.SyncIncremental(c.Request.Context(), id)
	}
	h.Success(c, crmapp.ToSyncResultResponse(result))
}

func (h *SyncHandler) enqueue(c *gin.Context, id uuid.UUID, mode scheduler.SyncMode) {
	if h.scheduler == nil {
		h.ServiceUnavailable(c, "Sync scheduler is not enabled")
		return
	}
	job, err := h.scheduler.ScheduleSync(id, mode)
	switch {
	case err == nil:
		h.Accepted(c, toSyncJobResponse(job))
	case errors.Is(err, scheduler.ErrSyncAlreadyInProgress):
		h.Conflict(c, dto.ErrCodeSyncInProgress, "A sync for this connection is already queued or running")
	case errors.Is(err, scheduler.ErrSchedulerNotRunning), errors.Is(err, scheduler.ErrJobQueueFull):
		h.ServiceUnavailable(c, err.Error())
	default:
		h.HandleError(c, err)
	}
}

// SyncMapping handles POST /crm/mappings/:id/sync
func (h *SyncHandler) SyncMapping(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req crmapp.SyncMappingRequest
	if !h.bindJSON(c, &req, true) {
		return
	}
	result := h.sync.SyncEntityMapping(c.Request.Context(), id, req.FullSync)
	h.Success(c, crmapp.ToSyncResultResponse(result))
}

// SyncRelationships handles POST /crm/mappings/:id/sync-relationships
func (h *SyncHandler) SyncRelationships(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	result := h.sync.SyncRelationships(c.Request.Context(), id)
	h.Success(c, crmapp.ToSyncResultResponse(result))
}

// SyncOutbound handles POST /crm/connections/:id/records/outbound
func (h *SyncHandler) SyncOutbound(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req crmapp.SyncOutboundRequest
	if !h.bindJSON(c, &req, false) {
		return
	}
	result := h.sync.SyncOutbound(c.Request.Context(), id, crm.EntityType(req.EntityType), req.EntityID)
	h.Success(c, crmapp.ToSyncResultResponse(result))
}

// SyncInbound handles POST /crm/connections/:id/records/inbound
func (h *SyncHandler) SyncInbound(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req crmapp.SyncInboundRequest
	if !h.bindJSON(c, &req, false) {
		return
	}
	result := h.sync.SyncInbound(c.Request.Context(), id, req.RemoteEntity, req.RemoteID)
	h.Success(c, crmapp.ToSyncResultResponse(result))
}

// Progress handles GET /crm/sync/progress/:syncId
func (h *SyncHandler) Progress(c *gin.Context) {
	if h.progress == nil {
		h.ServiceUnavailable(c, "Progress tracking is not enabled")
		return
	}
	snap, err := h.progress.Get(c.Request.Context(), c.Param("syncId"))
	if err != nil {
		if errors.Is(err, crm.ErrSyncProgressNotFound) {
			h.NotFound(c, "Sync progress not found")
			return
		}
		h.HandleError(c, err)
		return
	}
	h.Success(c, snap)
}

// Jobs handles GET /crm/sync/jobs?limit=
func (h *SyncHandler) Jobs(c *gin.Context) {
	if h.scheduler == nil {
		h.Success(c, []SyncJobResponse{})
		return
	}
	h.Success(c, toSyncJobResponses(h.scheduler.GetJobHistory(jobLimit(c))))
}

// ConnectionJobs handles GET /crm/connections/:id/sync-jobs?limit=
func (h *SyncHandler) ConnectionJobs(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	if h.scheduler == nil {
		h.Success(c, []SyncJobResponse{})
		return
	}
	h.Success(c, toSyncJobResponses(h.scheduler.GetJobHistoryByConnection(id, jobLimit(c))))
}

func jobLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 || limit > 500 {
		return defaultJobHistoryLimit
	}
	return limit
}
