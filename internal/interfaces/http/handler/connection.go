package handler

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	crmapp "github.com/authscape/crmsync/internal/application/crm"
	"github.com/authscape/crmsync/internal/domain/crm"
)

// ConnectionAPI is the connection administration surface
type ConnectionAPI interface {
	Create(ctx context.Context, req crmapp.CreateConnectionRequest) (*crmapp.ConnectionResponse, error)
	GetByID(ctx context.Context, id uuid.UUID) (*crmapp.ConnectionResponse, error)
	List(ctx context.Context) ([]crmapp.ConnectionResponse, error)
	Update(ctx context.Context, id uuid.UUID, req crmapp.UpdateConnectionRequest) (*crmapp.ConnectionResponse, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Test(ctx context.Context, id uuid.UUID) (*crmapp.TestConnectionResponse, error)
	DiscoverEntities(ctx context.Context, id uuid.UUID) ([]crm.EntitySchema, error)
	DiscoverFields(ctx context.Context, id uuid.UUID, entityName string) ([]crm.FieldSchema, error)
	ListLogs(ctx context.Context, id uuid.UUID, filter crmapp.SyncLogListFilter) ([]crmapp.SyncLogResponse, error)
	LogSummary(ctx context.Context, id uuid.UUID) (*crmapp.SyncLogSummaryResponse, error)
}

// ConnectionHandler handles CRM connection endpoints
type ConnectionHandler struct {
	BaseHandler
	connections ConnectionAPI
}

// NewConnectionHandler creates a new ConnectionHandler
func NewConnectionHandler(connections ConnectionAPI) *ConnectionHandler {
	return &ConnectionHandler{connections: connections}
}

// Create handles POST /crm/connections
func (h *ConnectionHandler) Create(c *gin.Context) {
	var req crmapp.CreateConnectionRequest
	if !h.bindJSON(c, &req, false) {
		return
	}
	conn, err := h.connections.Create(c.Request.Context(), req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, conn)
}

// List handles GET /crm/connections
func (h *ConnectionHandler) List(c *gin.Context) {
	conns, err := h.connections.List(c.Request.Context())
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, conns)
}

// Get handles GET /crm/connections/:id
func (h *ConnectionHandler) Get(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	conn, err := h.connections.GetByID(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, conn)
}

// Update handles PUT /crm/connections/:id
func (h *ConnectionHandler) Update(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req crmapp.UpdateConnectionRequest
	if !h.bindJSON(c, &req, false) {
		return
	}
	conn, err := h.connections.Update(c.Request.Context(), id, req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, conn)
}

// Delete handles DELETE /crm/connections/:id. Mappings, correlations and
// logs of the connection go with it.
func (h *ConnectionHandler) Delete(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	if err := h.connections.Delete(c.Request.Context(), id); err != nil {
		h.HandleError(c, err)
		return
	}
	h.NoContent(c)
}

// Test handles POST /crm/connections/:id/test
func (h *ConnectionHandler) Test(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	result, err := h.connections.Test(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, result)
}

// Entities handles GET /crm/connections/:id/entities
func (h *ConnectionHandler) Entities(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	entities, err := h.connections.DiscoverEntities(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, entities)
}

// Fields handles GET /crm/connections/:id/entities/:entity/fields
func (h *ConnectionHandler) Fields(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	fields, err := h.connections.DiscoverFields(c.Request.Context(), id, c.Param("entity"))
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, fields)
}

// Logs handles GET /crm/connections/:id/logs?status=&since=&limit=
func (h *ConnectionHandler) Logs(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var filter crmapp.SyncLogListFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		h.BadRequest(c, err.Error())
		return
	}
	logs, err := h.connections.ListLogs(c.Request.Context(), id, filter)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, logs)
}

// LogSummary handles GET /crm/connections/:id/logs/summary
func (h *ConnectionHandler) LogSummary(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	summary, err := h.connections.LogSummary(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, summary)
}
