package handler

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	crmapp "github.com/authscape/crmsync/internal/application/crm"
)

// MappingAPI is the entity mapping administration surface
type MappingAPI interface {
	Create(ctx context.Context, connectionID uuid.UUID, req crmapp.CreateMappingRequest) (*crmapp.MappingResponse, error)
	GetByID(ctx context.Context, id uuid.UUID) (*crmapp.MappingResponse, error)
	ListByConnection(ctx context.Context, connectionID uuid.UUID) ([]crmapp.MappingResponse, error)
	Update(ctx context.Context, id uuid.UUID, req crmapp.UpdateMappingRequest) (*crmapp.MappingResponse, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ReplaceFieldMappings(ctx context.Context, id uuid.UUID, req crmapp.ReplaceFieldMappingsRequest) (*crmapp.MappingResponse, error)
	AddRelationship(ctx context.Context, id uuid.UUID, req crmapp.RelationshipMappingRequest) (*crmapp.RelationshipMappingResponse, error)
	RemoveRelationship(ctx context.Context, id, relationshipID uuid.UUID) error
}

// MappingHandler handles entity mapping endpoints
type MappingHandler struct {
	BaseHandler
	mappings MappingAPI
}

// NewMappingHandler creates a new MappingHandler
func NewMappingHandler(mappings MappingAPI) *MappingHandler {
	return &MappingHandler{mappings: mappings}
}

// Create handles POST /crm/connections/:id/mappings
func (h *MappingHandler) Create(c *gin.Context) {
	connectionID, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req crmapp.CreateMappingRequest
	if !h.bindJSON(c, &req, false) {
		return
	}
	m, err := h.mappings.Create(c.Request.Context(), connectionID, req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, m)
}

// ListByConnection handles GET /crm/connections/:id/mappings
func (h *MappingHandler) ListByConnection(c *gin.Context) {
	connectionID, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	list, err := h.mappings.ListByConnection(c.Request.Context(), connectionID)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, list)
}

// Get handles GET /crm/mappings/:id
func (h *MappingHandler) Get(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	m, err := h.mappings.GetByID(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, m)
}

// Update handles PUT /crm/mappings/:id
func (h *MappingHandler) Update(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req crmapp.UpdateMappingRequest
	if !h.bindJSON(c, &req, false) {
		return
	}
	m, err := h.mappings.Update(c.Request.Context(), id, req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, m)
}

// Delete handles DELETE /crm/mappings/:id
func (h *MappingHandler) Delete(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	if err := h.mappings.Delete(c.Request.Context(), id); err != nil {
		h.HandleError(c, err)
		return
	}
	h.NoContent(c)
}

// ReplaceFields handles PUT /crm/mappings/:id/fields
func (h *MappingHandler) ReplaceFields(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req crmapp.ReplaceFieldMappingsRequest
	if !h.bindJSON(c, &req, false) {
		return
	}
	m, err := h.mappings.ReplaceFieldMappings(c.Request.Context(), id, req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, m)
}

// AddRelationship handles POST /crm/mappings/:id/relationships
func (h *MappingHandler) AddRelationship(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	var req crmapp.RelationshipMappingRequest
	if !h.bindJSON(c, &req, false) {
		return
	}
	rel, err := h.mappings.AddRelationship(c.Request.Context(), id, req)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, rel)
}

// RemoveRelationship handles DELETE /crm/mappings/:id/relationships/:relId
func (h *MappingHandler) RemoveRelationship(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	relID, ok := h.uuidParam(c, "relId")
	if !ok {
		return
	}
	if err := h.mappings.RemoveRelationship(c.Request.Context(), id, relID); err != nil {
		h.HandleError(c, err)
		return
	}
	h.NoContent(c)
}
