package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	crmapp "github.com/authscape/crmsync/internal/application/crm"
	"github.com/authscape/crmsync/internal/interfaces/http/dto"
)

// WebhookAPI issues webhook sessions and processes deliveries
type WebhookAPI interface {
	MaxPayloadSize() int64
	CreateSession(ctx context.Context, connectionID uuid.UUID) (*crmapp.WebhookSessionResponse, error)
	RevokeSession(ctx context.Context, token string) error
	Deliver(ctx context.Context, token string, payload []byte, headers http.Header) (*crmapp.WebhookDeliveryResponse, error)
}

// WebhookHandler handles webhook session administration and inbound deliveries
type WebhookHandler struct {
	BaseHandler
	webhooks WebhookAPI
}

// NewWebhookHandler creates a new WebhookHandler
func NewWebhookHandler(webhooks WebhookAPI) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks}
}

// CreateSession handles POST /crm/connections/:id/webhook-sessions
func (h *WebhookHandler) CreateSession(c *gin.Context) {
	id, ok := h.uuidParam(c, "id")
	if !ok {
		return
	}
	session, err := h.webhooks.CreateSession(c.Request.Context(), id)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Created(c, session)
}

// RevokeSession handles DELETE /crm/webhook-sessions/:token
func (h *WebhookHandler) RevokeSession(c *gin.Context) {
	if err := h.webhooks.RevokeSession(c.Request.Context(), c.Param("token")); err != nil {
		h.HandleError(c, err)
		return
	}
	h.NoContent(c)
}

// Deliver handles POST /webhooks/crm/:token. The token in the path is the
// only credential besides the payload signature.
func (h *WebhookHandler) Deliver(c *gin.Context) {
	limit := h.webhooks.MaxPayloadSize()
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, limit+1))
	var maxBytesErr *http.MaxBytesError
	if int64(len(payload)) > limit || errors.As(err, &maxBytesErr) {
		h.Error(c, http.StatusRequestEntityTooLarge, dto.ErrCodePayloadTooLarge,
			fmt.Sprintf("Webhook payload exceeds %d bytes", limit))
		return
	}
	if err != nil {
		h.BadRequest(c, "Failed to read request body")
		return
	}

	resp, err := h.webhooks.Deliver(c.Request.Context(), c.Param("token"), payload, c.Request.Header)
	if err != nil {
		h.HandleError(c, err)
		return
	}
	h.Success(c, resp)
}
