package handler

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	crmapp "github.com/authscape/crmsync/internal/application/crm"
	"github.com/authscape/crmsync/internal/domain/shared"
	"github.com/authscape/crmsync/internal/interfaces/http/dto"
)

func deliver(h *WebhookHandler, token string, body []byte, signature string) *httptest.ResponseRecorder {
	router := gin.New()
	router.POST("/webhooks/crm/:token", h.Deliver)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/crm/"+token, bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("X-CRM-Signature", signature)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestWebhookHandler_Deliver(t *testing.T) {
	svc := &MockWebhookAPI{maxPayload: 1024}
	h := NewWebhookHandler(svc)
	body := []byte(`{"MessageName":"Update","PrimaryEntityName":"account"}`)

	svc.On("Deliver", mock.Anything, "tok-1", body, mock.MatchedBy(func(hdr http.Header) bool {
		return hdr.Get("X-CRM-Signature") == "sha256=abc"
	})).Return(&crmapp.WebhookDeliveryResponse{Accepted: true, EventID: "evt-1"}, nil)

	w := deliver(h, "tok-1", body, "sha256=abc")

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var got crmapp.WebhookDeliveryResponse
	decodeData(t, w, &got)
	assert.True(t, got.Accepted)
	assert.Equal(t, "evt-1", got.EventID)
	svc.AssertExpectations(t)
}

func TestWebhookHandler_Deliver_TooLarge(t *testing.T) {
	svc := &MockWebhookAPI{maxPayload: 16}
	h := NewWebhookHandler(svc)

	w := deliver(h, "tok-1", []byte(strings.Repeat("x", 17)), "")

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, dto.ErrCodePayloadTooLarge, decodeResponse(t, w).Error.Code)
	svc.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestWebhookHandler_Deliver_Rejected(t *testing.T) {
	svc := &MockWebhookAPI{maxPayload: 1024}
	h := NewWebhookHandler(svc)
	svc.On("Deliver", mock.Anything, "expired", mock.Anything, mock.Anything).
		Return(nil, shared.NewDomainError("UNAUTHORIZED", "crm: webhook session expired"))
	svc.On("Deliver", mock.Anything, "garbled", mock.Anything, mock.Anything).
		Return(nil, shared.NewDomainError("INVALID_INPUT", "malformed webhook payload"))

	w := deliver(h, "expired", []byte(`{}`), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = deliver(h, "garbled", []byte(`{`), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookHandler_Sessions(t *testing.T) {
	svc := &MockWebhookAPI{maxPayload: 1024}
	h := NewWebhookHandler(svc)
	connID := uuid.New()
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	svc.On("CreateSession", mock.Anything, connID).Return(&crmapp.WebhookSessionResponse{
		Token: "tok-9", ConnectionID: connID, Path: "/api/v1/webhooks/crm/tok-9", ExpiresAt: expires,
	}, nil)
	svc.On("RevokeSession", mock.Anything, "tok-9").Return(nil)

	w := perform(http.MethodPost, "/crm/connections/:id/webhook-sessions",
		"/crm/connections/"+connID.String()+"/webhook-sessions", nil, h.CreateSession)
	require.Equal(t, http.StatusCreated, w.Code)
	var session crmapp.WebhookSessionResponse
	decodeData(t, w, &session)
	assert.Equal(t, "/api/v1/webhooks/crm/tok-9", session.Path)
	assert.True(t, expires.Equal(session.ExpiresAt))

	w = perform(http.MethodDelete, "/crm/webhook-sessions/:token", "/crm/webhook-sessions/tok-9", nil, h.RevokeSession)
	assert.Equal(t, http.StatusNoContent, w.Code)
	svc.AssertExpectations(t)
}
