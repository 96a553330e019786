package crm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/authscape/crmsync/internal/domain/crm"
	"github.com/authscape/crmsync/internal/domain/shared"
	"github.com/authscape/crmsync/internal/infrastructure/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InboundSyncer applies remote changes announced by a webhook.
// SyncService implements it.
type InboundSyncer interface {
	SyncInbound(ctx context.Context, connectionID uuid.UUID, remoteEntity, remoteID string) *crm.SyncResult
	DeleteInbound(ctx context.Context, connectionID uuid.UUID, remoteEntity, remoteID string) *crm.SyncResult
}

// WebhookOptions configure webhook ingress
type WebhookOptions struct {
	SessionTTL     time.Duration
	DedupTTL       time.Duration
	MaxPayloadSize int64
	// PathPrefix is prepended to the token in issued session paths
	PathPrefix string
}

// DefaultWebhookOptions returns the default options
func DefaultWebhookOptions() WebhookOptions {
	return WebhookOptions{
		SessionTTL:     24 * time.Hour,
		DedupTTL:       24 * time.Hour,
		MaxPayloadSize: 1 << 20,
		PathPrefix:     "/api/v1/webhooks/crm/",
	}
}

// WebhookService issues webhook sessions and runs the delivery pipeline.
type WebhookService struct {
	sessions    crm.WebhookSessionStore
	connections crm.ConnectionRepository
	providers   crm.ProviderFactory
	dedup       shared.IdempotencyStore
	syncer      InboundSyncer
	opts        WebhookOptions
	logger      *zap.Logger
}

// NewWebhookService creates a new WebhookService
func NewWebhookService(
	sessions crm.WebhookSessionStore,
	connections crm.ConnectionRepository,
	providers crm.ProviderFactory,
	dedup shared.IdempotencyStore,
	syncer InboundSyncer,
	opts WebhookOptions,
	log *zap.Logger,
) *WebhookService {
	if log == nil {
		log = zap.NewNop()
	}
	defaults := DefaultWebhookOptions()
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = defaults.SessionTTL
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = defaults.DedupTTL
	}
	if opts.MaxPayloadSize <= 0 {
		opts.MaxPayloadSize = defaults.MaxPayloadSize
	}
	if opts.PathPrefix == "" {
		opts.PathPrefix = defaults.PathPrefix
	}
	return &WebhookService{
		sessions:    sessions,
		connections: connections,
		providers:   providers,
		dedup:       dedup,
		syncer:      syncer,
		opts:        opts,
		logger:      log.Named("crm_webhook"),
	}
}

// MaxPayloadSize returns the largest accepted delivery body
func (s *WebhookService) MaxPayloadSize() int64 {
	return s.opts.MaxPayloadSize
}

// CreateSession issues a webhook session for a connection
func (s *WebhookService) CreateSession(ctx context.Context, connectionID uuid.UUID) (*WebhookSessionResponse, error) {
	conn, err := s.connections.FindByID(ctx, connectionID)
	if err != nil {
		return nil, toDomainError(err)
	}
	if conn.WebhookSecret == "" {
		return nil, shared.NewDomainError("INVALID_STATE", "Connection has no webhook secret configured")
	}
	session, err := crm.NewWebhookSession(conn.ID, s.opts.SessionTTL)
	if err != nil {
		return nil, fmt.Errorf("crm: create webhook session: %w", err)
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	s.logger.Info("Webhook session issued",
		zap.String("connection_id", conn.ID.String()),
		zap.Time("expires_at", session.ExpiresAt))
	return &WebhookSessionResponse{
		Token:        session.Token,
		ConnectionID: session.ConnectionID,
		Path:         s.opts.PathPrefix + session.Token,
		ExpiresAt:    session.ExpiresAt,
	}, nil
}

// RevokeSession deletes a webhook session
func (s *WebhookService) RevokeSession(ctx context.Context, token string) error {
	return s.sessions.Delete(ctx, token)
}

// Deliver runs one webhook delivery through size cap, session lookup,
// signature check, parsing, de-duplication and the inbound sync.
func (s *WebhookService) Deliver(ctx context.Context, token string, payload []byte, headers http.Header) (*WebhookDeliveryResponse, error) {
	if int64(len(payload)) > s.opts.MaxPayloadSize {
		return nil, shared.NewDomainError(CodePayloadTooLarge,
			fmt.Sprintf("Webhook payload exceeds %d bytes", s.opts.MaxPayloadSize))
	}

	session, err := s.sessions.Get(ctx, token)
	if err != nil {
		if errors.Is(err, crm.ErrWebhookSessionExpired) {
			return nil, toDomainError(err)
		}
		return nil, err
	}
	conn, err := s.connections.FindByID(ctx, session.ConnectionID)
	if err != nil {
		return nil, toDomainError(err)
	}
	provider, err := s.providers.ProviderFor(conn)
	if err != nil {
		return nil, toDomainError(err)
	}

	ctx = logger.WithSyncPass(ctx, logger.Pass{ConnectionID: conn.ID.String(), Kind: "webhook"})
	log := logger.WithLogger(ctx, s.logger)
	if !provider.ValidateWebhookSignature(conn, payload, headers) {
		log.Warn("Webhook signature rejected")
		return nil, toDomainError(crm.ErrWebhookSignatureInvalid)
	}

	event, err := provider.ParseWebhook(payload, headers)
	if err != nil {
		return nil, shared.NewDomainError("INVALID_INPUT", err.Error())
	}
	if event == nil {
		log.Debug("Webhook carries no record change")
		return &WebhookDeliveryResponse{Accepted: true, Ignored: true}, nil
	}

	// the key is claimed before syncing so concurrent redeliveries do not
	// race; it is released again when the sync fails transiently
	key := conn.ID.String() + ":" + event.EventID
	fresh, err := s.dedup.MarkProcessed(ctx, key, s.opts.DedupTTL)
	if err != nil {
		return nil, err
	}
	if !fresh {
		log.Info("Duplicate webhook delivery ignored", zap.String("event_id", event.EventID))
		return &WebhookDeliveryResponse{Accepted: true, Duplicate: true, EventID: event.EventID}, nil
	}

	if !conn.Enabled {
		log.Info("Webhook for disabled connection ignored", zap.String("event_id", event.EventID))
		return &WebhookDeliveryResponse{Accepted: true, Ignored: true, EventID: event.EventID}, nil
	}

	var result *crm.SyncResult
	if event.Operation == crm.WebhookDelete {
		result = s.syncer.DeleteInbound(ctx, conn.ID, event.EntityName, event.RecordID)
	} else {
		result = s.syncer.SyncInbound(ctx, conn.ID, event.EntityName, event.RecordID)
	}
	log.Info("Webhook processed",
		zap.String("event_id", event.EventID),
		zap.String("operation", string(event.Operation)),
		zap.String("entity", event.EntityName),
		zap.Bool("success", result.Success))

	if stats := result.Snapshot(); stats.Failed > 0 {
		if err := s.dedup.Release(context.WithoutCancel(ctx), key); err != nil {
			log.Warn("Failed to release webhook event", zap.String("event_id", event.EventID), zap.Error(err))
		}
		msg := "Inbound sync failed"
		if len(result.Errors) > 0 {
			msg += ": " + result.Errors[0]
		}
		return nil, shared.NewDomainError(CodeProviderUnavailable, msg)
	}

	resp := ToSyncResultResponse(result)
	return &WebhookDeliveryResponse{Accepted: true, EventID: event.EventID, Result: &resp}, nil
}
