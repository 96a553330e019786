package crm

import (
	"errors"

	"github.com/authscape/crmsync/internal/domain/crm"
	"github.com/authscape/crmsync/internal/domain/shared"
)

// Admin error codes beyond the shared ones
const (
	CodeProviderAuth        = "CRM_AUTH_FAILED"
	CodeProviderUnavailable = "CRM_UNAVAILABLE"
	CodePayloadTooLarge     = "PAYLOAD_TOO_LARGE"
)

// toDomainError converts engine and provider errors into DomainErrors for the
// administration surface. Unknown errors pass through unchanged.
func toDomainError(err error) error {
	if err == nil {
		return nil
	}
	var de *shared.DomainError
	if errors.As(err, &de) {
		return err
	}

	switch {
	case errors.Is(err, crm.ErrConnectionNotFound):
		return shared.NewDomainError("NOT_FOUND", "CRM connection not found")
	case errors.Is(err, crm.ErrEntityMappingNotFound):
		return shared.NewDomainError("NOT_FOUND", "Entity mapping not found")
	case errors.Is(err, crm.ErrRelationshipMappingNotFound):
		return shared.NewDomainError("NOT_FOUND", "Relationship mapping not found")
	case errors.Is(err, crm.ErrConnectionDisabled):
		return shared.NewDomainError("INVALID_STATE", "CRM connection is disabled")
	case errors.Is(err, crm.ErrWebhookSessionExpired), errors.Is(err, crm.ErrWebhookSignatureInvalid):
		return shared.NewDomainError("UNAUTHORIZED", err.Error())
	case errors.Is(err, crm.ErrConnectionInvalidName), errors.Is(err, crm.ErrConnectionInvalidURL),
		errors.Is(err, crm.ErrConnectionInvalidType), errors.Is(err, crm.ErrInvalidDirection),
		errors.Is(err, crm.ErrInvalidEntityType), errors.Is(err, crm.ErrInvalidRemoteEntity),
		errors.Is(err, crm.ErrInvalidFieldMapping), errors.Is(err, crm.ErrInvalidRelationshipMapping),
		errors.Is(err, crm.ErrProviderNotRegistered):
		return shared.NewDomainError("INVALID_INPUT", err.Error())
	}

	var provErr *crm.ProviderError
	if errors.As(err, &provErr) {
		switch provErr.Kind() {
		case crm.KindAuth:
			return shared.NewDomainError(CodeProviderAuth, provErr.Error())
		case crm.KindNotFound:
			return shared.NewDomainError("NOT_FOUND", provErr.Error())
		case crm.KindValidation:
			return shared.NewDomainError("INVALID_INPUT", provErr.Error())
		default:
			return shared.NewDomainError(CodeProviderUnavailable, provErr.Error())
		}
	}
	if crm.ClassifyError(err) == crm.KindAuth {
		return shared.NewDomainError(CodeProviderAuth, err.Error())
	}
	return err
}
