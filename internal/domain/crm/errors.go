package crm

import (
	"errors"
	"fmt"
	"net/http"
)

// ---------------------------------------------------------------------------
// Sentinel Errors
// ---------------------------------------------------------------------------

var (
	// Connection errors
	ErrConnectionNotFound      = errors.New("crm: connection not found")
	ErrConnectionDisabled      = errors.New("crm: connection is disabled")
	ErrConnectionInvalidName   = errors.New("crm: connection name is required")
	ErrConnectionInvalidURL    = errors.New("crm: connection base URL is invalid")
	ErrConnectionInvalidType   = errors.New("crm: unknown provider type")
	ErrProviderNotRegistered   = errors.New("crm: no provider registered for connection type")
	ErrCredentialsUnavailable  = errors.New("crm: connection has no usable credentials")
	ErrTokenAcquisitionFailed  = errors.New("crm: token acquisition failed")
	ErrWebhookSignatureInvalid = errors.New("crm: invalid webhook signature")

	// Mapping errors
	ErrEntityMappingNotFound       = errors.New("crm: entity mapping not found")
	ErrNoEnabledMappings           = errors.New("crm: no enabled entity mapping")
	ErrInvalidDirection            = errors.New("crm: invalid sync direction")
	ErrInvalidEntityType           = errors.New("crm: invalid local entity type")
	ErrInvalidRemoteEntity         = errors.New("crm: remote entity name is required")
	ErrInvalidFieldMapping         = errors.New("crm: field mapping requires local and remote field")
	ErrInvalidRelationshipMapping  = errors.New("crm: relationship mapping requires local field and remote target")
	ErrRelationshipMappingNotFound = errors.New("crm: relationship mapping not found")

	// Record errors
	ErrRecordNotFound        = errors.New("crm: remote record not found")
	ErrLocalEntityNotFound   = errors.New("crm: local entity not found")
	ErrUnknownLocalField     = errors.New("crm: unknown local field")
	ErrLocalFieldType        = errors.New("crm: value does not fit local field")
	ErrMissingIdentifier     = errors.New("crm: record has no identifier")
	ErrNothingToWrite        = errors.New("crm: no mapped fields to write")
	ErrCorrelationNotFound   = errors.New("crm: correlation entry not found")
	ErrDuplicateCorrelation  = errors.New("crm: more than one correlation entry for remote record")
	ErrCorrelationConflict   = errors.New("crm: record already linked to a different counterpart")
	ErrWebhookSessionExpired = errors.New("crm: webhook session not found or expired")
	ErrSyncProgressNotFound  = errors.New("crm: sync progress not found")
)

// ---------------------------------------------------------------------------
// Error Taxonomy
// ---------------------------------------------------------------------------

// ErrorKind classifies a failure for the orchestrator's propagation policy.
type ErrorKind string

const (
	// KindAuth is a token acquisition or refresh failure; it halts the connection's pass.
	KindAuth ErrorKind = "AUTH"
	// KindTransport is a network or 5xx failure; the record is recorded as Failed.
	KindTransport ErrorKind = "TRANSPORT"
	// KindValidation is a non-transient input problem; the record is recorded as Skipped.
	KindValidation ErrorKind = "VALIDATION"
	// KindConflict means a record is already linked elsewhere; recorded as Skipped with a conflict note.
	KindConflict ErrorKind = "CONFLICT"
	// KindConfiguration aborts the requested operation before any record is touched.
	KindConfiguration ErrorKind = "CONFIGURATION"
	// KindNotFound means the addressed record does not exist.
	KindNotFound ErrorKind = "NOT_FOUND"
)

// SyncError attaches an ErrorKind to an underlying error.
type SyncError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

// Error implements the error interface
func (e *SyncError) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the wrapped error
func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewSyncError wraps err with a kind and operation name.
func NewSyncError(kind ErrorKind, op string, err error) *SyncError {
	return &SyncError{Kind: kind, Op: op, Err: err}
}

// AuthError wraps err as KindAuth.
func AuthError(op string, err error) error { return NewSyncError(KindAuth, op, err) }

// TransportError wraps err as KindTransport.
func TransportError(op string, err error) error { return NewSyncError(KindTransport, op, err) }

// ValidationError wraps err as KindValidation.
func ValidationError(op string, err error) error { return NewSyncError(KindValidation, op, err) }

// ConflictError wraps err as KindConflict.
func ConflictError(op string, err error) error { return NewSyncError(KindConflict, op, err) }

// ConfigurationError wraps err as KindConfiguration.
func ConfigurationError(op string, err error) error {
	return NewSyncError(KindConfiguration, op, err)
}

// ClassifyError maps any error to an ErrorKind. Explicit SyncError kinds win,
// then ProviderError statuses, then well-known sentinels. Anything else is
// treated as a transport failure.
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}

	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Kind()
	}

	switch {
	case errors.Is(err, ErrConnectionNotFound), errors.Is(err, ErrConnectionDisabled),
		errors.Is(err, ErrEntityMappingNotFound), errors.Is(err, ErrNoEnabledMappings),
		errors.Is(err, ErrProviderNotRegistered):
		return KindConfiguration
	case errors.Is(err, ErrTokenAcquisitionFailed), errors.Is(err, ErrCredentialsUnavailable):
		return KindAuth
	case errors.Is(err, ErrCorrelationConflict), errors.Is(err, ErrDuplicateCorrelation):
		return KindConflict
	case errors.Is(err, ErrMissingIdentifier), errors.Is(err, ErrNothingToWrite),
		errors.Is(err, ErrUnknownLocalField), errors.Is(err, ErrLocalFieldType):
		return KindValidation
	case errors.Is(err, ErrRecordNotFound), errors.Is(err, ErrLocalEntityNotFound):
		return KindNotFound
	}
	return KindTransport
}

// ---------------------------------------------------------------------------
// ProviderError
// ---------------------------------------------------------------------------

// ProviderError is returned by Provider implementations for any remote failure.
// It carries the remote HTTP status and message.
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
	Err        error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("crm provider: status %d (%s): %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("crm provider: status %d: %s", e.StatusCode, msg)
}

// Unwrap returns the wrapped error
func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Kind classifies the error by remote status.
func (e *ProviderError) Kind() ErrorKind {
	switch {
	case e.StatusCode == http.StatusUnauthorized, e.StatusCode == http.StatusForbidden:
		return KindAuth
	case e.StatusCode == http.StatusNotFound:
		return KindNotFound
	case e.StatusCode == http.StatusConflict, e.StatusCode == http.StatusPreconditionFailed:
		return KindConflict
	case e.StatusCode == http.StatusBadRequest, e.StatusCode == http.StatusUnprocessableEntity:
		return KindValidation
	default:
		return KindTransport
	}
}

// IsAuthFailure reports whether the remote rejected the credentials.
func (e *ProviderError) IsAuthFailure() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// NewProviderError creates a ProviderError.
func NewProviderError(status int, code, message string, err error) *ProviderError {
	return &ProviderError{StatusCode: status, Code: code, Message: message, Err: err}
}
