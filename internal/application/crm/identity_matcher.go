package crm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/authscape/crmsync/internal/domain/crm"
)

// IdentityMatcher links records that have no correlation entry by their
// natural key. A counterpart already linked to a different record is a
// conflict and is never relinked.
type IdentityMatcher struct {
	correlations crm.CorrelationStore
	locals       crm.LocalEntityStore
}

// NewIdentityMatcher creates a new IdentityMatcher
func NewIdentityMatcher(correlations crm.CorrelationStore, locals crm.LocalEntityStore) *IdentityMatcher {
	return &IdentityMatcher{correlations: correlations, locals: locals}
}

// MatchRemote finds the remote counterpart of a local record. It returns
// nil, nil when the record has no natural key or no remote record shares it.
func (im *IdentityMatcher) MatchRemote(ctx context.Context, provider crm.Provider, conn *crm.Connection, m *crm.EntityMapping, local *crm.LocalEntity) (*crm.Record, error) {
	field, value := outboundNaturalKey(m, local)
	if value == "" {
		return nil, nil
	}
	records, err := provider.ListRecords(ctx, conn, crm.ListQuery{
		EntityName: m.RemoteEntityName,
		Conditions: []crm.Condition{{Field: field, Value: crm.StringValue(value)}},
		Top:        1,
	})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 || records[0].ID == "" {
		return nil, nil
	}
	match := records[0]
	remoteID := crm.NormalizeRemoteID(match.ID)

	entry, err := im.correlations.GetByRemote(ctx, conn.ID, m.RemoteEntityName, remoteID)
	switch {
	case errors.Is(err, crm.ErrCorrelationNotFound):
		return match, nil
	case err != nil:
		if errors.Is(err, crm.ErrDuplicateCorrelation) {
			return nil, crm.ConflictError("identity match", err)
		}
		return nil, err
	}
	if entry.LocalEntityType != local.Type || entry.LocalID != local.ID {
		return nil, crm.ConflictError("identity match", fmt.Errorf("%w: %s %s is linked to %s %d",
			crm.ErrCorrelationConflict, m.RemoteEntityName, remoteID, entry.LocalEntityType, entry.LocalID))
	}
	return match, nil
}

// MatchLocal finds the local counterpart of a remote record. It returns
// nil, nil when no local record shares the natural key.
func (im *IdentityMatcher) MatchLocal(ctx context.Context, conn *crm.Connection, m *crm.EntityMapping, rec *crm.Record) (*crm.LocalEntity, error) {
	value := inboundNaturalKey(m, rec)
	if value == "" {
		return nil, nil
	}
	local, err := im.locals.FindByNaturalKey(ctx, m.LocalEntityType, value)
	if errors.Is(err, crm.ErrLocalEntityNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entry, err := im.correlations.GetByLocal(ctx, conn.ID, local.Type, local.ID)
	if errors.Is(err, crm.ErrCorrelationNotFound) {
		return local, nil
	}
	if err != nil {
		return nil, err
	}
	if entry.RemoteID != crm.NormalizeRemoteID(rec.ID) || !strings.EqualFold(entry.RemoteEntityName, m.RemoteEntityName) {
		return nil, crm.ConflictError("identity match", fmt.Errorf("%w: %s %d is linked to %s %s",
			crm.ErrCorrelationConflict, local.Type, local.ID, entry.RemoteEntityName, entry.RemoteID))
	}
	return local, nil
}
