package crm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/authscape/crmsync/internal/domain/crm"
)

// runOutbound pushes every local record of the mapping's type.
func (p *syncPass) runOutbound(ctx context.Context, m *crm.EntityMapping) {
	if p.stopped(ctx) {
		return
	}
	ids, err := p.svc.deps.Locals.ListIDs(ctx, m.LocalEntityType)
	if err != nil {
		p.passError(ctx, fmt.Sprintf("list local %s records", m.LocalEntityType), err)
		return
	}
	forEach(p, ctx, ids, func(ctx context.Context, id int64) {
		p.syncOutboundRecord(ctx, m, id)
	})
}

// syncOutboundRecord pushes one local record through one mapping.
func (p *syncPass) syncOutboundRecord(ctx context.Context, m *crm.EntityMapping, localID int64) {
	o := newOutcome(m, crm.DirectionOutbound)
	o.localID = localID

	unlock := p.svc.locks.Lock(localKey(p.conn.ID, m.LocalEntityType, localID))
	defer unlock()

	entry, err := p.correlationByLocal(ctx, m.LocalEntityType, localID)
	if err != nil {
		o.err = err
		p.complete(ctx, o)
		return
	}

	local, err := p.svc.deps.Locals.Get(ctx, m.LocalEntityType, localID)
	if errors.Is(err, crm.ErrLocalEntityNotFound) {
		p.deleteRemote(ctx, o, entry, err)
		return
	}
	if err != nil {
		o.err = err
		p.complete(ctx, o)
		return
	}

	if entry != nil {
		o.remoteID = entry.RemoteID
		if entry.RemoteEntityName != m.RemoteEntityName {
			o.err = crm.ConflictError("outbound", fmt.Errorf("%w: %s %d is linked to %s %s",
				crm.ErrCorrelationConflict, local.Type, local.ID, entry.RemoteEntityName, entry.RemoteID))
			p.complete(ctx, o)
			return
		}
		if entry.LocalUnchanged(local.ModifiedAt) {
			p.unchanged()
			return
		}
	}

	payload, stripped, err := outboundPayload(m, local)
	if err != nil {
		o.err = err
		p.complete(ctx, o)
		return
	}
	if len(stripped) > 0 {
		o.note("stripped_fields", strings.Join(stripped, ","))
	}
	pending, err := p.applyOutboundLookups(ctx, m, local, payload, &o)
	if err != nil {
		o.err = err
		p.complete(ctx, o)
		return
	}
	if payload.IsEmpty() {
		o.err = crm.ValidationError("outbound", crm.ErrNothingToWrite)
		p.complete(ctx, o)
		return
	}

	if entry != nil {
		err := p.pushUpdate(ctx, m, entry, payload)
		if !errors.Is(err, crm.ErrRecordNotFound) {
			o.err = err
			p.finishOutbound(ctx, o, pending)
			return
		}
		// the remote record is gone: relink or recreate it
		if err := p.svc.deps.Correlations.DeleteByLocal(ctx, p.conn.ID, local.Type, local.ID); err != nil {
			o.err = err
			p.complete(ctx, o)
			return
		}
		o.note("relinked", "remote "+entry.RemoteID+" no longer exists")
		o.remoteID = ""
	}
	p.linkOutbound(ctx, m, local, payload, &o, pending)
}

// linkOutbound handles a local record without a correlation entry: it is
// matched by natural key or created remotely.
func (p *syncPass) linkOutbound(ctx context.Context, m *crm.EntityMapping, local *crm.LocalEntity, payload *crm.Record, o *recordOutcome, pending []crm.RelationshipMapping) {
	field, key := outboundNaturalKey(m, local)
	if key != "" {
		unlock := p.svc.locks.Lock(identityKey(p.conn.ID, m.LocalEntityType, key))
		defer unlock()

		// an inbound worker may have linked the record meanwhile
		entry, err := p.correlationByLocal(ctx, local.Type, local.ID)
		if err != nil {
			o.err = err
			p.complete(ctx, *o)
			return
		}
		if entry != nil {
			o.remoteID = entry.RemoteID
			o.err = p.pushUpdate(ctx, m, entry, payload)
			p.finishOutbound(ctx, *o, pending)
			return
		}
	}

	match, err := p.svc.matcher.MatchRemote(ctx, p.provider, p.conn, m, local)
	if err != nil {
		o.err = err
		p.complete(ctx, *o)
		return
	}

	var remoteID string
	if match != nil {
		remoteID = crm.NormalizeRemoteID(match.ID)
		o.remoteID = remoteID
		o.action = crm.ActionUpdate
		o.note("matched_by", field)
		if err := p.provider.UpdateRecord(ctx, p.conn, m.RemoteEntityName, remoteID, payload); err != nil {
			o.err = err
			p.complete(ctx, *o)
			return
		}
	} else {
		o.action = crm.ActionCreate
		id, err := p.provider.CreateRecord(ctx, p.conn, m.RemoteEntityName, payload)
		if err != nil {
			o.err = err
			p.complete(ctx, *o)
			return
		}
		remoteID = crm.NormalizeRemoteID(id)
		o.remoteID = remoteID
	}

	entry := crm.NewCorrelationEntry(p.conn.ID, local.Type, local.ID, m.RemoteEntityName, remoteID, crm.DirectionOutbound)
	o.err = p.saveCorrelation(ctx, entry)
	p.finishOutbound(ctx, *o, pending)
}

// pushUpdate writes the payload to the correlated remote record and
// refreshes the correlation stamp.
func (p *syncPass) pushUpdate(ctx context.Context, m *crm.EntityMapping, entry *crm.CorrelationEntry, payload *crm.Record) error {
	if err := p.provider.UpdateRecord(ctx, p.conn, m.RemoteEntityName, entry.RemoteID, payload); err != nil {
		return err
	}
	entry.Touch(crm.DirectionOutbound, nil)
	return p.saveCorrelation(ctx, entry)
}

func (p *syncPass) finishOutbound(ctx context.Context, o recordOutcome, pending []crm.RelationshipMapping) {
	if o.err == nil {
		p.deferLink(deferredLink{
			mapping:       o.mapping,
			direction:     crm.DirectionOutbound,
			localID:       o.localID,
			remoteID:      o.remoteID,
			relationships: pending,
		})
	}
	p.complete(ctx, o)
}

// deleteRemote propagates a local deletion. A record that was never
// correlated has nothing to delete.
func (p *syncPass) deleteRemote(ctx context.Context, o recordOutcome, entry *crm.CorrelationEntry, cause error) {
	if entry == nil {
		o.err = crm.ValidationError("outbound", cause)
		p.complete(ctx, o)
		return
	}
	o.action = crm.ActionDelete
	o.remoteEntity = entry.RemoteEntityName
	o.remoteID = entry.RemoteID

	err := p.provider.DeleteRecord(ctx, p.conn, entry.RemoteEntityName, entry.RemoteID)
	if err != nil && !errors.Is(err, crm.ErrRecordNotFound) {
		o.err = err
		p.complete(ctx, o)
		return
	}
	if err != nil {
		o.note("remote", "already deleted")
	}
	o.err = p.svc.deps.Correlations.DeleteByLocal(context.WithoutCancel(ctx), p.conn.ID, entry.LocalEntityType, entry.LocalID)
	p.complete(ctx, o)
}
