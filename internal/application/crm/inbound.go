package crm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/authscape/crmsync/internal/domain/crm"
)

// runInbound pulls the remote records of a mapping. A nil since lists all
// records.
func (p *syncPass) runInbound(ctx context.Context, m *crm.EntityMapping, since *time.Time) {
	if p.stopped(ctx) {
		return
	}
	records, err := p.provider.ListRecords(ctx, p.conn, crm.ListQuery{
		EntityName:    m.RemoteEntityName,
		ModifiedSince: since,
		Filter:        m.Filter,
	})
	if err != nil {
		p.passError(ctx, fmt.Sprintf("list remote %s records", m.RemoteEntityName), err)
		return
	}
	forEach(p, ctx, records, func(ctx context.Context, rec *crm.Record) {
		p.syncInboundRecord(ctx, m, rec)
	})
}

// syncInboundByID fetches and pulls one remote record. A record that no
// longer exists is treated as a remote deletion.
func (p *syncPass) syncInboundByID(ctx context.Context, m *crm.EntityMapping, remoteID string) {
	rec, err := p.provider.GetRecord(ctx, p.conn, m.RemoteEntityName, remoteID)
	if errors.Is(err, crm.ErrRecordNotFound) {
		p.deleteLocal(ctx, m, remoteID)
		return
	}
	if err != nil {
		o := newOutcome(m, crm.DirectionInbound)
		o.remoteID = remoteID
		o.err = err
		p.complete(ctx, o)
		return
	}
	p.syncInboundRecord(ctx, m, rec)
}

// syncInboundRecord pulls one remote record through one mapping.
func (p *syncPass) syncInboundRecord(ctx context.Context, m *crm.EntityMapping, rec *crm.Record) {
	o := newOutcome(m, crm.DirectionInbound)
	o.remoteID = crm.NormalizeRemoteID(rec.ID)
	if o.remoteID == "" {
		o.err = crm.ValidationError("inbound", crm.ErrMissingIdentifier)
		p.complete(ctx, o)
		return
	}

	unlock := p.svc.locks.Lock(remoteKey(p.conn.ID, m.RemoteEntityName, o.remoteID))
	defer unlock()

	entry, err := p.correlationByRemote(ctx, m.RemoteEntityName, o.remoteID)
	if err != nil {
		o.err = err
		p.complete(ctx, o)
		return
	}
	if entry != nil {
		o.localID = entry.LocalID
		if entry.LocalEntityType != m.LocalEntityType {
			o.err = crm.ConflictError("inbound", fmt.Errorf("%w: %s %s is linked to %s %d",
				crm.ErrCorrelationConflict, m.RemoteEntityName, o.remoteID, entry.LocalEntityType, entry.LocalID))
			p.complete(ctx, o)
			return
		}
		if entry.RemoteUnchanged(rec.ModifiedOn) {
			p.unchanged()
			return
		}
	}

	fields := inboundFields(m, rec)
	pending, err := p.applyInboundLookups(ctx, m, rec, fields, &o)
	if err != nil {
		o.err = err
		p.complete(ctx, o)
		return
	}
	if len(fields) == 0 {
		o.err = crm.ValidationError("inbound", crm.ErrNothingToWrite)
		p.complete(ctx, o)
		return
	}

	if entry != nil {
		err := p.pullUpdate(ctx, entry, rec, fields)
		if !errors.Is(err, crm.ErrLocalEntityNotFound) {
			o.err = err
			p.finishInbound(ctx, o, rec, pending)
			return
		}
		// the local record is gone: relink or recreate it
		if err := p.svc.deps.Correlations.DeleteByLocal(ctx, p.conn.ID, entry.LocalEntityType, entry.LocalID); err != nil {
			o.err = err
			p.complete(ctx, o)
			return
		}
		o.note("relinked", fmt.Sprintf("local %s %d no longer exists", entry.LocalEntityType, entry.LocalID))
		o.localID = 0
	}
	p.linkInbound(ctx, m, rec, fields, &o, pending)
}

// linkInbound handles a remote record without a correlation entry: it is
// matched by natural key or created locally.
func (p *syncPass) linkInbound(ctx context.Context, m *crm.EntityMapping, rec *crm.Record, fields map[string]crm.Value, o *recordOutcome, pending []crm.RelationshipMapping) {
	if key := inboundNaturalKey(m, rec); key != "" {
		unlock := p.svc.locks.Lock(identityKey(p.conn.ID, m.LocalEntityType, key))
		defer unlock()

		// an outbound worker may have linked the record meanwhile
		entry, err := p.correlationByRemote(ctx, m.RemoteEntityName, o.remoteID)
		if err != nil {
			o.err = err
			p.complete(ctx, *o)
			return
		}
		if entry != nil {
			o.localID = entry.LocalID
			o.err = p.pullUpdate(ctx, entry, rec, fields)
			p.finishInbound(ctx, *o, rec, pending)
			return
		}
	}

	local, err := p.svc.matcher.MatchLocal(ctx, p.conn, m, rec)
	if err != nil {
		o.err = err
		p.complete(ctx, *o)
		return
	}

	var localID int64
	if local != nil {
		localID = local.ID
		o.localID = localID
		o.action = crm.ActionUpdate
		o.note("matched_by", "natural_key")
		if err := p.svc.deps.Locals.Update(ctx, m.LocalEntityType, localID, fields); err != nil {
			o.err = err
			p.complete(ctx, *o)
			return
		}
	} else {
		o.action = crm.ActionCreate
		id, err := p.svc.deps.Locals.Create(ctx, m.LocalEntityType, fields)
		if err != nil {
			o.err = err
			p.complete(ctx, *o)
			return
		}
		localID = id
		o.localID = id
	}

	entry := crm.NewCorrelationEntry(p.conn.ID, m.LocalEntityType, localID, m.RemoteEntityName, o.remoteID, crm.DirectionInbound)
	entry.Touch(crm.DirectionInbound, rec.ModifiedOn)
	o.err = p.saveCorrelation(ctx, entry)
	p.finishInbound(ctx, *o, rec, pending)
}

// pullUpdate writes fields to the correlated local record and refreshes the
// correlation stamp.
func (p *syncPass) pullUpdate(ctx context.Context, entry *crm.CorrelationEntry, rec *crm.Record, fields map[string]crm.Value) error {
	if err := p.svc.deps.Locals.Update(ctx, entry.LocalEntityType, entry.LocalID, fields); err != nil {
		return err
	}
	entry.Touch(crm.DirectionInbound, rec.ModifiedOn)
	return p.saveCorrelation(ctx, entry)
}

func (p *syncPass) finishInbound(ctx context.Context, o recordOutcome, rec *crm.Record, pending []crm.RelationshipMapping) {
	if o.err == nil {
		p.deferLink(deferredLink{
			mapping:       o.mapping,
			direction:     crm.DirectionInbound,
			localID:       o.localID,
			remoteID:      o.remoteID,
			record:        rec,
			relationships: pending,
		})
	}
	p.complete(ctx, o)
}

// deleteLocal propagates a remote deletion to the correlated local record.
func (p *syncPass) deleteLocal(ctx context.Context, m *crm.EntityMapping, remoteID string) {
	o := newOutcome(m, crm.DirectionInbound)
	o.action = crm.ActionDelete
	o.remoteID = remoteID

	unlock := p.svc.locks.Lock(remoteKey(p.conn.ID, m.RemoteEntityName, remoteID))
	defer unlock()

	entry, err := p.correlationByRemote(ctx, m.RemoteEntityName, remoteID)
	if err != nil {
		o.err = err
		p.complete(ctx, o)
		return
	}
	if entry == nil {
		// never linked: nothing to delete locally
		p.unchanged()
		return
	}
	o.localType = entry.LocalEntityType
	o.localID = entry.LocalID

	err = p.svc.deps.Locals.Delete(ctx, entry.LocalEntityType, entry.LocalID)
	if err != nil && !errors.Is(err, crm.ErrLocalEntityNotFound) {
		o.err = err
		p.complete(ctx, o)
		return
	}
	if err != nil {
		o.note("local", "already deleted")
	}
	o.err = p.svc.deps.Correlations.DeleteByRemote(context.WithoutCancel(ctx), p.conn.ID, m.RemoteEntityName, remoteID)
	p.complete(ctx, o)
}
