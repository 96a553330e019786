package crm

import (
	"context"
	"fmt"
	"strings"

	"github.com/authscape/crmsync/internal/domain/crm"
	"go.uber.org/zap"
)

func relationshipNoteKey(r crm.RelationshipMapping) string {
	return "relationship." + r.LocalField
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// applyOutboundLookups adds the relationship bindings of a local record to
// the payload. Unresolved relationships are skipped and noted; those whose
// target is not yet correlated are returned for the backfill phase. Only
// authentication failures are returned as errors.
func (p *syncPass) applyOutboundLookups(ctx context.Context, m *crm.EntityMapping, local *crm.LocalEntity, payload *crm.Record, o *recordOutcome) ([]crm.RelationshipMapping, error) {
	var pending []crm.RelationshipMapping
	for _, r := range m.RelationshipMappings {
		note, waiting, err := p.outboundLookup(ctx, m, r, local, payload)
		if err != nil {
			if crm.ClassifyError(err) == crm.KindAuth {
				return nil, err
			}
			note = "lookup discovery failed: " + err.Error()
		}
		if note != "" {
			o.note(relationshipNoteKey(r), note)
			p.log(ctx).Warn("Relationship not written",
				zap.String("record", o.describe()),
				zap.String("local_field", r.LocalField),
				zap.String("reason", note))
		}
		if waiting {
			pending = append(pending, r)
		}
	}
	return pending, nil
}

// outboundLookup resolves one relationship of a local record. waiting is
// true when the related record exists locally but has no remote counterpart
// yet.
func (p *syncPass) outboundLookup(ctx context.Context, m *crm.EntityMapping, r crm.RelationshipMapping, local *crm.LocalEntity, payload *crm.Record) (string, bool, error) {
	v, _ := localValue(local, r.LocalField)
	relatedID, present := localRefID(v)

	targetID := ""
	if present {
		entry, err := p.correlationByLocal(ctx, r.RelatedEntityType, relatedID)
		if err != nil {
			return "", false, err
		}
		if entry == nil {
			return fmt.Sprintf("unresolved: %s %d has not been synced", r.RelatedEntityType, relatedID), true, nil
		}
		if !strings.EqualFold(entry.RemoteEntityName, r.RemoteEntityName) {
			return fmt.Sprintf("unresolved: %s %d is linked to %s", r.RelatedEntityType, relatedID, entry.RemoteEntityName), false, nil
		}
		targetID = entry.RemoteID
	} else if !r.SyncNullValues {
		return "", false, nil
	}

	field, ok, err := p.resolver.Resolve(ctx, m.RemoteEntityName, r.RemoteEntityName, r.LookupHint)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return fmt.Sprintf("unresolved: %s has no lookup to %s", m.RemoteEntityName, r.RemoteEntityName), false, nil
	}
	payload.SetLookup(crm.LookupRef{
		Field:        field.LogicalName,
		TargetEntity: r.RemoteEntityName,
		TargetID:     targetID,
	})
	return "", false, nil
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// applyInboundLookups maps the relationship values of a remote record onto
// local field writes.
func (p *syncPass) applyInboundLookups(ctx context.Context, m *crm.EntityMapping, rec *crm.Record, fields map[string]crm.Value, o *recordOutcome) ([]crm.RelationshipMapping, error) {
	var pending []crm.RelationshipMapping
	for _, r := range m.RelationshipMappings {
		note, waiting, err := p.inboundLookup(ctx, m, r, rec, fields, true)
		if err != nil {
			if crm.ClassifyError(err) == crm.KindAuth {
				return nil, err
			}
			note = "lookup discovery failed: " + err.Error()
		}
		if note != "" {
			o.note(relationshipNoteKey(r), note)
			p.log(ctx).Warn("Relationship not resolved",
				zap.String("record", o.describe()),
				zap.String("local_field", r.LocalField),
				zap.String("reason", note))
		}
		if waiting {
			pending = append(pending, r)
		}
	}
	return pending, nil
}

// inboundLookup resolves one remote lookup value to a local id. A lookup
// absent from the record leaves the local field untouched; a null lookup or
// one whose target was never correlated clears the field only when the
// relationship syncs null values and clearing is allowed.
func (p *syncPass) inboundLookup(ctx context.Context, m *crm.EntityMapping, r crm.RelationshipMapping, rec *crm.Record, fields map[string]crm.Value, allowClear bool) (string, bool, error) {
	field, ok, err := p.resolver.Resolve(ctx, m.RemoteEntityName, r.RemoteEntityName, r.LookupHint)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return fmt.Sprintf("unresolved: %s has no lookup to %s", m.RemoteEntityName, r.RemoteEntityName), false, nil
	}
	ref, present := rec.Lookup(field.AttributeName)
	if !present {
		ref, present = rec.Lookup(field.LogicalName)
	}
	if !present {
		return "", false, nil
	}
	clearField := func() {
		if allowClear && r.SyncNullValues {
			fields[r.LocalField] = crm.NullValue()
		}
	}
	if ref.IsClear() {
		clearField()
		return "", false, nil
	}
	if ref.TargetEntity != "" && !strings.EqualFold(ref.TargetEntity, r.RemoteEntityName) {
		return "", false, nil
	}

	targetID := crm.NormalizeRemoteID(ref.TargetID)
	entry, err := p.correlationByRemote(ctx, r.RemoteEntityName, targetID)
	if err != nil {
		return "", false, err
	}
	if entry == nil {
		clearField()
		return fmt.Sprintf("unresolved: %s %s has not been synced", r.RemoteEntityName, targetID), true, nil
	}
	if entry.LocalEntityType != r.RelatedEntityType {
		clearField()
		return fmt.Sprintf("unresolved: %s %s is linked to %s", r.RemoteEntityName, targetID, entry.LocalEntityType), false, nil
	}
	fields[r.LocalField] = crm.IntegerValue(entry.LocalID)
	return "", false, nil
}

// ---------------------------------------------------------------------------
// Backfill
// ---------------------------------------------------------------------------

// backfillRelationships retries the relationships that were waiting for
// their target when the record was written earlier in the pass.
func (p *syncPass) backfillRelationships(ctx context.Context) {
	links := p.takeDeferred()
	if len(links) == 0 || p.stopped(ctx) {
		return
	}
	p.log(ctx).Debug("Backfilling relationships", zap.Int("records", len(links)))
	forEach(p, ctx, links, func(ctx context.Context, l deferredLink) {
		if l.direction == crm.DirectionInbound {
			p.backfillInbound(ctx, l)
		} else {
			p.backfillOutbound(ctx, l)
		}
	})
}

func (p *syncPass) backfillOutbound(ctx context.Context, l deferredLink) {
	m := l.mapping
	unlock := p.svc.locks.Lock(localKey(p.conn.ID, m.LocalEntityType, l.localID))
	defer unlock()

	local, err := p.svc.deps.Locals.Get(ctx, m.LocalEntityType, l.localID)
	if err != nil {
		return
	}
	payload := crm.NewRecord(m.RemoteEntityName, "")
	for _, r := range l.relationships {
		if _, _, err := p.outboundLookup(ctx, m, r, local, payload); err != nil && crm.ClassifyError(err) == crm.KindAuth {
			p.halt(ctx, err)
			return
		}
	}
	if len(payload.Lookups) == 0 {
		return
	}
	p.pushRelationships(ctx, m, local, l.remoteID, payload)
}

func (p *syncPass) backfillInbound(ctx context.Context, l deferredLink) {
	m := l.mapping
	unlock := p.svc.locks.Lock(remoteKey(p.conn.ID, m.RemoteEntityName, l.remoteID))
	defer unlock()

	fields := make(map[string]crm.Value)
	for _, r := range l.relationships {
		if _, _, err := p.inboundLookup(ctx, m, r, l.record, fields, false); err != nil && crm.ClassifyError(err) == crm.KindAuth {
			p.halt(ctx, err)
			return
		}
	}
	if len(fields) == 0 {
		return
	}
	p.pullRelationships(ctx, m, l.localID, l.remoteID, l.record, fields)
}

// pushRelationships writes backfilled bindings to a correlated remote record.
func (p *syncPass) pushRelationships(ctx context.Context, m *crm.EntityMapping, local *crm.LocalEntity, remoteID string, payload *crm.Record) {
	o := newOutcome(m, crm.DirectionOutbound)
	o.localID = local.ID
	o.remoteID = remoteID
	o.followUp = true
	o.note("phase", "backfill")

	entry, err := p.correlationByLocal(ctx, m.LocalEntityType, local.ID)
	if err == nil && entry == nil {
		err = crm.ErrCorrelationNotFound
	}
	if err == nil {
		err = p.pushLookups(ctx, m, entry, local, payload)
	}
	o.err = err
	p.complete(ctx, o)
}

// pullRelationships writes backfilled references to a correlated local record.
func (p *syncPass) pullRelationships(ctx context.Context, m *crm.EntityMapping, localID int64, remoteID string, rec *crm.Record, fields map[string]crm.Value) {
	o := newOutcome(m, crm.DirectionInbound)
	o.localID = localID
	o.remoteID = remoteID
	o.followUp = true
	o.note("phase", "backfill")

	entry, err := p.correlationByRemote(ctx, m.RemoteEntityName, remoteID)
	if err == nil && entry == nil {
		err = crm.ErrCorrelationNotFound
	}
	if err == nil {
		err = p.pullLookups(ctx, entry, rec, fields)
	}
	o.err = err
	p.complete(ctx, o)
}

// ---------------------------------------------------------------------------
// Relationship-only pass
// ---------------------------------------------------------------------------

// refreshRelationships re-resolves the relationships of one correlated
// record. Outbound-capable mappings push local references to the remote
// record; inbound-only mappings pull remote references into the local record.
func (p *syncPass) refreshRelationships(ctx context.Context, m *crm.EntityMapping, e crm.CorrelationEntry) {
	if m.AllowsOutbound() {
		p.refreshOutbound(ctx, m, e)
		return
	}
	p.refreshInbound(ctx, m, e)
}

func (p *syncPass) refreshOutbound(ctx context.Context, m *crm.EntityMapping, e crm.CorrelationEntry) {
	unlock := p.svc.locks.Lock(localKey(p.conn.ID, m.LocalEntityType, e.LocalID))
	defer unlock()

	o := newOutcome(m, crm.DirectionOutbound)
	o.localID = e.LocalID
	o.remoteID = e.RemoteID

	local, err := p.svc.deps.Locals.Get(ctx, m.LocalEntityType, e.LocalID)
	if err != nil {
		o.err = crm.ValidationError("refresh relationships", err)
		p.complete(ctx, o)
		return
	}
	payload := crm.NewRecord(m.RemoteEntityName, "")
	if _, err := p.applyOutboundLookups(ctx, m, local, payload, &o); err != nil {
		o.err = err
		p.complete(ctx, o)
		return
	}
	if len(payload.Lookups) == 0 {
		p.unchanged()
		return
	}
	o.note("phase", "relationships")
	entry := e
	o.err = p.pushLookups(ctx, m, &entry, local, payload)
	p.complete(ctx, o)
}

func (p *syncPass) refreshInbound(ctx context.Context, m *crm.EntityMapping, e crm.CorrelationEntry) {
	unlock := p.svc.locks.Lock(remoteKey(p.conn.ID, m.RemoteEntityName, e.RemoteID))
	defer unlock()

	o := newOutcome(m, crm.DirectionInbound)
	o.localID = e.LocalID
	o.remoteID = e.RemoteID

	rec, err := p.provider.GetRecord(ctx, p.conn, m.RemoteEntityName, e.RemoteID)
	if err != nil {
		o.err = err
		p.complete(ctx, o)
		return
	}
	fields := make(map[string]crm.Value)
	if _, err := p.applyInboundLookups(ctx, m, rec, fields, &o); err != nil {
		o.err = err
		p.complete(ctx, o)
		return
	}
	if len(fields) == 0 {
		p.unchanged()
		return
	}
	o.note("phase", "relationships")
	entry := e
	o.err = p.pullLookups(ctx, &entry, rec, fields)
	p.complete(ctx, o)
}

// pushLookups writes relationship bindings to a correlated remote record.
// Scalar fields are not sent, so the entry is only stamped when the local
// record has no edits newer than its last sync; otherwise the next pass
// still sees the record as changed.
func (p *syncPass) pushLookups(ctx context.Context, m *crm.EntityMapping, entry *crm.CorrelationEntry, local *crm.LocalEntity, payload *crm.Record) error {
	if err := p.provider.UpdateRecord(ctx, p.conn, m.RemoteEntityName, entry.RemoteID, payload); err != nil {
		return err
	}
	if !entry.LocalUnchanged(local.ModifiedAt) {
		return nil
	}
	entry.Touch(crm.DirectionOutbound, nil)
	return p.saveCorrelation(ctx, entry)
}

// pullLookups writes relationship references to a correlated local record,
// stamping the entry only when the remote record has no newer scalar changes.
func (p *syncPass) pullLookups(ctx context.Context, entry *crm.CorrelationEntry, rec *crm.Record, fields map[string]crm.Value) error {
	if err := p.svc.deps.Locals.Update(ctx, entry.LocalEntityType, entry.LocalID, fields); err != nil {
		return err
	}
	if !entry.RemoteUnchanged(rec.ModifiedOn) {
		return nil
	}
	entry.Touch(crm.DirectionInbound, rec.ModifiedOn)
	return p.saveCorrelation(ctx, entry)
}
