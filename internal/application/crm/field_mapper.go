package crm

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/authscape/crmsync/internal/domain/crm"
)

// localValue reads a field of a local snapshot, matching the name
// case-insensitively when there is no exact hit.
func localValue(local *crm.LocalEntity, name string) (crm.Value, bool) {
	if v, ok := local.Fields[name]; ok {
		return v, true
	}
	for k, v := range local.Fields {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return crm.NullValue(), false
}

// remoteValue reads a field of a remote record. Remote names are lower case
// on the wire.
func remoteValue(rec *crm.Record, name string) (crm.Value, bool) {
	if v, ok := rec.Get(name); ok {
		return v, true
	}
	return rec.Get(strings.ToLower(name))
}

// outboundPayload maps the scalar fields of a local snapshot onto a remote
// write payload. Protected remote fields are stripped and returned.
func outboundPayload(m *crm.EntityMapping, local *crm.LocalEntity) (*crm.Record, []string, error) {
	payload := crm.NewRecord(m.RemoteEntityName, "")
	for _, f := range m.OutboundFields() {
		v, ok := localValue(local, f.LocalField)
		if !ok {
			return nil, nil, crm.ValidationError("map outbound fields",
				fmt.Errorf("%w: %s.%s", crm.ErrUnknownLocalField, local.Type, f.LocalField))
		}
		payload.Set(f.RemoteField, v)
	}
	stripped := crm.StripProtectedFields(payload)
	return payload, stripped, nil
}

// inboundFields maps a remote record onto local field writes. Remote fields
// missing from the record leave the local field untouched. Built-in
// projections fill canonical local fields that no mapping writes.
func inboundFields(m *crm.EntityMapping, rec *crm.Record) map[string]crm.Value {
	fields := make(map[string]crm.Value)
	for _, f := range m.InboundFields() {
		if v, ok := remoteValue(rec, f.RemoteField); ok {
			fields[f.LocalField] = v
		}
	}
	for _, p := range crm.InboundProjections(m.LocalEntityType) {
		if m.MapsLocalField(p.LocalField) {
			continue
		}
		if v, ok := remoteValue(rec, p.RemoteField); ok {
			fields[p.LocalField] = v
		}
	}
	return fields
}

// outboundNaturalKey returns the remote field and value used to find an
// existing remote counterpart of a local record. An empty value means the
// record cannot be matched.
func outboundNaturalKey(m *crm.EntityMapping, local *crm.LocalEntity) (string, string) {
	key, ok := crm.NaturalKeyFor(m.LocalEntityType)
	if !ok {
		return "", ""
	}
	remote := key.RemoteField
	for _, f := range m.OutboundFields() {
		if strings.EqualFold(f.LocalField, key.LocalField) {
			remote = f.RemoteField
			break
		}
	}
	v, _ := localValue(local, key.LocalField)
	return remote, strings.TrimSpace(v.Text())
}

// inboundNaturalKey returns the natural key value of a remote record, read
// from the mapped field when there is one and from the well-known remote
// field otherwise.
func inboundNaturalKey(m *crm.EntityMapping, rec *crm.Record) string {
	key, ok := crm.NaturalKeyFor(m.LocalEntityType)
	if !ok {
		return ""
	}
	for _, f := range m.InboundFields() {
		if strings.EqualFold(f.LocalField, key.LocalField) {
			if v, ok := remoteValue(rec, f.RemoteField); ok && !v.IsEmpty() {
				return strings.TrimSpace(v.Text())
			}
		}
	}
	v, _ := remoteValue(rec, key.RemoteField)
	return strings.TrimSpace(v.Text())
}

// localRefID reads a local relationship value as a record id.
func localRefID(v crm.Value) (int64, bool) {
	if n, ok := v.AsInteger(); ok {
		return n, n > 0
	}
	if d, ok := v.AsDecimal(); ok {
		n := d.IntPart()
		return n, n > 0
	}
	if s, ok := v.AsString(); ok {
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		return n, err == nil && n > 0
	}
	return 0, false
}
