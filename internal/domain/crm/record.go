package crm

import (
	"encoding/json"
	"time"
)

// LookupRef is a relationship value carried by a Record. On writes an empty
// TargetID clears the lookup.
type LookupRef struct {
	// Field is the wire-level navigation name (for writes) or the lookup
	// attribute name (for reads)
	Field string
	// TargetEntity is the remote entity the lookup points at
	TargetEntity string
	// TargetID is the remote id of the referenced record
	TargetID string
}

// IsClear reports whether the reference clears the lookup.
func (l LookupRef) IsClear() bool {
	return l.TargetID == ""
}

// Record is a remote record: an ordered mapping from field name to Value plus
// relationship references kept apart from scalar fields.
type Record struct {
	ID         string
	EntityName string
	ModifiedOn *time.Time
	Lookups    []LookupRef

	keys   []string
	values map[string]Value
}

// NewRecord creates an empty record for the given entity.
func NewRecord(entityName, id string) *Record {
	return &Record{
		ID:         id,
		EntityName: entityName,
		values:     make(map[string]Value),
	}
}

// Set stores a field value. The first Set of a name fixes its position.
func (r *Record) Set(name string, v Value) {
	if r.values == nil {
		r.values = make(map[string]Value)
	}
	if _, ok := r.values[name]; !ok {
		r.keys = append(r.keys, name)
	}
	r.values[name] = v
}

// Get returns a field value; a missing field reads as Null with ok=false.
func (r *Record) Get(name string) (Value, bool) {
	v, ok := r.values[name]
	return v, ok
}

// Has reports whether the field is present
func (r *Record) Has(name string) bool {
	_, ok := r.values[name]
	return ok
}

// Delete removes a field
func (r *Record) Delete(name string) {
	if _, ok := r.values[name]; !ok {
		return
	}
	delete(r.values, name)
	for i, k := range r.keys {
		if k == name {
			r.keys = append(r.keys[:i], r.keys[i+1:]...)
			break
		}
	}
}

// Fields returns field names in insertion order.
func (r *Record) Fields() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

// Len returns the number of scalar fields
func (r *Record) Len() int {
	return len(r.keys)
}

// IsEmpty reports whether the record carries nothing to write.
func (r *Record) IsEmpty() bool {
	return len(r.keys) == 0 && len(r.Lookups) == 0
}

// SetLookup adds or replaces a relationship reference by field name.
func (r *Record) SetLookup(ref LookupRef) {
	for i := range r.Lookups {
		if r.Lookups[i].Field == ref.Field {
			r.Lookups[i] = ref
			return
		}
	}
	r.Lookups = append(r.Lookups, ref)
}

// Lookup returns the reference stored under field.
func (r *Record) Lookup(field string) (LookupRef, bool) {
	for _, l := range r.Lookups {
		if l.Field == field {
			return l, true
		}
	}
	return LookupRef{}, false
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := &Record{
		ID:         r.ID,
		EntityName: r.EntityName,
		keys:       make([]string, len(r.keys)),
		values:     make(map[string]Value, len(r.values)),
		Lookups:    make([]LookupRef, len(r.Lookups)),
	}
	if r.ModifiedOn != nil {
		t := *r.ModifiedOn
		c.ModifiedOn = &t
	}
	copy(c.keys, r.keys)
	copy(c.Lookups, r.Lookups)
	for k, v := range r.values {
		c.values[k] = v
	}
	return c
}

// MarshalJSON renders the scalar fields as a flat object.
func (r *Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.keys)+1)
	for _, k := range r.keys {
		out[k] = r.values[k].Interface()
	}
	if r.ID != "" {
		out["id"] = r.ID
	}
	return json.Marshal(out)
}
