package crm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/authscape/crmsync/internal/domain/crm"
)

// fakeProvider is an in-memory CRM. Lookups are stored under the navigation
// name they were written with.
type fakeProvider struct {
	mu      sync.Mutex
	records map[string]map[string]*crm.Record
	lookups map[string][]crm.LookupField
	seq     int

	queries       []crm.ListQuery
	lookupCalls   int
	creates       int
	updates       int
	deletes       int
	failCreate    error
	failUpdate    error
	failLookup    error
	valid         bool
	webhookHeader string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		records: make(map[string]map[string]*crm.Record),
		lookups: map[string][]crm.LookupField{
			"contact": {
				{LogicalName: "parentcustomerid_account", AttributeName: "parentcustomerid", Targets: []string{"account"}},
				{LogicalName: "parentcustomerid_contact", AttributeName: "parentcustomerid", Targets: []string{"contact"}},
			},
		},
		valid:         true,
		webhookHeader: "X-Test-Secret",
	}
}

var _ crm.Provider = (*fakeProvider)(nil)

func (f *fakeProvider) nextID() string {
	f.seq++
	return fmt.Sprintf("00000000-0000-0000-0000-%012d", f.seq)
}

// seed stores a remote record created outside the sync engine.
func (f *fakeProvider) seed(entity string, fields map[string]crm.Value) *crm.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := crm.NewRecord(entity, f.nextID())
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		rec.Set(k, fields[k])
	}
	now := time.Now().UTC()
	rec.ModifiedOn = &now
	f.store(rec)
	return rec.Clone()
}

func (f *fakeProvider) store(rec *crm.Record) {
	if f.records[rec.EntityName] == nil {
		f.records[rec.EntityName] = make(map[string]*crm.Record)
	}
	f.records[rec.EntityName][rec.ID] = rec
}

func (f *fakeProvider) count(entity string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records[entity])
}

func (f *fakeProvider) get(entity, id string) *crm.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[entity][id]
	if !ok {
		return nil
	}
	return rec.Clone()
}

func (f *fakeProvider) all(entity string) []*crm.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*crm.Record, 0, len(f.records[entity]))
	for _, r := range f.records[entity] {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// listQueries returns the listing queries, excluding identity lookups.
func (f *fakeProvider) listQueries() []crm.ListQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []crm.ListQuery
	for _, q := range f.queries {
		if len(q.Conditions) == 0 {
			out = append(out, q)
		}
	}
	return out
}

func notFound(entity, id string) error {
	return crm.NewProviderError(http.StatusNotFound, "0x80040217", entity+" "+id+" does not exist", crm.ErrRecordNotFound)
}

func (f *fakeProvider) ValidateConnection(ctx context.Context, conn *crm.Connection) bool {
	return f.valid
}

func (f *fakeProvider) DiscoverEntities(ctx context.Context, conn *crm.Connection) ([]crm.EntitySchema, error) {
	return []crm.EntitySchema{
		{LogicalName: "account", EntitySetName: "accounts", PrimaryIDAttribute: "accountid", PrimaryNameAttribute: "name"},
		{LogicalName: "contact", EntitySetName: "contacts", PrimaryIDAttribute: "contactid", PrimaryNameAttribute: "fullname"},
	}, nil
}

func (f *fakeProvider) DiscoverFields(ctx context.Context, conn *crm.Connection, entityName string) ([]crm.FieldSchema, error) {
	return []crm.FieldSchema{
		{LogicalName: entityName + "id", Type: crm.FieldTypeGuid, IsPrimaryKey: true},
		{LogicalName: "emailaddress1", Type: crm.FieldTypeString},
		{LogicalName: "firstname", Type: crm.FieldTypeString},
		{LogicalName: "name", Type: crm.FieldTypeString},
		{LogicalName: "parentcustomerid", Type: crm.FieldTypeLookup, IsLookup: true, Targets: []string{"account", "contact"}},
	}, nil
}

func (f *fakeProvider) GetRecord(ctx context.Context, conn *crm.Connection, entityName, id string) (*crm.Record, error) {
	if rec := f.get(entityName, id); rec != nil {
		return rec, nil
	}
	return nil, notFound(entityName, id)
}

func (f *fakeProvider) ListRecords(ctx context.Context, conn *crm.Connection, q crm.ListQuery) ([]*crm.Record, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()

	var out []*crm.Record
	for _, rec := range f.all(q.EntityName) {
		if q.ModifiedSince != nil && (rec.ModifiedOn == nil || !rec.ModifiedOn.After(*q.ModifiedSince)) {
			continue
		}
		if !matchesConditions(rec, q.Conditions) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ModifiedOn.After(*out[j].ModifiedOn) })
	if q.Top > 0 && len(out) > q.Top {
		out = out[:q.Top]
	}
	return out, nil
}

func matchesConditions(rec *crm.Record, conds []crm.Condition) bool {
	for _, c := range conds {
		v, ok := rec.Get(c.Field)
		if !ok || !strings.EqualFold(v.Text(), c.Value.Text()) {
			return false
		}
	}
	return true
}

func (f *fakeProvider) write(rec *crm.Record, payload *crm.Record) {
	for _, name := range payload.Fields() {
		v, _ := payload.Get(name)
		rec.Set(name, v)
	}
	for _, l := range payload.Lookups {
		if l.IsClear() {
			kept := rec.Lookups[:0]
			for _, existing := range rec.Lookups {
				if existing.Field != l.Field {
					kept = append(kept, existing)
				}
			}
			rec.Lookups = kept
			continue
		}
		rec.SetLookup(l)
	}
	now := time.Now().UTC()
	rec.ModifiedOn = &now
}

func (f *fakeProvider) CreateRecord(ctx context.Context, conn *crm.Connection, entityName string, payload *crm.Record) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate != nil {
		return "", f.failCreate
	}
	f.creates++
	rec := crm.NewRecord(entityName, f.nextID())
	f.write(rec, payload)
	f.store(rec)
	return rec.ID, nil
}

func (f *fakeProvider) UpdateRecord(ctx context.Context, conn *crm.Connection, entityName, id string, payload *crm.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdate != nil {
		return f.failUpdate
	}
	rec, ok := f.records[entityName][id]
	if !ok {
		return notFound(entityName, id)
	}
	f.updates++
	f.write(rec, payload)
	return nil
}

func (f *fakeProvider) DeleteRecord(ctx context.Context, conn *crm.Connection, entityName, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[entityName][id]; !ok {
		return notFound(entityName, id)
	}
	f.deletes++
	delete(f.records[entityName], id)
	return nil
}

func (f *fakeProvider) DiscoverLookupFields(ctx context.Context, conn *crm.Connection, entityName, targetEntity string) ([]crm.LookupField, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupCalls++
	if f.failLookup != nil {
		return nil, f.failLookup
	}
	var out []crm.LookupField
	for _, l := range f.lookups[entityName] {
		for _, t := range l.Targets {
			if targetEntity == "" || t == targetEntity {
				out = append(out, l)
				break
			}
		}
	}
	return out, nil
}

type fakeWebhook struct {
	Entity    string `json:"entity"`
	ID        string `json:"id"`
	Operation string `json:"operation"`
	EventID   string `json:"event_id"`
}

func (f *fakeProvider) ParseWebhook(payload []byte, headers http.Header) (*crm.WebhookEvent, error) {
	var w fakeWebhook
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, crm.ValidationError("fake webhook", err)
	}
	if w.Operation == "" {
		return nil, nil
	}
	return &crm.WebhookEvent{
		EntityName: w.Entity,
		RecordID:   w.ID,
		Operation:  crm.WebhookOperation(w.Operation),
		EventID:    w.EventID,
		OccurredAt: time.Now().UTC(),
	}, nil
}

func (f *fakeProvider) ValidateWebhookSignature(conn *crm.Connection, payload []byte, headers http.Header) bool {
	return conn.WebhookSecret != "" && headers.Get(f.webhookHeader) == conn.WebhookSecret
}

// fakeFactory hands out one provider for every connection.
type fakeFactory struct {
	provider crm.Provider
}

func (f fakeFactory) ProviderFor(conn *crm.Connection) (crm.Provider, error) {
	if f.provider == nil {
		return nil, crm.ErrProviderNotRegistered
	}
	return f.provider, nil
}
