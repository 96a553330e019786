package crmprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/authscape/crmsync/internal/domain/crm"
)

const (
	lookupAnnotation  = "@Microsoft.Dynamics.CRM.lookuplogicalname"
	includeAnnotation = `odata.include-annotations="Microsoft.Dynamics.CRM.lookuplogicalname"`
	odataTimeLayout   = "2006-01-02T15:04:05Z"
)

// ---------------------------------------------------------------------------
// Record Operations
// ---------------------------------------------------------------------------

// GetRecord fetches one record by id
func (a *DynamicsAdapter) GetRecord(ctx context.Context, conn *crm.Connection, entityName, id string) (*crm.Record, error) {
	if err := checkRecordID(id); err != nil {
		return nil, err
	}
	def, err := a.entity(ctx, conn, entityName)
	if err != nil {
		return nil, err
	}
	resp, err := a.do(ctx, conn, apiRequest{
		method:  http.MethodGet,
		url:     a.config.apiRoot(conn.BaseURL) + recordPath(def.EntitySetName, id),
		headers: map[string]string{"Prefer": includeAnnotation},
	})
	if err != nil {
		return nil, err
	}
	return decodeRecord(def, resp.body)
}

// ListRecords lists records newest first, following server-driven paging
// until the result is exhausted or Top records were read.
func (a *DynamicsAdapter) ListRecords(ctx context.Context, conn *crm.Connection, q crm.ListQuery) ([]*crm.Record, error) {
	def, err := a.entity(ctx, conn, q.EntityName)
	if err != nil {
		return nil, err
	}
	query, err := buildListQuery(def, q, false)
	if err != nil {
		return nil, err
	}

	rows, err := a.listAll(ctx, conn, a.config.apiRoot(conn.BaseURL)+def.EntitySetName+"?"+query, q.Top)
	if err != nil {
		return nil, err
	}
	out := make([]*crm.Record, 0, len(rows))
	for _, raw := range rows {
		rec, err := decodeRecord(def, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// CountRecords returns the number of records matching the query.
func (a *DynamicsAdapter) CountRecords(ctx context.Context, conn *crm.Connection, q crm.ListQuery) (int64, error) {
	def, err := a.entity(ctx, conn, q.EntityName)
	if err != nil {
		return 0, err
	}
	q.Top = 0
	q.Select = []string{def.PrimaryIDAttribute}
	query, err := buildListQuery(def, q, true)
	if err != nil {
		return 0, err
	}
	resp, err := a.do(ctx, conn, apiRequest{
		method: http.MethodGet,
		url:    a.config.apiRoot(conn.BaseURL) + def.EntitySetName + "?" + query,
	})
	if err != nil {
		return 0, err
	}
	var page odataCollection
	if err := json.Unmarshal(resp.body, &page); err != nil {
		return 0, fmt.Errorf("dynamics: malformed count response: %w", err)
	}
	if page.Count != nil {
		return *page.Count, nil
	}
	return int64(len(page.Value)), nil
}

// CreateRecord creates a record and returns its id
func (a *DynamicsAdapter) CreateRecord(ctx context.Context, conn *crm.Connection, entityName string, rec *crm.Record) (string, error) {
	def, err := a.entity(ctx, conn, entityName)
	if err != nil {
		return "", err
	}
	body, err := a.encodeRecord(ctx, conn, entityName, rec, true)
	if err != nil {
		return "", err
	}
	resp, err := a.do(ctx, conn, apiRequest{
		method:  http.MethodPost,
		url:     a.config.apiRoot(conn.BaseURL) + def.EntitySetName,
		body:    body,
		headers: map[string]string{"Prefer": "return=representation"},
	})
	if err != nil {
		return "", err
	}

	if id := entityIDFromHeader(resp.header.Get("OData-EntityId")); id != "" {
		return id, nil
	}
	if len(resp.body) > 0 {
		var created map[string]any
		if err := json.Unmarshal(resp.body, &created); err == nil {
			if id, ok := created[def.PrimaryIDAttribute].(string); ok && id != "" {
				return id, nil
			}
		}
	}
	return "", crm.NewProviderError(resp.status, "", "created record id missing from response", nil)
}

// UpdateRecord patches an existing record. It never creates one.
func (a *DynamicsAdapter) UpdateRecord(ctx context.Context, conn *crm.Connection, entityName, id string, rec *crm.Record) error {
	if err := checkRecordID(id); err != nil {
		return err
	}
	def, err := a.entity(ctx, conn, entityName)
	if err != nil {
		return err
	}
	body, err := a.encodeRecord(ctx, conn, entityName, rec, false)
	if err != nil {
		return err
	}
	_, err = a.do(ctx, conn, apiRequest{
		method:  http.MethodPatch,
		url:     a.config.apiRoot(conn.BaseURL) + recordPath(def.EntitySetName, id),
		body:    body,
		headers: map[string]string{"If-Match": "*"},
	})
	return err
}

// DeleteRecord deletes a record
func (a *DynamicsAdapter) DeleteRecord(ctx context.Context, conn *crm.Connection, entityName, id string) error {
	if err := checkRecordID(id); err != nil {
		return err
	}
	def, err := a.entity(ctx, conn, entityName)
	if err != nil {
		return err
	}
	_, err = a.do(ctx, conn, apiRequest{
		method: http.MethodDelete,
		url:    a.config.apiRoot(conn.BaseURL) + recordPath(def.EntitySetName, id),
	})
	return err
}

// listAll reads a collection and its next links. top > 0 stops early.
func (a *DynamicsAdapter) listAll(ctx context.Context, conn *crm.Connection, firstURL string, top int) ([]json.RawMessage, error) {
	var out []json.RawMessage
	next := firstURL
	for next != "" {
		resp, err := a.do(ctx, conn, apiRequest{
			method: http.MethodGet,
			url:    next,
			headers: map[string]string{
				"Prefer": fmt.Sprintf("odata.maxpagesize=%d,%s", a.config.PageSize, includeAnnotation),
			},
		})
		if err != nil {
			return nil, err
		}
		var page odataCollection
		if err := json.Unmarshal(resp.body, &page); err != nil {
			return nil, fmt.Errorf("dynamics: malformed collection response: %w", err)
		}
		for _, raw := range page.Value {
			out = append(out, raw)
			if top > 0 && len(out) >= top {
				return out, nil
			}
		}
		next = page.NextLink
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// OData encoding
// ---------------------------------------------------------------------------

func recordPath(entitySet, id string) string {
	return fmt.Sprintf("%s(%s)", entitySet, id)
}

func checkRecordID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return crm.ValidationError("dynamics record", fmt.Errorf("%w: %q is not a record id", crm.ErrMissingIdentifier, id))
	}
	return nil
}

// entityIDFromHeader extracts the GUID from an OData-EntityId header such as
// https://org.crm.dynamics.com/api/data/v9.2/contacts(00000000-0000-0000-0000-000000000001)
func entityIDFromHeader(h string) string {
	open := strings.LastIndex(h, "(")
	if open < 0 || !strings.HasSuffix(h, ")") {
		return ""
	}
	return h[open+1 : len(h)-1]
}

func buildListQuery(def entityDefinition, q crm.ListQuery, count bool) (string, error) {
	filter, err := buildFilter(q)
	if err != nil {
		return "", err
	}

	var params [][2]string
	if len(q.Select) > 0 {
		fields := append([]string{def.PrimaryIDAttribute, "modifiedon"}, q.Select...)
		params = append(params, [2]string{"$select", strings.Join(dedupe(fields), ",")})
	}
	if filter != "" {
		params = append(params, [2]string{"$filter", filter})
	}
	params = append(params, [2]string{"$orderby", "modifiedon desc"})
	if q.Top > 0 {
		params = append(params, [2]string{"$top", strconv.Itoa(q.Top)})
	}
	if count {
		params = append(params, [2]string{"$count", "true"})
	}
	return encodeQuery(params), nil
}

// buildFilter ANDs the modified-since clause, the mapping filter and the
// equality conditions.
func buildFilter(q crm.ListQuery) (string, error) {
	var clauses []string
	if q.ModifiedSince != nil {
		clauses = append(clauses, "modifiedon gt "+q.ModifiedSince.UTC().Format(odataTimeLayout))
	}
	if f := strings.TrimSpace(q.Filter); f != "" {
		clauses = append(clauses, "("+f+")")
	}
	for _, c := range q.Conditions {
		if !isODataIdentifier(c.Field) {
			return "", crm.ValidationError("dynamics filter", fmt.Errorf("invalid field name %q", c.Field))
		}
		clauses = append(clauses, c.Field+" eq "+odataLiteral(c.Value))
	}
	return strings.Join(clauses, " and "), nil
}

func odataLiteral(v crm.Value) string {
	switch v.Kind() {
	case crm.KindNull:
		return "null"
	case crm.KindString:
		s, _ := v.AsString()
		return "'" + strings.ReplaceAll(s, "'", "''") + "'"
	case crm.KindDateTime:
		t, _ := v.AsTime()
		return t.UTC().Format(odataTimeLayout)
	default:
		return v.Text()
	}
}

func isODataIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// encodeQuery percent-encodes values with %20 for spaces, which OData
// parsers accept where '+' is ambiguous.
func encodeQuery(params [][2]string) string {
	parts := make([]string, 0, len(params))
	for _, p := range params {
		parts = append(parts, p[0]+"="+strings.ReplaceAll(url.QueryEscape(p[1]), "+", "%20"))
	}
	return strings.Join(parts, "&")
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0:0]
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// decodeRecord converts one entity JSON object. Lookup projections
// (_x_value) become LookupRefs; other annotations are dropped.
func decodeRecord(def entityDefinition, raw []byte) (*crm.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("dynamics: malformed record: %w", err)
	}

	rec := crm.NewRecord(def.LogicalName, "")
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := obj[key]
		switch {
		case strings.Contains(key, "@"):
			continue
		case key == def.PrimaryIDAttribute:
			if s, ok := value.(string); ok {
				rec.ID = s
			}
			continue
		case strings.HasPrefix(key, "_") && strings.HasSuffix(key, "_value"):
			ref := crm.LookupRef{Field: strings.TrimSuffix(strings.TrimPrefix(key, "_"), "_value")}
			if s, ok := value.(string); ok {
				ref.TargetID = s
			}
			if target, ok := obj[key+lookupAnnotation].(string); ok {
				ref.TargetEntity = target
			}
			rec.SetLookup(ref)
			continue
		case key == "modifiedon":
			if s, ok := value.(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
					t = t.UTC()
					rec.ModifiedOn = &t
				}
			}
		}
		rec.Set(key, crm.InferValue(value))
	}
	return rec, nil
}

// encodeRecord builds a write payload. Protected fields are stripped; lookups
// are bound through their navigation property. Cleared lookups are sent as
// null on update and omitted on create.
func (a *DynamicsAdapter) encodeRecord(ctx context.Context, conn *crm.Connection, entityName string, rec *crm.Record, create bool) (map[string]any, error) {
	if rec == nil {
		return nil, crm.ValidationError("dynamics write", crm.ErrNothingToWrite)
	}
	payload := rec.Clone()
	payload.EntityName = entityName
	crm.StripProtectedFields(payload)

	body := make(map[string]any, payload.Len()+len(payload.Lookups))
	for _, name := range payload.Fields() {
		v, _ := payload.Get(name)
		body[name] = v.Interface()
	}
	for _, ref := range payload.Lookups {
		key := ref.Field + "@odata.bind"
		if ref.IsClear() {
			if !create {
				body[key] = nil
			}
			continue
		}
		target, err := a.entity(ctx, conn, ref.TargetEntity)
		if err != nil {
			return nil, err
		}
		body[key] = "/" + recordPath(target.EntitySetName, ref.TargetID)
	}

	if len(body) == 0 {
		return nil, crm.ValidationError("dynamics write", crm.ErrNothingToWrite)
	}
	return body, nil
}
