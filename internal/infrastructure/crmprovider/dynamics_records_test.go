package crmprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authscape/crmsync/internal/domain/crm"
)

const (
	contactID = "6f1d2c3b-0000-4000-8000-000000000001"
	accountID = "6f1d2c3b-0000-4000-8000-0000000000aa"
)

func TestDynamicsAdapter_GetRecord(t *testing.T) {
	org := newFakeOrg(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, apiPrefix+"contacts("+contactID+")", r.URL.Path)
		assert.Contains(t, r.Header.Get("Prefer"), "lookuplogicalname")
		writeJSON(w, http.StatusOK, `{
			"@odata.etag": "W/\"1\"",
			"contactid": "`+contactID+`",
			"firstname": "Ada",
			"emailaddress1": "ada@example.com",
			"numberofchildren": 2,
			"creditlimit": 10.5,
			"donotemail": true,
			"modifiedon": "2024-05-01T10:00:00Z",
			"_parentcustomerid_value": "`+accountID+`",
			"_parentcustomerid_value@Microsoft.Dynamics.CRM.lookuplogicalname": "account",
			"_ownerid_value": null
		}`)
	})
	a := org.adapter(t)
	conn := org.connection(t, org.clientCredentials())

	rec, err := a.GetRecord(context.Background(), conn, "contact", contactID)
	require.NoError(t, err)

	assert.Equal(t, contactID, rec.ID)
	assert.Equal(t, "contact", rec.EntityName)
	require.NotNil(t, rec.ModifiedOn)
	assert.True(t, rec.ModifiedOn.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)))

	first, ok := rec.Get("firstname")
	require.True(t, ok)
	assert.True(t, first.Equal(crm.StringValue("Ada")))

	children, _ := rec.Get("numberofchildren")
	assert.True(t, children.Equal(crm.IntegerValue(2)))

	limit, _ := rec.Get("creditlimit")
	d, ok := limit.AsDecimal()
	require.True(t, ok)
	assert.True(t, d.Equal(decimal.RequireFromString("10.5")))

	flag, _ := rec.Get("donotemail")
	assert.True(t, flag.Equal(crm.BooleanValue(true)))

	parent, ok := rec.Lookup("parentcustomerid")
	require.True(t, ok)
	assert.Equal(t, crm.LookupRef{Field: "parentcustomerid", TargetEntity: "account", TargetID: accountID}, parent)

	owner, ok := rec.Lookup("ownerid")
	require.True(t, ok)
	assert.True(t, owner.IsClear())

	assert.False(t, rec.Has("_parentcustomerid_value"))
	assert.False(t, rec.Has("contactid"))
	assert.False(t, rec.Has("@odata.etag"))
}

func TestDynamicsAdapter_GetRecordNotFound(t *testing.T) {
	org := newFakeOrg(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, `{"error":{"code":"0x80040217","message":"Does Not Exist"}}`)
	})
	a := org.adapter(t)
	conn := org.connection(t, org.clientCredentials())

	_, err := a.GetRecord(context.Background(), conn, "contact", contactID)
	require.Error(t, err)
	assert.ErrorIs(t, err, crm.ErrRecordNotFound)
	assert.Equal(t, crm.KindNotFound, crm.ClassifyError(err))
}

func TestDynamicsAdapter_UnknownEntityIsConfigurationError(t *testing.T) {
	org := newFakeOrg(t, nil)
	a := org.adapter(t)
	conn := org.connection(t, org.clientCredentials())

	_, err := a.GetRecord(context.Background(), conn, "missing", contactID)
	require.Error(t, err)
	assert.ErrorIs(t, err, crm.ErrInvalidRemoteEntity)
	assert.Equal(t, crm.KindConfiguration, crm.ClassifyError(err))
}

func TestDynamicsAdapter_InvalidRecordID(t *testing.T) {
	org := newFakeOrg(t, nil)
	a := org.adapter(t)
	conn := org.connection(t, org.clientCredentials())

	_, err := a.GetRecord(context.Background(), conn, "contact", "not-a-guid")
	assert.ErrorIs(t, err, crm.ErrMissingIdentifier)
	assert.Equal(t, crm.KindValidation, crm.ClassifyError(err))
	assert.Equal(t, int32(0), org.tokenCalls.Load())
}

func contactJSON(id, email, modified string) string {
	return fmt.Sprintf(`{"contactid":%q,"emailaddress1":%q,"modifiedon":%q}`, id, email, modified)
}

func TestDynamicsAdapter_ListRecordsFollowsNextLink(t *testing.T) {
	var calls atomic.Int32
	org := newFakeOrg(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, apiPrefix+"contacts", r.URL.Path)
		assert.Contains(t, r.Header.Get("Prefer"), "odata.maxpagesize=2")
		if r.URL.Query().Get("page") == "2" {
			writeJSON(w, http.StatusOK, `{"value":[`+contactJSON("6f1d2c3b-0000-4000-8000-000000000003", "c@example.com", "2024-01-03T00:00:00Z")+`]}`)
			return
		}

		q := r.URL.Query()
		assert.Equal(t, "modifiedon gt 2024-01-01T00:00:00Z and (statecode eq 0) and emailaddress1 eq 'o''brien@example.com'", q.Get("$filter"))
		assert.Equal(t, "modifiedon desc", q.Get("$orderby"))
		assert.Empty(t, q.Get("$top"))
		next := "http://" + r.Host + apiPrefix + "contacts?page=2"
		writeJSON(w, http.StatusOK, `{"value":[`+
			contactJSON("6f1d2c3b-0000-4000-8000-000000000001", "a@example.com", "2024-01-05T00:00:00Z")+`,`+
			contactJSON("6f1d2c3b-0000-4000-8000-000000000002", "b@example.com", "2024-01-04T00:00:00Z")+
			`],"@odata.nextLink":"`+next+`"}`)
	})
	a := org.adapter(t)
	conn := org.connection(t, org.clientCredentials())

	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	records, err := a.ListRecords(context.Background(), conn, crm.ListQuery{
		EntityName:    "contact",
		ModifiedSince: &since,
		Filter:        "statecode eq 0",
		Conditions:    []crm.Condition{{Field: "emailaddress1", Value: crm.StringValue("o'brien@example.com")}},
	})
	require.NoError(t, err)

	require.Len(t, records, 3)
	assert.Equal(t, "6f1d2c3b-0000-4000-8000-000000000001", records[0].ID)
	assert.Equal(t, "6f1d2c3b-0000-4000-8000-000000000003", records[2].ID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDynamicsAdapter_ListRecordsStopsAtTop(t *testing.T) {
	var calls atomic.Int32
	org := newFakeOrg(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "1", r.URL.Query().Get("$top"))
		assert.Equal(t, "contactid,modifiedon,emailaddress1", r.URL.Query().Get("$select"))
		next := "http://" + r.Host + apiPrefix + "contacts?page=2"
		writeJSON(w, http.StatusOK, `{"value":[`+
			contactJSON("6f1d2c3b-0000-4000-8000-000000000001", "a@example.com", "2024-01-05T00:00:00Z")+
			`],"@odata.nextLink":"`+next+`"}`)
	})
	a := org.adapter(t)
	conn := org.connection(t, org.clientCredentials())

	records, err := a.ListRecords(context.Background(), conn, crm.ListQuery{
		EntityName: "contact",
		Top:        1,
		Select:     []string{"emailaddress1"},
	})
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDynamicsAdapter_ListRecordsRejectsBadConditionField(t *testing.T) {
	org := newFakeOrg(t, nil)
	a := org.adapter(t)
	conn := org.connection(t, org.clientCredentials())

	_, err := a.ListRecords(context.Background(), conn, crm.ListQuery{
		EntityName: "contact",
		Conditions: []crm.Condition{{Field: "name eq 'x' or 1", Value: crm.StringValue("y")}},
	})
	require.Error(t, err)
	assert.Equal(t, crm.KindValidation, crm.ClassifyError(err))
}

func TestDynamicsAdapter_CountRecords(t *testing.T) {
	org := newFakeOrg(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("$count"))
		writeJSON(w, http.StatusOK, `{"@odata.count":42,"value":[]}`)
	})
	a := org.adapter(t)
	conn := org.connection(t, org.clientCredentials())

	n, err := a.CountRecords(context.Background(), conn, crm.ListQuery{EntityName: "contact"})
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
}

func TestDynamicsAdapter_CreateRecord(t *testing.T) {
	var body map[string]any
	org := newFakeOrg(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, apiPrefix+"contacts", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("OData-EntityId", "http://"+r.Host+apiPrefix+"contacts("+contactID+")")
		w.WriteHeader(http.StatusNoContent)
	})
	a := org.adapter(t)
	conn := org.connection(t, org.clientCredentials())

	rec := crm.NewRecord("contact", "")
	rec.Set("firstname", crm.StringValue("Ada"))
	rec.Set("numberofchildren", crm.IntegerValue(2))
	rec.Set("contactid", crm.StringValue(contactID))
	rec.Set("ownerid", crm.StringValue("someone"))
	rec.Set("modifiedon", crm.DateTimeValue(time.Now()))
	rec.SetLookup(crm.LookupRef{Field: "parentcustomerid_account", TargetEntity: "account", TargetID: accountID})
	rec.SetLookup(crm.LookupRef{Field: "parentcustomerid_contact", TargetEntity: "contact"})

	id, err := a.CreateRecord(context.Background(), conn, "contact", rec)
	require.NoError(t, err)
	assert.Equal(t, contactID, id)

	assert.Equal(t, "Ada", body["firstname"])
	assert.Equal(t, float64(2), body["numberofchildren"])
	assert.Equal(t, "/accounts("+accountID+")", body["parentcustomerid_account@odata.bind"])
	assert.NotContains(t, body, "parentcustomerid_contact@odata.bind")
	assert.NotContains(t, body, "contactid")
	assert.NotContains(t, body, "ownerid")
	assert.NotContains(t, body, "modifiedon")

	assert.True(t, rec.Has("contactid"), "caller's record is not modified")
}

func TestDynamicsAdapter_CreateRecordIDFromBody(t *testing.T) {
	org := newFakeOrg(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, `{"contactid":"`+contactID+`","firstname":"Ada"}`)
	})
	a := org.adapter(t)
	conn := org.connection(t, org.clientCredentials())

	rec := crm.NewRecord("contact", "")
	rec.Set("firstname", crm.StringValue("Ada"))
	id, err := a.CreateRecord(context.Background(), conn, "contact", rec)
	require.NoError(t, err)
	assert.Equal(t, contactID, id)
}

func TestDynamicsAdapter_UpdateRecord(t *testing.T) {
	var body map[string]any
	org := newFakeOrg(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, apiPrefix+"contacts("+contactID+")", r.URL.Path)
		assert.Equal(t, "*", r.Header.Get("If-Match"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusNoContent)
	})
	a := org.adapter(t)
	conn := org.connection(t, org.clientCredentials())

	rec := crm.NewRecord("contact", contactID)
	rec.Set("lastname", crm.StringValue("Lovelace"))
	rec.SetLookup(crm.LookupRef{Field: "parentcustomerid_account", TargetEntity: "account"})

	require.NoError(t, a.UpdateRecord(context.Background(), conn, "contact", contactID, rec))

	assert.Equal(t, "Lovelace", body["lastname"])
	v, ok := body["parentcustomerid_account@odata.bind"]
	assert.True(t, ok)
	assert.Nil(t, v)
}

func TestDynamicsAdapter_UpdateRecordNothingToWrite(t *testing.T) {
	var calls atomic.Int32
	org := newFakeOrg(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	a := org.adapter(t)
	conn := org.connection(t, org.clientCredentials())

	rec := crm.NewRecord("contact", contactID)
	rec.Set("contactid", crm.StringValue(contactID))
	rec.Set("_parentcustomerid_value", crm.StringValue(accountID))

	err := a.UpdateRecord(context.Background(), conn, "contact", contactID, rec)
	assert.ErrorIs(t, err, crm.ErrNothingToWrite)
	assert.Equal(t, crm.KindValidation, crm.ClassifyError(err))
	assert.Equal(t, int32(0), calls.Load())
}

func TestDynamicsAdapter_DeleteRecord(t *testing.T) {
	var method atomic.Value
	org := newFakeOrg(t, func(w http.ResponseWriter, r *http.Request) {
		method.Store(r.Method)
		assert.Equal(t, apiPrefix+"accounts("+accountID+")", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	a := org.adapter(t)
	conn := org.connection(t, org.clientCredentials())

	require.NoError(t, a.DeleteRecord(context.Background(), conn, "account", accountID))
	assert.Equal(t, http.MethodDelete, method.Load())
}

func TestBuildFilterLiterals(t *testing.T) {
	at := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	filter, err := buildFilter(crm.ListQuery{Conditions: []crm.Condition{
		{Field: "a", Value: crm.NullValue()},
		{Field: "b", Value: crm.IntegerValue(7)},
		{Field: "c", Value: crm.BooleanValue(false)},
		{Field: "d", Value: crm.DateTimeValue(at)},
		{Field: "e", Value: crm.DecimalValue(decimal.RequireFromString("1.25"))},
	}})
	require.NoError(t, err)
	assert.Equal(t, "a eq null and b eq 7 and c eq false and d eq 2024-02-03T04:05:06Z and e eq 1.25", filter)
}

func TestEntityIDFromHeader(t *testing.T) {
	assert.Equal(t, contactID, entityIDFromHeader("https://org/api/data/v9.2/contacts("+contactID+")"))
	assert.Empty(t, entityIDFromHeader(""))
	assert.Empty(t, entityIDFromHeader("https://org/api/data/v9.2/contacts"))
}
