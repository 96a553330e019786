package crm

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncResult_ConcurrentCounting(t *testing.T) {
	r := NewSyncResult("abc")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Count(func(s *SyncStats) { s.Processed++ })
			if i%10 == 0 {
				r.AddError("record %d failed", i)
			}
		}(i)
	}
	wg.Wait()

	r.Finish()
	assert.Equal(t, 50, r.Stats.Processed)
	assert.Len(t, r.Errors, 5)
	assert.False(t, r.Success)
	assert.Contains(t, r.Message, "5 error(s)")
}

func TestSyncResult_SuccessIffNoErrors(t *testing.T) {
	r := NewSyncResult("")
	r.Count(func(s *SyncStats) { s.Failed++ })
	r.Finish()
	assert.True(t, r.Success)

	aborted := NewSyncResult("").Abort(ErrNoEnabledMappings)
	assert.False(t, aborted.Success)
	assert.Equal(t, []string{ErrNoEnabledMappings.Error()}, aborted.Errors)
	assert.Equal(t, ErrNoEnabledMappings.Error(), aborted.Message)
}

func TestSyncResult_Merge(t *testing.T) {
	a := NewSyncResult("a")
	b := NewSyncResult("b")
	a.Count(func(s *SyncStats) { s.Created = 1; s.Outbound = 1 })
	b.Count(func(s *SyncStats) { s.Updated = 2; s.Inbound = 2 })
	b.AddError("boom")

	a.Merge(b)
	stats := a.Snapshot()
	assert.Equal(t, 1, stats.Created)
	assert.Equal(t, 2, stats.Updated)
	assert.Equal(t, 3, stats.Outbound+stats.Inbound)
	assert.Equal(t, 1, a.ErrorCount())
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"explicit kind", ValidationError("outbound", errors.New("x")), KindValidation},
		{"wrapped sync error", fmt.Errorf("ctx: %w", AuthError("token", errors.New("x"))), KindAuth},
		{"provider 401", NewProviderError(http.StatusUnauthorized, "", "denied", nil), KindAuth},
		{"provider 404", NewProviderError(http.StatusNotFound, "", "", ErrRecordNotFound), KindNotFound},
		{"provider 503", NewProviderError(http.StatusServiceUnavailable, "", "busy", nil), KindTransport},
		{"provider 412", NewProviderError(http.StatusPreconditionFailed, "", "", nil), KindConflict},
		{"provider 400", NewProviderError(http.StatusBadRequest, "0x1", "bad filter", nil), KindValidation},
		{"config sentinel", ErrNoEnabledMappings, KindConfiguration},
		{"conflict sentinel", fmt.Errorf("%w: contact 1", ErrCorrelationConflict), KindConflict},
		{"missing id", ErrMissingIdentifier, KindValidation},
		{"unknown", errors.New("socket closed"), KindTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
	assert.Equal(t, ErrorKind(""), ClassifyError(nil))
	assert.ErrorIs(t, NewProviderError(http.StatusNotFound, "", "", ErrRecordNotFound), ErrRecordNotFound)
}

func TestConnection_TokenState(t *testing.T) {
	conn, err := NewConnection("Contoso", ProviderDynamics365, "https://contoso.crm.dynamics.com/", Credentials{ClientID: "id", ClientSecret: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "https://contoso.crm.dynamics.com", conn.BaseURL)
	assert.False(t, conn.CredentialsChanged())
	assert.False(t, conn.TokenValid(time.Now(), time.Minute))

	conn.UpdateToken("tok", "", time.Now().Add(time.Hour))
	assert.True(t, conn.TokenValid(time.Now(), time.Minute))
	assert.True(t, conn.CredentialsChanged())
	assert.Equal(t, "secret", conn.Credentials().ClientSecret)

	conn.MarkPersisted()
	assert.False(t, conn.CredentialsChanged())

	conn.InvalidateToken()
	token, _ := conn.Token()
	assert.Empty(t, token)

	_, err = NewConnection("x", ProviderType("salesforce"), "https://x", Credentials{})
	assert.ErrorIs(t, err, ErrConnectionInvalidType)
	_, err = NewConnection("x", ProviderDynamics365, "not a url", Credentials{})
	assert.ErrorIs(t, err, ErrConnectionInvalidURL)
}

func TestCorrelationEntry_ChangeDetection(t *testing.T) {
	e := NewCorrelationEntry(uuid.New(), EntityTypeUser, 1, "contact", "g", DirectionOutbound)
	before := e.LastSyncedAt.Add(-time.Second)
	after := e.LastSyncedAt.Add(time.Second)

	assert.True(t, e.LocalUnchanged(&before))
	assert.False(t, e.LocalUnchanged(&after))
	assert.False(t, e.LocalUnchanged(nil))

	assert.True(t, e.RemoteUnchanged(&before))
	assert.False(t, e.RemoteUnchanged(&after))
	assert.False(t, e.RemoteUnchanged(nil))
}

func TestRecord_OrderAndLookups(t *testing.T) {
	r := NewRecord("contact", "")
	r.Set("b", StringValue("1"))
	r.Set("a", StringValue("2"))
	r.Set("b", StringValue("3"))
	assert.Equal(t, []string{"b", "a"}, r.Fields())

	v, ok := r.Get("b")
	require.True(t, ok)
	assert.Equal(t, "3", v.Text())

	r.SetLookup(LookupRef{Field: "parentcustomerid_account", TargetEntity: "account", TargetID: "x"})
	r.SetLookup(LookupRef{Field: "parentcustomerid_account", TargetEntity: "account"})
	require.Len(t, r.Lookups, 1)
	assert.True(t, r.Lookups[0].IsClear())

	c := r.Clone()
	c.Delete("b")
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 1, c.Len())
}
