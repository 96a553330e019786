package crmprovider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/authscape/crmsync/internal/domain/crm"
)

const apiPrefix = "/api/data/v9.2/"

// fakeOrg is an httptest server speaking enough of the token endpoint and
// the Web API for adapter tests.
type fakeOrg struct {
	server     *httptest.Server
	api        http.HandlerFunc
	tokenCalls atomic.Int32
	tokenFail  atomic.Bool

	mu        sync.Mutex
	grantType string
}

func newFakeOrg(t *testing.T, api http.HandlerFunc) *fakeOrg {
	t.Helper()
	f := &fakeOrg{api: api}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/token":
			f.serveToken(w, r)
		case strings.HasPrefix(r.URL.Path, apiPrefix+"EntityDefinitions(LogicalName='") && strings.HasSuffix(r.URL.Path, "')"):
			serveEntityDefinition(w, r)
		default:
			if f.api == nil {
				http.NotFound(w, r)
				return
			}
			f.api(w, r)
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeOrg) serveToken(w http.ResponseWriter, r *http.Request) {
	n := f.tokenCalls.Add(1)
	_ = r.ParseForm()
	f.mu.Lock()
	f.grantType = r.PostForm.Get("grant_type")
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if f.tokenFail.Load() {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_client","error_description":"bad secret"}`))
		return
	}
	_, _ = fmt.Fprintf(w, `{"access_token":"token-%d","refresh_token":"rt-%d","expires_in":3600,"token_type":"Bearer"}`, n, n)
}

func (f *fakeOrg) lastGrant() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.grantType
}

// serveEntityDefinition answers EntityDefinitions(LogicalName='x'); the
// entity "missing" does not exist.
func serveEntityDefinition(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	name := path[strings.Index(path, "='")+2 : len(path)-2]
	w.Header().Set("Content-Type", "application/json")
	if name == "missing" {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"0x80060888","message":"Resource not found"}}`))
		return
	}
	_, _ = fmt.Fprintf(w, `{"LogicalName":%q,"EntitySetName":%q,"PrimaryIdAttribute":%q,"PrimaryNameAttribute":"name"}`,
		name, name+"s", name+"id")
}

func (f *fakeOrg) adapter(t *testing.T) *DynamicsAdapter {
	t.Helper()
	cfg := NewDynamicsConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.MaxRetryDelay = 10 * time.Millisecond
	cfg.MaxRetries = 2
	cfg.RateLimit = 0
	cfg.PageSize = 2
	a, err := NewDynamicsAdapter(cfg, zap.NewNop())
	require.NoError(t, err)
	return a
}

func (f *fakeOrg) connection(t *testing.T, creds crm.Credentials) *crm.Connection {
	t.Helper()
	conn, err := crm.NewConnection("Test org", crm.ProviderDynamics365, f.server.URL, creds)
	require.NoError(t, err)
	return conn
}

func (f *fakeOrg) clientCredentials() crm.Credentials {
	return crm.Credentials{ClientID: "client", ClientSecret: "secret", TokenURL: f.server.URL + "/token"}
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

func TestDynamicsAdapter_ValidateConnection(t *testing.T) {
	var auth atomic.Value
	org := newFakeOrg(t, func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		assert.Equal(t, apiPrefix+"WhoAmI", r.URL.Path)
		assert.Equal(t, "4.0", r.Header.Get("OData-Version"))
		writeJSON(w, http.StatusOK, `{"UserId":"00000000-0000-0000-0000-000000000001"}`)
	})
	a := org.adapter(t)
	conn := org.connection(t, org.clientCredentials())

	assert.True(t, a.ValidateConnection(context.Background(), conn))
	assert.True(t, a.ValidateConnection(context.Background(), conn))

	assert.Equal(t, "Bearer token-1", auth.Load())
	assert.Equal(t, int32(1), org.tokenCalls.Load(), "token is cached on the connection")
	assert.Equal(t, "client_credentials", org.lastGrant())
	assert.True(t, conn.CredentialsChanged())
}

func TestDynamicsAdapter_ValidateConnectionFailsWithoutCredentials(t *testing.T) {
	org := newFakeOrg(t, nil)
	a := org.adapter(t)
	conn := org.connection(t, crm.Credentials{})

	assert.False(t, a.ValidateConnection(context.Background(), conn))
	assert.Equal(t, int32(0), org.tokenCalls.Load())

	_, err := a.GetRecord(context.Background(), conn, "contact", "00000000-0000-0000-0000-000000000001")
	require.Error(t, err)
	assert.ErrorIs(t, err, crm.ErrCredentialsUnavailable)
	assert.Equal(t, crm.KindAuth, crm.ClassifyError(err))
}

func TestDynamicsAdapter_TokenFailureIsAuthError(t *testing.T) {
	org := newFakeOrg(t, nil)
	org.tokenFail.Store(true)
	a := org.adapter(t)
	conn := org.connection(t, org.clientCredentials())

	_, err := a.DiscoverEntities(context.Background(), conn)
	require.Error(t, err)
	assert.ErrorIs(t, err, crm.ErrTokenAcquisitionFailed)
	assert.Equal(t, crm.KindAuth, crm.ClassifyError(err))
	assert.Contains(t, err.Error(), "invalid_client")
}

func TestDynamicsAdapter_RefreshTokenGrantPreferred(t *testing.T) {
	org := newFakeOrg(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{}`)
	})
	a := org.adapter(t)
	creds := org.clientCredentials()
	creds.RefreshToken = "rt-0"
	conn := org.connection(t, creds)

	require.True(t, a.ValidateConnection(context.Background(), conn))

	assert.Equal(t, "refresh_token", org.lastGrant())
	assert.Equal(t, "rt-1", conn.Credentials().RefreshToken)
	assert.True(t, conn.TokenValid(time.Now(), time.Minute))
}

func TestDynamicsAdapter_ExpiringTokenIsRefreshedEarly(t *testing.T) {
	org := newFakeOrg(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{}`)
	})
	a := org.adapter(t)
	conn := org.connection(t, org.clientCredentials())
	conn.UpdateToken("stale", "", time.Now().Add(30*time.Second))

	require.True(t, a.ValidateConnection(context.Background(), conn))

	token, _ := conn.Token()
	assert.Equal(t, "token-1", token)
}

func TestDynamicsAdapter_UnauthorizedRefreshesOnce(t *testing.T) {
	var calls atomic.Int32
	org := newFakeOrg(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusUnauthorized, `{"error":{"code":"0x80040220","message":"token expired"}}`)
			return
		}
		assert.Equal(t, "Bearer token-2", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, `{}`)
	})
	a := org.adapter(t)
	conn := org.connection(t, org.clientCredentials())

	assert.True(t, a.ValidateConnection(context.Background(), conn))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(2), org.tokenCalls.Load())
}

func TestDynamicsAdapter_PersistentUnauthorizedIsAuthError(t *testing.T) {
	var calls atomic.Int32
	org := newFakeOrg(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusUnauthorized, `{"error":{"code":"0x80040220","message":"denied"}}`)
	})
	a := org.adapter(t)
	conn := org.connection(t, org.clientCredentials())

	_, err := a.GetRecord(context.Background(), conn, "contact", "00000000-0000-0000-0000-000000000001")
	require.Error(t, err)

	var provErr *crm.ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.True(t, provErr.IsAuthFailure())
	assert.Equal(t, crm.KindAuth, crm.ClassifyError(err))
	assert.Equal(t, int32(2), calls.Load())
}

func TestDynamicsAdapter_ConcurrentCallersShareOneToken(t *testing.T) {
	org := newFakeOrg(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{}`)
	})
	a := org.adapter(t)
	conn := org.connection(t, org.clientCredentials())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, a.ValidateConnection(context.Background(), conn))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), org.tokenCalls.Load())
}

// ---------------------------------------------------------------------------
// Retries
// ---------------------------------------------------------------------------

func TestDynamicsAdapter_RetriesThrottledRequests(t *testing.T) {
	var calls atomic.Int32
	org := newFakeOrg(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			writeJSON(w, http.StatusTooManyRequests, `{"error":{"code":"0x80072322","message":"slow down"}}`)
			return
		}
		writeJSON(w, http.StatusOK, `{}`)
	})
	a := org.adapter(t)
	conn := org.connection(t, org.clientCredentials())

	assert.True(t, a.ValidateConnection(context.Background(), conn))
	assert.Equal(t, int32(2), calls.Load())
}

func TestDynamicsAdapter_ServerErrorsExhaustRetries(t *testing.T) {
	var calls atomic.Int32
	var observed atomic.Int32
	org := newFakeOrg(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusInternalServerError, `{"error":{"code":"0x80040216","message":"boom"}}`)
	})
	cfg := NewDynamicsConfig()
	cfg.RetryBaseDelay = time.Millisecond
	cfg.MaxRetries = 2
	cfg.RateLimit = 0
	a, err := NewDynamicsAdapter(cfg, zap.NewNop(), WithRequestObserver(func(method string, status int, d time.Duration) {
		if status == http.StatusInternalServerError {
			observed.Add(1)
		}
	}))
	require.NoError(t, err)
	conn := org.connection(t, org.clientCredentials())

	_, err = a.ListRecords(context.Background(), conn, crm.ListQuery{EntityName: "contact"})
	require.Error(t, err)

	var provErr *crm.ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, http.StatusInternalServerError, provErr.StatusCode)
	assert.Equal(t, "0x80040216", provErr.Code)
	assert.Equal(t, "boom", provErr.Message)
	assert.Equal(t, crm.KindTransport, crm.ClassifyError(err))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(3), observed.Load())
}

func TestDynamicsAdapter_ContextCancelledDuringBackoff(t *testing.T) {
	org := newFakeOrg(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		writeJSON(w, http.StatusServiceUnavailable, `{}`)
	})
	cfg := NewDynamicsConfig()
	cfg.RateLimit = 0
	a, err := NewDynamicsAdapter(cfg, zap.NewNop())
	require.NoError(t, err)
	conn := org.connection(t, org.clientCredentials())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = a.ListRecords(ctx, conn, crm.ListQuery{EntityName: "contact"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestDynamicsAdapter_RetryDelay(t *testing.T) {
	cfg := NewDynamicsConfig()
	cfg.RetryBaseDelay = 100 * time.Millisecond
	cfg.MaxRetryDelay = time.Second
	a, err := NewDynamicsAdapter(cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, 100*time.Millisecond, a.retryDelay(1, ""))
	assert.Equal(t, 200*time.Millisecond, a.retryDelay(2, ""))
	assert.Equal(t, 400*time.Millisecond, a.retryDelay(3, ""))
	assert.Equal(t, time.Second, a.retryDelay(8, ""))
	assert.Equal(t, time.Duration(0), a.retryDelay(1, "0"))
	assert.Equal(t, time.Second, a.retryDelay(1, "3"), "Retry-After is capped")
	assert.Equal(t, 100*time.Millisecond, a.retryDelay(1, "soon"))
}

func TestDecodeError(t *testing.T) {
	err := decodeError(&apiResponse{status: http.StatusNotFound, body: []byte(`{"error":{"code":"0x80040217","message":"contact With Id = x Does Not Exist"}}`)})
	assert.ErrorIs(t, err, crm.ErrRecordNotFound)
	assert.Equal(t, crm.KindNotFound, crm.ClassifyError(err))

	err = decodeError(&apiResponse{status: http.StatusBadRequest, body: []byte("plain text failure")})
	var provErr *crm.ProviderError
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, "plain text failure", provErr.Message)
	assert.Equal(t, crm.KindValidation, provErr.Kind())

	err = decodeError(&apiResponse{status: http.StatusBadGateway})
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, "Bad Gateway", provErr.Message)
}
