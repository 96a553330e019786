package crm

import (
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ProviderType is the connection-type discriminator used by the ProviderFactory.
type ProviderType string

const (
	ProviderDynamics365 ProviderType = "dynamics365"
)

// IsValid reports whether the provider type is known
func (p ProviderType) IsValid() bool {
	return p == ProviderDynamics365
}

// Credentials is the credential material of a connection. It is opaque to the
// sync engine; only providers read it.
type Credentials struct {
	TenantID       string     `json:"tenant_id,omitempty"`
	ClientID       string     `json:"client_id,omitempty"`
	ClientSecret   string     `json:"client_secret,omitempty"`
	AccessToken    string     `json:"access_token,omitempty"`
	RefreshToken   string     `json:"refresh_token,omitempty"`
	TokenExpiresAt *time.Time `json:"token_expires_at,omitempty"`
	Scope          string     `json:"scope,omitempty"`
	TokenURL       string     `json:"token_url,omitempty"`
}

// HasClientCredentials reports whether a client-credentials grant is possible
func (c Credentials) HasClientCredentials() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// HasRefreshToken reports whether a refresh-token grant is possible
func (c Credentials) HasRefreshToken() bool {
	return c.RefreshToken != ""
}

// ---------------------------------------------------------------------------
// Connection Entity
// ---------------------------------------------------------------------------

// Connection is one configured link to a remote CRM tenant.
//
// Credential state is shared by pointer for the whole pass: token refreshes
// performed by a provider through UpdateToken are visible to every later call.
// Connections must not be copied.
type Connection struct {
	ID            uuid.UUID
	Name          string
	ProviderType  ProviderType
	Enabled       bool
	BaseURL       string
	WebhookSecret string
	LastSyncAt    *time.Time
	LastSyncError string
	CreatedAt     time.Time
	UpdatedAt     time.Time

	mu          sync.RWMutex
	credentials Credentials
	dirty       bool
}

// NewConnection creates an enabled connection
func NewConnection(name string, providerType ProviderType, baseURL string, creds Credentials) (*Connection, error) {
	c := &Connection{
		ID:           uuid.New(),
		Name:         strings.TrimSpace(name),
		ProviderType: providerType,
		Enabled:      true,
		BaseURL:      strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		credentials:  creds,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	return c, nil
}

// Validate validates the connection
func (c *Connection) Validate() error {
	if c.Name == "" {
		return ErrConnectionInvalidName
	}
	if !c.ProviderType.IsValid() {
		return ErrConnectionInvalidType
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return ErrConnectionInvalidURL
	}
	return nil
}

// Credentials returns a copy of the credential material.
func (c *Connection) Credentials() Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.credentials
}

// SetCredentials replaces the credential material.
func (c *Connection) SetCredentials(creds Credentials) {
	c.mu.Lock()
	c.credentials = creds
	c.dirty = true
	c.mu.Unlock()
}

// Token returns the cached access token and its expiry.
func (c *Connection) Token() (string, *time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.credentials.AccessToken, c.credentials.TokenExpiresAt
}

// TokenValid reports whether the cached token is usable for at least skew.
func (c *Connection) TokenValid(now time.Time, skew time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.credentials.AccessToken == "" || c.credentials.TokenExpiresAt == nil {
		return false
	}
	return now.Add(skew).Before(*c.credentials.TokenExpiresAt)
}

// UpdateToken stores a refreshed token. An empty refresh token keeps the old one.
func (c *Connection) UpdateToken(accessToken, refreshToken string, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credentials.AccessToken = accessToken
	if refreshToken != "" {
		c.credentials.RefreshToken = refreshToken
	}
	exp := expiresAt.UTC()
	c.credentials.TokenExpiresAt = &exp
	c.dirty = true
}

// InvalidateToken drops the cached access token.
func (c *Connection) InvalidateToken() {
	c.mu.Lock()
	c.credentials.AccessToken = ""
	c.credentials.TokenExpiresAt = nil
	c.mu.Unlock()
}

// CredentialsChanged reports whether credentials changed since load or the last MarkPersisted.
func (c *Connection) CredentialsChanged() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dirty
}

// MarkPersisted clears the changed flag after a save
func (c *Connection) MarkPersisted() {
	c.mu.Lock()
	c.dirty = false
	c.mu.Unlock()
}

// RestoreCredentials sets credentials loaded from storage without marking them changed.
func (c *Connection) RestoreCredentials(creds Credentials) {
	c.mu.Lock()
	c.credentials = creds
	c.dirty = false
	c.mu.Unlock()
}

// RecordSyncCompleted stamps the outcome of a full or incremental pass.
func (c *Connection) RecordSyncCompleted(at time.Time, errMsg string) {
	t := at.UTC()
	c.LastSyncAt = &t
	c.LastSyncError = errMsg
	c.UpdatedAt = time.Now()
}

// Enable enables the connection
func (c *Connection) Enable() {
	c.Enabled = true
	c.UpdatedAt = time.Now()
}

// Disable disables the connection
func (c *Connection) Disable() {
	c.Enabled = false
	c.UpdatedAt = time.Now()
}
