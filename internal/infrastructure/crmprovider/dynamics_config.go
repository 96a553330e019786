package crmprovider

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/authscape/crmsync/internal/infrastructure/config"
)

// DynamicsConfig holds settings shared by every Dynamics connection
type DynamicsConfig struct {
	// APIVersion is the Web API version segment, e.g. "v9.2"
	APIVersion string
	// TokenURLTemplate builds the token endpoint; %s is the tenant id
	TokenURLTemplate string
	// RequestTimeout bounds a single HTTP exchange
	RequestTimeout time.Duration
	// MaxRetries is the number of retries for throttled and 5xx responses
	MaxRetries int
	// RetryBaseDelay is the first backoff step; later steps double it
	RetryBaseDelay time.Duration
	// MaxRetryDelay caps both backoff and Retry-After waits
	MaxRetryDelay time.Duration
	// RateLimit is the sustained requests per second per connection
	RateLimit float64
	RateBurst int
	// PageSize is sent as odata.maxpagesize on list requests
	PageSize int
	// MetadataTTL is how long entity and lookup metadata is cached
	MetadataTTL time.Duration
	// TokenSkew refreshes tokens this long before they expire
	TokenSkew time.Duration
}

const (
	// maxDynamicsResponseSize limits the response body size to prevent memory exhaustion
	maxDynamicsResponseSize = 16 * 1024 * 1024
	// defaultTokenURLTemplate is the Microsoft identity platform v2 endpoint
	defaultTokenURLTemplate = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
)

// Errors for Dynamics configuration
var (
	ErrDynamicsConfigAPIVersion = errors.New("dynamics: api version is required")
	ErrDynamicsConfigTokenURL   = errors.New("dynamics: token url template must contain one %s")
	ErrDynamicsConfigPageSize   = errors.New("dynamics: page size must be between 1 and 5000")
	ErrDynamicsConfigRateLimit  = errors.New("dynamics: rate limit cannot be negative")
)

// NewDynamicsConfig creates a configuration with defaults
func NewDynamicsConfig() *DynamicsConfig {
	return &DynamicsConfig{
		APIVersion:       "v9.2",
		TokenURLTemplate: defaultTokenURLTemplate,
		RequestTimeout:   30 * time.Second,
		MaxRetries:       3,
		RetryBaseDelay:   500 * time.Millisecond,
		MaxRetryDelay:    30 * time.Second,
		RateLimit:        10,
		RateBurst:        20,
		PageSize:         500,
		MetadataTTL:      time.Hour,
		TokenSkew:        60 * time.Second,
	}
}

// DynamicsConfigFrom adapts the application configuration, keeping defaults
// for unset values.
func DynamicsConfigFrom(cfg config.DynamicsConfig) *DynamicsConfig {
	c := NewDynamicsConfig()
	if cfg.APIVersion != "" {
		c.APIVersion = cfg.APIVersion
	}
	if cfg.TokenURLTemplate != "" {
		c.TokenURLTemplate = cfg.TokenURLTemplate
	}
	if cfg.RequestTimeout > 0 {
		c.RequestTimeout = cfg.RequestTimeout
	}
	if cfg.MaxRetries > 0 {
		c.MaxRetries = cfg.MaxRetries
	}
	if cfg.RetryBaseDelay > 0 {
		c.RetryBaseDelay = cfg.RetryBaseDelay
	}
	if cfg.RateLimit > 0 {
		c.RateLimit = cfg.RateLimit
	}
	if cfg.RateBurst > 0 {
		c.RateBurst = cfg.RateBurst
	}
	if cfg.PageSize > 0 {
		c.PageSize = cfg.PageSize
	}
	if cfg.MetadataTTL > 0 {
		c.MetadataTTL = cfg.MetadataTTL
	}
	return c
}

// Validate validates the configuration and fills zero durations
func (c *DynamicsConfig) Validate() error {
	if strings.TrimSpace(c.APIVersion) == "" {
		return ErrDynamicsConfigAPIVersion
	}
	if strings.Count(c.TokenURLTemplate, "%s") != 1 {
		return ErrDynamicsConfigTokenURL
	}
	if c.PageSize < 1 || c.PageSize > 5000 {
		return ErrDynamicsConfigPageSize
	}
	if c.RateLimit < 0 {
		return ErrDynamicsConfigRateLimit
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 30 * time.Second
	}
	if c.RateBurst < 1 {
		c.RateBurst = 1
	}
	if c.TokenSkew <= 0 {
		c.TokenSkew = 60 * time.Second
	}
	return nil
}

// apiRoot returns the Web API root of an organization URL
func (c *DynamicsConfig) apiRoot(baseURL string) string {
	return fmt.Sprintf("%s/api/data/%s/", strings.TrimRight(baseURL, "/"), c.APIVersion)
}

// tokenURL returns the token endpoint for a tenant
func (c *DynamicsConfig) tokenURL(tenantID string) string {
	return fmt.Sprintf(c.TokenURLTemplate, tenantID)
}
