package crmprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/authscape/crmsync/internal/domain/crm"
)

// RequestObserver is notified after every Web API exchange. status is zero
// when no response was received.
type RequestObserver func(method string, status int, duration time.Duration)

// DynamicsAdapter implements crm.Provider for the Dynamics 365 Web API
type DynamicsAdapter struct {
	config     *DynamicsConfig
	httpClient *http.Client
	logger     *zap.Logger
	observer   RequestObserver
	now        func() time.Time

	// limiters holds one token bucket per connection
	limiters map[uuid.UUID]*rate.Limiter
	mu       sync.Mutex

	// tokens collapses concurrent token acquisitions per connection
	tokens   singleflight.Group
	metadata *metadataCache
}

var (
	_ crm.Provider      = (*DynamicsAdapter)(nil)
	_ crm.RecordCounter = (*DynamicsAdapter)(nil)
)

// DynamicsOption configures a DynamicsAdapter
type DynamicsOption func(*DynamicsAdapter)

// WithHTTPClient replaces the default HTTP client
func WithHTTPClient(client *http.Client) DynamicsOption {
	return func(a *DynamicsAdapter) { a.httpClient = client }
}

// WithRequestObserver registers a callback for request metrics
func WithRequestObserver(fn RequestObserver) DynamicsOption {
	return func(a *DynamicsAdapter) { a.observer = fn }
}

// WithClock overrides the clock used for token expiry
func WithClock(now func() time.Time) DynamicsOption {
	return func(a *DynamicsAdapter) { a.now = now }
}

// NewDynamicsAdapter creates a new Dynamics adapter with the given configuration
func NewDynamicsAdapter(config *DynamicsConfig, logger *zap.Logger, opts ...DynamicsOption) (*DynamicsAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &DynamicsAdapter{
		config: config,
		httpClient: &http.Client{
			Timeout: config.RequestTimeout,
		},
		logger:   logger.Named("dynamics"),
		now:      time.Now,
		limiters: make(map[uuid.UUID]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.metadata = newMetadataCache(config.MetadataTTL, a.now)
	return a, nil
}

// ValidateConnection calls the WhoAmI function with the connection's credentials.
func (a *DynamicsAdapter) ValidateConnection(ctx context.Context, conn *crm.Connection) bool {
	_, err := a.do(ctx, conn, apiRequest{method: http.MethodGet, url: a.config.apiRoot(conn.BaseURL) + "WhoAmI"})
	if err != nil {
		a.logger.Info("Connection validation failed",
			zap.String("connection_id", conn.ID.String()),
			zap.Error(err))
		return false
	}
	return true
}

// InvalidateMetadata drops cached metadata of a connection
func (a *DynamicsAdapter) InvalidateMetadata(connectionID uuid.UUID) {
	a.metadata.invalidate(connectionID)
}

// ---------------------------------------------------------------------------
// HTTP plumbing
// ---------------------------------------------------------------------------

type apiRequest struct {
	method  string
	url     string
	body    any
	headers map[string]string
}

type apiResponse struct {
	status int
	header http.Header
	body   []byte
}

func (a *DynamicsAdapter) limiter(connectionID uuid.UUID) *rate.Limiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.limiters[connectionID]
	if !ok {
		limit := rate.Limit(a.config.RateLimit)
		if a.config.RateLimit == 0 {
			limit = rate.Inf
		}
		l = rate.NewLimiter(limit, a.config.RateBurst)
		a.limiters[connectionID] = l
	}
	return l
}

// do sends an authenticated request. Throttled and 5xx responses are retried
// up to MaxRetries times; a 401 refreshes the token once and repeats the call.
func (a *DynamicsAdapter) do(ctx context.Context, conn *crm.Connection, req apiRequest) (*apiResponse, error) {
	var payload []byte
	if req.body != nil {
		var err error
		payload, err = json.Marshal(req.body)
		if err != nil {
			return nil, fmt.Errorf("dynamics: failed to marshal request: %w", err)
		}
	}

	retries := 0
	reauthenticated := false
	for {
		token, err := a.accessToken(ctx, conn)
		if err != nil {
			return nil, err
		}
		if err := a.limiter(conn.ID).Wait(ctx); err != nil {
			return nil, crm.NewProviderError(0, "", "rate limiter wait aborted", err)
		}

		resp, err := a.send(ctx, token, req, payload)
		if err != nil {
			if ctx.Err() == nil && retries < a.config.MaxRetries {
				retries++
				a.logger.Debug("Retrying request after transport error",
					zap.String("method", req.method),
					zap.Int("retry", retries),
					zap.Error(err))
				if werr := waitWithContext(ctx, a.retryDelay(retries, "")); werr != nil {
					return nil, crm.NewProviderError(0, "", "request cancelled", werr)
				}
				continue
			}
			return nil, crm.NewProviderError(0, "", "request failed", err)
		}

		switch {
		case resp.status == http.StatusUnauthorized && !reauthenticated:
			reauthenticated = true
			conn.InvalidateToken()
			continue
		case isRetryableStatus(resp.status) && retries < a.config.MaxRetries:
			retries++
			delay := a.retryDelay(retries, resp.header.Get("Retry-After"))
			a.logger.Debug("Retrying throttled request",
				zap.String("method", req.method),
				zap.Int("status", resp.status),
				zap.Int("retry", retries),
				zap.Duration("delay", delay))
			if werr := waitWithContext(ctx, delay); werr != nil {
				return nil, crm.NewProviderError(resp.status, "", "request cancelled", werr)
			}
			continue
		case resp.status >= 400:
			return nil, decodeError(resp)
		}
		return resp, nil
	}
}

func (a *DynamicsAdapter) send(ctx context.Context, token string, req apiRequest, payload []byte) (*apiResponse, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, req.url, body)
	if err != nil {
		return nil, fmt.Errorf("dynamics: failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("OData-MaxVersion", "4.0")
	httpReq.Header.Set("OData-Version", "4.0")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	}
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		a.observe(req.method, 0, time.Since(start))
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDynamicsResponseSize))
	a.observe(req.method, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("dynamics: failed to read response: %w", err)
	}
	return &apiResponse{status: resp.StatusCode, header: resp.Header, body: data}, nil
}

func (a *DynamicsAdapter) observe(method string, status int, d time.Duration) {
	if a.observer != nil {
		a.observer(method, status, d)
	}
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// retryDelay honours Retry-After (seconds or HTTP date) and otherwise backs
// off exponentially from RetryBaseDelay. Both are capped at MaxRetryDelay.
func (a *DynamicsAdapter) retryDelay(retry int, retryAfter string) time.Duration {
	if retryAfter = strings.TrimSpace(retryAfter); retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil && secs >= 0 {
			return a.capDelay(time.Duration(secs) * time.Second)
		}
		if at, err := http.ParseTime(retryAfter); err == nil {
			return a.capDelay(time.Until(at))
		}
	}
	delay := a.config.RetryBaseDelay
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= a.config.MaxRetryDelay {
			break
		}
	}
	return a.capDelay(delay)
}

func (a *DynamicsAdapter) capDelay(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > a.config.MaxRetryDelay {
		return a.config.MaxRetryDelay
	}
	return d
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// decodeError converts an error response into a *crm.ProviderError. A 404
// wraps crm.ErrRecordNotFound.
func decodeError(resp *apiResponse) error {
	var envelope odataError
	code, message := "", ""
	if err := json.Unmarshal(resp.body, &envelope); err == nil {
		code = envelope.Error.Code
		message = envelope.Error.Message
	}
	if message == "" {
		message = strings.TrimSpace(string(resp.body))
		if len(message) > 200 {
			message = message[:200]
		}
	}
	if message == "" {
		message = http.StatusText(resp.status)
	}
	var cause error
	if resp.status == http.StatusNotFound {
		cause = crm.ErrRecordNotFound
	}
	return crm.NewProviderError(resp.status, code, message, cause)
}
