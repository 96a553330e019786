package crmprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/authscape/crmsync/internal/domain/crm"
)

// defaultTokenLifetime is assumed when the token endpoint omits expires_in
const defaultTokenLifetime = time.Hour

// accessToken returns a token valid for at least TokenSkew, acquiring a new
// one when needed. Concurrent callers on one connection share a single
// acquisition.
func (a *DynamicsAdapter) accessToken(ctx context.Context, conn *crm.Connection) (string, error) {
	if conn.TokenValid(a.now(), a.config.TokenSkew) {
		token, _ := conn.Token()
		return token, nil
	}

	v, err, _ := a.tokens.Do(conn.ID.String(), func() (any, error) {
		if conn.TokenValid(a.now(), a.config.TokenSkew) {
			token, _ := conn.Token()
			return token, nil
		}
		return a.acquireToken(ctx, conn)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// acquireToken tries the refresh-token grant first, then client credentials.
// A connection with neither uses its stored access token as is.
func (a *DynamicsAdapter) acquireToken(ctx context.Context, conn *crm.Connection) (string, error) {
	creds := conn.Credentials()

	var grants []url.Values
	scope := creds.Scope
	if scope == "" {
		scope = strings.TrimRight(conn.BaseURL, "/") + "/.default"
	}
	if creds.HasRefreshToken() {
		form := url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {creds.RefreshToken},
			"client_id":     {creds.ClientID},
			"scope":         {scope + " offline_access"},
		}
		if creds.ClientSecret != "" {
			form.Set("client_secret", creds.ClientSecret)
		}
		grants = append(grants, form)
	}
	if creds.HasClientCredentials() {
		grants = append(grants, url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {creds.ClientID},
			"client_secret": {creds.ClientSecret},
			"scope":         {scope},
		})
	}

	if len(grants) == 0 {
		if creds.AccessToken != "" {
			return creds.AccessToken, nil
		}
		return "", crm.AuthError("dynamics token", crm.ErrCredentialsUnavailable)
	}

	endpoint := creds.TokenURL
	if endpoint == "" {
		if creds.TenantID == "" {
			return "", crm.AuthError("dynamics token", fmt.Errorf("%w: tenant id or token url required", crm.ErrCredentialsUnavailable))
		}
		endpoint = a.config.tokenURL(creds.TenantID)
	}

	var lastErr error
	for _, form := range grants {
		tok, err := a.requestToken(ctx, endpoint, form)
		if err == nil {
			lifetime := time.Duration(tok.ExpiresIn) * time.Second
			if lifetime <= 0 {
				lifetime = defaultTokenLifetime
			}
			conn.UpdateToken(tok.AccessToken, tok.RefreshToken, a.now().Add(lifetime))
			a.logger.Debug("Acquired access token",
				zap.String("connection_id", conn.ID.String()),
				zap.String("grant_type", form.Get("grant_type")),
				zap.Duration("lifetime", lifetime))
			return tok.AccessToken, nil
		}
		lastErr = err
		a.logger.Warn("Token grant failed",
			zap.String("connection_id", conn.ID.String()),
			zap.String("grant_type", form.Get("grant_type")),
			zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	return "", crm.AuthError("dynamics token", fmt.Errorf("%w: %w", crm.ErrTokenAcquisitionFailed, lastErr))
}

func (a *DynamicsAdapter) requestToken(ctx context.Context, endpoint string, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("dynamics: failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := a.httpClient.Do(req)
	if err != nil {
		a.observe(http.MethodPost, 0, time.Since(start))
		return nil, crm.NewProviderError(0, "", "token request failed", err)
	}
	defer resp.Body.Close()
	a.observe(http.MethodPost, resp.StatusCode, time.Since(start))

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("dynamics: failed to read token response: %w", err)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil && resp.StatusCode < 400 {
		return nil, crm.NewProviderError(resp.StatusCode, "", "malformed token response", err)
	}
	if resp.StatusCode >= 400 {
		return nil, crm.NewProviderError(resp.StatusCode, tok.Error, tok.ErrorDescription, nil)
	}
	if tok.AccessToken == "" {
		return nil, crm.NewProviderError(resp.StatusCode, "", "token response without access_token", errors.New("empty token"))
	}
	return &tok, nil
}
