package streda

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// validityMargin is subtracted from the API token expiry when checking
// validity. It buffers clock skew and in-flight request latency.
const validityMargin = time.Hour

// Valid reports whether the current API token exists and expires more than
// one hour from now.
func (c *Client) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.apiToken == "" || c.expiry.IsZero() {
		return false
	}
	return time.Now().Before(c.expiry.Add(-validityMargin))
}

// ReauthenticateIfNeeded runs the two-stage token chain when the API token
// is missing or about to expire. It returns whether a rotation happened.
// Only one chain runs at a time; a concurrent caller blocks and then finds
// the credentials already valid.
func (c *Client) ReauthenticateIfNeeded(ctx context.Context) (bool, error) {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	if c.Valid() {
		return false, nil
	}

	c.logger.Debug("token expired or missing, re-authenticating")
	if err := c.AuthenticateIdentity(ctx); err != nil {
		return false, err
	}
	if err := c.AuthenticateAPI(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// AuthenticateIdentity exchanges the refresh token for a new identity token.
// The refresh token rotates on every use; the rotated value is handed to the
// persistence callback before the API token exchange is attempted.
func (c *Client) AuthenticateIdentity(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	c.mu.Lock()
	form := url.Values{
		"client_id":     {ClientID},
		"refresh_token": {c.refreshToken},
		"grant_type":    {"refresh_token"},
		"scope":         {"openid offline_access " + ClientID},
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("identity auth: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("identity auth: status %d", resp.StatusCode)
	}

	var body struct {
		IDToken      string `json:"id_token"`
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("identity auth: decode response: %w", err)
	}
	if body.IDToken == "" {
		return fmt.Errorf("identity auth: no id token in response")
	}

	c.mu.Lock()
	c.idToken = body.IDToken
	if body.RefreshToken != "" {
		c.refreshToken = body.RefreshToken
	}
	c.mu.Unlock()

	if body.RefreshToken != "" && c.persist != nil {
		if err := c.persist(ctx, body.RefreshToken); err != nil {
			// The in-memory token is already rotated; keep going, but a
			// restart before the next rotation will fail to authenticate.
			c.logger.Error("persist rotated refresh token", "err", err)
		}
	}

	c.logger.Debug("identity token refreshed")
	return nil
}

// AuthenticateAPI exchanges the identity token for a data API token and
// records its absolute expiry.
func (c *Client) AuthenticateAPI(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	c.mu.Lock()
	idToken := c.idToken
	c.mu.Unlock()

	// The login endpoint takes the identity token as a bare JSON string.
	body, err := json.Marshal(idToken)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL+"/UserAuth/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("api auth: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("api auth: status %d", resp.StatusCode)
	}

	var result struct {
		Token            string `json:"token"`
		ExpiresInSeconds int    `json:"expiresInSeconds"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("api auth: decode response: %w", err)
	}
	if result.Token == "" {
		return fmt.Errorf("api auth: no api token in response")
	}

	expiry := time.Now().UTC().Add(time.Duration(result.ExpiresInSeconds) * time.Second)
	c.mu.Lock()
	c.apiToken = result.Token
	c.expiry = expiry
	c.mu.Unlock()

	c.logger.Debug("api token refreshed", "expiry", expiry)
	return nil
}

// RealtimeAccessToken negotiates an access token for the realtime hub
// using the current API token.
func (c *Client) RealtimeAccessToken(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.negotiateURL, nil)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	req.Header.Set("Authorization", "Bearer "+c.apiToken)
	c.mu.Unlock()

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("realtime negotiate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("realtime negotiate: status %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"accessToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("realtime negotiate: decode response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("realtime negotiate: no access token in response")
	}
	return body.AccessToken, nil
}

// VerifyAccess runs the full chain (identity auth, API auth) and then checks
// that the account can read the configured location. A 403 or 404 yields
// ErrAccessDenied. Used at setup validation and to seed the first token pair.
func (c *Client) VerifyAccess(ctx context.Context) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	if err := c.AuthenticateIdentity(ctx); err != nil {
		return err
	}
	if err := c.AuthenticateAPI(ctx); err != nil {
		return err
	}

	rctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(rctx, http.MethodGet, c.dataURL+"/Location/"+c.locationID, nil)
	if err != nil {
		return err
	}
	c.setAPIHeaders(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("verify access: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("location %s: %w", c.locationID, ErrAccessDenied)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("verify access: status %d", resp.StatusCode)
	}

	c.logger.Debug("location access verified", "location", c.locationID)
	return nil
}
