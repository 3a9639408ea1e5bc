package streda

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	requestTimeout   = 10 * time.Second
	discoveryTimeout = 20 * time.Second
)

// ErrAccessDenied is returned by VerifyAccess when the account has no
// access to the configured location (403) or the location does not exist
// (404). It is a negative result, not a transport failure.
var ErrAccessDenied = errors.New("no access to location")

// PersistTokenFunc stores a rotated refresh token. Refresh tokens are
// single-use; losing the rotated value breaks all future authentication.
type PersistTokenFunc func(ctx context.Context, refreshToken string) error

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.httpc = h }
}

// WithPersistToken sets the callback invoked with every rotated refresh token.
func WithPersistToken(fn PersistTokenFunc) ClientOption {
	return func(c *Client) { c.persist = fn }
}

// WithEndpoints overrides the cloud endpoints. Used by tests.
func WithEndpoints(tokenURL, authURL, dataURL, negotiateURL string) ClientOption {
	return func(c *Client) {
		c.tokenURL = tokenURL
		c.authURL = authURL
		c.dataURL = dataURL
		c.negotiateURL = negotiateURL
	}
}

// Client talks to the Streda cloud: the B2C token endpoint, the auth API,
// and the data API. It owns the three-stage token chain (refresh token ->
// identity token -> API token) and never sends a request with a stale
// API token without chaining a refresh first.
type Client struct {
	httpc   *http.Client
	logger  *slog.Logger
	persist PersistTokenFunc

	locationID string

	tokenURL     string
	authURL      string
	dataURL      string
	negotiateURL string

	// authMu serializes the re-authentication chain: the periodic validity
	// check and on-demand triggers must not run two chains at once.
	authMu sync.Mutex

	// mu guards the token fields.
	mu           sync.Mutex
	refreshToken string
	idToken      string
	apiToken     string
	expiry       time.Time
}

// NewClient creates a cloud client for one location.
func NewClient(refreshToken, locationID string, logger *slog.Logger, opts ...ClientOption) *Client {
	c := &Client{
		httpc:        &http.Client{},
		logger:       logger.With("component", "streda"),
		locationID:   locationID,
		refreshToken: refreshToken,
		tokenURL:     TokenURL,
		authURL:      AuthAPIURL,
		dataURL:      DataAPIURL,
		negotiateURL: NegotiateURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// LocationID returns the configured location id.
func (c *Client) LocationID() string { return c.locationID }

// DeviceStates fetches the full device state tree for the location.
// When no API token exists yet it seeds one via VerifyAccess first.
func (c *Client) DeviceStates(ctx context.Context) ([]SnapIn, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/DeviceState/%s/deviceStates", c.dataURL, c.locationID)
	var snapIns []SnapIn
	if err := c.getJSON(ctx, url, &snapIns); err != nil {
		return nil, fmt.Errorf("fetch device states: %w", err)
	}
	return snapIns, nil
}

// DiscoverSystem fetches the room list and then the docks of every room
// concurrently. Any single failure fails the whole discovery; no partial
// topology is ever returned. Runs once per activation.
func (c *Client) DiscoverSystem(ctx context.Context) (Topology, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, discoveryTimeout)
	defer cancel()

	var roomInfos []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	roomsURL := fmt.Sprintf("%s/Room/%s/getRooms", c.dataURL, c.locationID)
	if err := c.getJSON(ctx, roomsURL, &roomInfos); err != nil {
		return nil, fmt.Errorf("fetch rooms: %w", err)
	}

	topo := make(Topology, len(roomInfos))
	g, gctx := errgroup.WithContext(ctx)
	for i, room := range roomInfos {
		g.Go(func() error {
			docksURL := fmt.Sprintf("%s/Dock/%s/%s/getDocks", c.dataURL, c.locationID, room.ID)
			var docks []Dock
			if err := c.getJSON(gctx, docksURL, &docks); err != nil {
				return fmt.Errorf("fetch docks for room %s: %w", room.ID, err)
			}
			topo[i] = Room{ID: room.ID, Name: room.Name, Docks: docks}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return topo, nil
}

// ToggleDevice sends the toggle command for one device. The vendor API
// exposes only a toggle action, not explicit set-on/set-off.
func (c *Client) ToggleDevice(ctx context.Context, dockNumber, deviceNumber int) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	payload := map[string]any{
		"action":           "ActionSwitch",
		"actionParameters": map[string]any{"switchAction": "TOGGLE"},
		"targetDevice": map[string]any{
			"deviceNumber": deviceNumber,
			"dockNumber":   fmt.Sprintf("%d", dockNumber),
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/DeviceState/%s/deviceState", c.dataURL, c.locationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.setAPIHeaders(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("toggle device: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("toggle device: status %d", resp.StatusCode)
	}
	return nil
}

// ensureToken seeds the token chain via VerifyAccess when no API token
// exists yet. A present-but-stale token is handled by the periodic
// revalidation check, not here.
func (c *Client) ensureToken(ctx context.Context) error {
	c.mu.Lock()
	have := c.apiToken != ""
	c.mu.Unlock()
	if have {
		return nil
	}
	return c.VerifyAccess(ctx)
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	c.setAPIHeaders(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) setAPIHeaders(req *http.Request) {
	c.mu.Lock()
	token := c.apiToken
	c.mu.Unlock()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
}
