package proxmox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cpp-cyber/classlab/internal/apierr"
	"github.com/cpp-cyber/classlab/internal/store"
	"github.com/rs/zerolog/log"
)

const (
	ticketLifetime = 2 * time.Hour
	maxRetries     = 3
	backoffFactor  = 300 * time.Millisecond
)

// Client is an authenticated API client for one Proxmox cluster. Credentials
// are exchanged for a ticket cookie plus CSRF header; the ticket is renewed
// before it expires. Safe for concurrent use: the registry hands the same
// client to the sync loop, the daemons, and request handlers. Fan-out scan
// paths may still create short-lived clients of their own to spread
// connections.
type Client struct {
	ClusterID  string
	Host       string
	Port       int
	BaseURL    string
	HTTPClient *http.Client

	user     string
	password string

	authMu        sync.Mutex
	ticket        string
	csrfToken     string
	ticketExpires time.Time
}

// NewClient builds a client from cluster configuration and performs the
// initial ticket exchange.
func NewClient(cfg *store.Cluster) (*Client, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !cfg.VerifyTLS,
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
	}

	httpClient := &http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
	}

	port := cfg.Port
	if port == 0 {
		port = 8006
	}

	c := &Client{
		ClusterID:  cfg.ClusterID,
		Host:       cfg.Host,
		Port:       port,
		BaseURL:    fmt.Sprintf("https://%s:%d/api2/json", cfg.Host, port),
		HTTPClient: httpClient,
		user:       cfg.User,
		password:   cfg.Password,
	}

	if err := c.ensureTicket(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

// Ticket returns the current auth cookie value for callers that open their
// own connections to the cluster (the VNC tunnel).
func (c *Client) Ticket() string {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.ticket
}

// ensureTicket renews the ticket a few minutes before expiry. Concurrent
// callers serialize on the mutex so exactly one renewal hits the cluster and
// nobody reads a half-written ticket/CSRF pair.
func (c *Client) ensureTicket(ctx context.Context) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	if time.Now().Before(c.ticketExpires.Add(-5 * time.Minute)) {
		return nil
	}
	return c.authenticateLocked(ctx)
}

// credentials returns a consistent ticket/CSRF pair for request headers.
func (c *Client) credentials() (ticket, csrf string) {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	return c.ticket, c.csrfToken
}

// authenticateLocked performs the ticket exchange. Callers hold authMu.
func (c *Client) authenticateLocked(ctx context.Context) error {
	data := url.Values{
		"username": {c.user},
		"password": {c.password},
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+"/access/ticket", strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create ticket request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", apierr.ErrClusterUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("authentication failed for %s (status %d): %s", c.Host, resp.StatusCode, string(body))
	}

	var result struct {
		Data struct {
			Ticket              string `json:"ticket"`
			CSRFPreventionToken string `json:"CSRFPreventionToken"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode ticket response: %w", err)
	}

	c.ticket = result.Data.Ticket
	c.csrfToken = result.Data.CSRFPreventionToken
	c.ticketExpires = time.Now().Add(ticketLifetime)
	return nil
}

// Request performs an API call and returns the raw data field of the
// response envelope. GET requests are retried with backoff; mutations are
// issued exactly once.
func (c *Client) Request(ctx context.Context, method, endpoint string, data url.Values) (json.RawMessage, error) {
	if err := c.ensureTicket(ctx); err != nil {
		return nil, fmt.Errorf("re-authentication failed: %w", err)
	}

	attempts := 1
	if method == "GET" {
		attempts = maxRetries
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(backoffFactor * time.Duration(1<<(attempt-1)))
		}

		raw, err := c.do(ctx, method, endpoint, data)
		if err == nil {
			return raw, nil
		}
		lastErr = err

		// Only transport-level failures are worth retrying.
		if !isRetryable(err) {
			return nil, err
		}
		log.Debug().Str("cluster", c.ClusterID).Str("endpoint", endpoint).Err(err).
			Int("attempt", attempt+1).Msg("retrying cluster API request")
	}
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, method, endpoint string, data url.Values) (json.RawMessage, error) {
	var body io.Reader
	if data != nil {
		body = strings.NewReader(data.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request to %s: %w", method, endpoint, err)
	}

	if data != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	ticket, csrf := c.credentials()
	req.Header.Set("Cookie", "PVEAuthCookie="+ticket)
	if method != "GET" {
		req.Header.Set("CSRFPreventionToken", csrf)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", apierr.ErrClusterUnreachable, method, endpoint, err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body from %s %s: %w", method, endpoint, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("proxmox API returned status %d for %s %s, response: %s",
			resp.StatusCode, method, endpoint, string(bodyBytes))
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return nil, fmt.Errorf("failed to decode response from %s %s: %w", method, endpoint, err)
	}
	return envelope.Data, nil
}

// GetJSON performs a GET request and unmarshals the data field into target.
func (c *Client) GetJSON(ctx context.Context, endpoint string, target any) error {
	raw, err := c.Request(ctx, "GET", endpoint, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to unmarshal response data from GET %s: %w", endpoint, err)
	}
	return nil
}

// Post performs a POST request with form-encoded data.
func (c *Client) Post(ctx context.Context, endpoint string, data url.Values) (json.RawMessage, error) {
	return c.Request(ctx, "POST", endpoint, data)
}

// Delete performs a DELETE request.
func (c *Client) Delete(ctx context.Context, endpoint string) error {
	_, err := c.Request(ctx, "DELETE", endpoint, nil)
	return err
}

// Version probes the cluster API; used by health checks.
func (c *Client) Version(ctx context.Context) (string, error) {
	var v struct {
		Version string `json:"version"`
	}
	if err := c.GetJSON(ctx, "/version", &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

func unmarshalRaw(raw json.RawMessage, target any) error {
	return json.Unmarshal(raw, target)
}

func isRetryable(err error) bool {
	if errors.Is(err, apierr.ErrClusterUnreachable) {
		return true
	}
	// Retrying a 4xx is pointless; 5xx failures are usually transient.
	return strings.Contains(err.Error(), "status 5")
}
