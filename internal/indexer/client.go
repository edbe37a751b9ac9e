// Package indexer is a client for the KRC-20 token index service.
package indexer

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

	"github.com/shopspring/decimal"
)

// DefaultTimeout bounds one request.
const DefaultTimeout = 10 * time.Second

// Client errors.
var (
	ErrNotFound    = errors.New("not found in index")
	ErrUnavailable = errors.New("index service unavailable")
)

// TokenState is the lifecycle state of a ticker.
type TokenState string

// Token states.
const (
	StateUnused   TokenState = "unused"
	StateDeployed TokenState = "deployed"
	StateFinished TokenState = "finished"
	StateIgnored  TokenState = "ignored"
	StateReserved TokenState = "reserved"
)

// TokenInfo describes a ticker. Supply values are in the token's smallest
// unit and may exceed 64 bits.
type TokenInfo struct {
	Tick   string          `json:"tick"`
	State  TokenState      `json:"state"`
	Max    decimal.Decimal `json:"max"`
	Lim    decimal.Decimal `json:"lim"`
	Pre    decimal.Decimal `json:"pre"`
	Dec    decimal.Decimal `json:"dec"`
	Minted decimal.Decimal `json:"minted"`
}

// Mintable reports whether the token accepts mints.
func (t TokenInfo) Mintable() bool {
	return t.State == StateDeployed
}

// TokenBalance is an address's holding of a ticker.
type TokenBalance struct {
	Tick    string          `json:"tick"`
	Balance decimal.Decimal `json:"balance"`
	Locked  decimal.Decimal `json:"locked"`
	Dec     decimal.Decimal `json:"dec"`
}

// Client queries the index service over HTTP.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the service at baseURL.
func New(baseURL string) *Client {
	return NewWithTimeout(baseURL, DefaultTimeout)
}

// NewWithTimeout creates a client with a custom HTTP timeout.
func NewWithTimeout(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: timeout},
	}
}

// response is the envelope every endpoint answers with.
type response[T any] struct {
	Message string `json:"message"`
	Result  []T    `json:"result"`
}

// Token returns the info of tick. A ticker the service has never seen is
// ErrNotFound; an unused ticker is returned with StateUnused.
func (c *Client) Token(ctx context.Context, tick string) (TokenInfo, error) {
	var resp response[TokenInfo]
	if err := c.get(ctx, "/krc20/token/"+url.PathEscape(strings.ToLower(tick)), &resp); err != nil {
		return TokenInfo{}, err
	}
	if len(resp.Result) == 0 {
		return TokenInfo{}, fmt.Errorf("token %s: %w", tick, ErrNotFound)
	}
	return resp.Result[0], nil
}

// Balance returns the holding of tick at addr.
func (c *Client) Balance(ctx context.Context, addr, tick string) (TokenBalance, error) {
	var resp response[TokenBalance]
	path := "/krc20/address/" + url.PathEscape(addr) + "/token/" + url.PathEscape(strings.ToLower(tick))
	if err := c.get(ctx, path, &resp); err != nil {
		return TokenBalance{}, err
	}
	if len(resp.Result) == 0 {
		return TokenBalance{}, fmt.Errorf("balance of %s at %s: %w", tick, addr, ErrNotFound)
	}
	return resp.Result[0], nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: %s returned %d", ErrUnavailable, path, resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUnavailable, path, err)
	}
	return nil
}
