// Package providers holds the HTTP client adapters for the engine's external
// collaborators: the balance/stake service, the per-type execution services
// and the signature collector. The engine only ever sees the interfaces in
// src/power and src/scheduler.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Client is a thin JSON-over-HTTP client shared by the adapters.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{baseURL: baseURL, http: &http.Client{Timeout: timeout}}
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: unexpected status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Balance implements power.BalanceProvider against the stake service.
type Balance struct {
	client *Client
}

func NewBalance(client *Client) *Balance { return &Balance{client: client} }

func (b *Balance) GetVotingPower(ctx context.Context, accountID string, asOf time.Time) (decimal.Decimal, error) {
	var resp struct {
		Power decimal.Decimal `json:"power"`
	}
	q := url.Values{"account": {accountID}, "asOf": {asOf.Format(time.RFC3339)}}
	if err := b.client.getJSON(ctx, "/power", q, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Power, nil
}

func (b *Balance) GetTotalPower(ctx context.Context, asOf time.Time) (decimal.Decimal, error) {
	var resp struct {
		Power decimal.Decimal `json:"power"`
	}
	q := url.Values{"asOf": {asOf.Format(time.RFC3339)}}
	if err := b.client.getJSON(ctx, "/power/total", q, &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Power, nil
}

// Executor implements scheduler.ExecutionProvider. The remote service keys
// idempotency on the proposal ID it receives.
type Executor struct {
	client *Client
}

func NewExecutor(client *Client) *Executor { return &Executor{client: client} }

func (e *Executor) Execute(ctx context.Context, proposalID uint64, params string) (string, error) {
	var resp struct {
		ExternalRef string `json:"externalRef"`
	}
	body := map[string]interface{}{"proposalId": proposalID, "params": params}
	if err := e.client.postJSON(ctx, "/execute", body, &resp); err != nil {
		return "", err
	}
	return resp.ExternalRef, nil
}

// Signatures implements scheduler.SignatureCollector.
type Signatures struct {
	client *Client
}

func NewSignatures(client *Client) *Signatures { return &Signatures{client: client} }

func (s *Signatures) GetCollectedSignatureCount(ctx context.Context, proposalID uint64) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	q := url.Values{"proposalId": {strconv.FormatUint(proposalID, 10)}}
	if err := s.client.getJSON(ctx, "/signatures", q, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}
