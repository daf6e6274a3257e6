// Package ceilings talks to the external transaction-limit service. The
// check fails closed: when the service cannot answer, the mutation is
// refused rather than waved through.
package ceilings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/thecabs/wallet-service/pkg/httpx"
)

var (
	ErrExceeded    = errors.New("transaction ceiling exceeded")
	ErrUnavailable = errors.New("ceiling service unavailable")
)

// TokenProvider supplies the service bearer token for outbound calls.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

type Client struct {
	BaseURL    string
	HTTP       *http.Client
	Tokens     TokenProvider
	Retries    int
	RetryDelay time.Duration
}

func NewClient(baseURL string, tokens TokenProvider, client *http.Client) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTP:       client,
		Tokens:     tokens,
		Retries:    2,
		RetryDelay: 200 * time.Millisecond,
	}
}

type checkRequest struct {
	ExternalID string          `json:"external_id"`
	Amount     decimal.Decimal `json:"amount"`
	Period     string          `json:"period"`
}

// Check asks whether the subject may move the amount within the period.
func (c *Client) Check(ctx context.Context, subjectID string, amount decimal.Decimal, period string) error {
	token, err := c.Tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	body, err := json.Marshal(checkRequest{ExternalID: subjectID, Amount: amount, Period: period})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	status, respBody, err := httpx.RequestJSON(ctx, c.HTTP, http.MethodPost,
		c.BaseURL+"/api/ceilings/check-limit", body,
		map[string]string{"Authorization": "Bearer " + token, "Accept": "application/json"},
		c.Retries, c.RetryDelay)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrUnavailable, status)
	}
	var resp struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !resp.Allowed {
		return ErrExceeded
	}
	return nil
}
