package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/thecabs/wallet-service/pkg/httpx"
	"github.com/thecabs/wallet-service/pkg/store"
)

// TokenSource fetches machine tokens with the client-credentials grant and
// caches them slightly short of their lifetime so a token is never presented
// right at its expiry edge.
type TokenSource struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Cache        store.Cache
	Client       *http.Client
	Retries      int
	RetryDelay   time.Duration
}

const tokenCacheKey = "svc:token"

// Token returns a bearer token for service-to-service calls.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	if t.Cache != nil {
		if cached, err := t.Cache.Get(ctx, tokenCacheKey); err == nil && cached != "" {
			return cached, nil
		}
	}
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {t.ClientID},
		"client_secret": {t.ClientSecret},
	}
	status, body, err := httpx.RequestForm(ctx, t.Client, t.TokenURL, []byte(form.Encode()), t.Retries, t.RetryDelay)
	if err != nil {
		return "", fmt.Errorf("token endpoint: %w", err)
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("token endpoint: status %d", status)
	}
	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("token endpoint: %w", err)
	}
	if payload.AccessToken == "" {
		return "", errors.New("token endpoint: empty access_token")
	}
	if t.Cache != nil {
		ttl := payload.ExpiresIn - 30
		if ttl < 60 {
			ttl = 60
		}
		_ = t.Cache.Set(ctx, tokenCacheKey, payload.AccessToken, time.Duration(ttl)*time.Second)
	}
	return payload.AccessToken, nil
}
