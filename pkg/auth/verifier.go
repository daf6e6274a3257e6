package auth

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrInvalidCredential covers every verification failure: bad signature,
// expired token, unknown kid, or no key source configured at all.
var ErrInvalidCredential = errors.New("invalid credential")

// Subject is the resolved caller, built exactly once per request by the
// Verifier and passed down the pipeline. Roles are the lowercased,
// de-duplicated union of realm roles and all per-client roles.
type Subject struct {
	ID        string
	Roles     []string
	Agency    string
	Assurance string
	ClientID  string
	Username  string
}

// HasAnyRole reports whether the subject holds at least one of the given roles.
func (s Subject) HasAnyRole(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	set := map[string]struct{}{}
	for _, r := range s.Roles {
		set[strings.ToLower(strings.TrimSpace(r))] = struct{}{}
	}
	for _, rr := range required {
		if _, ok := set[strings.ToLower(strings.TrimSpace(rr))]; ok {
			return true
		}
	}
	return false
}

// VerifierConfig configures the two key strategies. A static key takes
// precedence; the key-set endpoint is the fallback looked up by kid.
type VerifierConfig struct {
	PublicKeyPEM string
	JWKSURL      string
	JWKSCacheTTL time.Duration
	Timeout      time.Duration
}

type Verifier struct {
	staticKey *rsa.PublicKey
	jwks      *jwksCache
	now       func() time.Time
}

// NewVerifier builds a Verifier from config. An unparsable static key is an
// error; an empty config yields a verifier that rejects everything.
func NewVerifier(cfg VerifierConfig, client *http.Client) (*Verifier, error) {
	v := &Verifier{now: func() time.Time { return time.Now().UTC() }}
	if raw := strings.TrimSpace(cfg.PublicKeyPEM); raw != "" {
		key, err := parseRSAPublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse static public key: %w", err)
		}
		v.staticKey = key
	}
	if url := strings.TrimSpace(cfg.JWKSURL); url != "" {
		ttl := cfg.JWKSCacheTTL
		if ttl <= 0 {
			ttl = time.Hour
		}
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		if client == nil {
			client = &http.Client{Timeout: timeout}
		}
		v.jwks = &jwksCache{url: url, ttl: ttl, client: client, keys: map[string]*rsa.PublicKey{}}
	}
	return v, nil
}

// Verify checks the bearer token against the static key first, then the
// fetched key set, and extracts the resolved Subject. A verification failure
// against a cached key set forces one refetch before giving up.
func (v *Verifier) Verify(ctx context.Context, token string) (Subject, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Subject{}, fmt.Errorf("%w: malformed token", ErrInvalidCredential)
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Subject{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Subject{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Subject{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	var header struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return Subject{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if strings.ToUpper(header.Alg) != "RS256" {
		return Subject{}, fmt.Errorf("%w: unsupported alg %q", ErrInvalidCredential, header.Alg)
	}
	digest := sha256.Sum256([]byte(parts[0] + "." + parts[1]))

	if v.staticKey != nil {
		if rsa.VerifyPKCS1v15(v.staticKey, crypto.SHA256, digest[:], sig) == nil {
			return v.subjectFromPayload(payloadRaw)
		}
	}
	if v.jwks == nil {
		if v.staticKey != nil {
			return Subject{}, fmt.Errorf("%w: signature mismatch", ErrInvalidCredential)
		}
		return Subject{}, fmt.Errorf("%w: no key source configured", ErrInvalidCredential)
	}
	if strings.TrimSpace(header.Kid) == "" {
		return Subject{}, fmt.Errorf("%w: kid required", ErrInvalidCredential)
	}
	pub, err := v.jwks.key(ctx, header.Kid, v.now())
	if err == nil && rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil {
		return v.subjectFromPayload(payloadRaw)
	}
	// A rotated key can leave a stale cached set behind; refetch once.
	pub, err = v.jwks.refetchKey(ctx, header.Kid, v.now())
	if err != nil {
		return Subject{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return Subject{}, fmt.Errorf("%w: signature mismatch", ErrInvalidCredential)
	}
	return v.subjectFromPayload(payloadRaw)
}

func (v *Verifier) subjectFromPayload(payloadRaw []byte) (Subject, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payloadRaw, &raw); err != nil {
		return Subject{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	var sub Subject
	if r, ok := raw["sub"]; ok {
		_ = json.Unmarshal(r, &sub.ID)
	}
	if sub.ID == "" {
		return Subject{}, fmt.Errorf("%w: subject required", ErrInvalidCredential)
	}
	now := v.now().Unix()
	var exp, nbf int64
	if r, ok := raw["exp"]; ok {
		_ = json.Unmarshal(r, &exp)
	}
	if r, ok := raw["nbf"]; ok {
		_ = json.Unmarshal(r, &nbf)
	}
	if exp == 0 || now >= exp {
		return Subject{}, fmt.Errorf("%w: token expired", ErrInvalidCredential)
	}
	if nbf != 0 && now < nbf {
		return Subject{}, fmt.Errorf("%w: token not active", ErrInvalidCredential)
	}
	sub.Roles = mergeRoleClaims(raw)
	if r, ok := raw["agency_id"]; ok {
		_ = json.Unmarshal(r, &sub.Agency)
	}
	if r, ok := raw["acr"]; ok {
		_ = json.Unmarshal(r, &sub.Assurance)
	}
	if r, ok := raw["azp"]; ok {
		_ = json.Unmarshal(r, &sub.ClientID)
	}
	if sub.ClientID == "" {
		if r, ok := raw["aud"]; ok {
			var aud any
			_ = json.Unmarshal(r, &aud)
			switch v := aud.(type) {
			case string:
				sub.ClientID = v
			case []any:
				if len(v) > 0 {
					if s, ok := v[0].(string); ok {
						sub.ClientID = s
					}
				}
			}
		}
	}
	if r, ok := raw["preferred_username"]; ok {
		_ = json.Unmarshal(r, &sub.Username)
	}
	return sub, nil
}

// mergeRoleClaims collapses realm_access.roles and every
// resource_access.<client>.roles into one lowercase, de-duplicated set.
func mergeRoleClaims(raw map[string]json.RawMessage) []string {
	set := map[string]struct{}{}
	add := func(roles []string) {
		for _, r := range roles {
			r = strings.ToLower(strings.TrimSpace(r))
			if r != "" {
				set[r] = struct{}{}
			}
		}
	}
	if r, ok := raw["realm_access"]; ok {
		var realm struct {
			Roles []string `json:"roles"`
		}
		if json.Unmarshal(r, &realm) == nil {
			add(realm.Roles)
		}
	}
	if r, ok := raw["resource_access"]; ok {
		var clients map[string]struct {
			Roles []string `json:"roles"`
		}
		if json.Unmarshal(r, &clients) == nil {
			for _, acc := range clients {
				add(acc.Roles)
			}
		}
	}
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func parseRSAPublicKey(raw string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(normalizePEM(raw)))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return rsaPub, nil
}

// normalizePEM accepts either a full PEM document or a bare base64 body and
// returns a well-formed PEM document.
func normalizePEM(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "-----BEGIN") {
		return strings.ReplaceAll(raw, "\r\n", "\n")
	}
	stripped := strings.Join(strings.Fields(raw), "")
	var b strings.Builder
	b.WriteString("-----BEGIN PUBLIC KEY-----\n")
	for len(stripped) > 64 {
		b.WriteString(stripped[:64])
		b.WriteString("\n")
		stripped = stripped[64:]
	}
	if len(stripped) > 0 {
		b.WriteString(stripped)
		b.WriteString("\n")
	}
	b.WriteString("-----END PUBLIC KEY-----\n")
	return b.String()
}

type jwksCache struct {
	url    string
	ttl    time.Duration
	client *http.Client

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
}

func (c *jwksCache) key(ctx context.Context, kid string, now time.Time) (*rsa.PublicKey, error) {
	c.mu.RLock()
	if key, ok := c.keys[kid]; ok && now.Before(c.expiresAt) {
		c.mu.RUnlock()
		return key, nil
	}
	c.mu.RUnlock()
	if err := c.refresh(ctx, now, false); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[kid]
	if !ok {
		return nil, errors.New("kid not found in key set")
	}
	return key, nil
}

// refetchKey bypasses the TTL, used after a verification failure.
func (c *jwksCache) refetchKey(ctx context.Context, kid string, now time.Time) (*rsa.PublicKey, error) {
	if err := c.refresh(ctx, now, true); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	key, ok := c.keys[kid]
	if !ok {
		return nil, errors.New("kid not found in key set")
	}
	return key, nil
}

func (c *jwksCache) refresh(ctx context.Context, now time.Time, force bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !force && now.Before(c.expiresAt) {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("key set fetch failed: status %d", resp.StatusCode)
	}
	var payload struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return err
	}
	next := map[string]*rsa.PublicKey{}
	for _, k := range payload.Keys {
		if strings.ToUpper(k.Kty) != "RSA" || strings.TrimSpace(k.Kid) == "" {
			continue
		}
		pub, err := rsaFromJWK(k.N, k.E)
		if err != nil {
			continue
		}
		next[k.Kid] = pub
	}
	if len(next) == 0 {
		return errors.New("key set has no valid rsa keys")
	}
	c.keys = next
	c.expiresAt = now.Add(c.ttl)
	return nil
}

func rsaFromJWK(nB64, eB64 string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}
	if len(eb) == 0 {
		return nil, errors.New("invalid exponent")
	}
	e := 0
	for _, b := range eb {
		e = e<<8 + int(b)
	}
	if e <= 1 {
		return nil, errors.New("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}
