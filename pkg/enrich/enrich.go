// Package enrich builds the per-request decision context: device trust,
// environmental risk and the resource descriptor handed to the policy engine.
package enrich

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/thecabs/wallet-service/pkg/policy"
	"github.com/thecabs/wallet-service/pkg/store"
)

type ctxKey int

const inputKey ctxKey = iota

// InputFromContext returns the decision tuple stored by Middleware.
func InputFromContext(ctx context.Context) (policy.Input, bool) {
	in, ok := ctx.Value(inputKey).(policy.Input)
	return in, ok
}

// WithInput stores a decision tuple in the context; exported for tests and
// for handlers that re-tag the resource after binding it.
func WithInput(ctx context.Context, in policy.Input) context.Context {
	return context.WithValue(ctx, inputKey, in)
}

// Config holds the static signals the builder reads. FailureThreshold and the
// off-hours window follow the issuer-side lockout behavior.
type Config struct {
	TrustedCIDRs     []string
	AttestSecret     string
	DevTrustHeader   bool
	Timezone         string
	FailureThreshold int
}

type Builder struct {
	trusted  []*net.IPNet
	secret   []byte
	devFlag  bool
	loc      *time.Location
	cache    store.Cache
	failures int
	now      func() time.Time
}

// NewBuilder parses the CIDR list and loads the timezone. Bad CIDR entries
// are skipped with a log line rather than failing startup.
func NewBuilder(cfg Config, cache store.Cache) *Builder {
	b := &Builder{
		secret:   []byte(cfg.AttestSecret),
		devFlag:  cfg.DevTrustHeader,
		cache:    cache,
		failures: cfg.FailureThreshold,
		now:      time.Now,
	}
	if b.failures <= 0 {
		b.failures = 5
	}
	for _, raw := range cfg.TrustedCIDRs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(raw)
		if err != nil {
			log.Printf("enrich: skipping bad trusted cidr %q: %v", raw, err)
			continue
		}
		b.trusted = append(b.trusted, ipnet)
	}
	tz := cfg.Timezone
	if tz == "" {
		tz = "Africa/Douala"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Printf("enrich: unknown timezone %q, using UTC: %v", tz, err)
		loc = time.UTC
	}
	b.loc = loc
	return b
}

// DeviceTrust scores the request 0 to 3, highest signal wins, default 1.
func (b *Builder) DeviceTrust(r *http.Request) int {
	if r.TLS != nil && len(r.TLS.VerifiedChains) > 0 {
		return 3
	}
	if ip := clientIP(r); ip != nil {
		for _, n := range b.trusted {
			if n.Contains(ip) {
				return 3
			}
		}
	}
	if b.attested(r) {
		return 2
	}
	if b.devFlag {
		if raw := r.Header.Get("X-Device-Trust"); raw != "" {
			if v, err := strconv.Atoi(raw); err == nil && v >= 0 && v <= 3 {
				return v
			}
		}
	}
	return 1
}

// attested checks X-Device-Attest against an HMAC-SHA256 of X-Device-Id
// under the shared secret, using a constant-time compare.
func (b *Builder) attested(r *http.Request) bool {
	if len(b.secret) == 0 {
		return false
	}
	deviceID := r.Header.Get("X-Device-Id")
	attest := r.Header.Get("X-Device-Attest")
	if deviceID == "" || attest == "" {
		return false
	}
	mac := hmac.New(sha256.New, b.secret)
	mac.Write([]byte(deviceID))
	want := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(strings.TrimRight(attest, "=")))
}

// Risk scores the request environment. Off-hours activity adds one; a
// subject with too many recent auth failures is pinned to exactly 2, which
// overrides the time signal rather than adding to it.
func (b *Builder) Risk(ctx context.Context, subjectID string) int {
	if b.cache != nil && subjectID != "" {
		if raw, err := b.cache.Get(ctx, "auth_fail_"+subjectID); err == nil && raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n >= b.failures {
				return 2
			}
		}
	}
	risk := 0
	hour := b.now().In(b.loc).Hour()
	if hour < 6 || hour >= 20 {
		risk++
	}
	return risk
}

func clientIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

func actionFor(method string) policy.Action {
	switch method {
	case http.MethodGet, http.MethodHead:
		return policy.ActionRead
	}
	return policy.ActionWrite
}

func sensitivityFor(r *http.Request) string {
	if tag, ok := r.Context().Value(tagKey).(string); ok {
		return tag
	}
	switch strings.ToUpper(strings.TrimSpace(r.Header.Get("X-Resource-Tag"))) {
	case policy.SensitivityPII:
		return policy.SensitivityPII
	}
	return policy.SensitivityFinancial
}
