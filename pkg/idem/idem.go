// Package idem deduplicates retried HTTP requests keyed by a caller-supplied
// Idempotency-Key header. The first request takes a lock, runs, and stores
// its response; concurrent duplicates get 409 while the lock is held and
// byte-identical replays once a result exists.
package idem

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/thecabs/wallet-service/pkg/httpx"
	"github.com/thecabs/wallet-service/pkg/store"
)

const (
	// HeaderKey is the request header carrying the client idempotency key.
	HeaderKey = "Idempotency-Key"
	// HeaderReplay marks a response served from the idempotency store.
	HeaderReplay = "X-Idempotent-Replay"

	stateLocked = "LOCKED"
	stateResult = "RESULT"
)

// DefaultTTL bounds both the in-flight lock and the stored result. A crashed
// attempt that never stored a result self-heals when the lock expires.
const DefaultTTL = 600 * time.Second

type record struct {
	State       string `json:"state"`
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Body        string `json:"body,omitempty"`
}

func cacheKey(scope, clientKey string) string {
	sum := sha1.Sum([]byte(clientKey))
	return "idem:" + scope + ":" + hex.EncodeToString(sum[:])
}

// recorder buffers the downstream response so it can be stored verbatim.
type recorder struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newRecorder() *recorder {
	return &recorder{header: http.Header{}, status: http.StatusOK}
}

func (rec *recorder) Header() http.Header { return rec.header }

func (rec *recorder) WriteHeader(status int) { rec.status = status }

func (rec *recorder) Write(p []byte) (int, error) { return rec.body.Write(p) }

func (rec *recorder) flush(w http.ResponseWriter) {
	for k, vs := range rec.header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(rec.status)
	_, _ = w.Write(rec.body.Bytes())
}

// Middleware wraps mutating handlers with the lock/replay protocol. Requests
// without the key header pass straight through. scope separates key spaces
// between operations so the same client key can be reused across endpoints.
func Middleware(cache store.Cache, scope string, ttl time.Duration) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := r.Header.Get(HeaderKey)
			if clientKey == "" {
				// Older clients send the prefixed form.
				clientKey = r.Header.Get("X-" + HeaderKey)
			}
			if clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			key := cacheKey(scope, clientKey)

			lockVal, _ := json.Marshal(record{State: stateLocked})
			acquired, err := cache.SetNX(r.Context(), key, string(lockVal), ttl)
			if err != nil {
				log.Printf("idem: lock %s: %v", key, err)
				httpx.Error(w, http.StatusInternalServerError, "idempotency store unavailable")
				return
			}
			if !acquired {
				raw, err := cache.Get(r.Context(), key)
				if err != nil || raw == "" {
					// Lock expired between SetNX and Get; treat as in-flight.
					httpx.ErrorReason(w, http.StatusConflict, "request already in progress", "duplicate_in_flight")
					return
				}
				var rec record
				if json.Unmarshal([]byte(raw), &rec) != nil || rec.State == stateLocked {
					httpx.ErrorReason(w, http.StatusConflict, "request already in progress", "duplicate_in_flight")
					return
				}
				replay(w, clientKey, rec)
				return
			}

			rec := newRecorder()
			defer func() {
				if p := recover(); p != nil {
					stored := storeResult(r, cache, key, record{
						State:       stateResult,
						Status:      http.StatusInternalServerError,
						ContentType: "application/json",
						Body:        base64.StdEncoding.EncodeToString([]byte(`{"error":"internal error"}`)),
					}, ttl)
					if !stored {
						log.Printf("idem: result %s lost after panic", key)
					}
					panic(p)
				}
			}()
			next.ServeHTTP(rec, r)

			storeResult(r, cache, key, record{
				State:       stateResult,
				Status:      rec.status,
				ContentType: rec.header.Get("Content-Type"),
				Body:        base64.StdEncoding.EncodeToString(rec.body.Bytes()),
			}, ttl)
			rec.flush(w)
		})
	}
}

func storeResult(r *http.Request, cache store.Cache, key string, rec record, ttl time.Duration) bool {
	raw, err := json.Marshal(rec)
	if err != nil {
		return false
	}
	if err := cache.Set(r.Context(), key, string(raw), ttl); err != nil {
		log.Printf("idem: store %s: %v", key, err)
		return false
	}
	return true
}

func replay(w http.ResponseWriter, clientKey string, rec record) {
	body, err := base64.StdEncoding.DecodeString(rec.Body)
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "corrupt idempotency record")
		return
	}
	if rec.ContentType != "" {
		w.Header().Set("Content-Type", rec.ContentType)
	}
	w.Header().Set(HeaderKey, clientKey)
	w.Header().Set(HeaderReplay, "1")
	w.WriteHeader(rec.Status)
	_, _ = w.Write(body)
}
