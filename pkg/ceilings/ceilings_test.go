package ceilings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type staticTokens struct{ err error }

func (s staticTokens) Token(ctx context.Context) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return "svc-token", nil
}

func newTestClient(srv *httptest.Server) *Client {
	c := NewClient(srv.URL, staticTokens{}, srv.Client())
	c.RetryDelay = time.Millisecond
	return c
}

func TestCheckAllowed(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/ceilings/check-limit" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer svc-token" {
			t.Fatalf("auth header = %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		fmt.Fprint(w, `{"allowed":true}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	if err := c.Check(context.Background(), "u1", decimal.RequireFromString("50.00"), "daily"); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got["external_id"] != "u1" || got["period"] != "daily" {
		t.Fatalf("request body = %v", got)
	}
}

func TestCheckExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"allowed":false}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	if err := c.Check(context.Background(), "u1", decimal.RequireFromString("5000.00"), "daily"); !errors.Is(err, ErrExceeded) {
		t.Fatalf("err = %v, want ErrExceeded", err)
	}
}

func TestCheckRetriesThenFailsClosed(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	if err := c.Check(context.Background(), "u1", decimal.RequireFromString("1.00"), "weekly"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 (two retries)", calls)
	}
}

func TestCheckRecoversWithinRetries(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"allowed":true}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	if err := c.Check(context.Background(), "u1", decimal.RequireFromString("1.00"), "monthly"); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func TestCheckClientErrorIsUnavailable(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	if err := c.Check(context.Background(), "u1", decimal.RequireFromString("1.00"), "daily"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if calls != 1 {
		t.Fatalf("4xx retried: calls = %d", calls)
	}
}

func TestCheckTokenFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request should not reach the service")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, staticTokens{err: errors.New("issuer down")}, srv.Client())
	if err := c.Check(context.Background(), "u1", decimal.RequireFromString("1.00"), "daily"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}
