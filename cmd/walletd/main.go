package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/thecabs/wallet-service/pkg/audit"
	"github.com/thecabs/wallet-service/pkg/auth"
	"github.com/thecabs/wallet-service/pkg/ceilings"
	"github.com/thecabs/wallet-service/pkg/enrich"
	"github.com/thecabs/wallet-service/pkg/hardening"
	"github.com/thecabs/wallet-service/pkg/httpx"
	"github.com/thecabs/wallet-service/pkg/idem"
	"github.com/thecabs/wallet-service/pkg/ledger"
	"github.com/thecabs/wallet-service/pkg/metrics"
	"github.com/thecabs/wallet-service/pkg/policy"
	"github.com/thecabs/wallet-service/pkg/ratelimit"
	"github.com/thecabs/wallet-service/pkg/store"
	"github.com/thecabs/wallet-service/pkg/telemetry"
)

type walletInitTelemetryFunc func(ctx context.Context, service string) (func(context.Context) error, error)
type walletOpenDBFunc func(ctx context.Context) (walletDBCloser, error)
type walletOpenRedisFunc func(ctx context.Context) (*redis.Client, error)
type walletListenFunc func(server *http.Server) error

type walletDBCloser interface {
	ledger.DB
	Close()
}

var (
	logFatalf      = log.Fatalf
	initTelemetryW = telemetry.Init
	openDBFnW      = func(ctx context.Context) (walletDBCloser, error) { return store.NewPostgresPool(ctx) }
	openRedisFnW   = store.NewRedis
	listenFnW      = func(server *http.Server) error { return server.ListenAndServe() }
)

func main() {
	if err := runWalletd(initTelemetryW, openDBFnW, openRedisFnW, listenFnW); err != nil {
		logFatalf("walletd: %v", err)
	}
}

func runWalletd(
	initTelemetry walletInitTelemetryFunc,
	openDB walletOpenDBFunc,
	openRedis walletOpenRedisFunc,
	listen walletListenFunc,
) error {
	ctx := context.Background()
	shutdown, err := initTelemetry(ctx, "walletd")
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	pool, err := openDB(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()
	if env("DB_ENSURE_SCHEMA", "true") == "true" {
		if err := ledger.EnsureSchema(ctx, pool); err != nil {
			return err
		}
		if err := audit.EnsureSchema(ctx, pool); err != nil {
			return err
		}
	}

	redisClient, err := openRedis(ctx)
	if err != nil {
		log.Printf("redis unavailable, falling back to in-memory cache/limits: %v", err)
		redisClient = nil
	}
	if redisClient != nil {
		defer redisClient.Close()
	}
	cache := store.NewCache(ctx, redisClient)

	attestSecret := env("DEVICE_ATTEST_SECRET", "")
	devTrustHeader := env("DEVICE_TRUST_DEV_HEADER", "false") == "true"
	ceilingSecret := env("CEILING_CLIENT_SECRET", "")
	runtimeEnv := env("ENVIRONMENT", env("APP_ENV", ""))
	if err := hardening.ValidateProduction(hardening.Options{
		Environment:        runtimeEnv,
		StrictProdSecurity: env("STRICT_PROD_SECURITY", "true"),
		DatabaseRequireTLS: env("DATABASE_REQUIRE_TLS", ""),
		RedisAddr:          env("REDIS_ADDR", ""),
		RedisRequireTLS:    env("REDIS_REQUIRE_TLS", ""),
		RedisTLSInsecure:   env("REDIS_TLS_INSECURE", ""),
		CORSAllowedOrigins: env("CORS_ALLOWED_ORIGINS", ""),
		DevTrustHeader:     env("DEVICE_TRUST_DEV_HEADER", ""),
		RequiredSecrets: []hardening.SecretRequirement{
			{Name: "CEILING_CLIENT_SECRET", Value: ceilingSecret},
			{Name: "DEVICE_ATTEST_SECRET", Value: attestSecret},
		},
	}); err != nil {
		return err
	}

	verifier, err := auth.NewVerifier(auth.VerifierConfig{
		PublicKeyPEM: env("AUTH_PUBLIC_KEY_PEM", ""),
		JWKSURL:      env("AUTH_JWKS_URL", ""),
		JWKSCacheTTL: time.Second * time.Duration(envInt("AUTH_JWKS_CACHE_TTL_SEC", 3600)),
		Timeout:      time.Millisecond * time.Duration(envInt("AUTH_TIMEOUT_MS", 5000)),
	}, nil)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	outbound := telemetry.InstrumentClient(&http.Client{
		Timeout: time.Millisecond * time.Duration(envInt("UPSTREAM_TIMEOUT_MS", 3000)),
	})
	tokens := &auth.TokenSource{
		TokenURL:     env("AUTH_TOKEN_URL", ""),
		ClientID:     env("CEILING_CLIENT_ID", "wallet-service"),
		ClientSecret: ceilingSecret,
		Cache:        cache,
		Client:       outbound,
		Retries:      envInt("TOKEN_RETRIES", 1),
		RetryDelay:   time.Millisecond * time.Duration(envInt("TOKEN_RETRY_DELAY_MS", 100)),
	}
	var ceilingClient ledger.CeilingChecker
	if base := strings.TrimSpace(env("CEILING_BASE_URL", "")); base != "" {
		ceilingClient = ceilings.NewClient(base, tokens, outbound)
	}

	auditor := &audit.Writer{DB: pool}
	svc := &ledger.Service{
		DB:                   pool,
		Ceilings:             ceilingClient,
		Audit:                auditor,
		EnforceCreditCeiling: env("ENFORCE_CREDIT_CEILING", "false") == "true",
	}

	builder := enrich.NewBuilder(enrich.Config{
		TrustedCIDRs:     splitList(env("TRUSTED_DEVICE_CIDRS", "")),
		AttestSecret:     attestSecret,
		DevTrustHeader:   devTrustHeader,
		Timezone:         env("RISK_TIMEZONE", "Africa/Douala"),
		FailureThreshold: envInt("RISK_FAILURE_THRESHOLD", 5),
	}, cache)

	rateLimitWindow := time.Second * time.Duration(envInt("RATE_LIMIT_WINDOW_SEC", 60))
	var limiter ratelimit.Limiter
	if env("RATE_LIMIT_ENABLED", "true") == "true" {
		if redisClient != nil {
			limiter = ratelimit.NewRedis(redisClient, rateLimitWindow)
		} else {
			limiter = ratelimit.NewInMemory(rateLimitWindow)
		}
	}

	s := &Server{
		Ledger:       svc,
		DB:           pool,
		Cache:        cache,
		Audit:        auditor,
		Enrich:       builder,
		Verifier:     verifier,
		RateLimiter:  limiter,
		RateLimit:    envInt("RATE_LIMIT_PER_WINDOW", 60),
		IdemTTL:      time.Second * time.Duration(envInt("IDEMPOTENCY_TTL_SEC", 600)),
		MaxBodyBytes: int64(envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		CORSOrigins:  env("CORS_ALLOWED_ORIGINS", ""),
	}

	r := s.Routes()

	addr := env("ADDR", ":8080")
	log.Printf("walletd listening on %s", addr)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: envDurationSec("HTTP_READ_HEADER_TIMEOUT_SEC", 5),
		ReadTimeout:       envDurationSec("HTTP_READ_TIMEOUT_SEC", 15),
		WriteTimeout:      envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 30),
		IdleTimeout:       envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 120),
	}
	if listen == nil {
		return errors.New("listen function required")
	}
	return listen(server)
}

// Routes assembles the full router. Split out of runWalletd so handler tests
// can drive the exact production middleware chain.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.CORSOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	r.Use(telemetry.HTTPMiddleware("walletd"))
	r.Use(s.metricsMiddleware)
	r.Use(s.limitRequestBody)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "walletd"})
	})
	r.Get("/health/database", s.handleHealthDatabase)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(g chi.Router) {
		g.Use(auth.Middleware(s.Verifier))

		g.With(
			enrich.Middleware(s.Enrich),
			s.policyGuard,
			auth.RequireRoles(walletCreateRoles...),
			s.rateLimit,
			idem.Middleware(s.Cache, "wallet-create", s.IdemTTL),
		).Post("/wallets", s.handleCreateWallet)

		g.Route("/wallets/{wallet}", func(wr chi.Router) {
			wr.Use(s.bindWallet)

			// Statement exposes the holder's transaction history; tag it so
			// the step-up rule sees PII regardless of request headers.
			wr.Group(func(st chi.Router) {
				st.Use(enrich.Tag(policy.SensitivityPII))
				st.Use(enrich.Middleware(s.Enrich))
				st.Use(s.policyGuard)
				st.Get("/statement", s.handleStatement)
			})

			wr.Group(func(g chi.Router) {
				g.Use(enrich.Middleware(s.Enrich))
				g.Use(s.policyGuard)

				g.Get("/balance", s.handleBalance)

				tx := g.With(auth.RequireRoles(walletTxRoles...), s.rateLimit)
				tx.With(idem.Middleware(s.Cache, "credit", s.IdemTTL)).Post("/credit", s.handleCredit)
				tx.With(idem.Middleware(s.Cache, "debit", s.IdemTTL)).Post("/debit", s.handleDebit)

				admin := g.With(auth.RequireRoles(walletAdminRoles...), s.rateLimit)
				admin.With(idem.Middleware(s.Cache, "close", s.IdemTTL)).Post("/close", s.handleClose)
				admin.With(idem.Middleware(s.Cache, "suspend", s.IdemTTL)).Post("/suspend", s.handleSuspend)
				admin.With(idem.Middleware(s.Cache, "activate", s.IdemTTL)).Post("/activate", s.handleActivate)
			})
		})
	})
	return r
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(envInt(k, def))
}
