package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/thecabs/wallet-service/pkg/audit"
	"github.com/thecabs/wallet-service/pkg/auth"
	"github.com/thecabs/wallet-service/pkg/ceilings"
	"github.com/thecabs/wallet-service/pkg/enrich"
	"github.com/thecabs/wallet-service/pkg/httpx"
	"github.com/thecabs/wallet-service/pkg/ledger"
	"github.com/thecabs/wallet-service/pkg/metrics"
	"github.com/thecabs/wallet-service/pkg/policy"
	"github.com/thecabs/wallet-service/pkg/ratelimit"
	"github.com/thecabs/wallet-service/pkg/store"
)

type Server struct {
	Ledger       *ledger.Service
	DB           ledger.DB
	Cache        store.Cache
	Audit        *audit.Writer
	Enrich       *enrich.Builder
	Verifier     *auth.Verifier
	RateLimiter  ratelimit.Limiter
	RateLimit    int
	IdemTTL      time.Duration
	MaxBodyBytes int64
	CORSOrigins  string
}

var (
	walletCreateRoles = []string{"agent", "admin", "superadmin", "bo_admin", "bo_superadmin"}
	walletTxRoles     = []string{"client", "agent", "merchant", "admin", "superadmin", "bo_admin", "bo_superadmin"}
	walletAdminRoles  = []string{"admin", "superadmin", "bo_admin", "bo_superadmin", "directeur_agence", "agency_director"}
)

var maxAmount = decimal.RequireFromString("999999999.99")

type walletCtxKeyType int

const walletCtxKey walletCtxKeyType = 0

func walletFromContext(ctx context.Context) (*ledger.Wallet, bool) {
	w, ok := ctx.Value(walletCtxKey).(*ledger.Wallet)
	return w, ok
}

// bindWallet validates the route parameter, loads the wallet row and tags
// the request's resource for the policy input.
func (s *Server) bindWallet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := chi.URLParam(r, "wallet")
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.ErrorReason(w, http.StatusUnprocessableEntity, "invalid wallet id", "validation")
			return
		}
		wallet, err := s.Ledger.Get(r.Context(), id.String())
		if err != nil {
			if errors.Is(err, ledger.ErrWalletNotFound) {
				httpx.Error(w, http.StatusNotFound, "wallet not found")
				return
			}
			log.Printf("walletd: load wallet %s: %v", id, err)
			httpx.Error(w, http.StatusInternalServerError, "internal error")
			return
		}
		ctx := context.WithValue(r.Context(), walletCtxKey, wallet)
		ctx = enrich.WithResource(ctx, enrich.Resource{ID: wallet.ID, OwnerAgency: wallet.AgencyID})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// policyGuard evaluates the decision tuple, audits the outcome and rejects
// denied requests before any handler runs.
func (s *Server) policyGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		in, ok := enrich.InputFromContext(r.Context())
		if !ok {
			httpx.Error(w, http.StatusInternalServerError, "internal error")
			return
		}
		d := policy.Evaluate(in)
		metrics.PolicyDecisions.WithLabelValues(string(d.Effect), d.Reason).Inc()
		s.Audit.Decision(r.Context(), audit.DecisionRecord{
			SubjectID:  in.Subject.ID,
			ResourceID: in.Resource.ID,
			Action:     string(in.Action),
			Effect:     string(d.Effect),
			Reason:     d.Reason,
			Risk:       in.Env.Risk,
		})
		switch d.Effect {
		case policy.EffectDeny:
			httpx.ErrorReason(w, http.StatusForbidden, "forbidden", d.Reason)
			return
		case policy.EffectStepUp:
			httpx.WriteJSON(w, http.StatusForbidden, map[string]any{
				"error":       "step-up authentication required",
				"reason":      d.Reason,
				"step_up":     true,
				"obligations": d.Obligations,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.RateLimiter == nil {
		return next
	}
	return ratelimit.Middleware(s.RateLimiter, s.RateLimit)(next)
}

func (s *Server) limitRequestBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.MaxBodyBytes > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.RequestDuration.WithLabelValues(route, strconv.Itoa(rec.status/100)+"xx").
			Observe(time.Since(start).Seconds())
		if rec.Header().Get("X-Idempotent-Replay") == "1" {
			metrics.IdempotentReplays.Inc()
		}
	})
}

func (s *Server) handleHealthDatabase(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if _, err := s.DB.Exec(ctx, "SELECT 1"); err != nil {
		httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down", "error": "database unreachable"})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createWalletRequest struct {
	OwnerID  string `json:"owner_id"`
	Currency string `json:"currency"`
	AgencyID string `json:"agency_id"`
}

func (s *Server) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	sub, _ := auth.SubjectFromContext(r.Context())
	var req createWalletRequest
	if err := decodeJSON(r, &req); err != nil {
		httpx.ErrorReason(w, http.StatusBadRequest, err.Error(), "validation")
		return
	}
	if req.OwnerID == "" {
		req.OwnerID = sub.ID
	}
	if req.Currency != "" && !validCurrency(req.Currency) {
		httpx.ErrorReason(w, http.StatusUnprocessableEntity, "currency must be a 3-letter code", "validation")
		return
	}
	if req.AgencyID == "" {
		req.AgencyID = sub.Agency
	}
	wallet, created, err := s.Ledger.CreateWallet(r.Context(), req.OwnerID, req.Currency, req.AgencyID, sub.ID)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httpx.WriteJSON(w, status, wallet)
}

type mutationRequest struct {
	Amount      json.Number `json:"amount"`
	Reference   string      `json:"reference"`
	Description string      `json:"description"`
	Period      string      `json:"period"`
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	s.handleMutation(w, r, s.Ledger.Credit, ledger.TxCredit)
}

func (s *Server) handleDebit(w http.ResponseWriter, r *http.Request) {
	s.handleMutation(w, r, s.Ledger.Debit, ledger.TxDebit)
}

func (s *Server) handleMutation(
	w http.ResponseWriter,
	r *http.Request,
	apply func(context.Context, ledger.MutationRequest) (*ledger.Transaction, error),
	typ ledger.TxType,
) {
	wallet, ok := walletFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	sub, _ := auth.SubjectFromContext(r.Context())

	var req mutationRequest
	if err := decodeJSON(r, &req); err != nil {
		httpx.ErrorReason(w, http.StatusBadRequest, err.Error(), "validation")
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		httpx.ErrorReason(w, http.StatusUnprocessableEntity, err.Error(), "validation")
		return
	}
	if msg := validateMutation(req); msg != "" {
		httpx.ErrorReason(w, http.StatusUnprocessableEntity, msg, "validation")
		return
	}

	entry, err := apply(r.Context(), ledger.MutationRequest{
		Actor:       sub.ID,
		WalletID:    wallet.ID,
		Amount:      amount,
		Reference:   req.Reference,
		Description: req.Description,
		Period:      req.Period,
	})
	if err != nil {
		metrics.LedgerMutations.WithLabelValues(string(typ), "rejected").Inc()
		s.writeLedgerError(w, err)
		return
	}
	metrics.LedgerMutations.WithLabelValues(string(typ), "completed").Inc()
	httpx.WriteJSON(w, http.StatusCreated, entry)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.handleSetStatus(w, r, ledger.WalletClosed)
}

func (s *Server) handleSuspend(w http.ResponseWriter, r *http.Request) {
	s.handleSetStatus(w, r, ledger.WalletSuspended)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.handleSetStatus(w, r, ledger.WalletActive)
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request, status ledger.WalletStatus) {
	wallet, ok := walletFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	sub, _ := auth.SubjectFromContext(r.Context())
	updated, err := s.Ledger.SetStatus(r.Context(), sub.ID, wallet.ID, status)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, updated)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"wallet_id": wallet.ID,
		"balance":   wallet.Balance,
		"currency":  wallet.Currency,
		"status":    wallet.Status,
	})
}

func (s *Server) handleStatement(w http.ResponseWriter, r *http.Request) {
	wallet, ok := walletFromContext(r.Context())
	if !ok {
		httpx.Error(w, http.StatusInternalServerError, "internal error")
		return
	}
	q := r.URL.Query()
	filter := ledger.StatementFilter{}
	if raw := q.Get("type"); raw != "" {
		switch ledger.TxType(raw) {
		case ledger.TxCredit, ledger.TxDebit:
			filter.Type = ledger.TxType(raw)
		default:
			httpx.ErrorReason(w, http.StatusUnprocessableEntity, "type must be credit or debit", "validation")
			return
		}
	}
	for name, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		if raw := q.Get(name); raw != "" {
			t, err := parseDate(raw)
			if err != nil {
				httpx.ErrorReason(w, http.StatusUnprocessableEntity, name+" must be an RFC 3339 date", "validation")
				return
			}
			*dst = t
		}
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Page, _ = strconv.Atoi(q.Get("page"))

	txs, err := s.Ledger.Statement(r.Context(), wallet.ID, filter)
	if err != nil {
		s.writeLedgerError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"wallet_id":    wallet.ID,
		"transactions": txs,
	})
}

func (s *Server) writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrWalletNotFound):
		httpx.Error(w, http.StatusNotFound, "wallet not found")
	case errors.Is(err, ledger.ErrWalletExists):
		httpx.ErrorReason(w, http.StatusConflict, "wallet already exists", "wallet_exists")
	case errors.Is(err, ledger.ErrWalletClosed):
		httpx.ErrorReason(w, http.StatusUnprocessableEntity, "wallet is closed", "wallet_closed")
	case errors.Is(err, ledger.ErrWalletNotActive):
		httpx.ErrorReason(w, http.StatusUnprocessableEntity, "wallet is not active", "wallet_not_active")
	case errors.Is(err, ledger.ErrInsufficientBalance):
		httpx.ErrorReason(w, http.StatusUnprocessableEntity, "insufficient balance", "insufficient_balance")
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrReferenceRequired):
		httpx.ErrorReason(w, http.StatusUnprocessableEntity, err.Error(), "validation")
	case errors.Is(err, ceilings.ErrExceeded):
		metrics.CeilingChecks.WithLabelValues("exceeded").Inc()
		httpx.ErrorReason(w, http.StatusUnprocessableEntity, "transaction ceiling exceeded", "ceiling_exceeded")
	case errors.Is(err, ceilings.ErrUnavailable):
		metrics.CeilingChecks.WithLabelValues("unavailable").Inc()
		httpx.ErrorReason(w, http.StatusBadGateway, "ceiling service unavailable", "ceiling_unavailable")
	default:
		log.Printf("walletd: ledger error: %v", err)
		httpx.Error(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body")
	}
	return nil
}

func parseAmount(raw json.Number) (decimal.Decimal, error) {
	if raw.String() == "" {
		return decimal.Zero, errors.New("amount is required")
	}
	amount, err := decimal.NewFromString(raw.String())
	if err != nil {
		return decimal.Zero, errors.New("amount must be a number")
	}
	if !amount.IsPositive() {
		return decimal.Zero, errors.New("amount must be positive")
	}
	if amount.Cmp(maxAmount) > 0 {
		return decimal.Zero, errors.New("amount exceeds the maximum of 999999999.99")
	}
	return amount, nil
}

func validateMutation(req mutationRequest) string {
	if strings.TrimSpace(req.Reference) == "" {
		return "reference is required"
	}
	if len(req.Reference) > 255 {
		return "reference must be at most 255 characters"
	}
	if len(req.Description) > 255 {
		return "description must be at most 255 characters"
	}
	switch req.Period {
	case "", "daily", "weekly", "monthly":
	default:
		return "period must be daily, weekly or monthly"
	}
	return ""
}

func validCurrency(raw string) bool {
	if len(raw) != 3 {
		return false
	}
	for _, c := range raw {
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}

func parseDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
