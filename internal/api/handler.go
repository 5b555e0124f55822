// Package api is the HTTP presentation boundary: ledger views, the wallet session and claim attempts.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/veil-vest/veil-vest/internal/claim"
	"github.com/veil-vest/veil-vest/internal/ledger"
	"github.com/veil-vest/veil-vest/internal/session"
	"github.com/veil-vest/veil-vest/internal/vesting"
)

var ErrInvalidConfig = errors.New("api: invalid config")

const (
	defaultJournalLimit = 50
	maxJournalLimit     = 500
)

type Config struct {
	ChainID  uint64
	Contract common.Address

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	// Gatherer backs GET /metrics. Nil leaves the route unregistered.
	Gatherer prometheus.Gatherer

	Now func() time.Time
}

// Session is the wallet connection the dashboard drives.
type Session interface {
	session.Source
	Connect(id session.Identity) error
	Disconnect()
}

// Claims is the orchestrator surface exposed over HTTP.
type Claims interface {
	Claim(vestingID uint64) (claim.Attempt, error)
	Cancel(vestingID uint64) error
	Acknowledge(vestingID uint64) error
	Snapshot(vestingID uint64) (claim.Attempt, bool)
	Journal() claim.Journal
}

func NewHandler(cfg Config, reader ledger.Reader, sess Session, claims Claims) (http.Handler, error) {
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("%w: missing chain id", ErrInvalidConfig)
	}
	if cfg.Contract == (common.Address{}) {
		return nil, fmt.Errorf("%w: missing contract address", ErrInvalidConfig)
	}
	if reader == nil || sess == nil || claims == nil {
		return nil, fmt.Errorf("%w: nil dependencies", ErrInvalidConfig)
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{
		cfg:     cfg,
		reader:  reader,
		session: sess,
		claims:  claims,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /v1/config", h.handleConfig)
	mux.HandleFunc("GET /v1/stats", h.handleStats)
	mux.HandleFunc("GET /v1/accounts/{account}/vestings", h.handleAccountVestings)
	mux.HandleFunc("GET /v1/accounts/{account}/reputation", h.handleReputation)
	mux.HandleFunc("GET /v1/vestings/{vestingId}", h.handleVesting)
	mux.HandleFunc("GET /v1/session", h.handleSessionGet)
	mux.HandleFunc("PUT /v1/session", h.handleSessionPut)
	mux.HandleFunc("DELETE /v1/session", h.handleSessionDelete)
	mux.HandleFunc("POST /v1/claims", h.handleClaimStart)
	mux.HandleFunc("GET /v1/claims/{vestingId}", h.handleClaimGet)
	mux.HandleFunc("DELETE /v1/claims/{vestingId}", h.handleClaimCancel)
	mux.HandleFunc("POST /v1/claims/{vestingId}/ack", h.handleClaimAck)
	mux.HandleFunc("GET /v1/claims/{vestingId}/journal", h.handleClaimJournal)
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks and scrapes must never be throttled.
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			mux.ServeHTTP(w, r)
			return
		}

		now := h.cfg.Now().UTC()
		allowed := h.limiter.Allow(clientIP(r), now)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited")
			return
		}

		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg Config

	reader  ledger.Reader
	session Session
	claims  Claims
	limiter *ipRateLimiter
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":  "v1",
		"chainId":  strconv.FormatUint(h.cfg.ChainID, 10),
		"contract": h.cfg.Contract.Hex(),
	})
}

func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.reader.GlobalStats(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":       "v1",
		"totalVestings": strconv.FormatUint(st.TotalVestings, 10),
		"totalLocked":   amountString(st.TotalLocked),
		"totalClaimed":  amountString(st.TotalClaimed),
		"beneficiaries": strconv.FormatUint(st.Beneficiaries, 10),
	})
}

func (h *handler) handleAccountVestings(w http.ResponseWriter, r *http.Request) {
	account, ok := parseAccount(w, r.PathValue("account"))
	if !ok {
		return
	}
	records, err := ledger.ListRecords(r.Context(), h.reader, account)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	now := h.cfg.Now().UTC()
	sum := vesting.Summarize(records, now)
	items := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		items = append(items, recordJSON(rec, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"account": account.Hex(),
		"summary": map[string]any{
			"vestings":   sum.Vestings,
			"active":     sum.Active,
			"allocation": amountString(sum.Allocation),
			"vested":     amountString(sum.Vested),
			"claimed":    amountString(sum.Claimed),
			"claimable":  amountString(sum.Claimable),
		},
		"vestings": items,
	})
}

func (h *handler) handleReputation(w http.ResponseWriter, r *http.Request) {
	account, ok := parseAccount(w, r.PathValue("account"))
	if !ok {
		return
	}
	rep, err := h.reader.Reputation(r.Context(), account)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":         "v1",
		"account":         account.Hex(),
		"score":           strconv.FormatUint(rep.Score, 10),
		"completedClaims": strconv.FormatUint(rep.CompletedClaims, 10),
	})
}

func (h *handler) handleVesting(w http.ResponseWriter, r *http.Request) {
	id, ok := parseVestingID(w, r.PathValue("vestingId"))
	if !ok {
		return
	}
	rec, err := h.reader.GetVesting(r.Context(), id)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{
				"version":   "v1",
				"found":     false,
				"vestingId": strconv.FormatUint(id, 10),
			})
			return
		}
		writeLedgerError(w, err)
		return
	}

	now := h.cfg.Now().UTC()
	timeline := rec.Timeline(now)
	releases := make([]map[string]any, 0, len(timeline))
	for _, rel := range timeline {
		releases = append(releases, map[string]any{
			"index":      rel.Index,
			"at":         rel.At.UTC().Format(time.RFC3339),
			"amount":     amountString(rel.Amount),
			"cumulative": amountString(rel.Cumulative),
			"state":      rel.State.String(),
		})
	}
	out := recordJSON(rec, now)
	out["version"] = "v1"
	out["found"] = true
	out["timeline"] = releases
	if next, ok := rec.NextRelease(now); ok {
		out["nextRelease"] = next.At.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) handleSessionGet(w http.ResponseWriter, _ *http.Request) {
	id, ok := h.session.Current()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"version":   "v1",
			"connected": false,
		})
		return
	}
	writeJSON(w, http.StatusOK, sessionJSON(id, h.cfg.ChainID))
}

type sessionRequestBody struct {
	Account string `json:"account"`
	ChainID string `json:"chainId"`
}

func (h *handler) handleSessionPut(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[sessionRequestBody](w, r)
	if !ok {
		return
	}
	account, ok := parseAccount(w, body.Account)
	if !ok {
		return
	}
	chainID, err := strconv.ParseUint(strings.TrimSpace(body.ChainID), 0, 64)
	if err != nil || chainID == 0 {
		writeError(w, http.StatusBadRequest, "invalid_chain_id")
		return
	}
	id := session.Identity{Account: account, ChainID: chainID}
	if err := h.session.Connect(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_identity")
		return
	}
	writeJSON(w, http.StatusOK, sessionJSON(id, h.cfg.ChainID))
}

func (h *handler) handleSessionDelete(w http.ResponseWriter, _ *http.Request) {
	h.session.Disconnect()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   "v1",
		"connected": false,
	})
}

type claimRequestBody struct {
	VestingID string `json:"vestingId"`
}

func (h *handler) handleClaimStart(w http.ResponseWriter, r *http.Request) {
	body, ok := decodeJSONBody[claimRequestBody](w, r)
	if !ok {
		return
	}
	id, ok := parseVestingID(w, body.VestingID)
	if !ok {
		return
	}
	a, err := h.claims.Claim(id)
	if err != nil {
		switch {
		case errors.Is(err, claim.ErrNoIdentity):
			writeError(w, http.StatusUnauthorized, string(claim.ReasonNoIdentity))
		case errors.Is(err, claim.ErrAlreadyInProgress):
			writeError(w, http.StatusConflict, string(claim.ReasonAlreadyInProgress))
		case errors.Is(err, claim.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, "shutting_down")
		case errors.Is(err, claim.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, "invalid_vesting_id")
		default:
			writeError(w, http.StatusInternalServerError, "internal")
		}
		return
	}
	out := attemptJSON(a)
	out["version"] = "v1"
	out["found"] = true
	writeJSON(w, http.StatusAccepted, out)
}

func (h *handler) handleClaimGet(w http.ResponseWriter, r *http.Request) {
	id, ok := parseVestingID(w, r.PathValue("vestingId"))
	if !ok {
		return
	}
	a, found := h.claims.Snapshot(id)
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{
			"version":   "v1",
			"found":     false,
			"vestingId": strconv.FormatUint(id, 10),
		})
		return
	}
	out := attemptJSON(a)
	out["version"] = "v1"
	out["found"] = true
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) handleClaimCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseVestingID(w, r.PathValue("vestingId"))
	if !ok {
		return
	}
	if err := h.claims.Cancel(id); err != nil {
		writeAttemptError(w, err)
		return
	}
	a, _ := h.claims.Snapshot(id)
	out := attemptJSON(a)
	out["version"] = "v1"
	out["found"] = true
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) handleClaimAck(w http.ResponseWriter, r *http.Request) {
	id, ok := parseVestingID(w, r.PathValue("vestingId"))
	if !ok {
		return
	}
	if err := h.claims.Acknowledge(id); err != nil {
		writeAttemptError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":      "v1",
		"vestingId":    strconv.FormatUint(id, 10),
		"acknowledged": true,
	})
}

func (h *handler) handleClaimJournal(w http.ResponseWriter, r *http.Request) {
	id, ok := parseVestingID(w, r.PathValue("vestingId"))
	if !ok {
		return
	}
	limit := defaultJournalLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit")
			return
		}
		limit = min(n, maxJournalLimit)
	}

	entries, err := h.claims.Journal().ListByVesting(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	items := make([]map[string]any, 0, len(entries))
	for _, t := range entries {
		item := map[string]any{
			"attemptId": t.AttemptID,
			"seq":       t.Seq,
			"account":   t.Account.Hex(),
			"chainId":   strconv.FormatUint(t.ChainID, 10),
			"from":      t.From.String(),
			"to":        t.To.String(),
			"reason":    string(t.Reason),
			"detail":    t.Detail,
			"at":        t.At.UTC().Format(time.RFC3339Nano),
		}
		if t.TxHash != (common.Hash{}) {
			item["txHash"] = t.TxHash.Hex()
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":     "v1",
		"vestingId":   strconv.FormatUint(id, 10),
		"transitions": items,
	})
}

func recordJSON(rec vesting.Record, now time.Time) map[string]any {
	return map[string]any{
		"vestingId":       strconv.FormatUint(rec.VestingID, 10),
		"beneficiary":     rec.Beneficiary.Hex(),
		"name":            rec.Name,
		"description":     rec.Description,
		"status":          rec.Status.String(),
		"totalAmount":     amountString(rec.TotalAmount),
		"claimedAmount":   amountString(rec.ClaimedAmount),
		"vestedAmount":    amountString(rec.VestedAt(now)),
		"claimableAmount": amountString(rec.ClaimableAt(now)),
		"startTime":       rec.StartTime.UTC().Format(time.RFC3339),
		"cliffEnd":        rec.CliffEnd().UTC().Format(time.RFC3339),
		"endTime":         rec.End().UTC().Format(time.RFC3339),
		"cliffPassed":     rec.CliffPassed(now),
		"tranches":        rec.TrancheCount(),
	}
}

// attemptJSON never carries the resolved amount or its ciphertext.
func attemptJSON(a claim.Attempt) map[string]any {
	out := map[string]any{
		"attemptId":     a.ID,
		"vestingId":     strconv.FormatUint(a.VestingID, 10),
		"account":       a.Identity.Account.Hex(),
		"chainId":       strconv.FormatUint(a.Identity.ChainID, 10),
		"state":         a.State.String(),
		"reason":        string(a.Reason),
		"detail":        a.Detail,
		"confirmations": strconv.FormatUint(a.Confirmations, 10),
		"startedAt":     a.StartedAt.UTC().Format(time.RFC3339Nano),
		"updatedAt":     a.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if a.Intent != nil {
		out["commitment"] = a.Intent.Commitment.Hex()
		out["intentNonce"] = a.Intent.Nonce.Hex()
		out["asOf"] = a.Intent.AsOf.UTC().Format(time.RFC3339)
	}
	if a.Tx != nil {
		out["txHash"] = a.Tx.Hash.Hex()
	}
	if a.Record != nil {
		out["claimedAmount"] = amountString(a.Record.ClaimedAmount)
		out["status"] = a.Record.Status.String()
	}
	return out
}

func sessionJSON(id session.Identity, want uint64) map[string]any {
	return map[string]any{
		"version":      "v1",
		"connected":    true,
		"account":      id.Account.Hex(),
		"chainId":      strconv.FormatUint(id.ChainID, 10),
		"chainMatches": id.ChainID == want,
	}
}

func parseAccount(w http.ResponseWriter, raw string) (common.Address, bool) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "invalid_account")
		return common.Address{}, false
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		writeError(w, http.StatusBadRequest, "invalid_account")
		return common.Address{}, false
	}
	return addr, true
}

func parseVestingID(w http.ResponseWriter, raw string) (uint64, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid_vesting_id")
		return 0, false
	}
	return id, true
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found")
	case errors.Is(err, ledger.ErrUnreachable), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusBadGateway, string(claim.ReasonLedgerUnreachable))
	case errors.Is(err, ledger.ErrUnauthorized):
		writeError(w, http.StatusForbidden, string(claim.ReasonUnauthorized))
	case errors.Is(err, ledger.ErrRejected):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"version": "v1",
			"error":   string(claim.ReasonRejected),
			"detail":  ledger.RejectionReason(err),
		})
	default:
		writeError(w, http.StatusInternalServerError, "internal")
	}
}

func writeAttemptError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, claim.ErrUnknownAttempt):
		writeError(w, http.StatusNotFound, "unknown_attempt")
	case errors.Is(err, claim.ErrNotCancellable):
		writeError(w, http.StatusConflict, "not_cancellable")
	case errors.Is(err, claim.ErrNotTerminal):
		writeError(w, http.StatusConflict, "not_terminal")
	default:
		writeError(w, http.StatusInternalServerError, "internal")
	}
}

func writeError(w http.ResponseWriter, code int, reason string) {
	writeJSON(w, code, map[string]any{
		"version": "v1",
		"error":   reason,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSONBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var out T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return out, false
	}
	return out, true
}
