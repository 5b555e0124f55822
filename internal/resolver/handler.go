package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

type HandlerConfig struct {
	// AuthToken enables bearer-token auth on /v1/resolve when set.
	AuthToken string

	// MaxBodyBytes limits request sizes. Defaults to 64 KiB.
	MaxBodyBytes int64

	// Timeout bounds one resolve call. Defaults to 30s.
	Timeout time.Duration

	Logger *slog.Logger
}

// NewHandler serves a Resolver over POST /v1/resolve.
func NewHandler(res Resolver, cfg HandlerConfig) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("POST /v1/resolve", func(w http.ResponseWriter, r *http.Request) {
		if cfg.AuthToken != "" && !checkBearer(r.Header.Get("Authorization"), cfg.AuthToken) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxBodyBytes)
		dec := json.NewDecoder(r.Body)
		dec.DisallowUnknownFields()

		var req ResolveRequest
		if err := dec.Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_json"})
			return
		}
		if dec.More() {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_json"})
			return
		}

		rec, asOf, err := recordFromRequest(req)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": codeInvalidRecord})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), cfg.Timeout)
		defer cancel()

		out, err := res.Resolve(ctx, rec, asOf)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, responseFromResolution(out))
		case errors.Is(err, ErrStaleSchedule):
			writeJSON(w, http.StatusConflict, map[string]any{"error": codeStaleSchedule})
		default:
			log.Error("resolve failed", "vesting_id", rec.VestingID, "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": codeUnavailable})
		}
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func checkBearer(header string, wantToken string) bool {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return got == wantToken
}
