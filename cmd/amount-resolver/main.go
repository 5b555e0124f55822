package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/veil-vest/veil-vest/internal/resolver"
	"github.com/veil-vest/veil-vest/internal/secrets"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8091", "HTTP listen address")

		chainID      = flag.Uint64("chain-id", 0, "chain id of the vesting ledger (required)")
		contractAddr = flag.String("contract", "", "VeilVest contract address (required)")

		secretsDriver = flag.String("secrets-driver", "env", "secret source (env|aws)")
		attesterKey   = flag.String("attester-key", "VEILVEST_ATTESTER_KEY", "secret name of the attester private key")
		sealingSecret = flag.String("sealing-secret", "VEILVEST_SEALING_SECRET", "secret name of the amount sealing secret")
		authTokenEnv  = flag.String("auth-token-env", "", "env var holding the bearer token required on /v1/resolve")

		resolveTimeout = flag.Duration("resolve-timeout", 30*time.Second, "per-request resolve timeout")
		maxBodyBytes   = flag.Int64("max-body-bytes", 64<<10, "maximum request body size")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 40*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *chainID == 0 || !common.IsHexAddress(strings.TrimSpace(*contractAddr)) {
		fmt.Fprintln(os.Stderr, "error: --chain-id and a valid --contract are required")
		os.Exit(2)
	}
	if *resolveTimeout <= 0 || *maxBodyBytes <= 0 {
		fmt.Fprintln(os.Stderr, "error: --resolve-timeout and --max-body-bytes must be > 0")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var provider secrets.Provider
	switch *secretsDriver {
	case "env":
		provider = secrets.NewEnv()
	case "aws":
		p, err := secrets.NewAWS(ctx)
		if err != nil {
			log.Error("init aws secrets", "err", err)
			os.Exit(2)
		}
		provider = p
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --secrets-driver %q\n", *secretsDriver)
		os.Exit(2)
	}

	attester, err := secrets.LoadPrivateKey(ctx, provider, *attesterKey)
	if err != nil {
		log.Error("load attester key", "err", err)
		os.Exit(2)
	}
	secret, err := secrets.LoadBytes(ctx, provider, *sealingSecret, 32)
	if err != nil {
		log.Error("load sealing secret", "err", err)
		os.Exit(2)
	}
	sealed, err := resolver.NewSealed(resolver.SealedConfig{
		ChainID:       new(big.Int).SetUint64(*chainID),
		Contract:      common.HexToAddress(strings.TrimSpace(*contractAddr)),
		Attester:      attester,
		SealingSecret: secret,
	})
	if err != nil {
		log.Error("init sealed resolver", "err", err)
		os.Exit(2)
	}

	token := ""
	if *authTokenEnv != "" {
		token = strings.TrimSpace(os.Getenv(*authTokenEnv))
		if token == "" {
			fmt.Fprintf(os.Stderr, "error: %s is empty\n", *authTokenEnv)
			os.Exit(2)
		}
	}

	srv := &http.Server{
		Addr: *listenAddr,
		Handler: resolver.NewHandler(sealed, resolver.HandlerConfig{
			AuthToken:    token,
			MaxBodyBytes: *maxBodyBytes,
			Timeout:      *resolveTimeout,
			Logger:       log,
		}),
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("amount-resolver listening", "addr", *listenAddr, "attester", sealed.Attester().Hex(), "auth", token != "")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
