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

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/veil-vest/veil-vest/internal/api"
	"github.com/veil-vest/veil-vest/internal/artifacts"
	"github.com/veil-vest/veil-vest/internal/claim"
	claimpg "github.com/veil-vest/veil-vest/internal/claim/postgres"
	"github.com/veil-vest/veil-vest/internal/eth"
	"github.com/veil-vest/veil-vest/internal/ledger"
	"github.com/veil-vest/veil-vest/internal/ledger/evm"
	"github.com/veil-vest/veil-vest/internal/queue"
	"github.com/veil-vest/veil-vest/internal/resolver"
	"github.com/veil-vest/veil-vest/internal/secrets"
	"github.com/veil-vest/veil-vest/internal/session"
)

const driverNone = "none"

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:8090", "HTTP listen address")

		chainID      = flag.Uint64("chain-id", 0, "chain id of the vesting ledger (required)")
		contractAddr = flag.String("contract", "", "VeilVest contract address (required)")

		secretsDriver = flag.String("secrets-driver", "env", "secret source (env|aws|chain)")
		signerKey     = flag.String("signer-key", "VEILVEST_SIGNER_KEY", "secret name of the claim signer's private key (evm ledger)")
		attesterKey   = flag.String("attester-key", "VEILVEST_ATTESTER_KEY", "secret name of the attester private key (sealed resolver)")
		sealingSecret = flag.String("sealing-secret", "VEILVEST_SEALING_SECRET", "secret name of the amount sealing secret (sealed resolver)")

		ledgerDriver       = flag.String("ledger-driver", "evm", "ledger driver (evm|memory)")
		rpcURL             = flag.String("rpc-url", "", "EVM JSON-RPC URL (evm ledger)")
		minConfirmations   = flag.Uint64("min-confirmations", 1, "blocks before a claim transaction is final")
		gasLimitMultiplier = flag.Float64("gas-limit-multiplier", 1.2, "multiplier applied to gas estimates")
		minTipCapWei       = flag.Int64("min-tip-cap-wei", 1_000_000_000, "minimum priority fee in wei")
		connectSigner      = flag.Bool("connect-signer", true, "connect the signer account to the session at startup (evm ledger)")
		memorySeedFile     = flag.String("memory-seed-file", "", "JSON records to load into the memory ledger")
		memoryConfirmAfter = flag.Int("memory-confirm-after", 2, "status polls before a memory ledger transaction is mined")

		resolverDriver   = flag.String("resolver-driver", "sealed", "amount resolver (sealed|http)")
		resolverURL      = flag.String("resolver-url", "", "attestation service base URL (http resolver)")
		resolverTokenEnv = flag.String("resolver-token-env", "", "env var holding the attestation service bearer token")
		resolverTimeout  = flag.Duration("resolver-timeout", 30*time.Second, "attestation service request timeout")

		journalDriver = flag.String("journal-driver", "memory", "transition journal (postgres|memory)")
		postgresDSN   = flag.String("postgres-dsn", "", "Postgres DSN (postgres journal)")

		artifactsDriver = flag.String("artifacts-driver", driverNone, "proof artifact archive (s3|memory|none)")
		artifactsBucket = flag.String("artifacts-bucket", "", "S3 bucket for proof artifacts")
		artifactsPrefix = flag.String("artifacts-prefix", "", "object key prefix for proof artifacts")

		queueDriver      = flag.String("queue-driver", driverNone, "queue driver (kafka|nats|stdio|none)")
		queueBrokers     = flag.String("queue-brokers", "", "Kafka brokers (comma-separated)")
		queueTLS         = flag.Bool("queue-tls", false, "use TLS for Kafka connections")
		natsURL          = flag.String("nats-url", "", "NATS server URL")
		queueGroup       = flag.String("queue-group", "claim-orchestrator", "consumer group for claim requests")
		requestsTopic    = flag.String("requests-topic", claim.DefaultRequestsTopic, "topic carrying claim requests")
		transitionsTopic = flag.String("transitions-topic", claim.DefaultTransitionsTopic, "topic receiving claim transitions")

		pollInterval   = flag.Duration("poll-interval", 2*time.Second, "confirmation poll interval")
		maxPollBackoff = flag.Duration("max-poll-backoff", 30*time.Second, "confirmation poll backoff cap")

		rateLimitPerSecond = flag.Float64("rate-limit-per-ip-per-second", 20, "per-IP refill rate for API rate limiting")
		rateLimitBurst     = flag.Int("rate-limit-burst", 40, "per-IP burst capacity for API rate limiting")
		rateLimitMaxIPs    = flag.Int("rate-limit-max-tracked-ips", 10000, "maximum tracked client IP entries in rate limiter")

		readHeaderTimeout = flag.Duration("read-header-timeout", 5*time.Second, "http.Server ReadHeaderTimeout")
		readTimeout       = flag.Duration("read-timeout", 10*time.Second, "http.Server ReadTimeout")
		writeTimeout      = flag.Duration("write-timeout", 10*time.Second, "http.Server WriteTimeout")
		idleTimeout       = flag.Duration("idle-timeout", 60*time.Second, "http.Server IdleTimeout")
	)
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *chainID == 0 || !common.IsHexAddress(strings.TrimSpace(*contractAddr)) {
		fmt.Fprintln(os.Stderr, "error: --chain-id and a valid --contract are required")
		os.Exit(2)
	}
	if *listenAddr == "" {
		fmt.Fprintln(os.Stderr, "error: --listen must be non-empty")
		os.Exit(2)
	}
	if *readHeaderTimeout <= 0 || *readTimeout <= 0 || *writeTimeout <= 0 || *idleTimeout <= 0 {
		fmt.Fprintln(os.Stderr, "error: timeouts must be > 0")
		os.Exit(2)
	}
	if *pollInterval <= 0 || *maxPollBackoff < *pollInterval {
		fmt.Fprintln(os.Stderr, "error: --poll-interval must be > 0 and <= --max-poll-backoff")
		os.Exit(2)
	}
	if *rateLimitPerSecond <= 0 || *rateLimitBurst <= 0 || *rateLimitMaxIPs <= 0 {
		fmt.Fprintln(os.Stderr, "error: rate limit settings must be > 0")
		os.Exit(2)
	}
	if *ledgerDriver == "memory" && *resolverDriver != "sealed" {
		fmt.Fprintln(os.Stderr, "error: --ledger-driver=memory verifies proofs with the sealed resolver; use --resolver-driver=sealed")
		os.Exit(2)
	}
	contract := common.HexToAddress(strings.TrimSpace(*contractAddr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := newSecretsProvider(ctx, *secretsDriver)
	if err != nil {
		log.Error("init secrets provider", "err", err)
		os.Exit(2)
	}

	sess := session.New(time.Now)
	go watchSession(ctx, sess, *chainID, log)

	var res resolver.Resolver
	var sealed *resolver.Sealed
	switch *resolverDriver {
	case "sealed":
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
		sealed, err = resolver.NewSealed(resolver.SealedConfig{
			ChainID:       new(big.Int).SetUint64(*chainID),
			Contract:      contract,
			Attester:      attester,
			SealingSecret: secret,
		})
		if err != nil {
			log.Error("init sealed resolver", "err", err)
			os.Exit(2)
		}
		res = sealed
		log.Info("sealed resolver enabled", "attester", sealed.Attester().Hex())
	case "http":
		token := ""
		if *resolverTokenEnv != "" {
			token = strings.TrimSpace(os.Getenv(*resolverTokenEnv))
		}
		res, err = resolver.NewClient(*resolverURL, token, resolver.WithHTTPClient(&http.Client{Timeout: *resolverTimeout}))
		if err != nil {
			log.Error("init resolver client", "err", err)
			os.Exit(2)
		}
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --resolver-driver %q\n", *resolverDriver)
		os.Exit(2)
	}

	var client ledger.Client
	switch *ledgerDriver {
	case "evm":
		if strings.TrimSpace(*rpcURL) == "" {
			fmt.Fprintln(os.Stderr, "error: --rpc-url is required for --ledger-driver=evm")
			os.Exit(2)
		}
		key, err := secrets.LoadPrivateKey(ctx, provider, *signerKey)
		if err != nil {
			log.Error("load signer key", "err", err)
			os.Exit(2)
		}
		ec, err := ethclient.DialContext(ctx, *rpcURL)
		if err != nil {
			log.Error("dial rpc", "err", err)
			os.Exit(2)
		}
		defer ec.Close()

		remoteChainID, err := ec.ChainID(ctx)
		if err != nil {
			log.Error("read rpc chain id", "err", err)
			os.Exit(2)
		}
		if !remoteChainID.IsUint64() || remoteChainID.Uint64() != *chainID {
			log.Error("rpc chain id mismatch", "want", *chainID, "got", remoteChainID.String())
			os.Exit(2)
		}

		sender, err := eth.NewSender(ec, eth.NewLocalSigner(key), eth.SenderConfig{
			ChainID:            remoteChainID,
			GasLimitMultiplier: *gasLimitMultiplier,
			MinTipCap:          big.NewInt(*minTipCapWei),
		})
		if err != nil {
			log.Error("init sender", "err", err)
			os.Exit(2)
		}
		pendingNonce, err := sender.SyncNonce(ctx)
		if err != nil {
			log.Error("read signer nonce", "err", err)
			os.Exit(2)
		}
		client, err = evm.New(ec, sender, evm.Config{Contract: contract, MinConfirmations: *minConfirmations})
		if err != nil {
			log.Error("init ledger client", "err", err)
			os.Exit(2)
		}
		if *connectSigner {
			if err := sess.Connect(session.Identity{Account: crypto.PubkeyToAddress(key.PublicKey), ChainID: *chainID}); err != nil {
				log.Error("connect signer", "err", err)
				os.Exit(2)
			}
		}
		log.Info("evm ledger enabled", "contract", contract.Hex(), "from", sender.From().Hex(), "pendingNonce", pendingNonce)
	case "memory":
		mem := ledger.NewMemory(ledger.MemoryConfig{
			Verifier:     sealed,
			ConfirmAfter: *memoryConfirmAfter,
		})
		if *memorySeedFile != "" {
			n, err := loadSeed(*memorySeedFile, mem)
			if err != nil {
				log.Error("load memory seed", "err", err)
				os.Exit(2)
			}
			log.Info("memory ledger seeded", "records", n)
		}
		client = &sessionClient{Memory: mem, session: sess}
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --ledger-driver %q\n", *ledgerDriver)
		os.Exit(2)
	}

	var journal claim.Journal
	switch *journalDriver {
	case "memory":
		journal = claim.NewMemoryJournal()
	case "postgres":
		if *postgresDSN == "" {
			fmt.Fprintln(os.Stderr, "error: --postgres-dsn is required for --journal-driver=postgres")
			os.Exit(2)
		}
		pool, err := pgxpool.New(ctx, *postgresDSN)
		if err != nil {
			log.Error("init pgx pool", "err", err)
			os.Exit(2)
		}
		defer pool.Close()

		store, err := claimpg.New(pool)
		if err != nil {
			log.Error("init journal store", "err", err)
			os.Exit(2)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			log.Error("ensure journal schema", "err", err)
			os.Exit(2)
		}
		journal = store
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --journal-driver %q\n", *journalDriver)
		os.Exit(2)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	orch, err := claim.New(claim.Config{
		ChainID:        *chainID,
		Contract:       contract,
		PollInterval:   *pollInterval,
		MaxPollBackoff: *maxPollBackoff,
	}, sess, client, res, journal, log)
	if err != nil {
		log.Error("init orchestrator", "err", err)
		os.Exit(2)
	}
	orch.WithMetrics(claim.NewMetrics(reg))

	switch *artifactsDriver {
	case driverNone:
	case artifacts.DriverMemory, artifacts.DriverS3:
		cfg := artifacts.Config{Driver: *artifactsDriver, Prefix: *artifactsPrefix, Bucket: *artifactsBucket}
		if *artifactsDriver == artifacts.DriverS3 {
			awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				log.Error("load aws config", "err", err)
				os.Exit(2)
			}
			cfg.S3Client = awss3.NewFromConfig(awsCfg)
		}
		archive, err := artifacts.New(cfg)
		if err != nil {
			log.Error("init artifact archive", "err", err)
			os.Exit(2)
		}
		orch.WithArchive(archive)
	default:
		fmt.Fprintf(os.Stderr, "error: unsupported --artifacts-driver %q\n", *artifactsDriver)
		os.Exit(2)
	}

	workerErr := make(chan error, 1)
	if *queueDriver != driverNone {
		producer, err := queue.NewProducer(queue.ProducerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitCommaList(*queueBrokers),
			TLS:     *queueTLS,
			NATSURL: *natsURL,
		})
		if err != nil {
			log.Error("init queue producer", "err", err)
			os.Exit(2)
		}
		defer producer.Close()

		sink, err := claim.NewQueueSink(producer, *transitionsTopic)
		if err != nil {
			log.Error("init transition sink", "err", err)
			os.Exit(2)
		}
		orch.WithSinks(sink)

		consumer, err := queue.NewConsumer(ctx, queue.ConsumerConfig{
			Driver:  *queueDriver,
			Brokers: queue.SplitCommaList(*queueBrokers),
			Group:   *queueGroup,
			Topics:  []string{*requestsTopic},
			TLS:     *queueTLS,
			NATSURL: *natsURL,
		})
		if err != nil {
			log.Error("init queue consumer", "err", err)
			os.Exit(2)
		}
		defer consumer.Close()

		worker, err := claim.NewRequestWorker(consumer, orch, log)
		if err != nil {
			log.Error("init request worker", "err", err)
			os.Exit(2)
		}
		go func() { workerErr <- worker.Run(ctx) }()
		log.Info("claim queue enabled", "driver", *queueDriver, "requests", *requestsTopic, "transitions", *transitionsTopic)
	}

	handler, err := api.NewHandler(api.Config{
		ChainID:                 *chainID,
		Contract:                contract,
		RateLimitPerIPPerSecond: *rateLimitPerSecond,
		RateLimitBurst:          *rateLimitBurst,
		RateLimitMaxTrackedIPs:  *rateLimitMaxIPs,
		Gatherer:                reg,
		Now:                     time.Now,
	}, client, sess, orch)
	if err != nil {
		log.Error("init api handler", "err", err)
		os.Exit(2)
	}

	srv := &http.Server{
		Addr:              *listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: *readHeaderTimeout,
		ReadTimeout:       *readTimeout,
		WriteTimeout:      *writeTimeout,
		IdleTimeout:       *idleTimeout,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("claim-orchestrator listening", "addr", *listenAddr, "chainID", *chainID, "contract", contract.Hex())
		errCh <- srv.ListenAndServe()
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		log.Info("shutdown", "reason", ctx.Err())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			exitCode = 1
		}
	case err := <-workerErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("request worker stopped", "err", err)
			exitCode = 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	orch.Close()
	if exitCode != 0 {
		os.Exit(exitCode)
	}
}

func newSecretsProvider(ctx context.Context, driver string) (secrets.Provider, error) {
	switch driver {
	case "env":
		return secrets.NewEnv(), nil
	case "aws":
		p, err := secrets.NewAWS(ctx)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "chain":
		aws, err := secrets.NewAWS(ctx)
		if err != nil {
			return nil, err
		}
		return secrets.Chain{secrets.NewEnv(), aws}, nil
	default:
		return nil, fmt.Errorf("unsupported secrets driver %q", driver)
	}
}
