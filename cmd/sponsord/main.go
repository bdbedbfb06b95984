// Command sponsord runs the delegated-transaction relay. It validates signed
// authorization tuples, wraps batch calls in sponsor-signed transactions, and
// submits them to a live RPC endpoint or, when none is configured, to an
// embedded devnet.
package main

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/emberlane/sponsorkit/internal/chain"
	"github.com/emberlane/sponsorkit/internal/config"
	"github.com/emberlane/sponsorkit/internal/devnet"
	"github.com/emberlane/sponsorkit/internal/ethsign"
	"github.com/emberlane/sponsorkit/internal/handlers"
	"github.com/emberlane/sponsorkit/internal/logger"
	"github.com/emberlane/sponsorkit/internal/server"
	"github.com/emberlane/sponsorkit/internal/token"
)

const defaultTokenAddr = "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"

const defaultGasLimit = 500_000

var (
	defaultTip    = big.NewInt(1_000_000_000)
	defaultMaxFee = big.NewInt(30_000_000_000)

	// devnetFunding seeds the sponsor account on the embedded devnet.
	devnetFunding = new(big.Int).Exp(big.NewInt(10), big.NewInt(21), nil)
)

func main() {
	stage := os.Getenv("STAGE")
	if stage == "" {
		stage = "dev"
	}
	logger.InitLogger(stage)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(ctx)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if cfg.SponsorKey == "" {
		logger.Fatal("Sponsor key is required (SPONSOR_PRIVATE_KEY or SPONSOR_KEY_SECRET_ARN)")
	}
	sponsorKey, err := ethsign.ParseKey(cfg.SponsorKey)
	if err != nil {
		logger.Fatal("Failed to parse sponsor key", zap.Error(err))
	}

	backend, cleanup, err := buildBackend(ctx, cfg, ethsign.AddressOf(sponsorKey))
	if err != nil {
		logger.Fatal("Failed to initialize backend", zap.Error(err))
	}
	defer cleanup()

	handler := handlers.NewDelegationHandler(backend, handlers.SponsorConfig{
		ChainID:              cfg.ChainID,
		SponsorKey:           sponsorKey,
		MaxPriorityFeePerGas: defaultTip,
		MaxFeePerGas:         defaultMaxFee,
		GasLimit:             defaultGasLimit,
	})
	router := server.NewRouter(server.Options{
		Stage:      cfg.Stage,
		ChainID:    cfg.ChainID,
		Delegation: handler,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Relay listening",
			zap.String("addr", srv.Addr),
			zap.Uint64("chain_id", cfg.ChainID),
			zap.String("sponsor", ethsign.AddressOf(sponsorKey).Hex()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}

// buildBackend dials the configured RPC endpoint, or assembles the embedded
// devnet when none is set. The devnet's token ledger goes to Postgres when
// DATABASE_URL is configured and to memory otherwise.
func buildBackend(ctx context.Context, cfg *config.Config, sponsor common.Address) (handlers.Backend, func(), error) {
	if cfg.RPCURL != "" {
		client, err := chain.Dial(ctx, cfg.RPCURL, logger.Log)
		if err != nil {
			return nil, nil, err
		}
		return &server.RPCBackend{Client: client}, client.Close, nil
	}

	tokenAddr := common.HexToAddress(cfg.TokenAddress)
	if tokenAddr == (common.Address{}) {
		tokenAddr = common.HexToAddress(defaultTokenAddr)
	}

	var store token.Store
	cleanup := func() {}
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		pg := token.NewPostgresStore(pool, tokenAddr)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		store = pg
		cleanup = pool.Close
	} else {
		store = token.NewMemoryStore()
	}

	tok, err := token.New(token.Config{
		Name:     "Sponsorkit Devnet Token",
		Symbol:   "SDT",
		Decimals: 6,
		ChainID:  cfg.ChainID,
		Address:  tokenAddr,
	}, store)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	dev := devnet.New(cfg.ChainID, tok, logger.Log)
	dev.FundNative(sponsor, devnetFunding)

	logger.Info("Running against embedded devnet",
		zap.Uint64("chain_id", cfg.ChainID),
		zap.String("token", tokenAddr.Hex()),
		zap.Bool("postgres", cfg.DatabaseURL != ""),
	)
	return &server.DevnetBackend{Chain: dev}, cleanup, nil
}
