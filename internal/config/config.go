// Package config loads service configuration from the environment. A local
// .env file is honored when present; deployed stages resolve key material
// through AWS Secrets Manager with environment-variable fallback.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/emberlane/sponsorkit/internal/client/aws"
	"github.com/emberlane/sponsorkit/internal/logger"
)

// Config holds the runtime configuration of the relay service and CLI tools.
type Config struct {
	Stage string
	Port  string

	// Chain access. RPCURL may be empty for offline/devnet use; handlers
	// degrade to build-only behavior without it.
	RPCURL  string
	ChainID uint64

	// Hex-encoded private keys. SponsorKey pays gas; AuthorizerKey is only
	// set in demo and test environments.
	SponsorKey    string
	AuthorizerKey string

	// DelegateAddress is the batch-call delegate contract.
	DelegateAddress string
	// TokenAddress is the authorization-consuming token contract.
	TokenAddress string

	// DatabaseURL enables the Postgres-backed token store when set.
	DatabaseURL string

	// DeploymentsDir is where deployment records are written.
	DeploymentsDir string
}

// Load reads configuration from .env (best effort) and the environment,
// resolving secrets where ARNs are configured.
func Load(ctx context.Context) (*Config, error) {
	if err := godotenv.Load(); err == nil {
		logger.Log.Debug("Loaded environment from .env file")
	}

	cfg := &Config{
		Stage:           getEnv("STAGE", "dev"),
		Port:            getEnv("PORT", "8080"),
		RPCURL:          os.Getenv("RPC_URL"),
		DelegateAddress: os.Getenv("DELEGATE_ADDRESS"),
		TokenAddress:    os.Getenv("TOKEN_ADDRESS"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		DeploymentsDir:  getEnv("DEPLOYMENTS_DIR", "deployments"),
	}

	chainID := getEnv("CHAIN_ID", "31337")
	parsed, err := strconv.ParseUint(chainID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("config: CHAIN_ID %q is not an unsigned integer: %w", chainID, err)
	}
	cfg.ChainID = parsed

	cfg.SponsorKey, err = resolveSecret(ctx, "SPONSOR_KEY_SECRET_ARN", "SPONSOR_PRIVATE_KEY")
	if err != nil {
		return nil, err
	}
	// The authorizer key is optional outside demos; ignore resolution failure.
	cfg.AuthorizerKey, _ = resolveSecret(ctx, "AUTHORIZER_KEY_SECRET_ARN", "AUTHORIZER_PRIVATE_KEY")

	logger.Log.Info("Configuration loaded",
		zap.String("stage", cfg.Stage),
		zap.Uint64("chain_id", cfg.ChainID),
		zap.Bool("rpc_configured", cfg.RPCURL != ""),
		zap.Bool("database_configured", cfg.DatabaseURL != ""),
	)
	return cfg, nil
}

// resolveSecret goes through Secrets Manager when an ARN is configured,
// otherwise straight to the fallback environment variable.
func resolveSecret(ctx context.Context, arnEnvVar, fallbackEnvVar string) (string, error) {
	if os.Getenv(arnEnvVar) == "" {
		return os.Getenv(fallbackEnvVar), nil
	}

	client, err := aws.NewSecretsManagerClient(ctx)
	if err != nil {
		return "", fmt.Errorf("config: creating secrets manager client: %w", err)
	}
	value, err := client.GetSecretString(ctx, arnEnvVar, fallbackEnvVar)
	if err != nil {
		return "", fmt.Errorf("config: resolving %s: %w", arnEnvVar, err)
	}
	return value, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
