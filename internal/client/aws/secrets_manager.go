// Package aws wraps the AWS SDK clients used by sponsorkit. Key material for
// the sponsor and authorizer accounts is resolved through Secrets Manager in
// deployed stages, with plain environment variables as the local fallback.
package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"go.uber.org/zap"

	"github.com/emberlane/sponsorkit/internal/logger"
)

// SecretsManagerClient wraps the AWS Secrets Manager client.
type SecretsManagerClient struct {
	svc *secretsmanager.Client
	cfg aws.Config
}

// NewSecretsManagerClient creates and initializes a new Secrets Manager client.
// It uses the default AWS configuration chain (environment variables, shared
// config, IAM role).
func NewSecretsManagerClient(ctx context.Context) (*SecretsManagerClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}

	return &SecretsManagerClient{
		svc: secretsmanager.NewFromConfig(cfg),
		cfg: cfg,
	}, nil
}

// GetSecretString fetches a secret string using an ARN read from
// secretArnEnvVar. If the ARN variable is unset or the fetch fails, it falls
// back to reading the value directly from fallbackEnvVar. Secrets stored as a
// single-key JSON object are unwrapped to that key's value.
func (c *SecretsManagerClient) GetSecretString(ctx context.Context, secretArnEnvVar, fallbackEnvVar string) (string, error) {
	secretArn := os.Getenv(secretArnEnvVar)

	if secretArn != "" {
		input := &secretsmanager.GetSecretValueInput{
			SecretId: aws.String(secretArn),
		}

		result, err := c.svc.GetSecretValue(ctx, input)
		if err == nil && result.SecretString != nil && *result.SecretString != "" {
			fetched := *result.SecretString

			var secretJSON map[string]string
			if jsonErr := json.Unmarshal([]byte(fetched), &secretJSON); jsonErr == nil && len(secretJSON) == 1 {
				for key, value := range secretJSON {
					logger.Log.Debug("Fetched secret from Secrets Manager (single-key JSON)",
						zap.String("secret_arn", secretArn),
						zap.String("json_key", key),
					)
					return value, nil
				}
			}
			logger.Log.Debug("Fetched secret from Secrets Manager", zap.String("secret_arn", secretArn))
			return fetched, nil
		}
		if err != nil {
			logger.Log.Warn("Secrets Manager fetch failed, falling back to environment",
				zap.String("secret_arn", secretArn),
				zap.Error(err),
			)
		}
	}

	if value := os.Getenv(fallbackEnvVar); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("secret not available from %s or %s", secretArnEnvVar, fallbackEnvVar)
}
