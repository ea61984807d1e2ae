package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dukex/conveyor/pkg/deploy"
	"github.com/dukex/conveyor/pkg/identity"
	"github.com/dukex/conveyor/pkg/keylock"
	"github.com/dukex/conveyor/pkg/remote"
)

const remoteTimeout = 10 * time.Second

// NewSerializer returns the in-process serializer for "" or "memory" and a Redis lease serializer for a
// redis:// URL.
func NewSerializer(ctx context.Context, url string, logger *slog.Logger) (keylock.Serializer, func() error, error) {
	if url == "" || url == "memory" {
		return keylock.NewLocal(logger), func() error { return nil }, nil
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid keylock url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, nil, fmt.Errorf("failed to reach redis: %w", err)
	}

	logger.InfoContext(ctx, "Using redis serializer", "addr", opts.Addr)

	return keylock.NewRedis(client, keylock.RedisOptions{}, logger), client.Close, nil
}

// NewDirectory returns the identity service client, or an empty static directory when no URL is set.
func NewDirectory(ctx context.Context, iamURL string, logger *slog.Logger) identity.Directory {
	if iamURL == "" {
		logger.WarnContext(ctx, "No identity service configured; audit candidates cannot be resolved")

		return identity.NewStatic()
	}

	return identity.NewIAMClient(remote.Config{BaseURL: iamURL, Timeout: remoteTimeout}, logger)
}

// NewDeployer returns the deployment service client, or a dry-run deployer when no URL is set.
func NewDeployer(ctx context.Context, deployURL string, logger *slog.Logger) deploy.Deployer {
	if deployURL == "" {
		logger.WarnContext(ctx, "No deployment service configured; deploy stages run dry")

		return deploy.NewDryRun(logger)
	}

	return deploy.NewHTTPDeployer(remote.Config{BaseURL: deployURL, Timeout: remoteTimeout}, logger)
}
