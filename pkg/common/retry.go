package common

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ahrav/scan-delegation/pkg/common/logger"
)

// ConnectWithRetry runs connect with exponential backoff until it succeeds,
// maxElapsed passes, or ctx is done. It smooths over dependencies (postgres,
// kafka) that come up after the service during rolling deploys.
func ConnectWithRetry[T any](
	ctx context.Context,
	log *logger.Logger,
	name string,
	maxElapsed time.Duration,
	connect func(ctx context.Context) (T, error),
) (T, error) {
	var out T

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = maxElapsed
	expBackoff.InitialInterval = time.Second

	operation := func() error {
		var err error
		out, err = connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			log.Warn(ctx, "Connection attempt failed, will retry", "dependency", name, "error", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		return out, fmt.Errorf("failed to connect to %s after retries: %w", name, err)
	}

	return out, nil
}
