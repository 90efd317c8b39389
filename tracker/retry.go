package tracker

import (
	"context"

	"github.com/cenkalti/backoff/v4"

	"github.com/vaguilera/btprobe/apperrors"
)

// AnnounceWithRetry repeats t.Announce up to cfg.Retries extra times while it
// fails with a retryable kind (timeout, connection failure). Every other
// failure is returned at once.
func AnnounceWithRetry(ctx context.Context, t Tracker, req AnnounceRequest, cfg Config) (*AnnounceResult, error) {
	cfg = cfg.withDefaults()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryInitialInterval
	b.MaxElapsedTime = 0

	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)

	var res *AnnounceResult
	err := backoff.Retry(func() error {
		r, err := t.Announce(ctx, req)
		if err != nil {
			if !apperrors.KindOf(err).Retryable() {
				return backoff.Permanent(err)
			}
			return err
		}
		res = r
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}
	return res, nil
}
