// Copyright (C) 2025 Datavision Labs.
// See LICENSE for copying information.

package packer

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/datavision-labs/easystore/pkg/des"
	"github.com/datavision-labs/easystore/pkg/source"
)

const maxRetries = 5

// permanent reports whether an error must not be retried: caller errors,
// corrupt containers, configuration problems, and shutdown. Everything
// else, including deadline expiry, is treated as transient.
func permanent(err error) bool {
	switch {
	case errors.Is(err, context.Canceled):
		return true
	case des.ErrInvalidName.Has(err), des.ErrNameConflict.Has(err), des.ErrCorrupt.Has(err):
		return true
	case source.ErrConfig.Has(err):
		return true
	}
	return false
}

// withRetry runs op with exponential backoff and jitter, retrying up to
// maxRetries times after the first attempt, honoring the permanent
// classification above.
func (p *Packer) withRetry(ctx context.Context, name string, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), maxRetries), ctx)
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := op()
		if err == nil {
			return nil
		}
		if permanent(err) {
			return backoff.Permanent(err)
		}
		p.log.Warn("transient failure, retrying",
			zap.String("op", name),
			zap.Int("attempt", attempt),
			zap.Error(err))
		mon.Counter("retries").Inc(1)
		return err
	}, policy)
}

func newBackOff() *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 0 // bounded by retry count and context
	return policy
}
