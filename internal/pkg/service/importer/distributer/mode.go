package distributer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/keboola/channel-distributer/internal/pkg/service/common/coordination"
	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
)

// SetOperationMode changes the cluster-wide operation mode.
// All hosts deliver the new mode to all registered callbacks, see ChannelChangeCallback.OnClusterStateChange.
func (d *Distributer) SetOperationMode(ctx context.Context, mode OperationMode) error {
	if d.closed.Load() {
		return ErrShutdown
	}
	if err := mode.Validate(); err != nil {
		return newConfigError(err)
	}

	attempts := 0
	op := func() error {
		attempts++
		node, err := d.session.Get(ctx, ModePath)
		if err != nil {
			return retryable(err)
		}
		current, err := decodeBlob[modeBlob](node)
		if err != nil {
			return backoff.Permanent(err)
		}
		if current.Mode == mode {
			return nil
		}
		data, err := encodeBlob(modeBlob{Mode: mode})
		if err != nil {
			return backoff.Permanent(err)
		}
		_, err = d.session.SetIfVersion(ctx, ModePath, data, node.Version)
		return retryable(err)
	}

	notify := func(err error, delay time.Duration) {
		d.logger.Warnf(ctx, "cannot set operation mode, retry in %s: %s", delay, err)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(d.registry.newBackoff(), d.config.Registry.MaxRetries), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if coordination.IsTransient(err) {
			return RetryExhaustedError{Path: ModePath, Attempts: attempts, err: err}
		}
		return errors.PrefixError(err, "cannot set operation mode")
	}

	d.logger.Infof(ctx, `operation mode set to "%s"`, mode)
	return nil
}

// OperationMode returns the last observed cluster operation mode.
func (d *Distributer) OperationMode() VersionedOperationMode {
	return d.notifier.Mode()
}
