// Package etcdop contains helpers for etcd sessions.
package etcdop

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/keboola/channel-distributer/internal/pkg/log"
	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
)

const DefaultSessionTTL = 15 // seconds

// OnSessionFn is called for each created session.
// It must not block, the work started by the callback should check <-session.Done().
type OnSessionFn func(session *concurrency.Session) error

// ResistantSession creates an etcd session with retries.
// If the session expires, for example during a longer network outage, a new session is created.
//
// The returned channel receives the initialization result, it is closed after:
//   - the first session creation,
//   - the first keep-alive request,
//   - the first OnSessionFn call.
//
// After a successful initialization, the session is re-created after each failure, until the ctx is done.
// On ctx done, the last session is closed, so its lease and all attached keys are revoked.
func ResistantSession(ctx context.Context, wg *sync.WaitGroup, logger log.Logger, client *etcd.Client, ttlSeconds int, onSession OnSessionFn) <-chan error {
	b := newSessionBackoff()
	startTime := time.Now()
	logger = logger.WithComponent("etcd-session")
	logger.Info(ctx, "creating etcd session")

	initDone := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()

		initialized := false
		stopInit := func(err error) {
			initDone <- err
			close(initDone)
		}

		for {
			if initialized {
				delay := b.NextBackOff()
				logger.Infof(ctx, "re-creating etcd session, backoff delay %s", delay)
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
			}

			session, err := concurrency.NewSession(client, concurrency.WithTTL(ttlSeconds), concurrency.WithContext(ctx))
			if err != nil {
				if !initialized {
					stopInit(errors.PrefixError(err, "cannot create etcd session"))
					return
				}
				if ctx.Err() != nil {
					return
				}
				logger.Errorf(ctx, "cannot create etcd session: %s", err)
				continue
			}

			// Wait for the first keep-alive, so the connection is checked before the initialization ends
			if !initialized {
				if _, err := client.KeepAliveOnce(ctx, session.Lease()); err != nil {
					_ = session.Close()
					stopInit(errors.PrefixError(err, "cannot keep alive etcd session"))
					return
				}
			}

			b.Reset()
			logger.Infof(ctx, "created etcd session | %s", time.Since(startTime))

			if err := onSession(session); err != nil {
				if !initialized {
					_ = session.Close()
					stopInit(err)
					return
				}
				logger.Errorf(ctx, "etcd session callback failed: %s", err)
			}

			if !initialized {
				initialized = true
				close(initDone)
			}

			select {
			case <-ctx.Done():
			case <-session.Done():
			}

			// The session keep-alive is bound to the ctx, so the session is done also on ctx cancellation
			if ctx.Err() == nil {
				logger.Warn(ctx, "etcd session has been lost")
				startTime = time.Now()
				continue
			}

			closeTime := time.Now()
			logger.Info(ctx, "closing etcd session")
			revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			_, err = client.Revoke(revokeCtx, session.Lease())
			cancel()
			if err != nil {
				logger.Warnf(ctx, "cannot close etcd session: %s", err)
			} else {
				logger.Infof(ctx, "closed etcd session | %s", time.Since(closeTime))
			}
			return
		}
	}()

	return initDone
}

func newSessionBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.2
	b.InitialInterval = 50 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 1 * time.Minute
	b.MaxElapsedTime = 0 // never stop
	b.Reset()
	return b
}
