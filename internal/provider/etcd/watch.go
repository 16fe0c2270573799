package etcd

import (
	"context"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/cybertec-postgresql/localsync/internal/retry"
)

// watchWithRecovery streams events under prefix after startRevision and
// re-establishes the watch when it fails. The channel closes once ctx is done.
func (p *Provider) watchWithRecovery(ctx context.Context, prefix string, startRevision int64) <-chan *clientv3.Event {
	events := make(chan *clientv3.Event)

	go func() {
		defer close(events)
		currentRevision := startRevision
		backoff := retry.EtcdDefaults().CreateBackoff()

		for ctx.Err() == nil {
			attemptCtx, cancel := context.WithCancel(ctx)
			watchChan := p.client.Watch(clientv3.WithRequireLeader(attemptCtx), prefix,
				clientv3.WithPrefix(), clientv3.WithRev(currentRevision+1))

			for watchResp := range watchChan {
				if watchResp.CompactRevision > currentRevision {
					// events in between are gone; pull will catch up on them
					currentRevision = watchResp.CompactRevision - 1
				}
				if err := watchResp.Err(); err != nil {
					p.logger.WithError(err).Warn("etcd watch error, attempting to restart")
					break
				}
				for _, ev := range watchResp.Events {
					if ev.Kv.ModRevision > currentRevision {
						currentRevision = ev.Kv.ModRevision
					}
					select {
					case events <- ev:
					case <-ctx.Done():
						cancel()
						return
					}
				}
			}
			cancel()
			if ctx.Err() != nil {
				return
			}

			delay, stop := backoff.Next()
			if stop {
				backoff = retry.EtcdDefaults().CreateBackoff()
				delay = time.Second
			}
			p.logger.WithField("revision", currentRevision).WithField("delay", delay).Info("Restarting etcd watch")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
	}()

	return events
}
