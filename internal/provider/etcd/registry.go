package etcd

import (
	"context"
	"fmt"
	"strconv"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/cybertec-postgresql/localsync/internal/provider"
)

// Registry keeps the acknowledged server version of every device under
// <prefix>/devices/<deviceID>.
type Registry struct {
	client *clientv3.Client
	prefix string
}

// NewRegistry uses the provider's client and prefix
func (p *Provider) NewRegistry() *Registry {
	return &Registry{client: p.client, prefix: p.prefix + "/devices/"}
}

// Advance stores version for deviceID unless a higher one is already stored
func (r *Registry) Advance(ctx context.Context, deviceID string, version int64) error {
	key := r.prefix + deviceID
	resp, err := r.client.Get(ctx, key)
	if err != nil {
		return mapError(err)
	}
	cmp := clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
	if len(resp.Kvs) > 0 {
		current, _ := strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
		if current >= version {
			return nil
		}
		cmp = clientv3.Compare(clientv3.ModRevision(key), "=", resp.Kvs[0].ModRevision)
	}
	// a lost race means another writer for the same device moved it already
	_, err = r.client.Txn(ctx).If(cmp).Then(clientv3.OpPut(key, strconv.FormatInt(version, 10))).Commit()
	return mapError(err)
}

// MinAcknowledged returns the lowest version any registered device reported
func (r *Registry) MinAcknowledged(ctx context.Context) (int64, bool, error) {
	resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, false, mapError(err)
	}
	if len(resp.Kvs) == 0 {
		return 0, false, nil
	}
	var low int64 = -1
	for _, kv := range resp.Kvs {
		v, err := strconv.ParseInt(string(kv.Value), 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("corrupt registry entry %s: %w", kv.Key, err)
		}
		if low < 0 || v < low {
			low = v
		}
	}
	return low, true, nil
}

var (
	_ provider.DeviceRegistry = (*Registry)(nil)
	_ provider.Advertiser     = (*Registry)(nil)
)
