package memory

import (
	"context"
	"sync"

	"github.com/cybertec-postgresql/localsync/internal/provider"
)

// Registry tracks the server version every known device has pulled up to
type Registry struct {
	mu      sync.Mutex
	devices map[string]int64
}

// NewRegistry returns a registry knowing the given devices at version 0
func NewRegistry(devices ...string) *Registry {
	r := &Registry{devices: make(map[string]int64)}
	for _, d := range devices {
		r.devices[d] = 0
	}
	return r
}

// Advance records that device has observed everything up to version
func (r *Registry) Advance(_ context.Context, device string, version int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version > r.devices[device] {
		r.devices[device] = version
	}
	return nil
}

// MinAcknowledged returns the lowest acknowledged version; ok is false for an empty registry
func (r *Registry) MinAcknowledged(context.Context) (int64, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.devices) == 0 {
		return 0, false, nil
	}
	first := true
	var low int64
	for _, v := range r.devices {
		if first || v < low {
			low, first = v, false
		}
	}
	return low, true, nil
}

var (
	_ provider.DeviceRegistry = (*Registry)(nil)
	_ provider.Advertiser     = (*Registry)(nil)
)
