package sync

import (
	"encoding/json"
	"fmt"

	"github.com/cybertec-postgresql/localsync/internal/model"
	"github.com/cybertec-postgresql/localsync/internal/provider"
)

// Policy selects how remote changes are reconciled with local state
type Policy string

const (
	PolicyLWW   Policy = "lww"
	PolicyMerge Policy = "merge"
	PolicyCRDT  Policy = "crdt"
)

// ParsePolicy validates a policy name
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyLWW, PolicyMerge, PolicyCRDT:
		return p, nil
	}
	return "", fmt.Errorf("unknown conflict policy %q", s)
}

// Adapter is the compile-time registration of one synced table. It owns the
// typed shape of the table's payloads; the engine only moves raw JSON.
type Adapter interface {
	Table() string
	Policy() Policy
	Scope() provider.Scope
	// Normalize validates a local payload and returns its canonical encoding
	Normalize(payload json.RawMessage) (json.RawMessage, error)
	// Merge reconciles local and remote payloads for the merge and CRDT
	// policies. It returns model.ErrIrreconcilable when it cannot decide.
	Merge(local, remote json.RawMessage) (json.RawMessage, error)
	// Supports reports whether the adapter can run under p
	Supports(p Policy) bool
}

// TopicConfig describes a table whose payloads decode into T
type TopicConfig[T any] struct {
	Table  string
	Policy Policy
	Scope  provider.Scope
	// Validate rejects malformed local payloads
	Validate func(T) error
	// Merge is the field-level merge used by PolicyMerge
	Merge func(local, remote T) (T, error)
	// CRDT merges opaque payloads for PolicyCRDT
	CRDT func(local, remote json.RawMessage) (json.RawMessage, error)
}

type topic[T any] struct {
	cfg TopicConfig[T]
}

// NewTopic builds an Adapter from a typed topic description
func NewTopic[T any](cfg TopicConfig[T]) Adapter {
	if cfg.Policy == "" {
		cfg.Policy = PolicyLWW
	}
	return &topic[T]{cfg: cfg}
}

func (t *topic[T]) Table() string         { return t.cfg.Table }
func (t *topic[T]) Policy() Policy        { return t.cfg.Policy }
func (t *topic[T]) Scope() provider.Scope { return t.cfg.Scope }

func (t *topic[T]) Supports(p Policy) bool {
	switch p {
	case PolicyLWW:
		return true
	case PolicyMerge:
		return t.cfg.Merge != nil
	case PolicyCRDT:
		return t.cfg.CRDT != nil
	}
	return false
}

func (t *topic[T]) decode(payload json.RawMessage) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("%s: invalid payload: %w", t.cfg.Table, err)
	}
	return v, nil
}

func (t *topic[T]) Normalize(payload json.RawMessage) (json.RawMessage, error) {
	v, err := t.decode(payload)
	if err != nil {
		return nil, err
	}
	if t.cfg.Validate != nil {
		if err := t.cfg.Validate(v); err != nil {
			return nil, fmt.Errorf("%s: %w", t.cfg.Table, err)
		}
	}
	return json.Marshal(v)
}

func (t *topic[T]) Merge(local, remote json.RawMessage) (json.RawMessage, error) {
	switch t.cfg.Policy {
	case PolicyCRDT:
		if t.cfg.CRDT == nil {
			return nil, model.ErrUnsupported
		}
		return t.cfg.CRDT(local, remote)
	case PolicyMerge:
		if t.cfg.Merge == nil {
			return nil, model.ErrUnsupported
		}
		l, err := t.decode(local)
		if err != nil {
			return nil, err
		}
		r, err := t.decode(remote)
		if err != nil {
			return nil, err
		}
		merged, err := t.cfg.Merge(l, r)
		if err != nil {
			return nil, err
		}
		return json.Marshal(merged)
	}
	return nil, model.ErrUnsupported
}

type overridden struct {
	Adapter
	policy Policy
	scope  *provider.Scope
}

func (o *overridden) Policy() Policy {
	if o.policy != "" {
		return o.policy
	}
	return o.Adapter.Policy()
}

func (o *overridden) Scope() provider.Scope {
	if o.scope != nil {
		return *o.scope
	}
	return o.Adapter.Scope()
}

func (o *overridden) Merge(local, remote json.RawMessage) (json.RawMessage, error) {
	if o.policy == "" || o.policy == o.Adapter.Policy() {
		return o.Adapter.Merge(local, remote)
	}
	// the wrapped topic merges by its own policy; rebuild it for the override
	if t, ok := o.Adapter.(interface {
		mergeAs(Policy, json.RawMessage, json.RawMessage) (json.RawMessage, error)
	}); ok {
		return t.mergeAs(o.policy, local, remote)
	}
	return nil, model.ErrUnsupported
}

func (t *topic[T]) mergeAs(p Policy, local, remote json.RawMessage) (json.RawMessage, error) {
	c := *t
	c.cfg.Policy = p
	return c.Merge(local, remote)
}

// Override returns a with its policy and/or scope replaced. An empty policy
// or nil scope keeps the adapter's own.
func Override(a Adapter, policy Policy, scope *provider.Scope) (Adapter, error) {
	if policy != "" && !a.Supports(policy) {
		return nil, fmt.Errorf("table %s does not support policy %s", a.Table(), policy)
	}
	return &overridden{Adapter: a, policy: policy, scope: scope}, nil
}
