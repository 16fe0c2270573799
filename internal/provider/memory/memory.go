// Package memory is an in-process canonical store that implements
// provider.Provider. It versions every applied op with a global counter,
// deduplicates pushes by op id and can inject the transport faults the
// engine has to survive.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/cybertec-postgresql/localsync/internal/model"
	"github.com/cybertec-postgresql/localsync/internal/provider"
)

type record struct {
	change model.SyncChange
}

type subscription struct {
	scope    provider.Scope
	onChange func(model.SyncChange)
}

// Provider is safe for concurrent use
type Provider struct {
	mu       sync.Mutex
	version  int64
	records  map[string]*record
	applied  map[string]int64
	applies  map[string]int
	subs     map[string]subscription
	blobs    map[string][]byte
	disposed bool

	// faults
	retainFrom   int64
	failNext     int
	failErr      error
	loseNext     int
	failOps      map[string]error
	maxBatchOps  int
	unauthorized bool
	pushCalls    int
}

// New returns an empty provider
func New() *Provider {
	return &Provider{
		records: make(map[string]*record),
		applied: make(map[string]int64),
		applies: make(map[string]int),
		subs:    make(map[string]subscription),
		blobs:   make(map[string][]byte),
		failOps: make(map[string]error),
	}
}

func recordKey(table, pk string) string {
	return table + "\x00" + pk
}

// ParseCursor decodes the cursors this provider hands out
func ParseCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor %q: %w", cursor, err)
	}
	return v, nil
}

func (p *Provider) Subscribe(_ context.Context, table string, scope provider.Scope, onChange func(model.SyncChange)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unauthorized {
		return model.ErrUnauthorized
	}
	p.subs[table] = subscription{scope: scope, onChange: onChange}
	return nil
}

func (p *Provider) Unsubscribe(table string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.subs, table)
	return nil
}

func (p *Provider) Pull(ctx context.Context, table, cursor string, limit int) (model.PullPage, error) {
	if err := ctx.Err(); err != nil {
		return model.PullPage{}, err
	}
	from, err := ParseCursor(cursor)
	if err != nil {
		return model.PullPage{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unauthorized {
		return model.PullPage{}, model.ErrUnauthorized
	}
	if from > 0 && from < p.retainFrom {
		return model.PullPage{}, fmt.Errorf("cursor %d older than retention %d: %w", from, p.retainFrom, model.ErrCursorExpired)
	}

	var newer []model.SyncChange
	for _, r := range p.records {
		if r.change.Table == table && r.change.Stamp.ServerVersion > from {
			newer = append(newer, r.change)
		}
	}
	sort.Slice(newer, func(i, j int) bool { return newer[i].Stamp.ServerVersion < newer[j].Stamp.ServerVersion })

	page := model.PullPage{Done: true, NextCursor: strconv.FormatInt(max(p.version, from), 10)}
	if limit > 0 && len(newer) > limit {
		newer = newer[:limit]
		page.Done = false
		page.NextCursor = strconv.FormatInt(newer[len(newer)-1].Stamp.ServerVersion, 10)
	}
	page.Changes = newer
	return page, nil
}

func (p *Provider) Push(ctx context.Context, batch []model.PendingOp) ([]model.PerOpResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.pushCalls++
	if p.unauthorized {
		p.mu.Unlock()
		return nil, model.ErrUnauthorized
	}
	if p.failNext > 0 {
		p.failNext--
		err := p.failErr
		p.mu.Unlock()
		return nil, err
	}
	if p.maxBatchOps > 0 && len(batch) > p.maxBatchOps {
		p.mu.Unlock()
		return nil, fmt.Errorf("batch of %d ops: %w", len(batch), model.ErrPayloadTooLarge)
	}

	results := make([]model.PerOpResult, len(batch))
	var notify []model.SyncChange
	for i, op := range batch {
		results[i].OpID = op.OpID
		if err, ok := p.failOps[op.OpID]; ok {
			results[i].Err = &model.OpError{OpID: op.OpID, Err: err}
			continue
		}
		if sv, done := p.applied[op.OpID]; done {
			results[i].OK, results[i].ServerVersion = true, sv
			continue
		}
		change := p.apply(op)
		results[i].OK, results[i].ServerVersion = true, change.Stamp.ServerVersion
		notify = append(notify, change)
	}
	lose := p.loseNext > 0
	if lose {
		p.loseNext--
	}
	subs := make(map[string]subscription, len(p.subs))
	for k, v := range p.subs {
		subs[k] = v
	}
	p.mu.Unlock()

	for _, c := range notify {
		if sub, ok := subs[c.Table]; ok && sub.scope.Match(c.PrimaryKey) {
			sub.onChange(c)
		}
	}
	if lose {
		return nil, fmt.Errorf("response lost after applying %d ops", len(notify))
	}
	return results, nil
}

// apply stores op as the latest state of its key. Called with mu held.
func (p *Provider) apply(op model.PendingOp) model.SyncChange {
	p.version++
	stamp := op.Stamp
	stamp.ServerVersion = p.version
	change := model.SyncChange{
		Table:      op.Table,
		PrimaryKey: op.PrimaryKey,
		Kind:       op.Kind,
		Stamp:      stamp,
		LastWriter: model.Writer{DeviceID: op.Stamp.DeviceID, OpID: op.OpID},
	}
	if op.Kind != model.KindDelete {
		change.Payload = append(json.RawMessage(nil), op.Payload...)
	}
	p.records[recordKey(op.Table, op.PrimaryKey)] = &record{change: change}
	p.applied[op.OpID] = p.version
	p.applies[op.OpID]++
	return change
}

func (p *Provider) UploadAttachment(ctx context.Context, payload []byte) (provider.Attachment, error) {
	if err := ctx.Err(); err != nil {
		return provider.Attachment{}, err
	}
	sum := sha256.Sum256(payload)
	hash := hex.EncodeToString(sum[:])
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unauthorized {
		return provider.Attachment{}, model.ErrUnauthorized
	}
	p.blobs[hash] = append([]byte(nil), payload...)
	return provider.Attachment{URL: "mem://blobs/" + hash, Hash: hash, Size: int64(len(payload))}, nil
}

func (p *Provider) Dispose() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = make(map[string]subscription)
	p.disposed = true
	return nil
}

// Get returns the canonical state of a key
func (p *Provider) Get(table, pk string) (model.SyncChange, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.records[recordKey(table, pk)]
	if !ok {
		return model.SyncChange{}, false
	}
	return r.change, true
}

// Version returns the latest assigned server version
func (p *Provider) Version() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

// Applies returns how many times the op was applied to the canonical state
func (p *Provider) Applies(opID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applies[opID]
}

// PushCalls counts Push invocations
func (p *Provider) PushCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pushCalls
}

// Subscribed reports whether table has a live subscription
func (p *Provider) Subscribed(table string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.subs[table]
	return ok
}

// Disposed reports whether Dispose was called
func (p *Provider) Disposed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disposed
}

// Blob returns an uploaded attachment by hash
func (p *Provider) Blob(hash string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.blobs[hash]
	return b, ok
}

// ExpireCursorsBefore makes every non-empty cursor older than version expire
func (p *Provider) ExpireCursorsBefore(version int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retainFrom = version
}

// FailNext fails the next n Push calls as a whole with err
func (p *Provider) FailNext(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext, p.failErr = n, err
}

// LoseNextResponses applies the next n pushes but reports a transport error
// instead of their results, as a timed out request would.
func (p *Provider) LoseNextResponses(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loseNext = n
}

// FailOp rejects the op with err on every push until cleared with a nil err
func (p *Provider) FailOp(opID string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failOps, opID)
		return
	}
	p.failOps[opID] = err
}

// SetMaxBatchOps rejects larger batches with model.ErrPayloadTooLarge; 0 disables the limit
func (p *Provider) SetMaxBatchOps(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxBatchOps = n
}

// SetUnauthorized makes every call fail with model.ErrUnauthorized
func (p *Provider) SetUnauthorized(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unauthorized = v
}

var _ provider.Provider = (*Provider)(nil)
