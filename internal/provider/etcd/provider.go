package etcd

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/cybertec-postgresql/localsync/internal/model"
	"github.com/cybertec-postgresql/localsync/internal/provider"
)

// envelope is the value stored under a data key
type envelope struct {
	OpID     string          `json:"op_id"`
	DeviceID string          `json:"device_id"`
	Clock    int64           `json:"clock"`
	Kind     model.Kind      `json:"kind"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Provider stores the latest envelope of every row under
// <prefix>/data/<table>/<pk> and marks applied ops under <prefix>/ops/<opId>.
type Provider struct {
	client *clientv3.Client
	prefix string
	owned  bool
	logger *logrus.Entry

	mu   sync.Mutex
	subs map[string]context.CancelFunc
	wg   sync.WaitGroup
}

// New wraps an existing client. Dispose does not close it.
func New(client *clientv3.Client, prefix string) *Provider {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Provider{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		logger: logrus.WithField("component", "provider").WithField("prefix", prefix),
		subs:   make(map[string]context.CancelFunc),
	}
}

// Open connects to the DSN; Dispose closes the connection
func Open(ctx context.Context, dsn string) (*Provider, error) {
	client, err := NewClientWithRetry(ctx, dsn)
	if err != nil {
		return nil, err
	}
	p := New(client, GetPrefix(dsn))
	p.owned = true
	return p, nil
}

func (p *Provider) tablePrefix(table string) string {
	return p.prefix + "/data/" + table + "/"
}

func (p *Provider) opKey(opID string) string {
	return p.prefix + "/ops/" + opID
}

func (p *Provider) blobKey(hash string) string {
	return p.prefix + "/blobs/" + hash
}

func parseCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	rev, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor %q: %w", cursor, err)
	}
	return rev, nil
}

// Push applies every op in its own transaction guarded by the op marker, so
// a retried op returns the revision of its first application.
func (p *Provider) Push(ctx context.Context, batch []model.PendingOp) ([]model.PerOpResult, error) {
	results := make([]model.PerOpResult, len(batch))
	for i, op := range batch {
		results[i].OpID = op.OpID
		sv, err := p.pushOne(ctx, op)
		if err != nil {
			err = mapError(err)
			if errors.Is(err, model.ErrUnauthorized) || ctx.Err() != nil {
				return nil, err
			}
			results[i].Err = &model.OpError{OpID: op.OpID, Err: err}
			p.logger.WithError(err).WithField("op_id", op.OpID).Warn("Push of op failed")
			continue
		}
		results[i].OK, results[i].ServerVersion = true, sv
	}
	return results, nil
}

func (p *Provider) pushOne(ctx context.Context, op model.PendingOp) (int64, error) {
	env := envelope{
		OpID:     op.OpID,
		DeviceID: op.Stamp.DeviceID,
		Clock:    op.Stamp.LogicalClock,
		Kind:     op.Kind,
	}
	if op.Kind != model.KindDelete {
		env.Payload = op.Payload
	}
	value, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("failed to encode op: %w", err)
	}
	dataKey := p.tablePrefix(op.Table) + op.PrimaryKey
	opKey := p.opKey(op.OpID)

	resp, err := p.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(opKey), "=", 0)).
		Then(clientv3.OpPut(dataKey, string(value)), clientv3.OpPut(opKey, dataKey)).
		Else(clientv3.OpGet(opKey)).
		Commit()
	if err != nil {
		return 0, err
	}
	if resp.Succeeded {
		p.logger.WithFields(logrus.Fields{"key": dataKey, "revision": resp.Header.Revision}).Debug("Applied op")
		return resp.Header.Revision, nil
	}
	kvs := resp.Responses[0].GetResponseRange().GetKvs()
	if len(kvs) == 0 {
		return 0, fmt.Errorf("op marker %s vanished", opKey)
	}
	p.logger.WithField("op_id", op.OpID).Debug("Op already applied")
	return kvs[0].ModRevision, nil
}

func (p *Provider) Pull(ctx context.Context, table, cursor string, limit int) (model.PullPage, error) {
	from, err := parseCursor(cursor)
	if err != nil {
		return model.PullPage{}, err
	}
	prefix := p.tablePrefix(table)
	if from > 0 {
		// reading at the cursor revision fails once it was compacted away
		if _, err := p.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(from), clientv3.WithCountOnly()); err != nil {
			return model.PullPage{}, mapError(err)
		}
	}
	opts := []clientv3.OpOption{
		clientv3.WithPrefix(),
		clientv3.WithMinModRev(from + 1),
		clientv3.WithSort(clientv3.SortByModRevision, clientv3.SortAscend),
	}
	if limit > 0 {
		opts = append(opts, clientv3.WithLimit(int64(limit)))
	}
	resp, err := p.client.Get(ctx, prefix, opts...)
	if err != nil {
		return model.PullPage{}, mapError(err)
	}

	page := model.PullPage{Changes: make([]model.SyncChange, 0, len(resp.Kvs))}
	for _, kv := range resp.Kvs {
		change, err := decodeChange(table, strings.TrimPrefix(string(kv.Key), prefix), kv.Value, kv.ModRevision)
		if err != nil {
			p.logger.WithError(err).WithField("key", string(kv.Key)).Warn("Skipping undecodable record")
			continue
		}
		page.Changes = append(page.Changes, change)
	}
	if resp.More && len(resp.Kvs) > 0 {
		page.NextCursor = strconv.FormatInt(resp.Kvs[len(resp.Kvs)-1].ModRevision, 10)
	} else {
		page.Done = true
		page.NextCursor = strconv.FormatInt(max(resp.Header.Revision, from), 10)
	}
	return page, nil
}

func decodeChange(table, pk string, value []byte, rev int64) (model.SyncChange, error) {
	var env envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return model.SyncChange{}, err
	}
	if !env.Kind.Valid() {
		return model.SyncChange{}, fmt.Errorf("unknown kind %q", env.Kind)
	}
	change := model.SyncChange{
		Table:      table,
		PrimaryKey: pk,
		Kind:       env.Kind,
		Stamp:      model.ChangeStamp{DeviceID: env.DeviceID, LogicalClock: env.Clock, ServerVersion: rev},
		LastWriter: model.Writer{DeviceID: env.DeviceID, OpID: env.OpID},
	}
	if env.Kind != model.KindDelete {
		change.Payload = env.Payload
	}
	return change, nil
}

func (p *Provider) Subscribe(ctx context.Context, table string, scope provider.Scope, onChange func(model.SyncChange)) error {
	resp, err := p.client.Get(ctx, p.tablePrefix(table), clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return mapError(err)
	}
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	p.mu.Lock()
	if old, ok := p.subs[table]; ok {
		old()
	}
	p.subs[table] = cancel
	p.mu.Unlock()

	prefix := p.tablePrefix(table)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for ev := range p.watchWithRecovery(wctx, prefix, resp.Header.Revision) {
			pk := strings.TrimPrefix(string(ev.Kv.Key), prefix)
			if !scope.Match(pk) {
				continue
			}
			var change model.SyncChange
			if ev.Type == clientv3.EventTypeDelete {
				change = model.SyncChange{Table: table, PrimaryKey: pk, Kind: model.KindDelete,
					Stamp: model.ChangeStamp{ServerVersion: ev.Kv.ModRevision}}
			} else {
				var decodeErr error
				change, decodeErr = decodeChange(table, pk, ev.Kv.Value, ev.Kv.ModRevision)
				if decodeErr != nil {
					p.logger.WithError(decodeErr).WithField("key", string(ev.Kv.Key)).Warn("Skipping undecodable event")
					continue
				}
			}
			onChange(change)
		}
	}()
	p.logger.WithField("table", table).WithField("revision", resp.Header.Revision).Info("Subscribed")
	return nil
}

func (p *Provider) Unsubscribe(table string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.subs[table]; ok {
		cancel()
		delete(p.subs, table)
	}
	return nil
}

func (p *Provider) UploadAttachment(ctx context.Context, payload []byte) (provider.Attachment, error) {
	sum := sha256.Sum256(payload)
	hash := hex.EncodeToString(sum[:])
	key := p.blobKey(hash)
	if _, err := p.client.Put(ctx, key, string(payload)); err != nil {
		return provider.Attachment{}, mapError(err)
	}
	return provider.Attachment{URL: "etcd://" + key, Hash: hash, Size: int64(len(payload))}, nil
}

func (p *Provider) Dispose() error {
	p.mu.Lock()
	for table, cancel := range p.subs {
		cancel()
		delete(p.subs, table)
	}
	p.mu.Unlock()
	p.wg.Wait()
	if p.owned {
		return p.client.Close()
	}
	return nil
}

var _ provider.Provider = (*Provider)(nil)
