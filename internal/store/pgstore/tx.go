package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/cybertec-postgresql/localsync/internal/model"
	"github.com/cybertec-postgresql/localsync/internal/store"
)

type pgTx struct {
	tx       pgx.Tx
	readOnly bool
	remote   bool
}

func (t *pgTx) check() error {
	if t.readOnly {
		return store.ErrReadOnly
	}
	return nil
}

// jsonArg maps an empty payload to SQL NULL
func jsonArg(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func (t *pgTx) MarkApplyingRemote() { t.remote = true }

func (t *pgTx) ApplyingRemote() bool { return t.remote }

func (t *pgTx) ActiveDataset(ctx context.Context) (store.Dataset, error) {
	v, ok, err := t.GetMeta(ctx, store.MetaActiveDataset)
	if err != nil {
		return 0, err
	}
	if !ok {
		return store.InitialDataset, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt active dataset pointer %q: %w", v, err)
	}
	return store.Dataset(n), nil
}

func (t *pgTx) SetActiveDataset(ctx context.Context, ds store.Dataset) error {
	return t.PutMeta(ctx, store.MetaActiveDataset, strconv.FormatInt(int64(ds), 10))
}

func (t *pgTx) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := t.tx.QueryRow(ctx, `SELECT value FROM sync_meta WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read meta %s: %w", key, err)
	}
	return value, true, nil
}

func (t *pgTx) PutMeta(ctx context.Context, key, value string) error {
	if err := t.check(); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO sync_meta (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write meta %s: %w", key, err)
	}
	return nil
}

const rowColumns = `pk, data, deleted, device_id, logical_clock, server_version, local_op`

func scanRow(table string, row pgx.Row) (model.Row, error) {
	r := model.Row{Table: table}
	var data []byte
	err := row.Scan(&r.PrimaryKey, &data, &r.Deleted, &r.Stamp.DeviceID, &r.Stamp.LogicalClock, &r.Stamp.ServerVersion, &r.LocalOp)
	if len(data) > 0 {
		r.Data = data
	}
	return r, err
}

func (t *pgTx) GetRow(ctx context.Context, ds store.Dataset, table, pk string) (*model.Row, error) {
	r, err := scanRow(table, t.tx.QueryRow(ctx,
		`SELECT `+rowColumns+` FROM sync_rows WHERE dataset = $1 AND tbl = $2 AND pk = $3`,
		int64(ds), table, pk))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read row %s/%s: %w", table, pk, err)
	}
	return &r, nil
}

func (t *pgTx) PutRow(ctx context.Context, ds store.Dataset, row model.Row) error {
	if err := t.check(); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO sync_rows
		(dataset, tbl, pk, data, deleted, device_id, logical_clock, server_version, local_op)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (dataset, tbl, pk) DO UPDATE SET
		data = EXCLUDED.data, deleted = EXCLUDED.deleted, device_id = EXCLUDED.device_id,
		logical_clock = EXCLUDED.logical_clock, server_version = EXCLUDED.server_version,
		local_op = EXCLUDED.local_op`,
		int64(ds), row.Table, row.PrimaryKey, jsonArg(row.Data), row.Deleted,
		row.Stamp.DeviceID, row.Stamp.LogicalClock, row.Stamp.ServerVersion, row.LocalOp)
	if err != nil {
		return fmt.Errorf("failed to write row %s/%s: %w", row.Table, row.PrimaryKey, err)
	}
	return nil
}

func (t *pgTx) DeleteRow(ctx context.Context, ds store.Dataset, table, pk string) error {
	if err := t.check(); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `DELETE FROM sync_rows WHERE dataset = $1 AND tbl = $2 AND pk = $3`, int64(ds), table, pk)
	if err != nil {
		return fmt.Errorf("failed to delete row %s/%s: %w", table, pk, err)
	}
	return nil
}

func (t *pgTx) ListRows(ctx context.Context, ds store.Dataset, table string) ([]model.Row, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+rowColumns+` FROM sync_rows WHERE dataset = $1 AND tbl = $2 ORDER BY pk`,
		int64(ds), table)
	if err != nil {
		return nil, fmt.Errorf("failed to query rows of %s: %w", table, err)
	}
	defer rows.Close()

	var out []model.Row
	for rows.Next() {
		r, err := scanRow(table, rows)
		if err != nil {
			return nil, fmt.Errorf("error scanning row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}

func (t *pgTx) DropDataset(ctx context.Context, ds store.Dataset) error {
	if err := t.check(); err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM sync_rows WHERE dataset = $1`, int64(ds)); err != nil {
		return fmt.Errorf("failed to drop rows of dataset %d: %w", ds, err)
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM sync_cursors WHERE dataset = $1`, int64(ds)); err != nil {
		return fmt.Errorf("failed to drop cursors of dataset %d: %w", ds, err)
	}
	return nil
}

func (t *pgTx) AppendOp(ctx context.Context, op *model.PendingOp) error {
	if err := t.check(); err != nil {
		return err
	}
	err := t.tx.QueryRow(ctx, `INSERT INTO sync_outbox
		(op_id, tbl, pk, kind, payload, device_id, logical_clock, enqueued_at, attempt, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING seq`,
		op.OpID, op.Table, op.PrimaryKey, string(op.Kind), jsonArg(op.Payload),
		op.Stamp.DeviceID, op.Stamp.LogicalClock, op.EnqueuedAt, op.Attempt, op.NextAttemptAt).Scan(&op.Seq)
	if err != nil {
		return fmt.Errorf("failed to enqueue op %s: %w", op.OpID, err)
	}
	return nil
}

func (t *pgTx) PutOp(ctx context.Context, op model.PendingOp) error {
	if err := t.check(); err != nil {
		return err
	}
	var lastError *string
	if op.LastError != "" {
		lastError = &op.LastError
	}
	tag, err := t.tx.Exec(ctx, `UPDATE sync_outbox SET
		kind = $2, payload = $3, device_id = $4, logical_clock = $5,
		attempt = $6, next_attempt_at = $7, last_error = $8
		WHERE op_id = $1`,
		op.OpID, string(op.Kind), jsonArg(op.Payload), op.Stamp.DeviceID, op.Stamp.LogicalClock,
		op.Attempt, op.NextAttemptAt, lastError)
	if err != nil {
		return fmt.Errorf("failed to update op %s: %w", op.OpID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op %s: %w", op.OpID, model.ErrNotFound)
	}
	return nil
}

func (t *pgTx) DeleteOp(ctx context.Context, opID string) error {
	if err := t.check(); err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM sync_outbox WHERE op_id = $1`, opID); err != nil {
		return fmt.Errorf("failed to delete op %s: %w", opID, err)
	}
	return nil
}

func (t *pgTx) ListOps(ctx context.Context, table string) ([]model.PendingOp, error) {
	rows, err := t.tx.Query(ctx, `SELECT seq, op_id, tbl, pk, kind, payload, device_id, logical_clock,
		enqueued_at, attempt, next_attempt_at, last_error
		FROM sync_outbox
		WHERE $1 = '' OR tbl = $1
		ORDER BY seq`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var ops []model.PendingOp
	for rows.Next() {
		var (
			op        model.PendingOp
			kind      string
			payload   []byte
			lastError pgtype.Text
		)
		err := rows.Scan(&op.Seq, &op.OpID, &op.Table, &op.PrimaryKey, &kind, &payload,
			&op.Stamp.DeviceID, &op.Stamp.LogicalClock, &op.EnqueuedAt, &op.Attempt, &op.NextAttemptAt, &lastError)
		if err != nil {
			return nil, fmt.Errorf("error scanning pending op: %w", err)
		}
		op.Kind = model.Kind(kind)
		if len(payload) > 0 {
			op.Payload = payload
		}
		if lastError.Valid {
			op.LastError = lastError.String
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox: %w", err)
	}
	return ops, nil
}

func (t *pgTx) GetCursor(ctx context.Context, ds store.Dataset, table string) (*model.CursorState, error) {
	st := model.CursorState{Table: table}
	var rescanAt pgtype.Timestamptz
	err := t.tx.QueryRow(ctx, `SELECT cursor, last_server_version, last_full_rescan_at
		FROM sync_cursors WHERE dataset = $1 AND tbl = $2`, int64(ds), table).
		Scan(&st.Cursor, &st.LastServerVersion, &rescanAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cursor of %s: %w", table, err)
	}
	if rescanAt.Valid {
		st.LastFullRescanAt = rescanAt.Time
	}
	return &st, nil
}

func (t *pgTx) PutCursor(ctx context.Context, ds store.Dataset, state model.CursorState) error {
	if err := t.check(); err != nil {
		return err
	}
	rescanAt := pgtype.Timestamptz{Time: state.LastFullRescanAt, Valid: !state.LastFullRescanAt.IsZero()}
	_, err := t.tx.Exec(ctx, `INSERT INTO sync_cursors (dataset, tbl, cursor, last_server_version, last_full_rescan_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dataset, tbl) DO UPDATE SET
		cursor = EXCLUDED.cursor, last_server_version = EXCLUDED.last_server_version,
		last_full_rescan_at = EXCLUDED.last_full_rescan_at`,
		int64(ds), state.Table, state.Cursor, state.LastServerVersion, rescanAt)
	if err != nil {
		return fmt.Errorf("failed to write cursor of %s: %w", state.Table, err)
	}
	return nil
}

func (t *pgTx) GetTombstone(ctx context.Context, table, pk string) (*model.Tombstone, error) {
	ts := model.Tombstone{Table: table, PrimaryKey: pk}
	err := t.tx.QueryRow(ctx, `SELECT device_id, logical_clock, server_version, deleted_at
		FROM sync_tombstones WHERE tbl = $1 AND pk = $2`, table, pk).
		Scan(&ts.DeletedAtStamp.DeviceID, &ts.DeletedAtStamp.LogicalClock, &ts.DeletedAtStamp.ServerVersion, &ts.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tombstone %s/%s: %w", table, pk, err)
	}
	return &ts, nil
}

func (t *pgTx) PutTombstone(ctx context.Context, ts model.Tombstone) error {
	if err := t.check(); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO sync_tombstones (tbl, pk, device_id, logical_clock, server_version, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tbl, pk) DO UPDATE SET
		device_id = EXCLUDED.device_id, logical_clock = EXCLUDED.logical_clock,
		server_version = EXCLUDED.server_version, deleted_at = EXCLUDED.deleted_at`,
		ts.Table, ts.PrimaryKey, ts.DeletedAtStamp.DeviceID, ts.DeletedAtStamp.LogicalClock,
		ts.DeletedAtStamp.ServerVersion, ts.DeletedAt)
	if err != nil {
		return fmt.Errorf("failed to write tombstone %s/%s: %w", ts.Table, ts.PrimaryKey, err)
	}
	return nil
}

func (t *pgTx) DeleteTombstone(ctx context.Context, table, pk string) error {
	if err := t.check(); err != nil {
		return err
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM sync_tombstones WHERE tbl = $1 AND pk = $2`, table, pk); err != nil {
		return fmt.Errorf("failed to delete tombstone %s/%s: %w", table, pk, err)
	}
	return nil
}

func (t *pgTx) ListTombstones(ctx context.Context) ([]model.Tombstone, error) {
	rows, err := t.tx.Query(ctx, `SELECT tbl, pk, device_id, logical_clock, server_version, deleted_at
		FROM sync_tombstones ORDER BY tbl, pk`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tombstones: %w", err)
	}
	defer rows.Close()

	var out []model.Tombstone
	for rows.Next() {
		var ts model.Tombstone
		if err := rows.Scan(&ts.Table, &ts.PrimaryKey, &ts.DeletedAtStamp.DeviceID, &ts.DeletedAtStamp.LogicalClock,
			&ts.DeletedAtStamp.ServerVersion, &ts.DeletedAt); err != nil {
			return nil, fmt.Errorf("error scanning tombstone: %w", err)
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tombstones: %w", err)
	}
	return out, nil
}

var _ store.Tx = (*pgTx)(nil)
var _ store.Store = (*Store)(nil)
