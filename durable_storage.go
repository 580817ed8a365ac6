package lopata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lopata-dev/lopata/internal/store"
)

// DurableObjectState is handed to an object constructor. It carries the
// instance identity, its durable storage, and the websocket registry.
type DurableObjectState struct {
	ID DurableObjectID

	Storage *DurableObjectStorage

	reg  *DurableObjectRegistry
	inst *durableInstance

	mu       sync.Mutex
	sockets  []*WebSocket
	autoReq  string
	autoResp string
	sqlDB    *sql.DB
}

func newDurableObjectState(reg *DurableObjectRegistry, inst *durableInstance) *DurableObjectState {
	st := &DurableObjectState{ID: inst.id, reg: reg, inst: inst}
	st.Storage = &DurableObjectStorage{state: st, st: reg.st, class: inst.class, id: inst.id.String()}
	return st
}

// BlockConcurrencyWhile runs fn before any further deliveries. Because
// deliveries to one instance are already serial, fn simply runs inline;
// its error propagates to the caller.
func (s *DurableObjectState) BlockConcurrencyWhile(fn func() error) error {
	return fn()
}

// WaitUntil keeps work alive past the current delivery. Locally the
// process outlives requests anyway, so the function just runs in the
// background with errors logged.
func (s *DurableObjectState) WaitUntil(fn func(ctx context.Context) error) {
	go func() {
		if err := fn(context.Background()); err != nil {
			s.reg.log.Error("durable object background task failed",
				"class", s.inst.class, "id", s.ID.String(), "error", err)
		}
	}()
}

func (s *DurableObjectState) closeSQL() {
	s.mu.Lock()
	db := s.sqlDB
	s.sqlDB = nil
	s.mu.Unlock()
	if db != nil {
		_ = db.Close()
	}
}

// DurableObjectStorage is the per-instance durable key-value store.
// Values are stored as JSON. Writes are issued synchronously, so a
// completed call is already on disk.
type DurableObjectStorage struct {
	state *DurableObjectState
	st    *store.Store
	class string
	id    string
}

// Get loads the value for key into dest, reporting whether it exists.
func (s *DurableObjectStorage) Get(ctx context.Context, key string, dest any) (bool, error) {
	var raw string
	err := s.st.DB.QueryRowContext(ctx,
		`SELECT value FROM do_storage WHERE class = ? AND id = ? AND key = ?`,
		s.class, s.id, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("durable storage get: %w", err)
	}
	if dest != nil {
		if err := json.Unmarshal([]byte(raw), dest); err != nil {
			return true, fmt.Errorf("durable storage get %q: %w", key, err)
		}
	}
	return true, nil
}

const doMaxBulkGetKeys = 128

// GetBulk loads up to 128 keys at once. Present keys map to their raw
// JSON values; absent keys are simply missing from the result.
func (s *DurableObjectStorage) GetBulk(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	if len(keys) > doMaxBulkGetKeys {
		return nil, errValidation("durable storage get: at most %d keys per call", doMaxBulkGetKeys)
	}
	out := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		var raw string
		err := s.st.DB.QueryRowContext(ctx,
			`SELECT value FROM do_storage WHERE class = ? AND id = ? AND key = ?`,
			s.class, s.id, key).Scan(&raw)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("durable storage get %q: %w", key, err)
		}
		out[key] = json.RawMessage(raw)
	}
	return out, nil
}

// Put stores value under key.
func (s *DurableObjectStorage) Put(ctx context.Context, key string, value any) error {
	return s.PutMap(ctx, map[string]any{key: value})
}

// PutMap stores several entries atomically.
func (s *DurableObjectStorage) PutMap(ctx context.Context, entries map[string]any) error {
	tx, err := s.st.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("durable storage put: %w", err)
	}
	defer tx.Rollback()
	for key, value := range entries {
		raw, err := json.Marshal(value)
		if err != nil {
			return errValidation("durable storage put %q: value not serializable: %v", key, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO do_storage (class, id, key, value) VALUES (?, ?, ?, ?)
			 ON CONFLICT (class, id, key) DO UPDATE SET value = excluded.value`,
			s.class, s.id, key, string(raw)); err != nil {
			return fmt.Errorf("durable storage put %q: %w", key, err)
		}
	}
	return tx.Commit()
}

// Delete removes keys, returning how many existed.
func (s *DurableObjectStorage) Delete(ctx context.Context, keys ...string) (int, error) {
	deleted := 0
	for _, key := range keys {
		res, err := s.st.DB.ExecContext(ctx,
			`DELETE FROM do_storage WHERE class = ? AND id = ? AND key = ?`, s.class, s.id, key)
		if err != nil {
			return deleted, fmt.Errorf("durable storage delete: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			deleted++
		}
	}
	return deleted, nil
}

// DeleteAll wipes the instance's key-value data. The alarm and SQL data
// are untouched.
func (s *DurableObjectStorage) DeleteAll(ctx context.Context) error {
	_, err := s.st.DB.ExecContext(ctx,
		`DELETE FROM do_storage WHERE class = ? AND id = ?`, s.class, s.id)
	if err != nil {
		return fmt.Errorf("durable storage delete all: %w", err)
	}
	return nil
}

// DOListOptions narrows a storage List.
type DOListOptions struct {
	Prefix string
	Start  string
	// StartAfter excludes the named key itself.
	StartAfter string
	End        string
	Limit      int
	Reverse    bool
}

// DOListEntry is one key-value pair from List, value still as JSON.
type DOListEntry struct {
	Key   string
	Value json.RawMessage
}

// List returns entries in key order.
func (s *DurableObjectStorage) List(ctx context.Context, opts *DOListOptions) ([]DOListEntry, error) {
	if opts == nil {
		opts = &DOListOptions{}
	}
	query := `SELECT key, value FROM do_storage WHERE class = ? AND id = ?`
	args := []any{s.class, s.id}
	if opts.Prefix != "" {
		query += ` AND key >= ? AND key < ?`
		args = append(args, opts.Prefix, prefixUpperBound(opts.Prefix))
	}
	if opts.Start != "" {
		query += ` AND key >= ?`
		args = append(args, opts.Start)
	}
	if opts.StartAfter != "" {
		query += ` AND key > ?`
		args = append(args, opts.StartAfter)
	}
	if opts.End != "" {
		query += ` AND key < ?`
		args = append(args, opts.End)
	}
	if opts.Reverse {
		query += ` ORDER BY key DESC`
	} else {
		query += ` ORDER BY key`
	}
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	rows, err := s.st.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("durable storage list: %w", err)
	}
	defer rows.Close()
	var out []DOListEntry
	for rows.Next() {
		var e DOListEntry
		var raw string
		if err := rows.Scan(&e.Key, &raw); err != nil {
			return nil, fmt.Errorf("durable storage list scan: %w", err)
		}
		e.Value = json.RawMessage(raw)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("durable storage list: %w", err)
	}
	return out, nil
}

// Sync is a no-op: writes are issued synchronously, so a completed call
// is already durable.
func (s *DurableObjectStorage) Sync(ctx context.Context) error { return nil }

// Transaction runs fn atomically; any error rolls every write back.
func (s *DurableObjectStorage) Transaction(ctx context.Context, fn func(txn *DurableObjectTransaction) error) error {
	tx, err := s.st.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("durable storage transaction: %w", err)
	}
	defer tx.Rollback()
	txn := &DurableObjectTransaction{tx: tx, class: s.class, id: s.id, ctx: ctx}
	if err := fn(txn); err != nil {
		return err
	}
	return tx.Commit()
}

// DurableObjectTransaction is the write view inside Transaction.
type DurableObjectTransaction struct {
	tx    *sql.Tx
	class string
	id    string
	ctx   context.Context
}

// Get reads within the transaction.
func (t *DurableObjectTransaction) Get(key string, dest any) (bool, error) {
	var raw string
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT value FROM do_storage WHERE class = ? AND id = ? AND key = ?`,
		t.class, t.id, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("durable transaction get: %w", err)
	}
	if dest != nil {
		if err := json.Unmarshal([]byte(raw), dest); err != nil {
			return true, fmt.Errorf("durable transaction get %q: %w", key, err)
		}
	}
	return true, nil
}

// Put writes within the transaction.
func (t *DurableObjectTransaction) Put(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errValidation("durable transaction put %q: value not serializable: %v", key, err)
	}
	if _, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO do_storage (class, id, key, value) VALUES (?, ?, ?, ?)
		 ON CONFLICT (class, id, key) DO UPDATE SET value = excluded.value`,
		t.class, t.id, key, string(raw)); err != nil {
		return fmt.Errorf("durable transaction put %q: %w", key, err)
	}
	return nil
}

// Delete removes a key within the transaction.
func (t *DurableObjectTransaction) Delete(key string) (bool, error) {
	res, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM do_storage WHERE class = ? AND id = ? AND key = ?`, t.class, t.id, key)
	if err != nil {
		return false, fmt.Errorf("durable transaction delete: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetAlarm returns the scheduled alarm time, or the zero time when no
// alarm is set.
func (s *DurableObjectStorage) GetAlarm(ctx context.Context) (time.Time, error) {
	var at int64
	err := s.st.DB.QueryRowContext(ctx,
		`SELECT alarm_time FROM do_alarms WHERE class = ? AND id = ?`, s.class, s.id).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("durable alarm get: %w", err)
	}
	return time.UnixMilli(at), nil
}

// SetAlarm schedules (or reschedules) the instance's single alarm.
func (s *DurableObjectStorage) SetAlarm(ctx context.Context, at time.Time) error {
	_, err := s.st.DB.ExecContext(ctx,
		`INSERT INTO do_alarms (class, id, alarm_time) VALUES (?, ?, ?)
		 ON CONFLICT (class, id) DO UPDATE SET alarm_time = excluded.alarm_time`,
		s.class, s.id, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("durable alarm set: %w", err)
	}
	return nil
}

// DeleteAlarm cancels a pending alarm. Deleting inside the alarm
// handler cancels an already-started retry sequence.
func (s *DurableObjectStorage) DeleteAlarm(ctx context.Context) error {
	_, err := s.st.DB.ExecContext(ctx,
		`DELETE FROM do_alarms WHERE class = ? AND id = ?`, s.class, s.id)
	if err != nil {
		return fmt.Errorf("durable alarm delete: %w", err)
	}
	return nil
}

// SQL returns the instance's private SQLite database, opened lazily
// under the data directory.
func (s *DurableObjectStorage) SQL() (*sql.DB, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	if s.state.sqlDB != nil {
		return s.state.sqlDB, nil
	}
	path := s.st.DOSQLPath(s.class, s.id)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("durable object sql: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("durable object sql: %w", err)
	}
	// WAL mode for better concurrent access.
	_, _ = db.Exec("PRAGMA journal_mode=WAL")
	s.state.sqlDB = db
	return db, nil
}

// DatabaseSize reports the size in bytes of the instance's private
// database file, zero before first use.
func (s *DurableObjectStorage) DatabaseSize() (int64, error) {
	info, err := os.Stat(s.st.DOSQLPath(s.class, s.id))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("durable object sql size: %w", err)
	}
	return info.Size(), nil
}
