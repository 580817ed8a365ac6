package lopata

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/lopata-dev/lopata/internal/store"
)

// KV namespace limits. Values match the platform defaults.
const (
	kvMaxKeySize      = 512
	kvMaxValueSize    = 25 << 20
	kvMaxMetadataSize = 1024
	kvMinTTLSeconds   = 60
	kvMaxBulkGetKeys  = 100
	kvMaxListLimit    = 1000
)

// KVValueType selects how a KV read is consumed.
type KVValueType string

const (
	KVTypeText   KVValueType = "text"
	KVTypeJSON   KVValueType = "json"
	KVTypeBytes  KVValueType = "arrayBuffer"
	KVTypeStream KVValueType = "stream"
)

// KVValue is the result of a single KV read. The raw bytes can be
// consumed as text, parsed JSON, a byte slice, or a lazy reader.
type KVValue struct {
	data []byte
}

// Text returns the value as a string.
func (v *KVValue) Text() string { return string(v.data) }

// Bytes returns the raw value bytes.
func (v *KVValue) Bytes() []byte { return v.data }

// JSON unmarshals the value into out.
func (v *KVValue) JSON(out any) error { return json.Unmarshal(v.data, out) }

// Reader returns a lazy reader over the value bytes.
func (v *KVValue) Reader() io.Reader { return bytes.NewReader(v.data) }

// KVValueWithMetadata pairs a value with its stored metadata JSON.
type KVValueWithMetadata struct {
	KVValue
	Metadata json.RawMessage
}

// KVGetOptions configures Get and the bulk variants.
type KVGetOptions struct {
	Type KVValueType // default text
}

// KVPutOptions configures Put.
type KVPutOptions struct {
	// Expiration is an absolute unix-seconds deadline. Must be at least
	// the minimum TTL in the future.
	Expiration int64
	// ExpirationTTL is a relative lifetime in seconds. Must be at least
	// the minimum TTL.
	ExpirationTTL int64
	// Metadata is marshaled to JSON and size-limited.
	Metadata any
}

// KVListOptions configures List.
type KVListOptions struct {
	Prefix string
	Cursor string
	Limit  int
}

// KVListKey is one entry of a List result.
type KVListKey struct {
	Name       string          `json:"name"`
	Expiration int64           `json:"expiration,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// KVListResult is a page of keys in lexicographic order. Cursor is an
// opaque continuation token, present only when the listing is truncated.
type KVListResult struct {
	Keys         []KVListKey `json:"keys"`
	ListComplete bool        `json:"list_complete"`
	Cursor       string      `json:"cursor,omitempty"`
}

// KVNamespace is a key-value binding backed by the shared database.
// Expired entries are invisible to all reads and lazily deleted.
type KVNamespace struct {
	st        *store.Store
	namespace string
	tr        *Tracing
}

// NewKVNamespace binds namespace on the shared store.
func NewKVNamespace(st *store.Store, namespace string, tr *Tracing) *KVNamespace {
	return &KVNamespace{st: st, namespace: namespace, tr: tr}
}

func validateKVKey(key string) error {
	if key == "" || key == "." || key == ".." {
		return errValidation("KV: illegal key %q", key)
	}
	if len(key) > kvMaxKeySize {
		return errValidation("KV: key length %d exceeds limit %d", len(key), kvMaxKeySize)
	}
	return nil
}

// Get returns the value for key, or nil when absent or expired.
func (kv *KVNamespace) Get(ctx context.Context, key string, opts *KVGetOptions) (*KVValue, error) {
	vm, err := kv.getOne(ctx, key)
	if err != nil || vm == nil {
		return nil, err
	}
	return &vm.KVValue, nil
}

// GetWithMetadata returns the value and its metadata for key, or nil.
func (kv *KVNamespace) GetWithMetadata(ctx context.Context, key string, opts *KVGetOptions) (*KVValueWithMetadata, error) {
	return kv.getOne(ctx, key)
}

func (kv *KVNamespace) getOne(ctx context.Context, key string) (*KVValueWithMetadata, error) {
	ctx, end := kv.tr.op(ctx, "kv.get", "kv.namespace", kv.namespace, "kv.key", key)
	defer end(nil)
	if err := validateKVKey(key); err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	var value []byte
	var metadata sql.NullString
	var expiration sql.NullInt64
	err := kv.st.DB.QueryRowContext(ctx,
		`SELECT value, metadata, expiration FROM kv_entries WHERE namespace = ? AND key = ?`,
		kv.namespace, key).Scan(&value, &metadata, &expiration)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("KV get: %w", err)
	}
	if expiration.Valid && expiration.Int64 <= now {
		// Lazy eviction: the expired row is invisible, drop it now.
		_, _ = kv.st.DB.ExecContext(ctx,
			`DELETE FROM kv_entries WHERE namespace = ? AND key = ?`, kv.namespace, key)
		return nil, nil
	}
	result := &KVValueWithMetadata{KVValue: KVValue{data: value}}
	if metadata.Valid {
		result.Metadata = json.RawMessage(metadata.String)
	}
	return result, nil
}

func validateBulk(keys []string, opts *KVGetOptions) error {
	if len(keys) == 0 {
		return errValidation("KV: bulk get requires at least one key")
	}
	if len(keys) > kvMaxBulkGetKeys {
		return errValidation("KV: bulk get limited to %d keys, got %d", kvMaxBulkGetKeys, len(keys))
	}
	if opts != nil && (opts.Type == KVTypeBytes || opts.Type == KVTypeStream) {
		return errValidation("KV: bulk get does not support type %q", opts.Type)
	}
	for _, k := range keys {
		if err := validateKVKey(k); err != nil {
			return err
		}
	}
	return nil
}

// GetBulk returns one entry per requested key; missing keys map to nil.
// Byte-array and stream result types are rejected for bulk reads.
func (kv *KVNamespace) GetBulk(ctx context.Context, keys []string, opts *KVGetOptions) (map[string]*KVValue, error) {
	withMeta, err := kv.GetBulkWithMetadata(ctx, keys, opts)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*KVValue, len(withMeta))
	for k, v := range withMeta {
		if v == nil {
			out[k] = nil
			continue
		}
		out[k] = &v.KVValue
	}
	return out, nil
}

// GetBulkWithMetadata is GetBulk with metadata attached to each entry.
func (kv *KVNamespace) GetBulkWithMetadata(ctx context.Context, keys []string, opts *KVGetOptions) (map[string]*KVValueWithMetadata, error) {
	ctx, end := kv.tr.op(ctx, "kv.get_bulk", "kv.namespace", kv.namespace)
	defer end(nil)
	if err := validateBulk(keys, opts); err != nil {
		return nil, err
	}
	out := make(map[string]*KVValueWithMetadata, len(keys))
	for _, k := range keys {
		v, err := kv.getOne(ctx, k)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// Put stores value under key, replacing any previous entry.
func (kv *KVNamespace) Put(ctx context.Context, key string, value []byte, opts *KVPutOptions) error {
	ctx, end := kv.tr.op(ctx, "kv.put", "kv.namespace", kv.namespace, "kv.key", key)
	defer end(nil)
	if err := validateKVKey(key); err != nil {
		return err
	}
	if len(value) > kvMaxValueSize {
		return errValidation("KV: value size %d exceeds limit %d", len(value), kvMaxValueSize)
	}

	var metadata sql.NullString
	var expiration sql.NullInt64
	if opts != nil {
		if opts.Metadata != nil {
			data, err := json.Marshal(opts.Metadata)
			if err != nil {
				return errValidation("KV: metadata is not serializable: %v", err)
			}
			if len(data) > kvMaxMetadataSize {
				return errValidation("KV: metadata size %d exceeds limit %d", len(data), kvMaxMetadataSize)
			}
			metadata = sql.NullString{String: string(data), Valid: true}
		}
		now := time.Now().Unix()
		switch {
		case opts.Expiration != 0 && opts.ExpirationTTL != 0:
			return errValidation("KV: expiration and expirationTtl are mutually exclusive")
		case opts.Expiration != 0:
			if opts.Expiration < now+kvMinTTLSeconds {
				return errValidation("KV: expiration must be at least %d seconds in the future", kvMinTTLSeconds)
			}
			expiration = sql.NullInt64{Int64: opts.Expiration, Valid: true}
		case opts.ExpirationTTL != 0:
			if opts.ExpirationTTL < kvMinTTLSeconds {
				return errValidation("KV: expirationTtl must be at least %d seconds", kvMinTTLSeconds)
			}
			expiration = sql.NullInt64{Int64: now + opts.ExpirationTTL, Valid: true}
		}
	}

	_, err := kv.st.DB.ExecContext(ctx,
		`INSERT INTO kv_entries (namespace, key, value, metadata, expiration)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE SET
		   value = excluded.value, metadata = excluded.metadata, expiration = excluded.expiration`,
		kv.namespace, key, value, metadata, expiration)
	if err != nil {
		return fmt.Errorf("KV put: %w", err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (kv *KVNamespace) Delete(ctx context.Context, key string) error {
	ctx, end := kv.tr.op(ctx, "kv.delete", "kv.namespace", kv.namespace, "kv.key", key)
	defer end(nil)
	if err := validateKVKey(key); err != nil {
		return err
	}
	if _, err := kv.st.DB.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE namespace = ? AND key = ?`, kv.namespace, key); err != nil {
		return fmt.Errorf("KV delete: %w", err)
	}
	return nil
}

// List returns keys in lexicographic order. The prefix is matched
// literally (no pattern characters) and the cursor is the last key of
// the previous page.
func (kv *KVNamespace) List(ctx context.Context, opts *KVListOptions) (*KVListResult, error) {
	ctx, end := kv.tr.op(ctx, "kv.list", "kv.namespace", kv.namespace)
	defer end(nil)
	var prefix, cursor string
	limit := kvMaxListLimit
	if opts != nil {
		prefix = opts.Prefix
		cursor = opts.Cursor
		if opts.Limit > 0 && opts.Limit < kvMaxListLimit {
			limit = opts.Limit
		}
	}
	now := time.Now().Unix()

	// Fetch limit+1 rows to know whether the listing is complete.
	// LIKE is unusable here: a literal "%" or "_" in the prefix must
	// not activate pattern matching, so prefix filtering is done with
	// a half-open range over the sorted key space.
	query := `SELECT key, metadata, expiration FROM kv_entries
		WHERE namespace = ? AND key > ?
		AND (expiration IS NULL OR expiration > ?)`
	args := []any{kv.namespace, cursor, now}
	if prefix != "" {
		query += ` AND key >= ? AND key < ?`
		args = append(args, prefix, prefixUpperBound(prefix))
	}
	query += ` ORDER BY key LIMIT ?`
	args = append(args, limit+1)

	rows, err := kv.st.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("KV list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := &KVListResult{Keys: []KVListKey{}}
	for rows.Next() {
		var name string
		var metadata sql.NullString
		var expiration sql.NullInt64
		if err := rows.Scan(&name, &metadata, &expiration); err != nil {
			return nil, fmt.Errorf("KV list scan: %w", err)
		}
		entry := KVListKey{Name: name}
		if metadata.Valid {
			entry.Metadata = json.RawMessage(metadata.String)
		}
		if expiration.Valid {
			entry.Expiration = expiration.Int64
		}
		result.Keys = append(result.Keys, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("KV list: %w", err)
	}

	if len(result.Keys) > limit {
		result.Keys = result.Keys[:limit]
		result.Cursor = result.Keys[limit-1].Name
	} else {
		result.ListComplete = true
	}
	return result, nil
}

// prefixUpperBound returns the smallest string greater than every string
// with the given prefix, for half-open range scans.
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	// All 0xff bytes: no upper bound, use a sentinel past any key.
	return prefix + "\xff"
}
