package lopata

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lopata-dev/lopata/internal/store"
)

const (
	r2MaxKeySize            = 1024
	r2MaxCustomMetadataSize = 2048
	r2MaxListLimit          = 1000
	r2DefaultBatchDelete    = 1000
)

// R2HTTPMetadata mirrors the HTTP headers stored alongside an object.
type R2HTTPMetadata struct {
	ContentType        string     `json:"contentType,omitempty"`
	ContentLanguage    string     `json:"contentLanguage,omitempty"`
	ContentDisposition string     `json:"contentDisposition,omitempty"`
	ContentEncoding    string     `json:"contentEncoding,omitempty"`
	CacheControl       string     `json:"cacheControl,omitempty"`
	CacheExpiry        *time.Time `json:"cacheExpiry,omitempty"`
}

// R2Object holds metadata about a stored object. ETag is a deterministic
// content hash; Version is a fresh token minted per write.
type R2Object struct {
	Key            string
	Size           int64
	ETag           string
	Version        string
	Uploaded       time.Time
	HTTPMetadata   R2HTTPMetadata
	CustomMetadata map[string]string
	StorageClass   string
	// Range records the actual byte range served by a ranged Get.
	Range *R2ResolvedRange
}

// HTTPETag returns the quoted form used on the wire.
func (o *R2Object) HTTPETag() string { return `"` + o.ETag + `"` }

// R2ResolvedRange is the byte range a ranged read actually served.
type R2ResolvedRange struct {
	Offset int64
	Length int64
}

// R2ObjectBody extends R2Object with lazy access to the body. A Get
// whose precondition failed returns the bare metadata with no body.
type R2ObjectBody struct {
	R2Object
	path    string
	offset  int64
	length  int64
	hasBody bool
}

// HasBody reports whether the body is available (false after a failed
// onlyIf condition).
func (o *R2ObjectBody) HasBody() bool { return o.hasBody }

// Body returns a lazy reader over the (possibly ranged) object bytes.
func (o *R2ObjectBody) Body() (io.ReadCloser, error) {
	if !o.hasBody {
		return nil, fmt.Errorf("R2: object body not available")
	}
	f, err := os.Open(o.path)
	if err != nil {
		return nil, fmt.Errorf("R2: opening object body: %w", err)
	}
	if o.offset > 0 {
		if _, err := f.Seek(o.offset, io.SeekStart); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("R2: seeking object body: %w", err)
		}
	}
	return &limitedReadCloser{Reader: io.LimitReader(f, o.length), closer: f}, nil
}

// Bytes reads the whole (possibly ranged) body into memory.
func (o *R2ObjectBody) Bytes() ([]byte, error) {
	rc, err := o.Body()
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	return io.ReadAll(rc)
}

// Text reads the body as a string.
func (o *R2ObjectBody) Text() (string, error) {
	data, err := o.Bytes()
	return string(data), err
}

// JSON unmarshals the body into out.
func (o *R2ObjectBody) JSON(out any) error {
	data, err := o.Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

type limitedReadCloser struct {
	io.Reader
	closer io.Closer
}

func (l *limitedReadCloser) Close() error { return l.closer.Close() }

// R2Conditional gates a Get or Put on the current stored entry. The etag
// fields accept the wildcard "*".
type R2Conditional struct {
	EtagMatches      string
	EtagDoesNotMatch string
	UploadedBefore   *time.Time
	UploadedAfter    *time.Time
}

func (c *R2Conditional) holds(obj *R2Object) bool {
	if c == nil {
		return true
	}
	if obj == nil {
		// No stored entry: only etagDoesNotMatch can hold.
		return c.EtagMatches == "" && c.UploadedBefore == nil && c.UploadedAfter == nil
	}
	if c.EtagMatches != "" && c.EtagMatches != "*" && c.EtagMatches != obj.ETag {
		return false
	}
	if c.EtagDoesNotMatch != "" && (c.EtagDoesNotMatch == "*" || c.EtagDoesNotMatch == obj.ETag) {
		return false
	}
	if c.UploadedBefore != nil && !obj.Uploaded.Before(*c.UploadedBefore) {
		return false
	}
	if c.UploadedAfter != nil && !obj.Uploaded.After(*c.UploadedAfter) {
		return false
	}
	return true
}

// R2Range selects part of an object: offset+optional length, length
// from the start, or a suffix of the final bytes.
type R2Range struct {
	Offset *int64
	Length *int64
	Suffix *int64
}

func (r *R2Range) resolve(size int64) (offset, length int64, err error) {
	if r == nil {
		return 0, size, nil
	}
	if r.Suffix != nil {
		if r.Offset != nil || r.Length != nil {
			return 0, 0, errValidation("R2: suffix range excludes offset and length")
		}
		n := *r.Suffix
		if n < 0 {
			return 0, 0, errValidation("R2: negative suffix")
		}
		if n > size {
			n = size
		}
		return size - n, n, nil
	}
	offset = 0
	if r.Offset != nil {
		offset = *r.Offset
	}
	if offset < 0 || offset > size {
		return 0, 0, errValidation("R2: range offset %d out of bounds", offset)
	}
	length = size - offset
	if r.Length != nil {
		if *r.Length < 0 {
			return 0, 0, errValidation("R2: negative range length")
		}
		if *r.Length < length {
			length = *r.Length
		}
	}
	return offset, length, nil
}

// R2GetOptions configures Get.
type R2GetOptions struct {
	OnlyIf *R2Conditional
	Range  *R2Range
}

// R2PutOptions configures Put and CreateMultipartUpload.
type R2PutOptions struct {
	OnlyIf         *R2Conditional
	HTTPMetadata   R2HTTPMetadata
	CustomMetadata map[string]string
	StorageClass   string
}

// R2ListOptions configures List.
type R2ListOptions struct {
	Prefix     string
	Delimiter  string
	Cursor     string
	Limit      int
	StartAfter string
	// Include selects optional metadata: "httpMetadata", "customMetadata".
	Include []string
}

// R2Objects is a page of listed objects plus grouped common prefixes.
type R2Objects struct {
	Objects           []R2Object
	DelimitedPrefixes []string
	Truncated         bool
	Cursor            string
}

// R2Bucket is an object-store binding: metadata rows in the shared
// database, bodies on disk under r2/<bucket>/<key>.
type R2Bucket struct {
	st                 *store.Store
	bucket             string
	tr                 *Tracing
	maxBatchDeleteKeys int
}

// NewR2Bucket binds bucket on the shared store.
func NewR2Bucket(st *store.Store, bucket string, tr *Tracing) *R2Bucket {
	return &R2Bucket{st: st, bucket: bucket, tr: tr, maxBatchDeleteKeys: r2DefaultBatchDelete}
}

// SetMaxBatchDeleteKeys overrides the batch delete limit.
func (b *R2Bucket) SetMaxBatchDeleteKeys(n int) {
	if n > 0 {
		b.maxBatchDeleteKeys = n
	}
}

func validateR2Key(key string) error {
	if key == "" {
		return errValidation("R2: key must not be empty")
	}
	if len(key) > r2MaxKeySize {
		return errValidation("R2: key length %d exceeds limit %d", len(key), r2MaxKeySize)
	}
	return nil
}

func (b *R2Bucket) keyPath(key string) (string, error) {
	path, err := store.ResolveKeyPath(b.st.R2Dir(b.bucket), key)
	if err != nil {
		return "", errValidation("R2: %v", err)
	}
	return path, nil
}

// Head returns object metadata, or nil when the key is absent.
func (b *R2Bucket) Head(ctx context.Context, key string) (*R2Object, error) {
	ctx, end := b.tr.op(ctx, "r2.head", "r2.bucket", b.bucket, "r2.key", key)
	defer end(nil)
	if err := validateR2Key(key); err != nil {
		return nil, err
	}
	return b.loadObject(ctx, key)
}

func (b *R2Bucket) loadObject(ctx context.Context, key string) (*R2Object, error) {
	var obj R2Object
	var uploaded int64
	var httpMeta, customMeta string
	err := b.st.DB.QueryRowContext(ctx,
		`SELECT key, size, etag, version, uploaded, http_metadata, custom_metadata, storage_class
		 FROM r2_objects WHERE bucket = ? AND key = ?`, b.bucket, key).
		Scan(&obj.Key, &obj.Size, &obj.ETag, &obj.Version, &uploaded, &httpMeta, &customMeta, &obj.StorageClass)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("R2 head: %w", err)
	}
	obj.Uploaded = time.UnixMilli(uploaded).UTC()
	_ = json.Unmarshal([]byte(httpMeta), &obj.HTTPMetadata)
	_ = json.Unmarshal([]byte(customMeta), &obj.CustomMetadata)
	return &obj, nil
}

// Get returns the object with lazy body access, or nil when absent.
// When an onlyIf condition fails the bare object is returned without a
// body (HasBody reports false).
func (b *R2Bucket) Get(ctx context.Context, key string, opts *R2GetOptions) (*R2ObjectBody, error) {
	ctx, end := b.tr.op(ctx, "r2.get", "r2.bucket", b.bucket, "r2.key", key)
	defer end(nil)
	if err := validateR2Key(key); err != nil {
		return nil, err
	}
	obj, err := b.loadObject(ctx, key)
	if err != nil || obj == nil {
		return nil, err
	}
	path, err := b.keyPath(key)
	if err != nil {
		return nil, err
	}

	if opts != nil && !opts.OnlyIf.holds(obj) {
		return &R2ObjectBody{R2Object: *obj}, nil
	}

	var rng *R2Range
	if opts != nil {
		rng = opts.Range
	}
	offset, length, err := rng.resolve(obj.Size)
	if err != nil {
		return nil, err
	}
	if rng != nil {
		obj.Range = &R2ResolvedRange{Offset: offset, Length: length}
	}
	return &R2ObjectBody{
		R2Object: *obj,
		path:     path,
		offset:   offset,
		length:   length,
		hasBody:  true,
	}, nil
}

func validateCustomMetadata(meta map[string]string) error {
	size := 0
	for k, v := range meta {
		size += len(k) + len(v)
	}
	if size > r2MaxCustomMetadataSize {
		return errValidation("R2: custom metadata size %d exceeds limit %d", size, r2MaxCustomMetadataSize)
	}
	return nil
}

// Put stores value under key. When an onlyIf condition fails, Put
// returns (nil, nil) and leaves the stored object unchanged.
func (b *R2Bucket) Put(ctx context.Context, key string, value []byte, opts *R2PutOptions) (*R2Object, error) {
	ctx, end := b.tr.op(ctx, "r2.put", "r2.bucket", b.bucket, "r2.key", key)
	defer end(nil)
	if err := validateR2Key(key); err != nil {
		return nil, err
	}
	path, err := b.keyPath(key)
	if err != nil {
		return nil, err
	}
	if opts != nil {
		if err := validateCustomMetadata(opts.CustomMetadata); err != nil {
			return nil, err
		}
	}

	if opts != nil && opts.OnlyIf != nil {
		current, err := b.loadObject(ctx, key)
		if err != nil {
			return nil, err
		}
		if !opts.OnlyIf.holds(current) {
			return nil, nil
		}
	}

	sum := sha256.Sum256(value)
	obj := &R2Object{
		Key:          key,
		Size:         int64(len(value)),
		ETag:         hex.EncodeToString(sum[:]),
		Version:      uuid.NewString(),
		Uploaded:     time.Now().UTC(),
		StorageClass: "STANDARD",
	}
	if opts != nil {
		obj.HTTPMetadata = opts.HTTPMetadata
		obj.CustomMetadata = opts.CustomMetadata
		if opts.StorageClass != "" {
			obj.StorageClass = opts.StorageClass
		}
	}

	if err := writeFileAtomic(path, bytes.NewReader(value)); err != nil {
		return nil, fmt.Errorf("R2 put: %w", err)
	}
	if err := b.upsertObject(ctx, obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func (b *R2Bucket) upsertObject(ctx context.Context, obj *R2Object) error {
	httpMeta, _ := json.Marshal(obj.HTTPMetadata)
	customMeta, _ := json.Marshal(obj.CustomMetadata)
	if obj.CustomMetadata == nil {
		customMeta = []byte("{}")
	}
	_, err := b.st.DB.ExecContext(ctx,
		`INSERT INTO r2_objects (bucket, key, size, etag, version, uploaded, http_metadata, custom_metadata, storage_class)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (bucket, key) DO UPDATE SET
		   size = excluded.size, etag = excluded.etag, version = excluded.version,
		   uploaded = excluded.uploaded, http_metadata = excluded.http_metadata,
		   custom_metadata = excluded.custom_metadata, storage_class = excluded.storage_class`,
		b.bucket, obj.Key, obj.Size, obj.ETag, obj.Version, obj.Uploaded.UnixMilli(),
		string(httpMeta), string(customMeta), obj.StorageClass)
	if err != nil {
		return fmt.Errorf("R2 put metadata: %w", err)
	}
	return nil
}

// writeFileAtomic writes via a temp file and rename so a crashed write
// never leaves a truncated body behind.
func writeFileAtomic(path string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// Delete removes one or more keys. Every key is validated before any
// row is touched, so a traversal attempt rejects the whole batch.
func (b *R2Bucket) Delete(ctx context.Context, keys ...string) error {
	ctx, end := b.tr.op(ctx, "r2.delete", "r2.bucket", b.bucket)
	defer end(nil)
	if len(keys) == 0 {
		return errValidation("R2: delete requires at least one key")
	}
	if len(keys) > b.maxBatchDeleteKeys {
		return errValidation("R2: batch delete limited to %d keys, got %d", b.maxBatchDeleteKeys, len(keys))
	}
	paths := make([]string, len(keys))
	for i, key := range keys {
		if err := validateR2Key(key); err != nil {
			return err
		}
		path, err := b.keyPath(key)
		if err != nil {
			return err
		}
		paths[i] = path
	}
	for i, key := range keys {
		if _, err := b.st.DB.ExecContext(ctx,
			`DELETE FROM r2_objects WHERE bucket = ? AND key = ?`, b.bucket, key); err != nil {
			return fmt.Errorf("R2 delete: %w", err)
		}
		_ = os.Remove(paths[i])
	}
	return nil
}

// List pages object metadata in key order. With a delimiter, keys that
// contain the delimiter after the prefix collapse into DelimitedPrefixes
// instead of appearing individually.
func (b *R2Bucket) List(ctx context.Context, opts *R2ListOptions) (*R2Objects, error) {
	ctx, end := b.tr.op(ctx, "r2.list", "r2.bucket", b.bucket)
	defer end(nil)
	if opts == nil {
		opts = &R2ListOptions{}
	}
	limit := opts.Limit
	if limit <= 0 || limit > r2MaxListLimit {
		limit = r2MaxListLimit
	}
	after := opts.Cursor
	if opts.StartAfter > after {
		after = opts.StartAfter
	}
	includeHTTP := false
	includeCustom := false
	for _, inc := range opts.Include {
		switch inc {
		case "httpMetadata":
			includeHTTP = true
		case "customMetadata":
			includeCustom = true
		default:
			return nil, errValidation("R2: unknown include %q", inc)
		}
	}

	query := `SELECT key, size, etag, version, uploaded, http_metadata, custom_metadata, storage_class
		FROM r2_objects WHERE bucket = ? AND key > ?`
	args := []any{b.bucket, after}
	if opts.Prefix != "" {
		query += ` AND key >= ? AND key < ?`
		args = append(args, opts.Prefix, prefixUpperBound(opts.Prefix))
	}
	query += ` ORDER BY key`

	rows, err := b.st.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("R2 list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := &R2Objects{Objects: []R2Object{}, DelimitedPrefixes: []string{}}
	seenPrefixes := map[string]bool{}
	emitted := 0
	var lastKey string
	for rows.Next() {
		var obj R2Object
		var uploaded int64
		var httpMeta, customMeta string
		if err := rows.Scan(&obj.Key, &obj.Size, &obj.ETag, &obj.Version, &uploaded,
			&httpMeta, &customMeta, &obj.StorageClass); err != nil {
			return nil, fmt.Errorf("R2 list scan: %w", err)
		}

		if opts.Delimiter != "" {
			rest := strings.TrimPrefix(obj.Key, opts.Prefix)
			if i := strings.Index(rest, opts.Delimiter); i >= 0 {
				common := opts.Prefix + rest[:i+len(opts.Delimiter)]
				if !seenPrefixes[common] {
					if emitted >= limit {
						result.Truncated = true
						result.Cursor = lastKey
						break
					}
					seenPrefixes[common] = true
					result.DelimitedPrefixes = append(result.DelimitedPrefixes, common)
					emitted++
				}
				lastKey = obj.Key
				continue
			}
		}

		if emitted >= limit {
			// Resume after the last key this page consumed; the row
			// that did not fit is re-read by the next page.
			result.Truncated = true
			result.Cursor = lastKey
			break
		}
		obj.Uploaded = time.UnixMilli(uploaded).UTC()
		if includeHTTP {
			_ = json.Unmarshal([]byte(httpMeta), &obj.HTTPMetadata)
		}
		if includeCustom {
			_ = json.Unmarshal([]byte(customMeta), &obj.CustomMetadata)
		}
		result.Objects = append(result.Objects, obj)
		emitted++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("R2 list: %w", err)
	}
	if result.Truncated && result.Cursor != "" {
		// Cursor continues from the last emitted key, not the peeked one.
		last := ""
		if n := len(result.Objects); n > 0 {
			last = result.Objects[n-1].Key
		}
		if n := len(result.DelimitedPrefixes); n > 0 {
			if p := result.DelimitedPrefixes[n-1]; p > last {
				last = p
			}
		}
		if last != "" {
			result.Cursor = last
		}
	}
	sort.Strings(result.DelimitedPrefixes)
	return result, nil
}
