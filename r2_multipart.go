package lopata

import (
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
	"time"

	"github.com/google/uuid"
)

// R2UploadedPart identifies one uploaded part of a multipart upload.
type R2UploadedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

// R2MultipartUpload is a handle to an in-progress multipart upload.
// Operations on an aborted or completed upload fail with NotFound.
type R2MultipartUpload struct {
	Key      string
	UploadID string

	bucket *R2Bucket
}

// CreateMultipartUpload starts a multipart upload for key.
func (b *R2Bucket) CreateMultipartUpload(ctx context.Context, key string, opts *R2PutOptions) (*R2MultipartUpload, error) {
	ctx, end := b.tr.op(ctx, "r2.create_multipart_upload", "r2.bucket", b.bucket, "r2.key", key)
	defer end(nil)
	if err := validateR2Key(key); err != nil {
		return nil, err
	}
	if _, err := b.keyPath(key); err != nil {
		return nil, err
	}
	httpMeta := []byte("{}")
	customMeta := []byte("{}")
	if opts != nil {
		if err := validateCustomMetadata(opts.CustomMetadata); err != nil {
			return nil, err
		}
		httpMeta, _ = json.Marshal(opts.HTTPMetadata)
		if opts.CustomMetadata != nil {
			customMeta, _ = json.Marshal(opts.CustomMetadata)
		}
	}
	uploadID := uuid.NewString()
	_, err := b.st.DB.ExecContext(ctx,
		`INSERT INTO r2_multipart_uploads (upload_id, bucket, key, http_metadata, custom_metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		uploadID, b.bucket, key, string(httpMeta), string(customMeta), time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("R2 create multipart upload: %w", err)
	}
	return &R2MultipartUpload{Key: key, UploadID: uploadID, bucket: b}, nil
}

// ResumeMultipartUpload returns a handle for an existing upload id. The
// id is not verified here; operations on an unknown id fail.
func (b *R2Bucket) ResumeMultipartUpload(key, uploadID string) *R2MultipartUpload {
	return &R2MultipartUpload{Key: key, UploadID: uploadID, bucket: b}
}

func (u *R2MultipartUpload) lookup(ctx context.Context) (httpMeta, customMeta string, err error) {
	err = u.bucket.st.DB.QueryRowContext(ctx,
		`SELECT http_metadata, custom_metadata FROM r2_multipart_uploads WHERE upload_id = ? AND bucket = ? AND key = ?`,
		u.UploadID, u.bucket.bucket, u.Key).Scan(&httpMeta, &customMeta)
	if err == sql.ErrNoRows {
		return "", "", errNotFound("R2: multipart upload %q not found", u.UploadID)
	}
	if err != nil {
		return "", "", fmt.Errorf("R2 multipart lookup: %w", err)
	}
	return httpMeta, customMeta, nil
}

func (u *R2MultipartUpload) partDir() string {
	return filepath.Join(u.bucket.st.DataDir, "r2", ".uploads")
}

// UploadPart writes one part to a temp path. Parts are numbered from 1.
func (u *R2MultipartUpload) UploadPart(ctx context.Context, partNumber int, value []byte) (*R2UploadedPart, error) {
	ctx, end := u.bucket.tr.op(ctx, "r2.upload_part", "r2.bucket", u.bucket.bucket, "r2.key", u.Key)
	defer end(nil)
	if partNumber < 1 {
		return nil, errValidation("R2: part numbers start at 1, got %d", partNumber)
	}
	if _, _, err := u.lookup(ctx); err != nil {
		return nil, err
	}
	sum := sha256.Sum256(value)
	etag := hex.EncodeToString(sum[:])
	tempPath := filepath.Join(u.partDir(), fmt.Sprintf("%s-%05d", u.UploadID, partNumber))
	if err := os.MkdirAll(u.partDir(), 0o755); err != nil {
		return nil, fmt.Errorf("R2 upload part: %w", err)
	}
	if err := os.WriteFile(tempPath, value, 0o644); err != nil {
		return nil, fmt.Errorf("R2 upload part: %w", err)
	}
	_, err := u.bucket.st.DB.ExecContext(ctx,
		`INSERT INTO r2_multipart_parts (upload_id, part_number, etag, temp_path, size)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (upload_id, part_number) DO UPDATE SET
		   etag = excluded.etag, temp_path = excluded.temp_path, size = excluded.size`,
		u.UploadID, partNumber, etag, tempPath, len(value))
	if err != nil {
		return nil, fmt.Errorf("R2 upload part: %w", err)
	}
	return &R2UploadedPart{PartNumber: partNumber, ETag: etag}, nil
}

// Complete verifies the provided part etags, concatenates the parts in
// ascending part number into a single object, and releases temp parts.
func (u *R2MultipartUpload) Complete(ctx context.Context, parts []R2UploadedPart) (*R2Object, error) {
	ctx, end := u.bucket.tr.op(ctx, "r2.complete_multipart_upload", "r2.bucket", u.bucket.bucket, "r2.key", u.Key)
	defer end(nil)
	httpMetaJSON, customMetaJSON, err := u.lookup(ctx)
	if err != nil {
		return nil, err
	}

	stored := map[int]struct {
		etag string
		path string
	}{}
	rows, err := u.bucket.st.DB.QueryContext(ctx,
		`SELECT part_number, etag, temp_path FROM r2_multipart_parts WHERE upload_id = ?`, u.UploadID)
	if err != nil {
		return nil, fmt.Errorf("R2 complete: %w", err)
	}
	for rows.Next() {
		var n int
		var etag, path string
		if err := rows.Scan(&n, &etag, &path); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("R2 complete scan: %w", err)
		}
		stored[n] = struct {
			etag string
			path string
		}{etag, path}
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("R2 complete: %w", err)
	}

	ordered := append([]R2UploadedPart(nil), parts...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].PartNumber < ordered[j].PartNumber })
	for _, p := range ordered {
		s, ok := stored[p.PartNumber]
		if !ok {
			return nil, errNotFound("R2: part %d was never uploaded", p.PartNumber)
		}
		if s.etag != p.ETag {
			return nil, errValidation("R2: etag mismatch for part %d", p.PartNumber)
		}
	}

	path, err := u.bucket.keyPath(u.Key)
	if err != nil {
		return nil, err
	}
	readers := make([]io.Reader, 0, len(ordered))
	files := make([]*os.File, 0, len(ordered))
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()
	hash := sha256.New()
	var size int64
	for _, p := range ordered {
		f, err := os.Open(stored[p.PartNumber].path)
		if err != nil {
			return nil, fmt.Errorf("R2 complete: reading part %d: %w", p.PartNumber, err)
		}
		files = append(files, f)
		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("R2 complete: %w", err)
		}
		size += info.Size()
		readers = append(readers, f)
	}
	if err := writeFileAtomic(path, io.TeeReader(io.MultiReader(readers...), hash)); err != nil {
		return nil, fmt.Errorf("R2 complete: %w", err)
	}

	obj := &R2Object{
		Key:          u.Key,
		Size:         size,
		ETag:         hex.EncodeToString(hash.Sum(nil)),
		Version:      uuid.NewString(),
		Uploaded:     time.Now().UTC(),
		StorageClass: "STANDARD",
	}
	_ = json.Unmarshal([]byte(httpMetaJSON), &obj.HTTPMetadata)
	_ = json.Unmarshal([]byte(customMetaJSON), &obj.CustomMetadata)
	if err := u.bucket.upsertObject(ctx, obj); err != nil {
		return nil, err
	}
	if err := u.cleanup(ctx); err != nil {
		return nil, err
	}
	return obj, nil
}

// Abort releases temp parts and invalidates the upload.
func (u *R2MultipartUpload) Abort(ctx context.Context) error {
	ctx, end := u.bucket.tr.op(ctx, "r2.abort_multipart_upload", "r2.bucket", u.bucket.bucket, "r2.key", u.Key)
	defer end(nil)
	if _, _, err := u.lookup(ctx); err != nil {
		return err
	}
	return u.cleanup(ctx)
}

func (u *R2MultipartUpload) cleanup(ctx context.Context) error {
	rows, err := u.bucket.st.DB.QueryContext(ctx,
		`SELECT temp_path FROM r2_multipart_parts WHERE upload_id = ?`, u.UploadID)
	if err != nil {
		return fmt.Errorf("R2 multipart cleanup: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			_ = rows.Close()
			return fmt.Errorf("R2 multipart cleanup: %w", err)
		}
		paths = append(paths, p)
	}
	_ = rows.Close()
	for _, p := range paths {
		_ = os.Remove(p)
	}
	if _, err := u.bucket.st.DB.ExecContext(ctx,
		`DELETE FROM r2_multipart_parts WHERE upload_id = ?`, u.UploadID); err != nil {
		return fmt.Errorf("R2 multipart cleanup: %w", err)
	}
	if _, err := u.bucket.st.DB.ExecContext(ctx,
		`DELETE FROM r2_multipart_uploads WHERE upload_id = ?`, u.UploadID); err != nil {
		return fmt.Errorf("R2 multipart cleanup: %w", err)
	}
	return nil
}
