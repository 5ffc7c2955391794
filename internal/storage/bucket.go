package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/gcsblob" // gs:// driver
	_ "gocloud.dev/blob/s3blob"  // s3:// driver (B2, R2, MinIO via endpoint param)
)

// multipartRoot holds in-flight emulated multipart parts, namespaced
// by target key and session so concurrent sessions never collide. It
// sorts outside the galleries/staging/archives roots, so pipeline
// listings never see parts.
const multipartRoot = ".multipart/"

const defaultPageSize = 1000

// BucketStore implements ObjectStore on any gocloud.dev blob bucket:
// local filesystem, in-memory (tests), GCS, or S3-compatible services
// through the portable driver. Multipart upload is emulated: parts are
// staged as ordinary objects and concatenated into the target key by a
// single writer, which gocloud commits atomically at Close.
type BucketStore struct {
	bucket *blob.Bucket
}

// NewBucketStore wraps an already opened bucket.
func NewBucketStore(bucket *blob.Bucket) *BucketStore {
	return &BucketStore{bucket: bucket}
}

// OpenBucketStore opens a bucket by driver URL, e.g. "gs://photos" or
// "s3://photos?region=us-east-1&endpoint=minio:9000".
func OpenBucketStore(ctx context.Context, bucketURL string) (*BucketStore, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketURL, err)
	}
	return NewBucketStore(bucket), nil
}

// NewFileStore opens a local-filesystem bucket rooted at dir,
// creating it if needed.
func NewFileStore(dir string) (*BucketStore, error) {
	bucket, err := fileblob.OpenBucket(dir, &fileblob.Options{CreateDir: true})
	if err != nil {
		return nil, fmt.Errorf("open file bucket %s: %w", dir, err)
	}
	return NewBucketStore(bucket), nil
}

// NewMemStore opens an in-memory bucket.
func NewMemStore() *BucketStore {
	return NewBucketStore(memblob.OpenBucket(nil))
}

// StreamGet opens the object at key for reading.
func (s *BucketStore) StreamGet(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return r, nil
}

// StreamPut writes r to key. gocloud commits the object at Close, so
// a failed copy leaves nothing behind.
func (s *BucketStore) StreamPut(ctx context.Context, key string, r io.Reader) error {
	return s.write(ctx, key, r, nil)
}

func (s *BucketStore) write(ctx context.Context, key string, r io.Reader, opts *blob.WriterOptions) error {
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(wctx, key, opts)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}

	if _, err := io.Copy(w, r); err != nil {
		cancel() // abort instead of committing a truncated object
		w.Close()
		return fmt.Errorf("write %s: %w", key, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

// Stat returns metadata for the object at key.
func (s *BucketStore) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("stat %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}

	etag := attrs.ETag
	if etag == "" && len(attrs.MD5) > 0 {
		etag = hex.EncodeToString(attrs.MD5)
	}
	return &ObjectInfo{
		Key:      key,
		Size:     attrs.Size,
		ETag:     etag,
		ModTime:  attrs.ModTime,
		Metadata: attrs.Metadata,
	}, nil
}

// List returns one page of objects under prefix.
func (s *BucketStore) List(ctx context.Context, prefix, pageToken string, pageSize int) ([]ObjectInfo, string, error) {
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	token := blob.FirstPageToken
	if pageToken != "" {
		token = []byte(pageToken)
	}

	objs, next, err := s.bucket.ListPage(ctx, token, pageSize, &blob.ListOptions{Prefix: prefix})
	if err != nil {
		return nil, "", fmt.Errorf("list %s: %w", prefix, err)
	}

	infos := make([]ObjectInfo, 0, len(objs))
	for _, obj := range objs {
		if obj.IsDir {
			continue
		}
		etag := ""
		if len(obj.MD5) > 0 {
			etag = hex.EncodeToString(obj.MD5)
		}
		infos = append(infos, ObjectInfo{
			Key:     obj.Key,
			Size:    obj.Size,
			ETag:    etag,
			ModTime: obj.ModTime,
		})
	}
	return infos, string(next), nil
}

// Delete removes the object at key; missing objects are a no-op.
func (s *BucketStore) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, key); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil
		}
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// BatchDelete removes keys one by one; the portable driver has no
// batch call. Failures are collected, not short-circuited.
func (s *BucketStore) BatchDelete(ctx context.Context, keys []string) error {
	var errs []error
	for _, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MultipartCreate opens an emulated multipart session targeting key.
func (s *BucketStore) MultipartCreate(ctx context.Context, key string, metadata map[string]string) (MultipartSession, error) {
	return &bucketSession{
		store:    s,
		key:      key,
		id:       uuid.New().String(),
		metadata: metadata,
	}, nil
}

// AbortPending deletes parts left behind by every emulated session
// still targeting key.
func (s *BucketStore) AbortPending(ctx context.Context, key string) error {
	return s.deletePrefix(ctx, multipartRoot+key+"/")
}

// Close releases the bucket connection.
func (s *BucketStore) Close() error {
	return s.bucket.Close()
}

// deletePrefix removes every object under prefix.
func (s *BucketStore) deletePrefix(ctx context.Context, prefix string) error {
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	var errs []error
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s: %w", prefix, err))
			break
		}
		if err := s.Delete(ctx, obj.Key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// bucketSession emulates one multipart upload on a portable bucket.
// Parts land under multipartRoot until Complete concatenates them
// into the target key through a single atomic writer.
type bucketSession struct {
	store    *BucketStore
	key      string
	id       string
	metadata map[string]string
}

func (s *bucketSession) ID() string  { return s.id }
func (s *bucketSession) Key() string { return s.key }

func (s *bucketSession) prefix() string {
	return multipartRoot + s.key + "/" + s.id + "/"
}

// partKey zero-pads the part number so lexical listing order matches
// numeric order.
func (s *bucketSession) partKey(number int) string {
	return fmt.Sprintf("%s%05d", s.prefix(), number)
}

func (s *bucketSession) UploadPart(ctx context.Context, number int, r io.Reader, size int64) (Part, error) {
	if number < 1 || number > MaxParts {
		return Part{}, fmt.Errorf("part number %d out of range [1, %d]", number, MaxParts)
	}

	sum := md5.New()
	if err := s.store.write(ctx, s.partKey(number), io.TeeReader(r, sum), nil); err != nil {
		return Part{}, fmt.Errorf("upload part %d of %s: %w", number, s.key, err)
	}
	return Part{
		Number: number,
		Size:   size,
		ETag:   hex.EncodeToString(sum.Sum(nil)),
	}, nil
}

// Complete concatenates the parts into the target key in part-number
// order. The object becomes visible only when the writer closes
// cleanly, matching native multipart commit semantics.
func (s *bucketSession) Complete(ctx context.Context, parts []Part) error {
	sorted := make([]Part, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.store.bucket.NewWriter(wctx, s.key, &blob.WriterOptions{Metadata: s.metadata})
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", s.key, err)
	}

	for _, p := range sorted {
		rd, err := s.store.bucket.NewReader(ctx, s.partKey(p.Number), nil)
		if err != nil {
			cancel()
			w.Close()
			return fmt.Errorf("open part %d of %s: %w", p.Number, s.key, err)
		}
		_, copyErr := io.Copy(w, rd)
		rd.Close()
		if copyErr != nil {
			cancel()
			w.Close()
			return fmt.Errorf("concatenate part %d of %s: %w", p.Number, s.key, copyErr)
		}
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("commit %s: %w", s.key, err)
	}

	// Parts are garbage once the object is committed. Cleanup failures
	// are ignored: AbortPending reclaims leftovers later.
	_ = s.store.deletePrefix(ctx, s.prefix())
	return nil
}

// Abort discards the session's parts.
func (s *bucketSession) Abort(ctx context.Context) error {
	return s.store.deletePrefix(ctx, s.prefix())
}
