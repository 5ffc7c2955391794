package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store talks the native S3 API, including its multipart-upload
// protocol. Use it when the archive bucket lives on AWS S3 or an
// S3-compatible endpoint (MinIO, R2) that supports multipart natively.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store creates a store for the given bucket. Credentials and a
// default region come from the standard AWS environment/config chain;
// endpoint overrides both the host and forces path-style addressing.
func NewS3Store(ctx context.Context, bucket, region, endpoint string) (*S3Store, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Store{client: client, bucket: bucket}, nil
}

// StreamGet opens the object at key for reading.
func (s *S3Store) StreamGet(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return out.Body, nil
}

// StreamPut writes r to key.
func (s *S3Store) StreamPut(ctx context.Context, key string, r io.Reader) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Stat returns metadata for the object at key.
func (s *S3Store) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("stat %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("stat %s: %w", key, err)
	}
	return &ObjectInfo{
		Key:      key,
		Size:     aws.ToInt64(out.ContentLength),
		ETag:     strings.Trim(aws.ToString(out.ETag), `"`),
		ModTime:  aws.ToTime(out.LastModified),
		Metadata: out.Metadata,
	}, nil
}

// List returns one page of objects under prefix.
func (s *S3Store) List(ctx context.Context, prefix, pageToken string, pageSize int) ([]ObjectInfo, string, error) {
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}
	if pageSize > 0 {
		in.MaxKeys = aws.Int32(int32(pageSize))
	}
	if pageToken != "" {
		in.ContinuationToken = aws.String(pageToken)
	}

	out, err := s.client.ListObjectsV2(ctx, in)
	if err != nil {
		return nil, "", fmt.Errorf("list %s: %w", prefix, err)
	}

	infos := make([]ObjectInfo, 0, len(out.Contents))
	for _, obj := range out.Contents {
		infos = append(infos, ObjectInfo{
			Key:     aws.ToString(obj.Key),
			Size:    aws.ToInt64(obj.Size),
			ETag:    strings.Trim(aws.ToString(obj.ETag), `"`),
			ModTime: aws.ToTime(obj.LastModified),
		})
	}

	next := ""
	if aws.ToBool(out.IsTruncated) {
		next = aws.ToString(out.NextContinuationToken)
	}
	return infos, next, nil
}

// Delete removes the object at key. S3 treats deleting a missing key
// as success, so this is naturally idempotent.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// BatchDelete removes keys in batches of up to 1000 per request, the
// DeleteObjects API limit.
func (s *S3Store) BatchDelete(ctx context.Context, keys []string) error {
	const batchSize = 1000

	var errs []error
	for start := 0; start < len(keys); start += batchSize {
		end := start + batchSize
		if end > len(keys) {
			end = len(keys)
		}

		objects := make([]types.ObjectIdentifier, 0, end-start)
		for _, k := range keys[start:end] {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(k)})
		}

		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("delete batch of %d: %w", end-start, err))
			continue
		}
		for _, de := range out.Errors {
			errs = append(errs, fmt.Errorf("delete %s: %s: %s",
				aws.ToString(de.Key), aws.ToString(de.Code), aws.ToString(de.Message)))
		}
	}
	return errors.Join(errs...)
}

// MultipartCreate opens a native multipart session targeting key.
func (s *S3Store) MultipartCreate(ctx context.Context, key string, metadata map[string]string) (MultipartSession, error) {
	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		Metadata: metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("create multipart upload for %s: %w", key, err)
	}
	return &s3Session{
		client:   s.client,
		bucket:   s.bucket,
		key:      key,
		uploadID: aws.ToString(out.UploadId),
	}, nil
}

// AbortPending aborts every multipart session still open for key.
func (s *S3Store) AbortPending(ctx context.Context, key string) error {
	in := &s3.ListMultipartUploadsInput{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(key),
	}
	for {
		out, err := s.client.ListMultipartUploads(ctx, in)
		if err != nil {
			return fmt.Errorf("list multipart uploads for %s: %w", key, err)
		}
		for _, u := range out.Uploads {
			if aws.ToString(u.Key) != key {
				continue
			}
			_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
				Bucket:   aws.String(s.bucket),
				Key:      u.Key,
				UploadId: u.UploadId,
			})
			if err != nil {
				return fmt.Errorf("abort upload %s for %s: %w", aws.ToString(u.UploadId), key, err)
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			return nil
		}
		in.KeyMarker = out.NextKeyMarker
		in.UploadIdMarker = out.NextUploadIdMarker
	}
}

// Close is a no-op; the S3 client holds no connections of its own.
func (s *S3Store) Close() error {
	return nil
}

// s3Session wraps one native multipart upload.
type s3Session struct {
	client   *s3.Client
	bucket   string
	key      string
	uploadID string
}

func (s *s3Session) ID() string  { return s.uploadID }
func (s *s3Session) Key() string { return s.key }

func (s *s3Session) UploadPart(ctx context.Context, number int, r io.Reader, size int64) (Part, error) {
	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key),
		UploadId:      aws.String(s.uploadID),
		PartNumber:    aws.Int32(int32(number)),
		Body:          r,
		ContentLength: aws.Int64(size),
	})
	if err != nil {
		return Part{}, fmt.Errorf("upload part %d of %s: %w", number, s.key, err)
	}
	return Part{Number: number, Size: size, ETag: aws.ToString(out.ETag)}, nil
}

func (s *s3Session) Complete(ctx context.Context, parts []Part) error {
	sorted := make([]Part, len(parts))
	copy(sorted, parts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Number < sorted[j].Number })

	completed := make([]types.CompletedPart, 0, len(sorted))
	for _, p := range sorted {
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(int32(p.Number)),
			ETag:       aws.String(p.ETag),
		})
	}

	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(s.key),
		UploadId:        aws.String(s.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return fmt.Errorf("complete multipart upload for %s: %w", s.key, err)
	}
	return nil
}

func (s *s3Session) Abort(ctx context.Context) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(s.key),
		UploadId: aws.String(s.uploadID),
	})
	if err != nil {
		return fmt.Errorf("abort multipart upload for %s: %w", s.key, err)
	}
	return nil
}

// isS3NotFound matches the API error shapes S3 uses for missing
// objects: NoSuchKey from GetObject, bare 404 NotFound from HeadObject.
func isS3NotFound(err error) bool {
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}
