// s3.go - image bytes in an S3 bucket.

package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Client is the subset of the S3 API the blob store uses.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Object is a stored blob. The caller must close Body.
type Object struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64
}

// BlobStore keeps image bytes in one bucket.
type BlobStore struct {
	client S3Client
	bucket string
}

// NewBlobStore creates a new [*BlobStore] for bucket.
func NewBlobStore(client S3Client, bucket string) *BlobStore {
	return &BlobStore{
		client: client,
		bucket: bucket,
	}
}

// Put writes data at key.
func (b *BlobStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := b.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("failed to put %s in bucket %s: %w", key, b.bucket, err)
	}
	return nil
}

// Get opens the object at key, returning [ErrNotFound] when it does not
// exist.
func (b *BlobStore) Get(ctx context.Context, key string) (*Object, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s from bucket %s: %w", key, b.bucket, err)
	}
	return &Object{
		Body:        out.Body,
		ContentType: aws.ToString(out.ContentType),
		Size:        aws.ToInt64(out.ContentLength),
	}, nil
}

// List returns one page of object keys starting at the continuation
// token. The returned token is empty on the last page.
func (b *BlobStore) List(ctx context.Context, continuationToken string) ([]string, string, error) {
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
	}
	if continuationToken != "" {
		in.ContinuationToken = aws.String(continuationToken)
	}
	out, err := b.client.ListObjectsV2(ctx, in)
	if err != nil {
		return nil, "", fmt.Errorf("failed to list bucket %s: %w", b.bucket, err)
	}
	keys := make([]string, 0, len(out.Contents))
	for _, obj := range out.Contents {
		keys = append(keys, aws.ToString(obj.Key))
	}
	return keys, aws.ToString(out.NextContinuationToken), nil
}
