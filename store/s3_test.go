package store

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObject struct {
	data        []byte
	contentType string
}

type fakeS3 struct {
	objects map[string]fakeObject
	pages   map[string]*s3.ListObjectsV2Output
	err     error
}

var _ S3Client = &fakeS3{}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = map[string]fakeObject{}
	}
	f.objects[aws.ToString(in.Key)] = fakeObject{data: data, contentType: aws.ToString(in.ContentType)}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("missing")}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.data)),
		ContentType:   aws.String(obj.contentType),
		ContentLength: aws.Int64(int64(len(obj.data))),
	}, nil
}

func (f *fakeS3) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.pages[aws.ToString(in.ContinuationToken)], nil
}

func TestBlobStore_PutGet(t *testing.T) {
	fake := &fakeS3{}
	bs := NewBlobStore(fake, "bucket")
	ctx := context.Background()

	require.NoError(t, bs.Put(ctx, "demo/abc.png", []byte("pixels"), "image/png"))

	obj, err := bs.Get(ctx, "demo/abc.png")
	require.NoError(t, err)
	defer obj.Body.Close()
	body, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(body))
	assert.Equal(t, "image/png", obj.ContentType)
	assert.Equal(t, int64(6), obj.Size)

	_, err = bs.Get(ctx, "demo/missing.png")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBlobStore_Errors(t *testing.T) {
	bs := NewBlobStore(&fakeS3{err: errTest}, "bucket")
	ctx := context.Background()

	err := bs.Put(ctx, "k", []byte("x"), "")
	assert.ErrorIs(t, err, errTest)

	_, err = bs.Get(ctx, "k")
	assert.ErrorIs(t, err, errTest)
	assert.NotErrorIs(t, err, ErrNotFound)

	_, _, err = bs.List(ctx, "")
	assert.ErrorIs(t, err, errTest)
}

func TestBlobStore_List(t *testing.T) {
	fake := &fakeS3{
		pages: map[string]*s3.ListObjectsV2Output{
			"": {
				Contents:              []types.Object{{Key: aws.String("a/1.png")}, {Key: aws.String("a/2.jpeg")}},
				NextContinuationToken: aws.String("page2"),
			},
			"page2": {
				Contents: []types.Object{{Key: aws.String("b/3.webp")}},
			},
		},
	}
	bs := NewBlobStore(fake, "bucket")
	ctx := context.Background()

	keys, next, err := bs.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1.png", "a/2.jpeg"}, keys)
	assert.Equal(t, "page2", next)

	keys, next, err = bs.List(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, []string{"b/3.webp"}, keys)
	assert.Empty(t, next)
}
