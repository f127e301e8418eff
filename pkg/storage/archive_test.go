package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObjects struct {
	objects map[string][]byte
	gets    int
}

func (f *fakeObjects) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeObjects) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.gets++
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3Archive_RoundTrip(t *testing.T) {
	fake := &fakeObjects{objects: map[string][]byte{}}
	a, err := newS3Archive(fake, S3ArchiveConfig{Bucket: "metrics", Prefix: "samples/"})
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := a.Store(ctx, "inv-1", []int64{10, 20, 30})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "s3://metrics/samples/"))
	assert.True(t, strings.HasSuffix(uri, "/inv-1.json"))

	got, err := a.Retrieve(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20, 30}, got)
	assert.Equal(t, 1, fake.gets)
}

func TestS3Archive_LocalCacheServesReads(t *testing.T) {
	fake := &fakeObjects{objects: map[string][]byte{}}
	a, err := newS3Archive(fake, S3ArchiveConfig{Bucket: "metrics", LocalCacheDir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := a.Store(ctx, "inv-2", []int64{1})
	require.NoError(t, err)
	got, err := a.Retrieve(ctx, uri)
	require.NoError(t, err)

	assert.Equal(t, []int64{1}, got)
	assert.Zero(t, fake.gets)
}

func TestS3Archive_RequiresBucket(t *testing.T) {
	_, err := newS3Archive(&fakeObjects{}, S3ArchiveConfig{})
	assert.Error(t, err)
}

func TestLocalArchive(t *testing.T) {
	dir := t.TempDir()
	a, err := NewLocalArchive(dir)
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := a.Store(ctx, "inv-3", nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "inv-3.json"), uri)

	got, err := a.Retrieve(ctx, uri)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = a.Retrieve(ctx, filepath.Join(dir, "missing.json"))
	assert.ErrorIs(t, err, ErrNotFound)
}
