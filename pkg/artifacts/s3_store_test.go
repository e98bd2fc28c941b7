package artifacts

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-evidence/pkg/canonicalize"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	failAll error
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.failAll != nil {
		return nil, f.failAll
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.failAll != nil {
		return nil, f.failAll
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.failAll != nil {
		return nil, f.failAll
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if f.failAll != nil {
		return nil, f.failAll
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store_RoundTrip(t *testing.T) {
	fake := newFakeS3()
	store := NewS3StoreWithClient(fake, "evidence", "cases/")
	ctx := context.Background()
	data := []byte("photo bytes")

	hash, err := store.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, canonicalize.HashBytes(data), hash)
	assert.Contains(t, fake.objects, "evidence/cases/"+hash+".blob")

	_, err = store.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.puts, "existing objects are not re-uploaded")

	got, err := store.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err := store.Exists(ctx, hash)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, store.Delete(ctx, hash))
	ok, err = store.Exists(ctx, hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Get(ctx, hash)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestS3Store_Errors(t *testing.T) {
	fake := newFakeS3()
	store := NewS3StoreWithClient(fake, "evidence", "")
	ctx := context.Background()

	_, err := store.Get(ctx, "nope")
	require.ErrorIs(t, err, ErrInvalidHash)

	hash, err := store.Put(ctx, []byte("good"))
	require.NoError(t, err)
	fake.objects["evidence/"+hash+".blob"] = []byte("bad")
	_, err = store.Get(ctx, hash)
	require.ErrorIs(t, err, ErrCorrupt)

	fake.failAll = errors.New("connection reset by peer")
	_, err = store.Exists(ctx, hash)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "s3 head failed"))
	_, err = store.Put(ctx, []byte("other"))
	require.Error(t, err)
}
