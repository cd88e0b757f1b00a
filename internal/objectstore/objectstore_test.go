package objectstore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kyc/internal/platform/config"
	id "kyc/pkg/domain"
	"kyc/pkg/platform/sentinel"
)

func TestKeys(t *testing.T) {
	sid := id.SessionID(uuid.MustParse("7b1c3a5e-7f3a-4b0e-9a54-1f0f3c2d9e11"))

	assert.Equal(t, "7b1c3a5e-7f3a-4b0e-9a54-1f0f3c2d9e11/selfie_me.mp4", SelfieKey(sid, "me.mp4"))
	assert.Equal(t, "7b1c3a5e-7f3a-4b0e-9a54-1f0f3c2d9e11/id_passport.MOV", IDVideoKey(sid, "passport.MOV"))
	assert.Equal(t, "7b1c3a5e-7f3a-4b0e-9a54-1f0f3c2d9e11/frames/frame_000042.jpg", FrameKey(sid, 42))
	assert.Equal(t, "7b1c3a5e-7f3a-4b0e-9a54-1f0f3c2d9e11/selfie_x.mp4", SelfieKey(sid, "../../x.mp4"), "directory parts are dropped")
}

func TestInMemory(t *testing.T) {
	ctx := context.Background()
	s := NewInMemory()

	err := s.Put(ctx, "kyc-videos", "a", strings.NewReader("data"), "video/mp4")
	require.ErrorIs(t, err, sentinel.ErrNotFound, "bucket must exist")

	require.NoError(t, s.EnsureBucket(ctx, "kyc-videos"))
	require.NoError(t, s.EnsureBucket(ctx, "kyc-videos"), "idempotent")
	require.NoError(t, s.Put(ctx, "kyc-videos", "a", strings.NewReader("data"), "video/mp4"))

	ok, err := s.Exists(ctx, "kyc-videos", "a")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := s.Get(ctx, "kyc-videos", "a")
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "data", string(body))

	_, err = s.Get(ctx, "kyc-videos", "missing")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
	assert.Equal(t, []string{"a"}, s.Keys("kyc-videos"))
}

// fakeS3 implements the handful of path-style S3 calls the store makes.
type fakeS3 struct {
	mu      sync.Mutex
	buckets map[string]map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{buckets: make(map[string]map[string][]byte)}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	objects, bucketExists := f.buckets[bucket]

	switch {
	case key == "" && r.Method == http.MethodHead:
		if !bucketExists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case key == "" && r.Method == http.MethodPut:
		if !bucketExists {
			f.buckets[bucket] = make(map[string][]byte)
		}
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		if !bucketExists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		objects[key] = body
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodHead:
		if _, ok := objects[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet:
		data, ok := objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		_, _ = w.Write(data)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestS3Store(t *testing.T) {
	fake := newFakeS3()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := NewS3(config.ObjectStoreConfig{
		Endpoint:  srv.URL,
		Region:    "us-east-1",
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.EnsureBucket(ctx, "kyc-frames"))
	require.NoError(t, s.EnsureBucket(ctx, "kyc-frames"))

	ok, err := s.Exists(ctx, "kyc-frames", "sid/frames/frame_000000.jpg")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(ctx, "kyc-frames", "sid/frames/frame_000000.jpg", strings.NewReader("jpeg"), "image/jpeg"))

	ok, err = s.Exists(ctx, "kyc-frames", "sid/frames/frame_000000.jpg")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, err := s.Get(ctx, "kyc-frames", "sid/frames/frame_000000.jpg")
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(body))

	_, err = s.Get(ctx, "kyc-frames", "nope")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}
