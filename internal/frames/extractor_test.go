package frames

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kyc/internal/objectstore"
	id "kyc/pkg/domain"
)

const (
	videosBucket = "kyc-videos"
	framesBucket = "kyc-frames"
)

// syntheticDecoder treats the video file as a frame count and paints frames
// with their source index.
type syntheticDecoder struct {
	total int
	seen  string
	err   error
}

func (d *syntheticDecoder) Decode(_ context.Context, videoPath string, every int, emit func(img image.Image) error) error {
	d.seen = videoPath
	if d.err != nil {
		return d.err
	}
	for n := 0; n < d.total; n++ {
		if n%every != 0 {
			continue
		}
		img := image.NewGray(image.Rect(0, 0, 8, 8))
		img.Set(0, 0, color.Gray{Y: uint8(n)})
		if err := emit(img); err != nil {
			return err
		}
	}
	return nil
}

func setup(t *testing.T) (*objectstore.InMemory, id.SessionID, string) {
	t.Helper()
	ctx := context.Background()
	store := objectstore.NewInMemory()
	require.NoError(t, store.EnsureBucket(ctx, videosBucket))
	require.NoError(t, store.EnsureBucket(ctx, framesBucket))

	sid := id.NewSessionID()
	key := objectstore.SelfieKey(sid, "clip.mp4")
	require.NoError(t, store.Put(ctx, videosBucket, key, bytes.NewReader([]byte("video")), "video/mp4"))
	return store, sid, key
}

func TestExtractSamplesEveryNthFrame(t *testing.T) {
	store, sid, key := setup(t)
	dec := &syntheticDecoder{total: 95}
	ex := NewExtractor(store, dec, videosBucket, framesBucket, WithTempDir(t.TempDir()))

	keys, err := ex.Extract(context.Background(), sid, key)
	require.NoError(t, err)

	// frames 0, 30, 60, 90
	require.Len(t, keys, 4)
	for i, k := range keys {
		assert.Equal(t, objectstore.FrameKey(sid, i), k)
	}
	assert.Equal(t, ".mp4", dec.seen[len(dec.seen)-4:])

	body, err := store.Get(context.Background(), framesBucket, keys[2])
	require.NoError(t, err)
	defer body.Close()
	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	img, err := jpeg.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
}

func TestExtractIsStableAcrossReruns(t *testing.T) {
	store, sid, key := setup(t)
	ex := NewExtractor(store, &syntheticDecoder{total: 10}, videosBucket, framesBucket, WithInterval(5))

	first, err := ex.Extract(context.Background(), sid, key)
	require.NoError(t, err)
	second, err := ex.Extract(context.Background(), sid, key)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, store.Keys(framesBucket), 2)
}

func TestExtractErrors(t *testing.T) {
	t.Run("missing video", func(t *testing.T) {
		store, sid, _ := setup(t)
		ex := NewExtractor(store, &syntheticDecoder{total: 1}, videosBucket, framesBucket)
		_, err := ex.Extract(context.Background(), sid, "nope.mp4")
		assert.Error(t, err)
	})

	t.Run("no frames", func(t *testing.T) {
		store, sid, key := setup(t)
		ex := NewExtractor(store, &syntheticDecoder{total: 0}, videosBucket, framesBucket)
		_, err := ex.Extract(context.Background(), sid, key)
		assert.ErrorIs(t, err, ErrNoFrames)
	})

	t.Run("decoder failure", func(t *testing.T) {
		store, sid, key := setup(t)
		boom := errors.New("corrupt stream")
		ex := NewExtractor(store, &syntheticDecoder{err: boom}, videosBucket, framesBucket)
		_, err := ex.Extract(context.Background(), sid, key)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("frames bucket missing", func(t *testing.T) {
		store, sid, key := setup(t)
		ex := NewExtractor(store, &syntheticDecoder{total: 1}, videosBucket, "absent")
		_, err := ex.Extract(context.Background(), sid, key)
		assert.Error(t, err)
	})
}

func TestSyntheticDecoder(t *testing.T) {
	store, sid, key := setup(t)
	ex := NewExtractor(store, NewSyntheticDecoder(61), videosBucket, framesBucket)

	keys, err := ex.Extract(context.Background(), sid, key)
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}
