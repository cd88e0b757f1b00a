// Package frames samples still frames from a stored selfie video and uploads
// them as JPEGs for the analysis stages.
package frames

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"path"

	"kyc/internal/objectstore"
	id "kyc/pkg/domain"
)

const (
	// DefaultInterval keeps one frame out of every 30.
	DefaultInterval = 30
	defaultQuality  = 90
)

// ErrNoFrames is returned when the video yielded no sampled frame.
var ErrNoFrames = errors.New("video produced no frames")

// Decoder yields every nth frame of a local video file in order.
type Decoder interface {
	Decode(ctx context.Context, videoPath string, every int, emit func(img image.Image) error) error
}

// Extractor downloads a video, samples frames and stores them.
type Extractor struct {
	store        objectstore.Store
	decoder      Decoder
	videosBucket string
	framesBucket string
	interval     int
	quality      int
	tempDir      string
}

type Option func(*Extractor)

func WithInterval(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.interval = n
		}
	}
}

func WithTempDir(dir string) Option {
	return func(e *Extractor) {
		e.tempDir = dir
	}
}

// NewExtractor reads videos from videosBucket and writes frames to framesBucket.
func NewExtractor(store objectstore.Store, decoder Decoder, videosBucket, framesBucket string, opts ...Option) *Extractor {
	e := &Extractor{
		store:        store,
		decoder:      decoder,
		videosBucket: videosBucket,
		framesBucket: framesBucket,
		interval:     DefaultInterval,
		quality:      defaultQuality,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract samples the video at videoKey and returns the uploaded frame keys in
// order. Keys are stable for a session, so a rerun overwrites the same objects.
func (e *Extractor) Extract(ctx context.Context, sessionID id.SessionID, videoKey string) ([]string, error) {
	local, err := e.download(ctx, videoKey)
	if err != nil {
		return nil, err
	}
	defer func() { _ = os.Remove(local) }()

	var keys []string
	var buf bytes.Buffer
	err = e.decoder.Decode(ctx, local, e.interval, func(img image.Image) error {
		buf.Reset()
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.quality}); err != nil {
			return fmt.Errorf("encode frame %d: %w", len(keys), err)
		}
		key := objectstore.FrameKey(sessionID, len(keys))
		if err := e.store.Put(ctx, e.framesBucket, key, bytes.NewReader(buf.Bytes()), "image/jpeg"); err != nil {
			return fmt.Errorf("upload frame %s: %w", key, err)
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", videoKey, err)
	}
	if len(keys) == 0 {
		return nil, ErrNoFrames
	}
	return keys, nil
}

func (e *Extractor) download(ctx context.Context, key string) (string, error) {
	body, err := e.store.Get(ctx, e.videosBucket, key)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", key, err)
	}
	defer func() { _ = body.Close() }()

	f, err := os.CreateTemp(e.tempDir, "kyc-video-*"+path.Ext(key))
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("download %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return f.Name(), nil
}
