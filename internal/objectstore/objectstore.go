// Package objectstore stores uploaded videos and extracted frames by bucket
// and key.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"path"

	id "kyc/pkg/domain"
)

// Store is the blob storage port.
type Store interface {
	EnsureBucket(ctx context.Context, bucket string) error
	Put(ctx context.Context, bucket, key string, body io.Reader, contentType string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, bucket, key string) (bool, error)
}

// SelfieKey is the object key of a session's selfie video.
func SelfieKey(sessionID id.SessionID, filename string) string {
	return sessionID.String() + "/selfie_" + path.Base(filename)
}

// IDVideoKey is the object key of a session's identity document video.
func IDVideoKey(sessionID id.SessionID, filename string) string {
	return sessionID.String() + "/id_" + path.Base(filename)
}

// FrameKey is the object key of the index-th sampled frame.
func FrameKey(sessionID id.SessionID, index int) string {
	return fmt.Sprintf("%s/frames/frame_%06d.jpg", sessionID.String(), index)
}
