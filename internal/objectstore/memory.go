package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"kyc/pkg/platform/sentinel"
)

type memoryObject struct {
	data        []byte
	contentType string
}

// InMemory keeps blobs in process memory.
type InMemory struct {
	mu      sync.RWMutex
	buckets map[string]map[string]memoryObject
}

func NewInMemory() *InMemory {
	return &InMemory{buckets: make(map[string]map[string]memoryObject)}
}

func (s *InMemory) EnsureBucket(_ context.Context, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[bucket]; !ok {
		s.buckets[bucket] = make(map[string]memoryObject)
	}
	return nil
}

func (s *InMemory) Put(ctx context.Context, bucket, key string, body io.Reader, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read object body: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		return fmt.Errorf("bucket %s: %w", bucket, sentinel.ErrNotFound)
	}
	b[key] = memoryObject{data: data, contentType: contentType}
	return nil
}

func (s *InMemory) Get(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.buckets[bucket][key]
	if !ok {
		return nil, fmt.Errorf("object %s/%s: %w", bucket, key, sentinel.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (s *InMemory) Exists(_ context.Context, bucket, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.buckets[bucket][key]
	return ok, nil
}

// Keys lists the keys in bucket in sorted order.
func (s *InMemory) Keys(bucket string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.buckets[bucket]))
	for k := range s.buckets[bucket] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
