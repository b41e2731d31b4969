package blob

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps uploads in process memory. Fallback for
// deployments without a bucket, and the blob store used in tests.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) PutObject(_ context.Context, data []byte, _ string) (string, error) {
	url := fmt.Sprintf("memory://uploads/%s", uuid.NewString())
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[url] = cp
	return url, nil
}

func (s *MemoryStore) SignedURL(_ context.Context, url string, _ time.Duration) (string, error) {
	return url, nil
}

func (s *MemoryStore) DeleteObject(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, url)
	return nil
}

func (s *MemoryStore) ListObjects(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.objects))
	for url := range s.objects {
		out = append(out, url)
	}
	return out, nil
}
