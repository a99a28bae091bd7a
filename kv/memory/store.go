package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/code-payments/purchases-go/kv"
)

type store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewInMemory() kv.Store {
	return &store{
		data: make(map[string][]byte),
	}
}

func (s *store) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[string][]byte)
}

func (s *store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data[key]
	if !ok {
		return nil, kv.ErrNotFound
	}

	cloned := make([]byte, len(value))
	copy(cloned, value)
	return cloned, nil
}

func (s *store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cloned := make([]byte, len(value))
	copy(cloned, value)
	s.data[key] = cloned
	return nil
}

func (s *store) SetIfAbsent(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; ok {
		return kv.ErrExists
	}

	cloned := make([]byte, len(value))
	copy(cloned, value)
	s.data[key] = cloned
	return nil
}

func (s *store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

func (s *store) KeysWithPrefix(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key := range s.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}
