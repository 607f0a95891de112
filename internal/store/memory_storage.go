package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/storage/memory/v2"
)

// MemoryStorage adapts gofiber's in-process storage for single-instance and
// test deployments. SetNX needs a check-then-set, so a mutex guards the
// underlying store; advisory locks taken here do not protect multi-instance
// setups.
type MemoryStorage struct {
	mu  sync.Mutex
	mem *memory.Storage
}

func (s *MemoryStorage) Get(ctx context.Context, key string, val any) error {
	data, err := s.mem.Get(key)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return ErrNotFound
	}
	return json.Unmarshal(data, val)
}

func (s *MemoryStorage) Set(ctx context.Context, key string, val any, expiresIn time.Duration) error {
	data, err := json.Marshal(val)
	if err != nil {
		return err
	}
	if expiresIn < 0 {
		expiresIn = 0
	}
	return s.mem.Set(key, data, expiresIn)
}

func (s *MemoryStorage) SetNX(ctx context.Context, key string, val any, expiresIn time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, err := s.mem.Get(key)
	if err != nil {
		return false, err
	}
	if len(existing) > 0 {
		return false, nil
	}
	data, err := json.Marshal(val)
	if err != nil {
		return false, err
	}
	return true, s.mem.Set(key, data, expiresIn)
}

func (s *MemoryStorage) Delete(ctx context.Context, key string) error {
	data, err := s.mem.Get(key)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return ErrNotFound
	}
	return s.mem.Delete(key)
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		mem: memory.New(),
	}
}
