package state

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]string
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]string)}
}

func (s *memStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

func (s *memStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

func (s *memStore) Close() error { return nil }

func TestExecutionLogAppendLoad(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := AppendExecutionLog(ctx, store, ExecutionLogEntry{
			Time:   time.Now(),
			Action: "ORDER_PLACED",
			JobID:  fmt.Sprintf("job%d", i),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	entries, err := LoadExecutionLog(ctx, store)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[2].JobID != "job2" {
		t.Fatalf("order wrong: %+v", entries)
	}
}

func TestExecutionLogCapped(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	for i := 0; i < maxExecutionLogEntries+10; i++ {
		err := AppendExecutionLog(ctx, store, ExecutionLogEntry{
			Action: "TICK",
			JobID:  fmt.Sprintf("job%d", i),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	entries, err := LoadExecutionLog(ctx, store)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(entries) != maxExecutionLogEntries {
		t.Fatalf("got %d entries, want %d", len(entries), maxExecutionLogEntries)
	}
	if entries[0].JobID != "job10" {
		t.Fatalf("oldest surviving entry = %q, want job10", entries[0].JobID)
	}
}

func TestExecutionLogNilStore(t *testing.T) {
	if err := AppendExecutionLog(context.Background(), nil, ExecutionLogEntry{Action: "X"}); err != nil {
		t.Fatalf("nil store append: %v", err)
	}
	entries, err := LoadExecutionLog(context.Background(), nil)
	if err != nil || entries != nil {
		t.Fatalf("nil store load: entries=%v err=%v", entries, err)
	}
}
