package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// memoryStore is the single-instance code store. Records live in the
// process, so codes issued here are invisible to other replicas.
type memoryStore[T Expirable] struct {
	namespace   string
	items       map[string]T
	mutex       sync.Mutex
	cleanupFreq time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewMemory builds an in-memory code store and starts its gc loop.
func NewMemory[T Expirable](cfg Config) CodeStore[T] {
	cleanup := time.Minute
	if cfg.Memory != nil && cfg.Memory.GCInterval > 0 {
		cleanup = cfg.Memory.GCInterval
	}
	s := &memoryStore[T]{
		namespace:   cfg.Namespace,
		items:       make(map[string]T),
		cleanupFreq: cleanup,
		stop:        make(chan struct{}),
	}
	go s.gcLoop()
	return s
}

func (s *memoryStore[T]) gcLoop() {
	ticker := time.NewTicker(s.cleanupFreq)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = s.Sweep(context.Background(), time.Now())
		case <-s.stop:
			return
		}
	}
}

func (s *memoryStore[T]) Put(_ context.Context, key string, rec T) error {
	if key == "" {
		return fmt.Errorf("code key required")
	}
	s.mutex.Lock()
	s.items[key] = rec
	s.mutex.Unlock()
	return nil
}

func (s *memoryStore[T]) Get(_ context.Context, key string) (T, bool, error) {
	s.mutex.Lock()
	rec, ok := s.items[key]
	s.mutex.Unlock()
	return rec, ok, nil
}

func (s *memoryStore[T]) Take(_ context.Context, key string) (T, bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	rec, ok := s.items[key]
	if ok {
		delete(s.items, key)
	}
	return rec, ok, nil
}

func (s *memoryStore[T]) Update(_ context.Context, key string, fn func(T) (T, Action)) (T, bool, Action, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	rec, ok := s.items[key]
	if !ok {
		return rec, false, ActionKeep, nil
	}
	next, action := fn(rec)
	switch action {
	case ActionReplace:
		s.items[key] = next
	case ActionDelete:
		delete(s.items, key)
	}
	return next, true, action, nil
}

func (s *memoryStore[T]) Delete(_ context.Context, key string) error {
	s.mutex.Lock()
	delete(s.items, key)
	s.mutex.Unlock()
	return nil
}

func (s *memoryStore[T]) Sweep(_ context.Context, now time.Time) (int, error) {
	removed := 0
	s.mutex.Lock()
	for key, rec := range s.items {
		if now.After(rec.Expiry()) {
			delete(s.items, key)
			removed++
		}
	}
	s.mutex.Unlock()
	return removed, nil
}

func (s *memoryStore[T]) Stats(_ context.Context) (map[string]any, error) {
	now := time.Now()
	s.mutex.Lock()
	defer s.mutex.Unlock()

	active := 0
	for _, rec := range s.items {
		if !now.After(rec.Expiry()) {
			active++
		}
	}
	return map[string]any{
		"type":      DriverMemory,
		"namespace": s.namespace,
		"total":     len(s.items),
		"active":    active,
	}, nil
}

func (s *memoryStore[T]) Close(_ context.Context) error {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	return nil
}
