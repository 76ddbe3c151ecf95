package kv

import (
	"context"
	"sync"

	"github.com/dkazak/logkv/internal/wal"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Store is an in-memory key-value state machine. It is applied to only from
// the consensus apply loop, and read from concurrently by request handlers.
type Store struct {
	mu     sync.RWMutex
	data   map[string]string
	tracer oteltrace.Tracer
}

// NewStore creates an empty KV store.
func NewStore(tracer oteltrace.Tracer) *Store {
	return &Store{
		data:   make(map[string]string),
		tracer: tracer,
	}
}

// Get returns the current value for key, if present.
func (s *Store) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	val, ok := s.data[key]
	return val, ok
}

// Apply applies one committed log entry's operation to the state machine.
// Delete is reserved by the wire dispatcher and never reaches here in
// practice, but Apply still handles it so the state machine stays complete.
func (s *Store) Apply(ctx context.Context, op wal.Operation, key, value string) {
	_, span := s.tracer.Start(ctx, "kv.store.Apply", oteltrace.WithAttributes(
		attribute.String("kv.operation", op.String()),
		attribute.String("kv.key", key),
		attribute.Int("kv.value.bytes", len(value)),
	))
	defer span.End()

	switch op {
	case wal.OpPut:
		s.applyPut(key, value)
	case wal.OpDelete:
		s.applyDelete(key)
	}
}

// Snapshot returns a copy of the current KV state, safe to hand to the
// snapshot manager without holding s.mu for the duration of the write.
func (s *Store) Snapshot(ctx context.Context) map[string]string {
	_, span := s.tracer.Start(ctx, "kv.store.Snapshot")
	defer span.End()

	s.mu.RLock()
	defer s.mu.RUnlock()
	span.SetAttributes(attribute.Int("kv.store.items", len(s.data)))

	cp := make(map[string]string, len(s.data))
	for k, v := range s.data {
		cp[k] = v
	}
	return cp
}

// RestoreSnapshot replaces the current state with the given pairs. A nil or
// empty map resets the store to empty.
func (s *Store) RestoreSnapshot(ctx context.Context, pairs map[string]string) {
	_, span := s.tracer.Start(ctx, "kv.store.RestoreSnapshot", oteltrace.WithAttributes(
		attribute.Int("kv.snapshot.items", len(pairs)),
	))
	defer span.End()

	restored := make(map[string]string, len(pairs))
	for k, v := range pairs {
		restored[k] = v
	}

	s.mu.Lock()
	s.data = restored
	s.mu.Unlock()
}

func (s *Store) applyPut(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[key] = value
}

func (s *Store) applyDelete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
}
