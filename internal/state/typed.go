package state

import (
	"context"
	"encoding/json"
	"fmt"
)

// TypedStore wraps Store with JSON marshaling for one document type.
type TypedStore[T any] struct {
	store *Store
	kind  string
}

// NewTypedStore creates a typed view over store for kind.
func NewTypedStore[T any](store *Store, kind string) *TypedStore[T] {
	return &TypedStore[T]{
		store: store,
		kind:  kind,
	}
}

// Kind returns the document kind this store handles.
func (s *TypedStore[T]) Kind() string {
	return s.kind
}

// Get retrieves and unmarshals a document.
// found is false if the id does not exist.
func (s *TypedStore[T]) Get(ctx context.Context, id string) (value T, found bool, err error) {
	payload, _, err := s.store.Get(ctx, s.kind, id)
	if err != nil {
		return value, false, err
	}
	if payload == nil {
		return value, false, nil
	}

	if err := json.Unmarshal(payload, &value); err != nil {
		return value, true, fmt.Errorf("failed to unmarshal %s/%s: %w", s.kind, id, err)
	}

	return value, true, nil
}

// Set marshals and stores a document, returning its new version.
func (s *TypedStore[T]) Set(ctx context.Context, id string, value T) (int64, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal %s/%s: %w", s.kind, id, err)
	}

	return s.store.Set(ctx, s.kind, id, payload)
}

// Delete removes a document and reports whether it existed.
func (s *TypedStore[T]) Delete(ctx context.Context, id string) (bool, error) {
	return s.store.Delete(ctx, s.kind, id)
}

// Clear removes all documents of this kind.
func (s *TypedStore[T]) Clear(ctx context.Context) error {
	return s.store.Clear(ctx, s.kind)
}

// GetAll retrieves every document of this kind. Documents that fail to
// unmarshal are reported through skip and left out of the result.
func (s *TypedStore[T]) GetAll(ctx context.Context, skip func(id string, err error)) (map[string]T, error) {
	payloads, _, err := s.store.GetAll(ctx, s.kind)
	if err != nil {
		return nil, err
	}

	values := make(map[string]T, len(payloads))
	for id, payload := range payloads {
		var value T
		if err := json.Unmarshal(payload, &value); err != nil {
			if skip != nil {
				skip(id, err)
			}
			continue
		}
		values[id] = value
	}

	return values, nil
}
