package store

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// InMemoryCollection is a thread-safe, in-memory Collection.
// It is primarily intended for local development and testing. Where matches
// fields by their firestore struct tag, falling back to the Go field name.
type InMemoryCollection[V any] struct {
	name string
	mu   sync.RWMutex
	data map[string]V
}

// NewInMemoryCollection creates a new, empty in-memory collection.
func NewInMemoryCollection[V any](name string) *InMemoryCollection[V] {
	return &InMemoryCollection[V]{
		name: name,
		data: make(map[string]V),
	}
}

// Get retrieves a document by ID.
func (c *InMemoryCollection[V]) Get(_ context.Context, id string) (V, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.data[id]
	if !ok {
		var zero V
		return zero, fmt.Errorf("%w: %s/%s", ErrNotFound, c.name, id)
	}
	return value, nil
}

// List retrieves every document ordered by ID.
func (c *InMemoryCollection[V]) List(_ context.Context) ([]V, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	values := make([]V, 0, len(c.data))
	for _, id := range c.sortedIDsLocked() {
		values = append(values, c.data[id])
	}
	return values, nil
}

// Where retrieves the documents whose field equals value, ordered by ID.
func (c *InMemoryCollection[V]) Where(_ context.Context, field string, value any) ([]V, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	values := []V{}
	for _, id := range c.sortedIDsLocked() {
		doc := c.data[id]
		got, ok := fieldValue(doc, field)
		if !ok {
			return nil, fmt.Errorf("field %q not found on %T", field, doc)
		}
		if reflect.DeepEqual(got, value) {
			values = append(values, doc)
		}
	}
	return values, nil
}

// Set stores a document.
func (c *InMemoryCollection[V]) Set(_ context.Context, id string, value V) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[id] = value
	return nil
}

// Delete removes a document.
func (c *InMemoryCollection[V]) Delete(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, id)
	return nil
}

// Close is a no-op for the in-memory implementation.
func (c *InMemoryCollection[V]) Close() error {
	return nil
}

func (c *InMemoryCollection[V]) sortedIDsLocked() []string {
	ids := make([]string, 0, len(c.data))
	for id := range c.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// fieldValue reads a top-level struct field by firestore tag or name.
func fieldValue(doc any, field string) (any, bool) {
	v := reflect.ValueOf(doc)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil, false
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, false
	}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("firestore"), ",")
		if name == field || (name == "" && f.Name == field) {
			return v.Field(i).Interface(), true
		}
	}
	return nil, false
}
