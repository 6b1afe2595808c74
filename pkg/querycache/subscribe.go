package querycache

import (
	"errors"
	"sync"
	"time"
)

// EventKind tells a subscriber what changed.
type EventKind int

const (
	// EventValue is sent when a fetch or mutation stores a new value.
	EventValue EventKind = iota + 1
	// EventError is sent when a fetch fails. The last good value, if any, is
	// still carried in the event.
	EventError
	// EventInvalidated is sent when the entry is marked stale.
	EventInvalidated
)

func (k EventKind) String() string {
	switch k {
	case EventValue:
		return "value"
	case EventError:
		return "error"
	case EventInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// Event describes a state transition of one entry.
type Event[V any] struct {
	Kind      EventKind
	Key       Key
	Value     V
	HasValue  bool
	Err       error
	FetchedAt time.Time
}

type subscriber[V any] struct {
	id uint64
	fn func(Event[V])
}

// Subscribe registers fn to be called on every transition of the entry for
// key, creating the entry if needed. The entry cannot be evicted while it has
// subscribers. The returned function deregisters fn and may be called more
// than once. Once it returns, fn is only called for an event whose delivery to
// fn had already begun.
//
// Events for one key are delivered one at a time in the order their
// transitions were committed, and each event goes to the subscribers in
// registration order. Callbacks run on the goroutine that committed the
// transition, or on whichever goroutine is already delivering events for that
// key, and no cache lock is held while they run. A callback may therefore call
// any Cache method, including Read, Invalidate and SetAfterMutation on its own
// key. Events those calls produce are queued and delivered after the current
// callback returns. A callback that waits for its own key's next event
// deadlocks, and a slow callback delays every later event for the key. The
// Event's Key is shared and must not be modified. A panicking callback is
// logged and skipped.
func (c *Cache[V]) Subscribe(key Key, fn func(Event[V])) (func(), error) {
	if fn == nil {
		return nil, errors.New("subscriber callback cannot be nil")
	}
	segs, err := key.segments()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	e, err := c.entryLocked(key, segs)
	if err != nil {
		return nil, err
	}
	c.nextSub++
	id := c.nextSub
	e.subs = append(e.subs, subscriber[V]{id: id, fn: fn})
	c.logger.Debug().Stringer("key", key).Int("subscribers", len(e.subs)).Msg("Subscriber registered.")

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			e.removeSubscriberLocked(id)
		})
	}, nil
}

func (e *entry[V]) removeSubscriberLocked(id uint64) {
	for i, s := range e.subs {
		if s.id == id {
			e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
			return
		}
	}
}

// enqueueLocked queues an event describing the current state of e. Events are
// only queued while e has subscribers.
func (e *entry[V]) enqueueLocked(kind EventKind) {
	if len(e.subs) == 0 {
		return
	}
	e.pending = append(e.pending, Event[V]{
		Kind:      kind,
		Key:       e.key,
		Value:     e.value,
		HasValue:  e.hasValue,
		Err:       e.err,
		FetchedAt: e.fetchedAt,
	})
}

// deliver drains the event queue of each entry. If another goroutine is
// already draining an entry, that goroutine delivers the queued events and
// deliver returns at once.
func (c *Cache[V]) deliver(entries ...*entry[V]) {
	for _, e := range entries {
		c.drain(e)
	}
}

func (c *Cache[V]) drain(e *entry[V]) {
	c.mu.Lock()
	if e.draining {
		c.mu.Unlock()
		return
	}
	e.draining = true
	for len(e.pending) > 0 {
		ev := e.pending[0]
		e.pending[0] = Event[V]{}
		e.pending = e.pending[1:]
		subs := make([]subscriber[V], len(e.subs))
		copy(subs, e.subs)
		c.mu.Unlock()

		for _, s := range subs {
			if !c.subscribed(e, s.id) {
				continue
			}
			c.call(s.fn, ev)
		}

		c.mu.Lock()
	}
	e.pending = nil
	e.draining = false
	c.mu.Unlock()
}

// subscribed reports whether id is still registered on e.
func (c *Cache[V]) subscribed(e *entry[V], id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range e.subs {
		if s.id == id {
			return true
		}
	}
	return false
}

func (c *Cache[V]) call(fn func(Event[V]), ev Event[V]) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Stringer("key", ev.Key).Interface("panic", r).Msg("Subscriber callback panicked.")
		}
	}()
	fn(ev)
}
