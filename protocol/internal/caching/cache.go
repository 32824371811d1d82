// Package caching implements the command executor's idempotency cache:
// a map from (response_topic, correlation_data) to either an in-progress
// marker or a cached response, with lazy eviction of expired entries.
package caching

import (
	"sync"
	"time"
)

// Key identifies a unique command invocation.
type Key struct {
	ResponseTopic   string
	CorrelationData string // 16 raw bytes, stored as a string map key
}

// ResponseProperties is the subset of a published response's MQTT
// properties that must be replayed verbatim on a cache hit.
type ResponseProperties struct {
	ContentType    string
	FormatIndicator uint8
	UserProperties map[string]string
}

// entryState distinguishes the two kinds of live cache entry.
type entryState int

const (
	stateInProgress entryState = iota
	stateCached
)

type entry struct {
	state entryState

	// InProgress fields.
	done chan struct{} // closed when the in-progress request finishes

	// Cached fields.
	payload        []byte
	properties     ResponseProperties
	expirationTime time.Time
}

// LookupResult is the outcome of a Cache.Lookup or Cache.GetOrInsertInProgress call.
type LookupResult int

const (
	// NotFound means no entry exists for the key; the caller should
	// proceed as the original request.
	NotFound LookupResult = iota
	// InProgress means a prior delivery of the same command is still
	// being processed; Done() fires when it settles.
	InProgress
	// Cached means a completed response is available for immediate
	// replay.
	Cached
)

// Cache is the executor's idempotency cache. The zero value is not usable;
// construct with New.
type Cache struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

// New constructs an empty Cache.
func New() *Cache {
	return &Cache{entries: make(map[Key]*entry)}
}

// Handle references a single cache entry; it is returned by
// GetOrInsertInProgress so the caller can later resolve it via Complete,
// and by Lookup (when InProgress) so a duplicate can wait on Done.
type Handle struct {
	cache *Cache
	key   Key
}

// Done returns a channel that is closed when the in-progress request this
// handle refers to completes (is cached) or is abandoned (evicted without
// ever being cached).
func (h Handle) Done() <-chan struct{} {
	h.cache.mu.Lock()
	defer h.cache.mu.Unlock()
	e, ok := h.cache.entries[h.key]
	if !ok || e.state != stateInProgress {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return e.done
}

// Lookup evicts the entry for key if it has expired, then reports whether
// it is absent, in progress, or cached. If Cached, payload and properties
// are populated.
func (c *Cache) Lookup(key Key, now time.Time) (result LookupResult, handle Handle, payload []byte, properties ResponseProperties) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return NotFound, Handle{}, nil, ResponseProperties{}
	}
	if e.state == stateCached && !now.Before(e.expirationTime) {
		delete(c.entries, key)
		return NotFound, Handle{}, nil, ResponseProperties{}
	}
	if e.state == stateInProgress {
		return InProgress, Handle{cache: c, key: key}, nil, ResponseProperties{}
	}
	return Cached, Handle{}, e.payload, e.properties
}

// GetOrInsertInProgress atomically checks the cache and, if absent,
// inserts an InProgress marker and returns (NotFound, handle-to-the-new-
// marker). If an entry already exists it behaves exactly like Lookup and
// inserts nothing.
func (c *Cache) GetOrInsertInProgress(key Key, now time.Time) (result LookupResult, handle Handle, payload []byte, properties ResponseProperties) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok {
		if e.state == stateCached && !now.Before(e.expirationTime) {
			delete(c.entries, key)
		} else if e.state == stateInProgress {
			return InProgress, Handle{cache: c, key: key}, nil, ResponseProperties{}
		} else {
			return Cached, Handle{}, e.payload, e.properties
		}
	}

	newEntry := &entry{state: stateInProgress, done: make(chan struct{})}
	c.entries[key] = newEntry
	return NotFound, Handle{cache: c, key: key}, nil, ResponseProperties{}
}

// Complete transitions an InProgress entry to Cached, storing the
// response for future hits, and wakes any duplicate waiting on Done().
// expirationTime should already include the cache-expiry buffer.
func (c *Cache) Complete(key Key, payload []byte, properties ResponseProperties, expirationTime time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.state != stateInProgress {
		// The in-progress marker was evicted or never existed (e.g. a
		// test calling Complete directly); insert a fresh Cached entry.
		c.entries[key] = &entry{
			state:          stateCached,
			payload:        payload,
			properties:     properties,
			expirationTime: expirationTime,
		}
		return
	}
	close(e.done)
	e.state = stateCached
	e.payload = payload
	e.properties = properties
	e.expirationTime = expirationTime
	e.done = nil
}

// Abandon removes an InProgress entry without caching anything — used
// when the processing task is cancelled or the application never
// responds before expiration. Any duplicate waiting on Done() is woken
// and will observe NotFound on its next Lookup, so it proceeds as a
// fresh request; the executor synthesises no late response for it.
func (c *Cache) Abandon(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.state != stateInProgress {
		return
	}
	close(e.done)
	delete(c.entries, key)
}
