// Package hlc implements a Hybrid Logical Clock: a (wall_time, counter,
// node_id) triple that gives a total order across distributed participants
// while staying close to wall-clock time.
package hlc

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MaxCounter is the largest counter value a Timestamp may hold before an
// update would overflow it.
const MaxCounter uint32 = 1<<32 - 1

// DefaultMaxClockDrift bounds how far a remote timestamp's wall time may
// lead the local clock before Update rejects it as drift.
const DefaultMaxClockDrift = 60 * time.Second

// Timestamp is a single HLC reading: wall-clock time, a monotonic counter
// used to order readings that land in the same millisecond, and the
// identity of the node that produced it.
type Timestamp struct {
	WallTime time.Time
	Counter  uint32
	NodeID   string
}

// Compare returns -1, 0, or 1 as t sorts before, equal to, or after other,
// ordering lexicographically by (WallTime, Counter, NodeID).
func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.WallTime.Before(other.WallTime):
		return -1
	case t.WallTime.After(other.WallTime):
		return 1
	}
	switch {
	case t.Counter < other.Counter:
		return -1
	case t.Counter > other.Counter:
		return 1
	}
	return strings.Compare(t.NodeID, other.NodeID)
}

// String renders the timestamp as "<ISO-8601>:<counter-zero-padded>:<node-id>".
func (t Timestamp) String() string {
	return fmt.Sprintf("%s:%010d:%s", t.WallTime.UTC().Format(time.RFC3339Nano), t.Counter, t.NodeID)
}

// Parse reverses String, rejecting malformed inputs with a precise error.
func Parse(s string) (Timestamp, error) {
	// The RFC3339Nano wall-time component itself contains colons, so split
	// from the right: counter and node-id never contain ':'.
	idx1 := strings.LastIndex(s, ":")
	if idx1 < 0 {
		return Timestamp{}, &Error{Kind: ErrMalformed, Message: "missing separators in HLC timestamp", Value: s}
	}
	nodeID := s[idx1+1:]
	rest := s[:idx1]
	idx2 := strings.LastIndex(rest, ":")
	if idx2 < 0 {
		return Timestamp{}, &Error{Kind: ErrMalformed, Message: "missing separators in HLC timestamp", Value: s}
	}
	counterStr := rest[idx2+1:]
	wallStr := rest[:idx2]

	wall, err := time.Parse(time.RFC3339Nano, wallStr)
	if err != nil {
		return Timestamp{}, &Error{Kind: ErrMalformed, Message: "invalid wall-time component", Value: s, Cause: err}
	}
	counter, err := strconv.ParseUint(counterStr, 10, 32)
	if err != nil {
		return Timestamp{}, &Error{Kind: ErrMalformed, Message: "invalid counter component", Value: s, Cause: err}
	}
	if nodeID == "" {
		return Timestamp{}, &Error{Kind: ErrMalformed, Message: "empty node-id component", Value: s}
	}
	return Timestamp{WallTime: wall.UTC(), Counter: uint32(counter), NodeID: nodeID}, nil
}

// ErrKind distinguishes the ways a Clock operation can fail.
type ErrKind int

const (
	// ErrMalformed is returned by Parse when the input does not match the
	// "<ts>:<ctr>:<id>" shape.
	ErrMalformed ErrKind = iota
	// ErrClockDrift is returned by Update when a remote timestamp's wall
	// time is implausibly far ahead of the local clock.
	ErrClockDrift
	// ErrOverflow is returned by Update when the logical counter would
	// exceed MaxCounter.
	ErrOverflow
)

func (k ErrKind) String() string {
	switch k {
	case ErrMalformed:
		return "Malformed"
	case ErrClockDrift:
		return "ClockDrift"
	case ErrOverflow:
		return "OverflowWarning"
	default:
		return "Unknown"
	}
}

// Error is returned by Clock and Parse operations.
type Error struct {
	Kind    ErrKind
	Message string
	Value   string
	Cause   error
}

func (e *Error) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("hlc: %s: %s (%q)", e.Kind, e.Message, e.Value)
	}
	return fmt.Sprintf("hlc: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target names the same error kind, so callers can use
// errors.Is(err, hlc.ErrIsClockDrift) style checks via the Kind-wrapping
// sentinel values below.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// Sentinel values for errors.Is comparisons against a kind only.
var (
	ErrIsMalformed   = &Error{Kind: ErrMalformed}
	ErrIsClockDrift  = &Error{Kind: ErrClockDrift}
	ErrIsOverflow    = &Error{Kind: ErrOverflow}
)

// Clock is a process-scoped Hybrid Logical Clock. The zero value is not
// usable; construct with New.
type Clock struct {
	mu        sync.Mutex
	nodeID    string
	maxDrift  time.Duration
	wall      time.Time
	counter   uint32
	nowFunc   func() time.Time
}

// Option configures a Clock.
type Option func(*Clock)

// WithMaxClockDrift overrides DefaultMaxClockDrift.
func WithMaxClockDrift(d time.Duration) Option {
	return func(c *Clock) { c.maxDrift = d }
}

// withNowFunc overrides the wall-clock source; used by tests.
func withNowFunc(f func() time.Time) Option {
	return func(c *Clock) { c.nowFunc = f }
}

// New constructs a Clock for the given stable node identity.
func New(nodeID string, opts ...Option) *Clock {
	c := &Clock{
		nodeID:   nodeID,
		maxDrift: DefaultMaxClockDrift,
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.wall = c.nowFunc().UTC()
	return c
}

// Now returns a snapshot of the clock's current value without advancing it.
func (c *Clock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Timestamp{WallTime: c.wall, Counter: c.counter, NodeID: c.nodeID}
}

// UpdateToNow advances the clock against the local wall clock only, the
// same bump an outbound message timestamp uses.
func (c *Clock) UpdateToNow() (Timestamp, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc().UTC()
	if now.After(c.wall) {
		c.wall = now
		c.counter = 0
	} else {
		if c.counter == MaxCounter {
			return Timestamp{}, &Error{Kind: ErrOverflow, Message: "logical counter overflow"}
		}
		c.counter++
	}
	return Timestamp{WallTime: c.wall, Counter: c.counter, NodeID: c.nodeID}, nil
}

// UpdateAgainst merges a remote observation into the clock: wall time
// becomes max(local.wall, remote.wall, now); the counter is bumped
// according to which of the three dominates. Fails with ErrClockDrift if
// the remote wall time leads "now" by more than the configured bound, and
// with ErrOverflow if the counter would wrap.
func (c *Clock) UpdateAgainst(remote Timestamp) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc().UTC()
	if remote.WallTime.Sub(now) > c.maxDrift {
		return &Error{Kind: ErrClockDrift, Message: "remote timestamp exceeds configured drift bound"}
	}

	maxWall := now
	if c.wall.After(maxWall) {
		maxWall = c.wall
	}
	if remote.WallTime.After(maxWall) {
		maxWall = remote.WallTime
	}

	switch {
	case maxWall.After(c.wall) && maxWall.After(remote.WallTime):
		// "now" strictly dominates both prior readings.
		c.wall = maxWall
		c.counter = 0
	case maxWall.Equal(c.wall) && maxWall.Equal(remote.WallTime):
		if c.counter == MaxCounter || remote.Counter == MaxCounter {
			return &Error{Kind: ErrOverflow, Message: "logical counter overflow"}
		}
		if remote.Counter > c.counter {
			c.counter = remote.Counter
		}
		c.counter++
	case maxWall.Equal(c.wall):
		if c.counter == MaxCounter {
			return &Error{Kind: ErrOverflow, Message: "logical counter overflow"}
		}
		c.counter++
	case maxWall.Equal(remote.WallTime):
		if remote.Counter == MaxCounter {
			return &Error{Kind: ErrOverflow, Message: "logical counter overflow"}
		}
		c.wall = maxWall
		c.counter = remote.Counter + 1
	default:
		c.wall = maxWall
		c.counter = 0
	}
	return nil
}
