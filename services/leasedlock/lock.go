// Package leasedlock implements a distributed mutual-exclusion lease on
// top of the state store client: a holder sets the lock key to its own
// identity with a TTL, conditional on the key not already existing or on
// already being the current holder. Every successful acquire/renew
// stamps a fresh HLC-derived fencing token, to be attached to subsequent
// state-store writes made while holding the lock so a stale holder's
// writes are rejected by a well-behaved server.
package leasedlock

import (
	"context"
	"sync"
	"time"

	"github.com/iot-operations-sdk/go/protocol/hlc"
	"github.com/iot-operations-sdk/go/services/statestore"
)

// Lock acquires, renews, and releases a named lease held by holderID.
// One Lock instance is not safe for concurrent acquire/release calls
// from multiple goroutines racing for the *same* holder identity; it is
// safe to share for reads (FencingToken, GetHolder) alongside a single
// writer goroutine, matching how a single application component owns a
// lease at a time.
type Lock struct {
	store    *statestore.Client[string, []byte]
	clock    *hlc.Clock
	lockName string
	holderID string

	mu           sync.Mutex
	fencingToken string
}

// New constructs a Lock named lockName, identifying this holder as
// holderID, backed by store for the underlying conditional writes.
func New(store *statestore.Client[string, []byte], clock *hlc.Clock, lockName, holderID string) *Lock {
	return &Lock{store: store, clock: clock, lockName: lockName, holderID: holderID}
}

// FencingToken returns the token stamped by the most recent successful
// acquire or renewal, or "" if the lock has never been held.
func (l *Lock) FencingToken() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fencingToken
}

func (l *Lock) stampFencingToken() (string, error) {
	now, err := l.clock.UpdateToNow()
	if err != nil {
		return "", err
	}
	token := now.String()
	l.mu.Lock()
	l.fencingToken = token
	l.mu.Unlock()
	return token, nil
}

// TryAcquire makes a single attempt to acquire the lock for leaseDuration
// and returns immediately: true if this holder now holds the lock (newly
// acquired or renewed), false if another holder currently holds it.
func (l *Lock) TryAcquire(ctx context.Context, leaseDuration time.Duration) (bool, error) {
	res, err := l.store.Set(ctx, l.lockName, []byte(l.holderID),
		statestore.WithNotExists(), statestore.WithExpiry(leaseDuration))
	if err != nil {
		return false, err
	}
	if res.Value {
		_, err := l.stampFencingToken()
		return err == nil, err
	}

	holder, present, err := l.store.Get(ctx, l.lockName)
	if err != nil {
		return false, err
	}
	if !present || string(holder) != l.holderID {
		// Either someone else holds it, or it expired between the failed
		// SET and this Get; either way this attempt did not acquire it.
		return false, nil
	}

	// We already hold it: renew the lease under our existing fencing
	// token and stamp a fresh one.
	token := l.FencingToken()
	if token == "" {
		// We hold the key but have no local record of a fencing token
		// (e.g. after a process restart); reacquire unconditionally
		// rather than VSet against a token we never had.
		if _, err := l.store.Set(ctx, l.lockName, []byte(l.holderID), statestore.WithExpiry(leaseDuration)); err != nil {
			return false, err
		}
		_, err := l.stampFencingToken()
		return err == nil, err
	}
	if _, err := l.store.VSet(ctx, l.lockName, []byte(l.holderID), token, statestore.WithExpiry(leaseDuration)); err != nil {
		return false, err
	}
	_, err = l.stampFencingToken()
	return err == nil, err
}

// Acquire retries TryAcquire with pollInterval between attempts until it
// succeeds or ctx is canceled, for callers that want to block until the
// lock becomes available rather than handling a one-shot failure
// themselves.
func (l *Lock) Acquire(ctx context.Context, leaseDuration, pollInterval time.Duration) error {
	for {
		ok, err := l.TryAcquire(ctx, leaseDuration)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Release releases the lock, but only if it is still held under this
// holder's last-stamped fencing token; a stale holder's release is a
// no-op. Returns true if the lock was actually released by this call.
func (l *Lock) Release(ctx context.Context) (bool, error) {
	token := l.FencingToken()
	if token == "" {
		return false, nil
	}
	n, err := l.store.VDel(ctx, l.lockName, token)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetHolder returns the current holder's identity, or ok=false if the
// lock is not currently held by anyone.
func (l *Lock) GetHolder(ctx context.Context) (holder string, ok bool, err error) {
	value, present, err := l.store.Get(ctx, l.lockName)
	if err != nil || !present {
		return "", false, err
	}
	return string(value), true, nil
}
