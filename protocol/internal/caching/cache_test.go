package caching

import (
	"testing"
	"time"
)

func TestLookupNotFound(t *testing.T) {
	c := New()
	result, _, _, _ := c.Lookup(Key{ResponseTopic: "r", CorrelationData: "c"}, time.Now())
	if result != NotFound {
		t.Fatalf("result = %v, want NotFound", result)
	}
}

func TestGetOrInsertInProgressThenComplete(t *testing.T) {
	c := New()
	key := Key{ResponseTopic: "r", CorrelationData: "c"}
	now := time.Now()

	result, handle, _, _ := c.GetOrInsertInProgress(key, now)
	if result != NotFound {
		t.Fatalf("first insert result = %v, want NotFound", result)
	}

	// A duplicate arriving while in progress observes InProgress and gets
	// a handle to wait on.
	dupResult, dupHandle, _, _ := c.GetOrInsertInProgress(key, now)
	if dupResult != InProgress {
		t.Fatalf("duplicate result = %v, want InProgress", dupResult)
	}

	done := dupHandle.Done()
	select {
	case <-done:
		t.Fatal("expected Done() to still be open before Complete")
	default:
	}

	c.Complete(key, []byte("pong"), ResponseProperties{ContentType: "application/json"}, now.Add(time.Minute))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected Done() to close after Complete")
	}
	_ = handle

	result, _, payload, props := c.Lookup(key, now)
	if result != Cached {
		t.Fatalf("result after complete = %v, want Cached", result)
	}
	if string(payload) != "pong" {
		t.Errorf("payload = %q, want pong", payload)
	}
	if props.ContentType != "application/json" {
		t.Errorf("content type = %q", props.ContentType)
	}
}

func TestLookupEvictsExpiredEntry(t *testing.T) {
	c := New()
	key := Key{ResponseTopic: "r", CorrelationData: "c"}
	now := time.Now()

	c.GetOrInsertInProgress(key, now)
	c.Complete(key, []byte("pong"), ResponseProperties{}, now.Add(time.Second))

	result, _, _, _ := c.Lookup(key, now.Add(2*time.Second))
	if result != NotFound {
		t.Fatalf("result after expiry = %v, want NotFound", result)
	}
}

func TestAbandonWakesWaiters(t *testing.T) {
	c := New()
	key := Key{ResponseTopic: "r", CorrelationData: "c"}
	now := time.Now()

	c.GetOrInsertInProgress(key, now)
	_, dupHandle, _, _ := c.GetOrInsertInProgress(key, now)

	c.Abandon(key)

	select {
	case <-dupHandle.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Done() to close after Abandon")
	}

	result, _, _, _ := c.Lookup(key, now)
	if result != NotFound {
		t.Fatalf("result after abandon = %v, want NotFound", result)
	}
}
