// Package statestore is a thin RPC client for the broker-resident
// key-value state store service: SET, GET, DEL, and their versioned
// (fencing-token-guarded) counterparts VSET and VDEL, issued as commands
// over a CommandInvoker and encoded in the store's RESP-like wire
// format.
package statestore

import (
	"context"
	"strconv"
	"time"

	"github.com/iot-operations-sdk/go/protocol"
	"github.com/iot-operations-sdk/go/protocol/hlc"
	"github.com/iot-operations-sdk/go/services/statestore/internal/resp"
	"github.com/iot-operations-sdk/go/serializer"
)

// requestTopic is the fixed topic the state store service listens on.
// The GUID segment identifies the service's command namespace and is
// not configurable.
const requestTopic = "statestore/v1/FA9AE35F-2F64-47CD-9BFF-08E2B32A0FE8/command/invoke"

// Bytes is satisfied by string and []byte (or any type with one of those
// underlying types), so a Client can be used with either key/value
// representation without the caller hand-rolling conversions.
type Bytes interface{ ~string | ~[]byte }

// Response wraps a state store result together with the HLC timestamp
// the service stamped the mutation with, for callers that need it to
// build a subsequent fencing token.
type Response[T any] struct {
	Value   T
	Version hlc.Timestamp
}

// Client issues SET/GET/DEL/VSET/VDEL commands against the state store
// service. K and V may differ (e.g. string keys with []byte values).
type Client[K, V Bytes] struct {
	invoker *protocol.CommandInvoker[[]byte, []byte]
	timeout time.Duration
}

// New constructs a state store client over an already-connected MQTT
// client, sharing clock with the rest of the application's RPC surface.
func New[K, V Bytes](client protocol.MqttClient, clock *hlc.Clock, opts ...ClientOption) (*Client[K, V], error) {
	options := &clientOptions{timeout: 10 * time.Second}
	for _, opt := range opts {
		opt(options)
	}

	invoker, err := protocol.NewCommandInvoker[[]byte, []byte](
		client, "statestore", requestTopic,
		serializer.Raw{}, serializer.Raw{}, clock,
	)
	if err != nil {
		return nil, err
	}

	return &Client[K, V]{invoker: invoker, timeout: options.timeout}, nil
}

type clientOptions struct {
	timeout time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

// WithTimeout overrides the default 10-second per-command timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.timeout = d }
}

func validateKey[K Bytes](key K) error {
	if len(key) == 0 {
		return &ArgumentError{Name: "key", Reason: "must not be empty"}
	}
	return nil
}

func (c *Client[K, V]) invoke(ctx context.Context, fencingToken string, parts ...[]byte) (Response[[]byte], error) {
	res, err := c.invoker.Invoke(ctx, resp.Array(parts...), protocol.InvokeRequest{
		FencingToken: fencingToken,
		Timeout:      c.timeout,
	})
	if err != nil {
		return Response[[]byte]{}, err
	}
	return Response[[]byte]{Value: res.Payload, Version: versionOf(res.UserData)}, nil
}

func versionOf(userData map[string]string) hlc.Timestamp {
	if ts, ok := userData["__ts"]; ok {
		if parsed, err := hlc.Parse(ts); err == nil {
			return parsed
		}
	}
	return hlc.Timestamp{}
}

// setOptions controls the optional flags SET/VSET accept beyond the bare
// key/value, mirroring the state store's own "SET key value [NX] [PX ms]"
// flag grammar.
type setOptions struct {
	onlyIfNotExists bool
	ttl             time.Duration
}

// SetOption configures a Set or VSet call.
type SetOption func(*setOptions)

// WithNotExists makes Set conditional on key not already existing (NX),
// returning ok=false without error when the key is already present.
func WithNotExists() SetOption {
	return func(o *setOptions) { o.onlyIfNotExists = true }
}

// WithExpiry attaches a TTL to the set value (PX, milliseconds).
func WithExpiry(ttl time.Duration) SetOption {
	return func(o *setOptions) { o.ttl = ttl }
}

func (o setOptions) flags() [][]byte {
	var flags [][]byte
	if o.onlyIfNotExists {
		flags = append(flags, []byte("NX"))
	}
	if o.ttl > 0 {
		flags = append(flags, []byte("PX"), []byte(strconv.FormatInt(o.ttl.Milliseconds(), 10)))
	}
	return flags
}

// Set sets key to value, returning ok=false (no error) instead of writing
// when WithNotExists is given and key already exists.
func (c *Client[K, V]) Set(ctx context.Context, key K, value V, opts ...SetOption) (*Response[bool], error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	var options setOptions
	for _, opt := range opts {
		opt(&options)
	}
	parts := append([][]byte{[]byte("SET"), []byte(key), []byte(value)}, options.flags()...)
	res, err := c.invoke(ctx, "", parts...)
	if err != nil {
		return nil, err
	}
	ok, err := parseOK(res.Value)
	if err != nil {
		return nil, err
	}
	return &Response[bool]{Value: ok, Version: res.Version}, nil
}

// Get returns the current value of key, or ok=false if key is unset.
func (c *Client[K, V]) Get(ctx context.Context, key K) (value V, ok bool, err error) {
	if err := validateKey(key); err != nil {
		return value, false, err
	}
	res, err := c.invoke(ctx, "", []byte("GET"), []byte(key))
	if err != nil {
		return value, false, err
	}
	data, present, err := resp.Bulk(res.Value)
	if err != nil {
		return value, false, err
	}
	if !present {
		return value, false, nil
	}
	return V(data), true, nil
}

// Del deletes key, returning the number of keys removed (0 or 1).
func (c *Client[K, V]) Del(ctx context.Context, key K) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	res, err := c.invoke(ctx, "", []byte("DEL"), []byte(key))
	if err != nil {
		return 0, err
	}
	return resp.Number(res.Value)
}

// VSet sets key to value only if fencingToken is still the current
// holder's valid token; a lease holder's writes made after losing the
// lease are rejected by the service.
func (c *Client[K, V]) VSet(ctx context.Context, key K, value V, fencingToken string, opts ...SetOption) (*Response[bool], error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	if fencingToken == "" {
		return nil, &ArgumentError{Name: "fencingToken", Reason: "must not be empty for a versioned set"}
	}
	var options setOptions
	for _, opt := range opts {
		opt(&options)
	}
	parts := append([][]byte{[]byte("VSET"), []byte(key), []byte(value)}, options.flags()...)
	res, err := c.invoke(ctx, fencingToken, parts...)
	if err != nil {
		return nil, err
	}
	ok, err := parseOK(res.Value)
	if err != nil {
		return nil, err
	}
	return &Response[bool]{Value: ok, Version: res.Version}, nil
}

// VDel deletes key only if fencingToken is still the current holder's
// valid token.
func (c *Client[K, V]) VDel(ctx context.Context, key K, fencingToken string) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	if fencingToken == "" {
		return 0, &ArgumentError{Name: "fencingToken", Reason: "must not be empty for a versioned delete"}
	}
	res, err := c.invoke(ctx, fencingToken, []byte("VDEL"), []byte(key))
	if err != nil {
		return 0, err
	}
	return resp.Number(res.Value)
}

// parseOK interprets a SET/VSET reply: "+OK" means the write applied,
// ":-1" means it was skipped (e.g. a stale fencing token), matching the
// state store's own reply shape for conditional writes.
func parseOK(data []byte) (bool, error) {
	if len(data) == 0 {
		return false, &ServiceError{Message: "empty response"}
	}
	switch data[0] {
	case '+', '-':
		s, err := resp.String(data)
		if err != nil {
			return false, &ServiceError{Message: err.Error()}
		}
		if s != "OK" {
			return false, &ServiceError{Message: "unexpected reply " + s}
		}
		return true, nil
	case ':':
		n, err := resp.Number(data)
		if err != nil {
			return false, &ServiceError{Message: err.Error()}
		}
		return n >= 0, nil
	default:
		return false, &ServiceError{Message: "unexpected reply type"}
	}
}
