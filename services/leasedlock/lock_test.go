package leasedlock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iot-operations-sdk/go/mqtt"
	"github.com/iot-operations-sdk/go/protocol"
	"github.com/iot-operations-sdk/go/protocol/hlc"
	"github.com/iot-operations-sdk/go/services/leasedlock"
	"github.com/iot-operations-sdk/go/services/statestore"
)

// Reserved user-property keys the fake server reads and writes. They are
// spelled out here because protocol/internal/userprop cannot be imported
// from outside the protocol tree.
const (
	statusKey       = "__stat"
	fencingTokenKey = "__ftn"
)

// The fakes below are a black-box-test-local copy of the loopback
// MQTT/state-store fakes used by services/statestore's own tests: an
// external test package cannot reach another package's unexported test
// helpers, so each exercises its own minimal copy of the same pattern.

type completedToken struct{ err error }

func (t *completedToken) Wait(context.Context) error { return t.err }
func (t *completedToken) Done() <-chan struct{}       { ch := make(chan struct{}); close(ch); return ch }
func (t *completedToken) Error() error                { return t.err }

type fakeClient struct {
	id         string
	dispatcher *mqtt.Dispatcher
	nextPKID   atomic.Uint32
}

func newFakeClient(id string) *fakeClient {
	return &fakeClient{id: id, dispatcher: mqtt.NewDispatcher(func(uint16) {}, func(uint16) {})}
}

func (f *fakeClient) ClientID() string { return f.id }

func (f *fakeClient) Publish(topic string, payload []byte, opts ...mqtt.PublishOption) mqtt.Token {
	options := &mqtt.PublishOptions{}
	for _, o := range opts {
		o(options)
	}
	msg := mqtt.Message{Topic: topic, Payload: payload, QoS: mqtt.QoS(options.QoS), Properties: options.Properties}
	pkid := uint16(f.nextPKID.Add(1))
	f.dispatcher.DispatchPublish(options.QoS, pkid, msg)
	return &completedToken{}
}

func (f *fakeClient) Subscribe(string, mqtt.QoS, mqtt.MessageHandler, ...mqtt.SubscribeOption) mqtt.Token {
	return &completedToken{}
}
func (f *fakeClient) Unsubscribe(...string) mqtt.Token { return &completedToken{} }
func (f *fakeClient) CreateFilteredReceiver(filter string) *mqtt.Receiver {
	return f.dispatcher.CreateFilteredReceiver(filter)
}

var _ protocol.MqttClient = (*fakeClient)(nil)

const requestTopic = "statestore/v1/FA9AE35F-2F64-47CD-9BFF-08E2B32A0FE8/command/invoke"

// fakeServer answers SET/GET/DEL/VSET/VDEL well enough to exercise a
// leased lock's acquire/renew/release cycle without a live state store.
type fakeServer struct {
	mu      sync.Mutex
	values  map[string][]byte
	tokens  map[string]string
	expires map[string]time.Time
}

func runFakeServer(client *fakeClient) *fakeServer {
	s := &fakeServer{values: map[string][]byte{}, tokens: map[string]string{}, expires: map[string]time.Time{}}
	recv := client.CreateFilteredReceiver(requestTopic)
	go func() {
		for copy := range recv.C {
			s.handle(client, copy)
		}
	}()
	return s
}

func (s *fakeServer) handle(client *fakeClient, copy mqtt.PublishCopy) {
	defer copy.Ack()
	req := copy.Message
	args := parseArray(req.Payload)

	s.mu.Lock()
	key := string(args[1])
	if exp, ok := s.expires[key]; ok && time.Now().After(exp) {
		delete(s.values, key)
		delete(s.tokens, key)
		delete(s.expires, key)
	}

	fencingToken := req.Properties.UserProperties[fencingTokenKey]

	var reply []byte
	switch string(args[0]) {
	case "SET", "VSET":
		if string(args[0]) == "VSET" && s.tokens[key] != "" && s.tokens[key] != fencingToken {
			reply = []byte(":-1\r\n")
			break
		}
		nx, ttl := parseFlags(args[3:])
		if nx {
			if _, exists := s.values[key]; exists {
				reply = []byte(":-1\r\n")
				break
			}
		}
		s.values[key] = args[2]
		s.tokens[key] = fencingToken
		if ttl > 0 {
			s.expires[key] = time.Now().Add(ttl)
		} else {
			delete(s.expires, key)
		}
		reply = []byte("+OK\r\n")
	case "GET":
		if v, ok := s.values[key]; ok {
			reply = []byte("$" + itoa(len(v)) + "\r\n" + string(v) + "\r\n")
		} else {
			reply = []byte("$-1\r\n")
		}
	case "DEL":
		if _, ok := s.values[key]; ok {
			delete(s.values, key)
			delete(s.tokens, key)
			delete(s.expires, key)
			reply = []byte(":1\r\n")
		} else {
			reply = []byte(":0\r\n")
		}
	case "VDEL":
		if _, ok := s.values[key]; ok && s.tokens[key] == fencingToken {
			delete(s.values, key)
			delete(s.tokens, key)
			delete(s.expires, key)
			reply = []byte(":1\r\n")
		} else {
			reply = []byte(":0\r\n")
		}
	default:
		reply = []byte("-ERR unknown command\r\n")
	}
	s.mu.Unlock()

	respProps := mqtt.NewProperties()
	respProps.ContentType = "application/octet-stream"
	format := uint8(0)
	respProps.PayloadFormat = &format
	respProps.CorrelationData = req.Properties.CorrelationData
	respProps.SetUserProperty(statusKey, "200")
	client.Publish(req.Properties.ResponseTopic, reply, mqtt.WithQoS(mqtt.AtLeastOnce), mqtt.WithProperties(respProps))
}

func parseFlags(flags [][]byte) (nx bool, ttl time.Duration) {
	for i := 0; i < len(flags); i++ {
		switch string(flags[i]) {
		case "NX":
			nx = true
		case "PX":
			if i+1 < len(flags) {
				ms := int64(0)
				for _, c := range flags[i+1] {
					ms = ms*10 + int64(c-'0')
				}
				ttl = time.Duration(ms) * time.Millisecond
				i++
			}
		}
	}
	return nx, ttl
}

func parseArray(data []byte) [][]byte {
	if len(data) == 0 || data[0] != '*' {
		return nil
	}
	i := 1
	nl := indexCRLF(data[i:])
	count := atoiBytes(data[i : i+nl])
	i += nl + 2

	parts := make([][]byte, 0, count)
	for n := 0; n < count; n++ {
		if data[i] != '$' {
			break
		}
		i++
		nl := indexCRLF(data[i:])
		length := atoiBytes(data[i : i+nl])
		i += nl + 2
		parts = append(parts, data[i:i+length])
		i += length + 2
	}
	return parts
}

func indexCRLF(data []byte) int {
	for i := 0; i+1 < len(data); i++ {
		if data[i] == '\r' && data[i+1] == '\n' {
			return i
		}
	}
	return -1
}

func atoiBytes(b []byte) int {
	n := 0
	for _, c := range b {
		n = n*10 + int(c-'0')
	}
	return n
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func newTestStore(t *testing.T, client *fakeClient, nodeID string) *statestore.Client[string, []byte] {
	t.Helper()
	clock := hlc.New(nodeID)
	store, err := statestore.New[string, []byte](client, clock)
	if err != nil {
		t.Fatalf("statestore.New: %v", err)
	}
	return store
}

func TestTryAcquireSingleHolder(t *testing.T) {
	client := newFakeClient("holder1")
	runFakeServer(client)
	store := newTestStore(t, client, "holder1")
	clock := hlc.New("holder1")
	lock := leasedlock.New(store, clock, "lock-a", "holder1")

	ok, err := lock.TryAcquire(context.Background(), 3*time.Second)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	if !ok {
		t.Fatal("expected the first acquire to succeed")
	}
	if lock.FencingToken() == "" {
		t.Error("expected a non-empty fencing token after acquiring")
	}

	holder, present, err := lock.GetHolder(context.Background())
	if err != nil {
		t.Fatalf("GetHolder: %v", err)
	}
	if !present || holder != "holder1" {
		t.Errorf("GetHolder = (%q, %v), want (holder1, true)", holder, present)
	}
}

func TestTryAcquireReentrantRenewsOwnLease(t *testing.T) {
	client := newFakeClient("holder1")
	runFakeServer(client)
	store := newTestStore(t, client, "holder1")
	clock := hlc.New("holder1")
	lock := leasedlock.New(store, clock, "lock-b", "holder1")

	ok1, err := lock.TryAcquire(context.Background(), 5*time.Second)
	if err != nil || !ok1 {
		t.Fatalf("first TryAcquire = (%v, %v)", ok1, err)
	}
	token1 := lock.FencingToken()

	ok2, err := lock.TryAcquire(context.Background(), 5*time.Second)
	if err != nil || !ok2 {
		t.Fatalf("second TryAcquire (renewal) = (%v, %v)", ok2, err)
	}
	if lock.FencingToken() == token1 {
		t.Error("expected a fresh fencing token on renewal")
	}
}

func TestTryAcquireFailsForSecondHolder(t *testing.T) {
	client := newFakeClient("shared")
	runFakeServer(client)

	store1 := newTestStore(t, client, "holder1")
	clock1 := hlc.New("holder1")
	lock1 := leasedlock.New(store1, clock1, "lock-c", "holder1")

	store2 := newTestStore(t, client, "holder2")
	clock2 := hlc.New("holder2")
	lock2 := leasedlock.New(store2, clock2, "lock-c", "holder2")

	ok1, err := lock1.TryAcquire(context.Background(), 10*time.Second)
	if err != nil || !ok1 {
		t.Fatalf("holder1 acquire = (%v, %v)", ok1, err)
	}

	ok2, err := lock2.TryAcquire(context.Background(), 10*time.Second)
	if err != nil {
		t.Fatalf("holder2 TryAcquire: %v", err)
	}
	if ok2 {
		t.Fatal("expected holder2's acquire to fail while holder1 holds the lock")
	}
}

func TestReleaseThenReleaseAgainIsNoOp(t *testing.T) {
	client := newFakeClient("holder1")
	runFakeServer(client)
	store := newTestStore(t, client, "holder1")
	clock := hlc.New("holder1")
	lock := leasedlock.New(store, clock, "lock-d", "holder1")

	ok, err := lock.TryAcquire(context.Background(), 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("TryAcquire = (%v, %v)", ok, err)
	}

	released, err := lock.Release(context.Background())
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if !released {
		t.Fatal("expected first Release to report true")
	}

	released2, err := lock.Release(context.Background())
	if err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if released2 {
		t.Error("expected second Release to be a no-op (false)")
	}
}

func TestAcquireWaitsUntilAvailable(t *testing.T) {
	client := newFakeClient("shared")
	runFakeServer(client)

	store1 := newTestStore(t, client, "holder1")
	clock1 := hlc.New("holder1")
	lock1 := leasedlock.New(store1, clock1, "lock-e", "holder1")

	store2 := newTestStore(t, client, "holder2")
	clock2 := hlc.New("holder2")
	lock2 := leasedlock.New(store2, clock2, "lock-e", "holder2")

	if ok, err := lock1.TryAcquire(context.Background(), 200*time.Millisecond); err != nil || !ok {
		t.Fatalf("holder1 acquire = (%v, %v)", ok, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := lock2.Acquire(ctx, 5*time.Second, 50*time.Millisecond); err != nil {
		t.Fatalf("holder2 Acquire: %v", err)
	}

	holder, present, err := lock2.GetHolder(context.Background())
	if err != nil {
		t.Fatalf("GetHolder: %v", err)
	}
	if !present || holder != "holder2" {
		t.Errorf("GetHolder after holder2 acquires = (%q, %v), want (holder2, true)", holder, present)
	}
}
