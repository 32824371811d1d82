package statestore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/iot-operations-sdk/go/mqtt"
	"github.com/iot-operations-sdk/go/protocol"
	"github.com/iot-operations-sdk/go/protocol/hlc"
)

// Reserved user-property keys the fake server reads and writes. They are
// spelled out here because protocol/internal/userprop cannot be imported
// from outside the protocol tree.
const (
	statusKey       = "__stat"
	fencingTokenKey = "__ftn"
)

// completedToken and fakeClient mirror protocol's own test fake: a
// loopback stand-in for *mqtt.Client that fans Publish straight through
// an in-process dispatcher instead of a broker round-trip.
type completedToken struct{ err error }

func (t *completedToken) Wait(context.Context) error { return t.err }
func (t *completedToken) Done() <-chan struct{}      { ch := make(chan struct{}); close(ch); return ch }
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

// fakeServer is a minimal in-memory stand-in for the broker-resident
// state store service, just enough of SET/GET/DEL/VSET/VDEL to exercise
// the client against something other than a live broker.
type fakeServer struct {
	mu      sync.Mutex
	values  map[string][]byte
	tokens  map[string]string // key -> fencing token of the last conditional writer
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
	if exp, ok := s.expires[string(args[1])]; ok && time.Now().After(exp) {
		delete(s.values, string(args[1]))
		delete(s.tokens, string(args[1]))
		delete(s.expires, string(args[1]))
	}

	var reply []byte
	switch string(args[0]) {
	case "SET", "VSET":
		key, value := string(args[1]), args[2]
		fencingToken := req.Properties.UserProperties[fencingTokenKey]
		if string(args[0]) == "VSET" {
			if s.tokens[key] != "" && s.tokens[key] != fencingToken {
				reply = []byte(":-1\r\n")
				break
			}
		}
		nx, ttl := parseFlags(args[3:])
		if nx {
			if _, exists := s.values[key]; exists {
				reply = []byte(":-1\r\n")
				break
			}
		}
		s.values[key] = value
		s.tokens[key] = fencingToken
		if ttl > 0 {
			s.expires[key] = time.Now().Add(ttl)
		} else {
			delete(s.expires, key)
		}
		reply = []byte("+OK\r\n")
	case "GET":
		key := string(args[1])
		if v, ok := s.values[key]; ok {
			reply = []byte("$" + itoa(len(v)) + "\r\n" + string(v) + "\r\n")
		} else {
			reply = []byte("$-1\r\n")
		}
	case "DEL":
		key := string(args[1])
		if _, ok := s.values[key]; ok {
			delete(s.values, key)
			delete(s.tokens, key)
			delete(s.expires, key)
			reply = []byte(":1\r\n")
		} else {
			reply = []byte(":0\r\n")
		}
	case "VDEL":
		key := string(args[1])
		fencingToken := req.Properties.UserProperties[fencingTokenKey]
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

// parseArray decodes a RESP array-of-bulk-strings request back into its
// parts, the inverse of resp.Array, for the fake server's own use.
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

func TestSetGetRoundTrip(t *testing.T) {
	client := newFakeClient("test-ss")
	runFakeServer(client)
	clock := hlc.New("test-ss")

	c, err := New[string, []byte](client, clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.Set(context.Background(), "k1", []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	value, ok, err := c.Get(context.Background(), "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(value) != "v1" {
		t.Errorf("Get = (%q, %v), want (v1, true)", value, ok)
	}
}

func TestGetMissingKey(t *testing.T) {
	client := newFakeClient("test-ss")
	runFakeServer(client)
	clock := hlc.New("test-ss")

	c, err := New[string, []byte](client, clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, ok, err := c.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("expected ok=false for a missing key")
	}
}

func TestSetIfNotExists(t *testing.T) {
	client := newFakeClient("test-ss")
	runFakeServer(client)
	clock := hlc.New("test-ss")

	c, err := New[string, []byte](client, clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res1, err := c.Set(context.Background(), "nx-key", []byte("first"), WithNotExists())
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !res1.Value {
		t.Fatal("expected first NX set to succeed")
	}

	res2, err := c.Set(context.Background(), "nx-key", []byte("second"), WithNotExists())
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if res2.Value {
		t.Fatal("expected second NX set to fail (key already exists)")
	}
}

func TestDelRemovesKey(t *testing.T) {
	client := newFakeClient("test-ss")
	runFakeServer(client)
	clock := hlc.New("test-ss")

	c, err := New[string, []byte](client, clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Set(context.Background(), "gone", []byte("x")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	n, err := c.Del(context.Background(), "gone")
	if err != nil {
		t.Fatalf("Del: %v", err)
	}
	if n != 1 {
		t.Errorf("Del = %d, want 1", n)
	}
	n2, err := c.Del(context.Background(), "gone")
	if err != nil {
		t.Fatalf("Del: %v", err)
	}
	if n2 != 0 {
		t.Errorf("second Del = %d, want 0", n2)
	}
}

func TestVSetRejectsStaleFencingToken(t *testing.T) {
	client := newFakeClient("test-ss")
	runFakeServer(client)
	clock := hlc.New("test-ss")

	c, err := New[string, []byte](client, clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.VSet(context.Background(), "lock", []byte("holder1"), "token-1"); err != nil {
		t.Fatalf("VSet: %v", err)
	}

	res, err := c.VSet(context.Background(), "lock", []byte("holder2"), "token-stale")
	if err != nil {
		t.Fatalf("VSet: %v", err)
	}
	if res.Value {
		t.Error("expected VSet with a stale fencing token to be rejected")
	}
}

func TestEmptyKeyRejected(t *testing.T) {
	client := newFakeClient("test-ss")
	runFakeServer(client)
	clock := hlc.New("test-ss")

	c, err := New[string, []byte](client, clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Set(context.Background(), "", []byte("v")); err == nil {
		t.Fatal("expected ArgumentError for an empty key")
	}
}
