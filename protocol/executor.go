package protocol

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iot-operations-sdk/go/mqtt"
	protoerrors "github.com/iot-operations-sdk/go/protocol/errors"
	"github.com/iot-operations-sdk/go/protocol/hlc"
	"github.com/iot-operations-sdk/go/protocol/internal/caching"
	"github.com/iot-operations-sdk/go/protocol/internal/constants"
	"github.com/iot-operations-sdk/go/protocol/internal/topic"
	"github.com/iot-operations-sdk/go/protocol/internal/userprop"
	"github.com/iot-operations-sdk/go/serializer"
)

// RequestMetadata carries the parts of an inbound request beyond the
// deserialized payload that a handler may need.
type RequestMetadata struct {
	CorrelationData   []byte
	Timestamp         hlc.Timestamp
	UserData          map[string]string
	CommandExpiration time.Time
}

// Handler processes one deserialized request and returns either a
// response payload or a taxonomised application error. Returning a
// non-nil error with Kind InvocationException maps to 422
// (business-rule rejection); ExecutionException maps to 500 (unexpected
// application failure).
type Handler[Req, Res any] func(ctx context.Context, req Req, md RequestMetadata) (Res, *protoerrors.Error)

// ExecutorState is the executor's lifecycle state.
type ExecutorState int32

const (
	ExecutorNew ExecutorState = iota
	ExecutorSubscribed
	ExecutorShutdownSuccessful
)

func (s ExecutorState) String() string {
	switch s {
	case ExecutorNew:
		return "New"
	case ExecutorSubscribed:
		return "Subscribed"
	case ExecutorShutdownSuccessful:
		return "ShutdownSuccessful"
	default:
		return "Unknown"
	}
}

// ExecutorOptions configures a CommandExecutor.
type ExecutorOptions struct {
	// Idempotent advertises to peers that duplicate requests are safe to
	// retry; the cache's dedupe behavior is identical regardless of this
	// bit, which only informs capability advertisement.
	Idempotent bool
	// StaticTokens supplies compile-time token replacements for the
	// request topic pattern (e.g. executorId bound to this executor's
	// own identity, modelId).
	StaticTokens map[string]string
}

// ExecutorOption configures an ExecutorOptions.
type ExecutorOption func(*ExecutorOptions)

// WithIdempotent marks the executor as idempotent for capability
// advertisement purposes.
func WithIdempotent() ExecutorOption {
	return func(o *ExecutorOptions) { o.Idempotent = true }
}

// WithExecutorStaticTokens supplies compile-time token replacements for
// the request topic pattern.
func WithExecutorStaticTokens(tokens map[string]string) ExecutorOption {
	return func(o *ExecutorOptions) { o.StaticTokens = tokens }
}

// CommandExecutor subscribes to a command's request topic, deduplicates
// and processes each incoming request against the application handler,
// and publishes the status-coded response.
type CommandExecutor[Req, Res any] struct {
	client      MqttClient
	commandName string
	requestTmpl *topic.Pattern
	reqEncoding serializer.Encoding[Req]
	resEncoding serializer.Encoding[Res]
	clock       *hlc.Clock
	sourceID    string
	cache       *caching.Cache
	handler     Handler[Req, Res]
	idempotent  bool

	state         atomic.Int32
	subscribeOnce sync.Once
	subscribeErr  error
	receiver      *mqtt.Receiver
	wg            sync.WaitGroup
}

// NewCommandExecutor constructs an executor for commandName, listening on
// the resolved subscribe-form of requestTopicPattern.
func NewCommandExecutor[Req, Res any](
	client MqttClient,
	commandName string,
	requestTopicPattern string,
	reqEncoding serializer.Encoding[Req],
	resEncoding serializer.Encoding[Res],
	clock *hlc.Clock,
	handler Handler[Req, Res],
	opts ...ExecutorOption,
) (*CommandExecutor[Req, Res], error) {
	options := &ExecutorOptions{}
	for _, opt := range opts {
		opt(options)
	}

	staticTokens := map[string]string{topic.TokenCommandName: commandName}
	for k, v := range options.StaticTokens {
		staticTokens[k] = v
	}
	pattern, err := topic.Compile(requestTopicPattern, staticTokens)
	if err != nil {
		return nil, protoerrors.Wrap(protoerrors.ConfigurationInvalid, err, "invalid request topic pattern")
	}

	return &CommandExecutor[Req, Res]{
		client:      client,
		commandName: commandName,
		requestTmpl: pattern,
		reqEncoding: reqEncoding,
		resEncoding: resEncoding,
		clock:       clock,
		sourceID:    client.ClientID(),
		cache:       caching.New(),
		handler:     handler,
		idempotent:  options.Idempotent,
	}, nil
}

// State reports the executor's current lifecycle state.
func (ex *CommandExecutor[Req, Res]) State() ExecutorState {
	return ExecutorState(ex.state.Load())
}

// Start subscribes to the request topic (idempotent: a second call is a
// no-op) and begins processing incoming requests, each on its own
// goroutine.
func (ex *CommandExecutor[Req, Res]) Start(ctx context.Context) error {
	ex.subscribeOnce.Do(func() {
		requestTopic := ex.requestTmpl.ForSubscribe(nil)
		token := ex.client.Subscribe(requestTopic, mqtt.AtLeastOnce, func(*mqtt.Client, mqtt.Message) {})
		if err := token.Wait(ctx); err != nil {
			ex.subscribeErr = protoerrors.Wrap(protoerrors.MqttError, err, "failed to subscribe to request topic %q", requestTopic)
			return
		}
		ex.receiver = ex.client.CreateFilteredReceiver(requestTopic)
		ex.state.Store(int32(ExecutorSubscribed))

		ex.wg.Add(1)
		go func() {
			defer ex.wg.Done()
			for copy := range ex.receiver.C {
				ex.wg.Add(1)
				go func(copy mqtt.PublishCopy) {
					defer ex.wg.Done()
					ex.handleRequest(context.Background(), copy)
				}(copy)
			}
		}()
	})
	return ex.subscribeErr
}

// Shutdown unsubscribes and waits for outstanding request-processing
// goroutines to finish, bounded by ctx.
func (ex *CommandExecutor[Req, Res]) Shutdown(ctx context.Context) error {
	if ex.receiver != nil {
		requestTopic := ex.requestTmpl.ForSubscribe(nil)
		if err := ex.client.Unsubscribe(requestTopic).Wait(ctx); err != nil {
			return protoerrors.Wrap(protoerrors.MqttError, err, "failed to unsubscribe from request topic %q", requestTopic)
		}
		ex.receiver.Unregister()
	}

	done := make(chan struct{})
	go func() {
		ex.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		ex.state.Store(int32(ExecutorShutdownSuccessful))
		return nil
	case <-ctx.Done():
		return protoerrors.Wrap(protoerrors.Cancellation, ctx.Err(), "shutdown timed out waiting for in-flight requests")
	}
}

// handleRequest runs the full per-request pipeline (spec steps 1-9).
func (ex *CommandExecutor[Req, Res]) handleRequest(ctx context.Context, copy mqtt.PublishCopy) {
	msg := copy.Message
	receivedAt := time.Now()

	// Step 1: validate envelope.
	if msg.Properties == nil || msg.Properties.ResponseTopic == "" {
		// No response topic means there is nowhere to send even an error
		// response; nothing left to do but ack and drop.
		copy.Ack()
		return
	}
	if len(msg.Properties.CorrelationData) != constants.CorrelationDataLength {
		ex.publishTerminalError(ctx, msg, receivedAt.Add(constants.DefaultMessageExpiry),
			protoerrors.New(protoerrors.HeaderInvalid, "correlation-data must be %d bytes", constants.CorrelationDataLength))
		copy.Ack()
		return
	}
	if msg.Properties.MessageExpiry == nil {
		ex.publishTerminalError(ctx, msg, receivedAt.Add(constants.DefaultMessageExpiry),
			protoerrors.New(protoerrors.HeaderMissing, "message-expiry-interval is required"))
		copy.Ack()
		return
	}
	if *msg.Properties.MessageExpiry == 0 {
		// A message-expiry of 0 means "never expires" on the wire; a
		// request cannot be allowed to claim that, so it is rejected
		// rather than treated as an unbounded command.
		ex.publishTerminalError(ctx, msg, receivedAt.Add(constants.DefaultMessageExpiry),
			protoerrors.New(protoerrors.HeaderInvalid, "message-expiry-interval must not be 0"))
		copy.Ack()
		return
	}
	commandExpiration := receivedAt.Add(time.Duration(*msg.Properties.MessageExpiry) * time.Second)

	// Step 2: deduplicate against the cache.
	key := caching.Key{
		ResponseTopic:   msg.Properties.ResponseTopic,
		CorrelationData: string(msg.Properties.CorrelationData),
	}

	result, handle, cachedPayload, cachedProps := ex.cache.GetOrInsertInProgress(key, receivedAt)
	switch result {
	case caching.Cached:
		ex.republish(ctx, msg, cachedPayload, cachedProps, commandExpiration)
		copy.Ack()
		return
	case caching.InProgress:
		// Ack only after the original settles, so the duplicate's ack
		// never overtakes the original's.
		go func() {
			<-handle.Done()
			copy.Ack()
		}()
		return
	}

	ex.processNew(ctx, copy, msg, key, commandExpiration, receivedAt)
}

// processNew runs steps 3-9 for a request that was not a duplicate; key
// already holds our InProgress marker from GetOrInsertInProgress.
func (ex *CommandExecutor[Req, Res]) processNew(
	ctx context.Context,
	copy mqtt.PublishCopy,
	msg mqtt.Message,
	key caching.Key,
	commandExpiration time.Time,
	receivedAt time.Time,
) {
	reader := userprop.NewReader(msg.Properties.UserProperties)

	// Step 3: protocol version.
	requestVersion := reader.GetOrDefault(userprop.ProtocolVersion, constants.DefaultProtocolVersion)
	if !supportsMajorVersion(requestVersion) {
		majors := joinMajors(constants.SupportedMajorVersions)
		ex.finish(ctx, copy, msg, key, commandExpiration,
			&protoerrors.Error{
				Kind:          protoerrors.UnsupportedRequestVersion,
				Message:       fmt.Sprintf("unsupported protocol version %q", requestVersion),
				PropertyValue: majors,
			})
		return
	}

	// Step 4: apply HLC.
	if ts, ok := reader.Get(userprop.Timestamp); ok {
		if remote, err := hlc.Parse(ts); err == nil {
			if uerr := ex.clock.UpdateAgainst(remote); uerr != nil {
				kind := protoerrors.InternalLogicError
				if hlcErr, ok := uerr.(*hlc.Error); ok && hlcErr.Kind == hlc.ErrClockDrift {
					kind = protoerrors.StateInvalid
				}
				ex.finish(ctx, copy, msg, key, commandExpiration, protoerrors.Wrap(kind, uerr, "hlc update failed"))
				return
			}
		}
	}

	// Step 5: deserialize payload.
	req, err := ex.reqEncoding.Deserialize(msg.Payload, msg.Properties.ContentType, formatIndicatorOf(msg.Properties))
	if err != nil {
		if _, ok := err.(*serializer.UnsupportedContentTypeError); ok {
			ex.finish(ctx, copy, msg, key, commandExpiration,
				protoerrors.Wrap(protoerrors.HeaderInvalid, err, "unsupported content type"))
			return
		}
		ex.finish(ctx, copy, msg, key, commandExpiration,
			protoerrors.Wrap(protoerrors.PayloadInvalid, err, "failed to deserialize request for command %q", ex.commandName))
		return
	}

	// Step 6: hand to application, racing its completion against the
	// command's expiration so a slow handler produces no late response.
	md := RequestMetadata{
		CorrelationData:   msg.Properties.CorrelationData,
		Timestamp:         ex.clock.Now(),
		CommandExpiration: commandExpiration,
		UserData:          userDataOf(msg.Properties.UserProperties),
	}

	type outcome struct {
		res Res
		err *protoerrors.Error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		res, herr := ex.handler(ctx, req, md)
		resultCh <- outcome{res: res, err: herr}
	}()

	select {
	case out := <-resultCh:
		if out.err != nil {
			ex.finish(ctx, copy, msg, key, commandExpiration, out.err)
			return
		}
		ex.finishSuccess(ctx, copy, msg, key, commandExpiration, out.res)
	case <-time.After(time.Until(commandExpiration)):
		// The application took too long; synthesise no response at all
		// and let the invoker's own timeout fire. The cache entry is
		// abandoned so a late duplicate also gets no response.
		ex.cache.Abandon(key)
		copy.Ack()
	}
}

// finish authors and publishes a response for an application/protocol
// error, caches it, and acks the original only once the publish is
// observed (step 9).
func (ex *CommandExecutor[Req, Res]) finish(ctx context.Context, copy mqtt.PublishCopy, msg mqtt.Message, key caching.Key, commandExpiration time.Time, appErr *protoerrors.Error) {
	ex.publishAndCache(ctx, msg, key, commandExpiration, nil, protoerrors.ToStatusCode(appErr.Kind), appErr)
	copy.Ack()
}

// publishTerminalError authors a response for a pipeline failure that
// occurred before a cache entry was created (step 1 envelope failures).
func (ex *CommandExecutor[Req, Res]) publishTerminalError(ctx context.Context, msg mqtt.Message, commandExpiration time.Time, appErr *protoerrors.Error) {
	status := protoerrors.ToStatusCode(appErr.Kind)
	props := ex.buildResponseProperties(status, commandExpiration, appErr)
	token := ex.client.Publish(msg.Properties.ResponseTopic, nil, mqtt.WithQoS(mqtt.AtLeastOnce), mqtt.WithProperties(props))
	_ = token.Wait(ctx)
}

// finishSuccess authors and publishes a successful response, caches it,
// and acks the original only once the publish is observed (step 9).
func (ex *CommandExecutor[Req, Res]) finishSuccess(ctx context.Context, copy mqtt.PublishCopy, msg mqtt.Message, key caching.Key, commandExpiration time.Time, res Res) {
	payload, err := ex.resEncoding.Serialize(res)
	if err != nil {
		ex.publishAndCache(ctx, msg, key, commandExpiration, nil, protoerrors.StatusInternalServerError,
			protoerrors.Wrap(protoerrors.InternalLogicError, err, "failed to serialize response for command %q", ex.commandName))
		copy.Ack()
		return
	}
	ex.publishAndCache(ctx, msg, key, commandExpiration, payload, protoerrors.StatusOK, nil)
	copy.Ack()
}

// publishAndCache builds the response properties (step 7), publishes the
// response, waits for the publish (and, for QoS 1, its puback) to be
// observed, and caches the response under key (step 8).
func (ex *CommandExecutor[Req, Res]) publishAndCache(ctx context.Context, msg mqtt.Message, key caching.Key, commandExpiration time.Time, payload []byte, status protoerrors.StatusCode, appErr *protoerrors.Error) {
	props := ex.buildResponseProperties(status, commandExpiration, appErr)

	token := ex.client.Publish(msg.Properties.ResponseTopic, payload, mqtt.WithQoS(mqtt.AtLeastOnce), mqtt.WithProperties(props))
	_ = token.Wait(ctx)

	cacheProps := caching.ResponseProperties{
		ContentType:     props.ContentType,
		FormatIndicator: formatIndicatorValue(props),
		UserProperties:  props.UserProperties,
	}
	ex.cache.Complete(key, payload, cacheProps, commandExpiration.Add(constants.CacheExpiryBuffer))
}

// republish replays a cached response (step 2, Cached branch) with its
// message-expiry recomputed from the current remaining time.
func (ex *CommandExecutor[Req, Res]) republish(ctx context.Context, msg mqtt.Message, payload []byte, cached caching.ResponseProperties, commandExpiration time.Time) {
	props := mqtt.NewProperties()
	props.ContentType = cached.ContentType
	format := cached.FormatIndicator
	props.PayloadFormat = &format
	props.CorrelationData = msg.Properties.CorrelationData
	props.UserProperties = make(map[string]string, len(cached.UserProperties))
	for k, v := range cached.UserProperties {
		props.UserProperties[k] = v
	}
	expiry := responseExpirySeconds(commandExpiration)
	props.UserProperties[userprop.Timestamp] = ex.clock.Now().String()
	props.MessageExpiry = &expiry

	token := ex.client.Publish(msg.Properties.ResponseTopic, payload, mqtt.WithQoS(mqtt.AtLeastOnce), mqtt.WithProperties(props))
	_ = token.Wait(ctx)
}

// buildResponseProperties authors the wire properties for a fresh (not
// replayed) response.
func (ex *CommandExecutor[Req, Res]) buildResponseProperties(status protoerrors.StatusCode, commandExpiration time.Time, appErr *protoerrors.Error) *mqtt.Properties {
	props := mqtt.NewProperties()
	if status == protoerrors.StatusOK {
		props.ContentType = ex.resEncoding.ContentType()
		format := uint8(ex.resEncoding.FormatIndicator())
		props.PayloadFormat = &format
	}
	expiry := responseExpirySeconds(commandExpiration)
	props.MessageExpiry = &expiry

	props.SetUserProperty(userprop.Status, strconv.Itoa(int(status)))
	props.SetUserProperty(userprop.SourceID, ex.sourceID)
	props.SetUserProperty(userprop.Timestamp, ex.clock.Now().String())
	props.SetUserProperty(userprop.ProtocolVersion, constants.DefaultProtocolVersion)

	// Quirk preserved from the original source: is-application-error is
	// emitted only when status is neither 200 nor 204.
	if status != protoerrors.StatusOK && status != protoerrors.StatusNoContent {
		props.SetUserProperty(userprop.IsApplicationError, "true")
	}
	if appErr != nil {
		if appErr.Message != "" {
			props.SetUserProperty(userprop.StatusMessage, appErr.Message)
		}
		if appErr.PropertyName != "" {
			props.SetUserProperty(userprop.InvalidPropertyName, appErr.PropertyName)
		}
		if appErr.PropertyValue != "" {
			props.SetUserProperty(userprop.InvalidPropertyValue, appErr.PropertyValue)
		}
		if status == protoerrors.StatusVersionNotSupported {
			props.SetUserProperty(userprop.SupportedMajorVersions, appErr.PropertyValue)
		}
	}
	return props
}

func formatIndicatorValue(props *mqtt.Properties) uint8 {
	if props.PayloadFormat != nil {
		return *props.PayloadFormat
	}
	return 0
}

// responseExpirySeconds computes max(1, commandExpiration-now) rounded up
// to the next whole second. A response is never published with an
// expiry of 0 — that would mean "never expires" on the wire — so an
// already-elapsed commandExpiration floors at 1 second rather than 0.
// Falls back to the default expiry (a preserved quirk) if the duration
// does not fit a uint32 seconds count.
func responseExpirySeconds(commandExpiration time.Time) uint32 {
	remaining := time.Until(commandExpiration)
	if remaining <= 0 {
		return 1
	}
	seconds := math.Ceil(remaining.Seconds())
	if seconds > math.MaxUint32 {
		return uint32(constants.DefaultMessageExpiry.Seconds())
	}
	if seconds < 1 {
		return 1
	}
	return uint32(seconds)
}

func supportsMajorVersion(version string) bool {
	major := version
	if idx := indexByte(version, '.'); idx >= 0 {
		major = version[:idx]
	}
	n, err := strconv.Atoi(major)
	if err != nil {
		return false
	}
	for _, m := range constants.SupportedMajorVersions {
		if m == n {
			return true
		}
	}
	return false
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func joinMajors(majors []int) string {
	out := ""
	for i, m := range majors {
		if i > 0 {
			out += "."
		}
		out += strconv.Itoa(m)
	}
	return out
}

func userDataOf(all map[string]string) map[string]string {
	out := make(map[string]string, len(all))
	for k, v := range all {
		if !userprop.IsReserved(k) {
			out[k] = v
		}
	}
	return out
}
