package protocol

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iot-operations-sdk/go/mqtt"
	protoerrors "github.com/iot-operations-sdk/go/protocol/errors"
	"github.com/iot-operations-sdk/go/protocol/hlc"
	"github.com/iot-operations-sdk/go/protocol/internal/constants"
	"github.com/iot-operations-sdk/go/protocol/internal/topic"
	"github.com/iot-operations-sdk/go/protocol/internal/userprop"
	"github.com/iot-operations-sdk/go/serializer"
)

// InvokeRequest carries everything an invocation needs beyond the
// serialized request payload itself.
type InvokeRequest struct {
	// ExecutorID, if set, is bound to the request topic pattern's
	// executorId token for point-to-point routing.
	ExecutorID string
	// FencingToken, if non-empty, is attached as the fencing-token user
	// property for contested operations (e.g. a leased-lock holder's
	// writes).
	FencingToken string
	// UserData carries opaque application user properties alongside the
	// reserved taxonomy ones the invoker sets itself.
	UserData map[string]string
	// Timeout bounds the whole invocation and doubles as the MQTT
	// message-expiry interval attached to the request.
	Timeout time.Duration
}

// Response is a successfully completed invocation's result.
type Response[Res any] struct {
	Payload  Res
	UserData map[string]string
}

type pendingInvoke[Res any] struct {
	resultCh chan invokeResult[Res]
}

type invokeResult[Res any] struct {
	response Response[Res]
	err      error
}

// CommandInvoker issues correlated requests over MQTT and demultiplexes
// their responses by correlation-data, sharing one subscription and
// response receiver across every concurrent Invoke call.
type CommandInvoker[Req, Res any] struct {
	client       MqttClient
	commandName  string
	requestTmpl  *topic.Pattern
	respTmpl     *topic.Pattern
	encoding     serializer.Encoding[Req]
	respEncoding serializer.Encoding[Res]
	clock        *hlc.Clock
	sourceID     string

	subscribeOnce sync.Once
	subscribeErr  error
	receiver      *mqtt.Receiver

	mu      sync.Mutex
	pending map[string]any // correlation-data (raw 16 bytes as string) -> *pendingInvoke[Res]
}

// InvokerOptions configures a CommandInvoker.
type InvokerOptions struct {
	// ResponseTopicPrefix/Suffix, if set, are prepended/appended to the
	// default response-topic-pattern ("clients/{invokerClientId}/<request-template>")
	// when ResponseTopicPattern itself is not given.
	ResponseTopicPattern string
	ResponseTopicPrefix  string
	ResponseTopicSuffix  string
	StaticTokens         map[string]string
}

// InvokerOption configures an InvokerOptions.
type InvokerOption func(*InvokerOptions)

// WithResponseTopicPattern overrides the default response topic pattern.
func WithResponseTopicPattern(pattern string) InvokerOption {
	return func(o *InvokerOptions) { o.ResponseTopicPattern = pattern }
}

// WithResponseTopicPrefix prepends a literal prefix to the default
// response topic pattern.
func WithResponseTopicPrefix(prefix string) InvokerOption {
	return func(o *InvokerOptions) { o.ResponseTopicPrefix = prefix }
}

// WithResponseTopicSuffix appends a literal suffix to the default
// response topic pattern.
func WithResponseTopicSuffix(suffix string) InvokerOption {
	return func(o *InvokerOptions) { o.ResponseTopicSuffix = suffix }
}

// WithStaticTokens supplies compile-time token replacements (e.g. modelId)
// for both the request and response patterns.
func WithStaticTokens(tokens map[string]string) InvokerOption {
	return func(o *InvokerOptions) { o.StaticTokens = tokens }
}

// NewCommandInvoker constructs an invoker for commandName, publishing
// requests to requestTopicPattern (resolved per-call via InvokeRequest)
// and listening for responses on the resolved response topic pattern.
func NewCommandInvoker[Req, Res any](
	client MqttClient,
	commandName string,
	requestTopicPattern string,
	reqEncoding serializer.Encoding[Req],
	resEncoding serializer.Encoding[Res],
	clock *hlc.Clock,
	opts ...InvokerOption,
) (*CommandInvoker[Req, Res], error) {
	options := &InvokerOptions{}
	for _, opt := range opts {
		opt(options)
	}

	staticTokens := map[string]string{topic.TokenCommandName: commandName}
	for k, v := range options.StaticTokens {
		staticTokens[k] = v
	}

	reqPattern, err := topic.Compile(requestTopicPattern, staticTokens)
	if err != nil {
		return nil, protoerrors.Wrap(protoerrors.ConfigurationInvalid, err, "invalid request topic pattern")
	}

	responsePatternStr := options.ResponseTopicPattern
	if responsePatternStr == "" {
		responsePatternStr = "clients/{invokerClientId}/" + requestTopicPattern
		responsePatternStr = options.ResponseTopicPrefix + responsePatternStr + options.ResponseTopicSuffix
	}
	respStaticTokens := map[string]string{
		topic.TokenCommandName:     commandName,
		topic.TokenInvokerClientID: client.ClientID(),
	}
	for k, v := range options.StaticTokens {
		respStaticTokens[k] = v
	}
	respPattern, err := topic.Compile(responsePatternStr, respStaticTokens)
	if err != nil {
		return nil, protoerrors.Wrap(protoerrors.ConfigurationInvalid, err, "invalid response topic pattern")
	}

	return &CommandInvoker[Req, Res]{
		client:       client,
		commandName:  commandName,
		requestTmpl:  reqPattern,
		respTmpl:     respPattern,
		encoding:     reqEncoding,
		respEncoding: resEncoding,
		clock:        clock,
		sourceID:     client.ClientID(),
		pending:      make(map[string]any),
	}, nil
}

// ensureSubscribed performs the invoker's one-time subscription to the
// wildcarded response-topic filter, caching the subscription for the
// invoker's lifetime. Individual invocations resolve their own literal
// response topic separately; see Invoke.
func (inv *CommandInvoker[Req, Res]) ensureSubscribed(ctx context.Context) error {
	inv.subscribeOnce.Do(func() {
		responseTopic := inv.respTmpl.ForSubscribe(nil)

		token := inv.client.Subscribe(responseTopic, mqtt.AtLeastOnce, func(*mqtt.Client, mqtt.Message) {})
		if err := token.Wait(ctx); err != nil {
			inv.subscribeErr = protoerrors.Wrap(protoerrors.MqttError, err, "failed to subscribe to response topic %q", responseTopic)
			return
		}
		inv.receiver = inv.client.CreateFilteredReceiver(responseTopic)
		go inv.readResponses()
	})
	return inv.subscribeErr
}

func (inv *CommandInvoker[Req, Res]) readResponses() {
	for copy := range inv.receiver.C {
		inv.handleResponse(copy)
	}
}

func (inv *CommandInvoker[Req, Res]) handleResponse(copy mqtt.PublishCopy) {
	defer copy.Ack()

	msg := copy.Message
	if msg.Properties == nil || len(msg.Properties.CorrelationData) == 0 {
		return
	}
	key := string(msg.Properties.CorrelationData)

	inv.mu.Lock()
	p, ok := inv.pending[key]
	if ok {
		delete(inv.pending, key)
	}
	inv.mu.Unlock()
	if !ok {
		return
	}
	pend := p.(*pendingInvoke[Res])

	result, err := inv.validateAndDeserialize(msg)
	pend.resultCh <- invokeResult[Res]{response: result, err: err}
}

func (inv *CommandInvoker[Req, Res]) validateAndDeserialize(msg mqtt.Message) (Response[Res], error) {
	reader := userprop.NewReader(msg.Properties.UserProperties)
	statusStr, _ := reader.Get(userprop.Status)
	status := protoerrors.StatusOK
	if statusStr != "" {
		var parsed int
		if _, err := fmt.Sscanf(statusStr, "%d", &parsed); err == nil {
			status = protoerrors.StatusCode(parsed)
		}
	}

	if status != protoerrors.StatusOK {
		_, hasName := reader.Get(userprop.InvalidPropertyName)
		_, hasValue := reader.Get(userprop.InvalidPropertyValue)
		isAppError := reader.GetOrDefault(userprop.IsApplicationError, "false") == "true"
		kind, inApp := protoerrors.FromExecutorResponse(status, isAppError, hasName, hasValue)

		majors, _ := reader.Get(userprop.SupportedMajorVersions)
		code := int(status)
		return Response[Res]{}, &protoerrors.Error{
			Kind:           kind,
			InApplication:  inApp,
			IsRemote:       true,
			HTTPStatusCode: &code,
			Message:        reader.GetOrDefault(userprop.StatusMessage, fmt.Sprintf("executor returned status %d", status)),
			PropertyName:   reader.GetOrDefault(userprop.InvalidPropertyName, majors),
			PropertyValue:  reader.GetOrDefault(userprop.InvalidPropertyValue, ""),
			CommandName:    inv.commandName,
		}
	}

	payload, err := inv.respEncoding.Deserialize(msg.Payload, msg.Properties.ContentType, formatIndicatorOf(msg.Properties))
	if err != nil {
		return Response[Res]{}, protoerrors.Wrap(protoerrors.PayloadInvalid, err, "failed to deserialize response for command %q", inv.commandName)
	}

	if ts, ok := reader.Get(userprop.Timestamp); ok {
		if remote, err := hlc.Parse(ts); err == nil {
			_ = inv.clock.UpdateAgainst(remote)
		}
	}

	userData := make(map[string]string)
	for k, v := range msg.Properties.UserProperties {
		if !userprop.IsReserved(k) {
			userData[k] = v
		}
	}

	return Response[Res]{Payload: payload, UserData: userData}, nil
}

func formatIndicatorOf(p *mqtt.Properties) serializer.FormatIndicator {
	if p.PayloadFormat != nil {
		return serializer.FormatIndicator(*p.PayloadFormat)
	}
	return serializer.FormatBytes
}

// Invoke performs one correlated request/response exchange: it subscribes
// (on first use), publishes the request at QoS 1 with message-expiry =
// ceil(req.Timeout), and returns the matching response or a taxonomised
// error. The whole call is bounded by req.Timeout.
func (inv *CommandInvoker[Req, Res]) Invoke(ctx context.Context, payload Req, req InvokeRequest) (Response[Res], error) {
	if req.Timeout <= 0 {
		return Response[Res]{}, protoerrors.New(protoerrors.ConfigurationInvalid, "invoke timeout must be positive")
	}

	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	if err := inv.ensureSubscribed(ctx); err != nil {
		return Response[Res]{}, err
	}

	correlation := uuid.New()
	correlationBytes := correlation[:]

	dynamicTokens := map[string]string{}
	if req.ExecutorID != "" {
		dynamicTokens[topic.TokenExecutorID] = req.ExecutorID
	}
	requestTopic, err := inv.requestTmpl.ForPublish(dynamicTokens)
	if err != nil {
		return Response[Res]{}, protoerrors.Wrap(protoerrors.ConfigurationInvalid, err, "failed to resolve request topic for command %q", inv.commandName)
	}

	// The response-topic property must be a literal topic the executor can
	// publish to, not the wildcarded filter ensureSubscribed subscribed
	// with; resolve it per call against this invocation's executor ID.
	responseTopic, err := inv.respTmpl.ForPublish(dynamicTokens)
	if err != nil {
		return Response[Res]{}, protoerrors.Wrap(protoerrors.ConfigurationInvalid, err, "failed to resolve response topic for command %q", inv.commandName)
	}

	body, err := inv.encoding.Serialize(payload)
	if err != nil {
		return Response[Res]{}, protoerrors.Wrap(protoerrors.PayloadInvalid, err, "failed to serialize request for command %q", inv.commandName)
	}

	now, err := inv.clock.UpdateToNow()
	if err != nil {
		return Response[Res]{}, protoerrors.Wrap(protoerrors.InternalLogicError, err, "failed to read HLC while invoking %q", inv.commandName)
	}

	props := mqtt.NewProperties()
	props.ContentType = inv.encoding.ContentType()
	format := uint8(inv.encoding.FormatIndicator())
	props.PayloadFormat = &format
	props.ResponseTopic = responseTopic
	props.CorrelationData = correlationBytes
	expiry := uint32(math.Ceil(req.Timeout.Seconds()))
	props.MessageExpiry = &expiry
	props.SetUserProperty(userprop.SourceID, inv.sourceID)
	props.SetUserProperty(userprop.Timestamp, now.String())
	props.SetUserProperty(userprop.ProtocolVersion, constants.DefaultProtocolVersion)
	if req.FencingToken != "" {
		props.SetUserProperty(userprop.FencingToken, req.FencingToken)
	}
	for k, v := range req.UserData {
		props.SetUserProperty(k, v)
	}

	pend := &pendingInvoke[Res]{resultCh: make(chan invokeResult[Res], 1)}
	key := string(correlationBytes)
	inv.mu.Lock()
	inv.pending[key] = pend
	inv.mu.Unlock()
	defer func() {
		inv.mu.Lock()
		delete(inv.pending, key)
		inv.mu.Unlock()
	}()

	pubToken := inv.client.Publish(requestTopic, body, mqtt.WithQoS(mqtt.AtLeastOnce), mqtt.WithProperties(props))
	if err := pubToken.Wait(ctx); err != nil {
		return Response[Res]{}, protoerrors.Wrap(protoerrors.MqttError, err, "failed to publish request for command %q", inv.commandName)
	}

	select {
	case res := <-pend.resultCh:
		return res.response, res.err
	case <-ctx.Done():
		timeoutValue := req.Timeout.String()
		return Response[Res]{}, &protoerrors.Error{
			Kind:         protoerrors.Timeout,
			IsShallow:    false,
			CommandName:  inv.commandName,
			TimeoutName:  inv.commandName,
			TimeoutValue: timeoutValue,
			Message:      fmt.Sprintf("command %q timed out after %s", inv.commandName, req.Timeout),
			Cause:        ctx.Err(),
		}
	}
}
