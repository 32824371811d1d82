// Package cloudevent builds the CloudEvents 1.0 envelope attached to a
// command response as MQTT user properties. A cloud event is optional per
// response; this package builds and parses the envelope, and the command
// executor does not attach one by itself.
package cloudevent

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/iot-operations-sdk/go/protocol/hlc"
)

// Attribute names as they appear verbatim as MQTT user-property keys.
const (
	SpecVersion     = "specversion"
	Type            = "type"
	Source          = "source"
	ID              = "id"
	Time            = "time"
	Subject         = "subject"
	DataContentType = "datacontenttype"
	DataSchema      = "dataschema"
)

// DefaultSpecVersion is the CloudEvents spec version this envelope
// implements.
const DefaultSpecVersion = "1.0"

// OperationKind distinguishes the three shapes of data operation a
// response can carry.
type OperationKind int

const (
	Dataset OperationKind = iota
	Event
	Stream
)

func (k OperationKind) String() string {
	switch k {
	case Dataset:
		return "DataSet"
	case Event:
		return "Event"
	case Stream:
		return "Stream"
	default:
		return "Unknown"
	}
}

// Envelope is a fully resolved CloudEvents 1.0 header set, ready to be
// flattened into MQTT user properties.
type Envelope struct {
	SpecVersion     string
	Type            string
	Source          string
	ID              string
	Time            string
	Subject         string
	DataContentType string
	DataSchema      string
}

// UserProperties flattens the envelope into the MQTT user-property map
// the executor attaches to a response. DataContentType and DataSchema are
// omitted when empty, since they are optional CloudEvents attributes.
func (e Envelope) UserProperties() map[string]string {
	props := map[string]string{
		SpecVersion: e.SpecVersion,
		Type:        e.Type,
		Source:      e.Source,
		ID:          e.ID,
		Time:        e.Time,
		Subject:     e.Subject,
	}
	if e.DataContentType != "" {
		props[DataContentType] = e.DataContentType
	}
	if e.DataSchema != "" {
		props[DataSchema] = e.DataSchema
	}
	return props
}

// SourceCandidates identifies a device for the "source" attribute, in
// preference order: protocolSpecificID, then externalDeviceID (only when
// it differs from deviceUUID), then deviceName as the fallback that is
// always present. Each candidate is validated as a URI reference before
// being accepted; a candidate that fails validation is skipped silently
// in favor of the next one.
func SourceCandidates(protocolSpecificID, externalDeviceID, deviceUUID, deviceName string) string {
	const prefix = "ms-aio"

	if id := strings.TrimSpace(protocolSpecificID); id != "" {
		if candidate := prefix + ":" + id; isValidURIReference(candidate) {
			return candidate
		}
	}
	if externalDeviceID != deviceUUID {
		if id := strings.TrimSpace(externalDeviceID); id != "" {
			if candidate := prefix + ":" + id; isValidURIReference(candidate) {
				return candidate
			}
		}
	}
	return prefix + ":" + deviceName
}

// WithDataSource appends a "/<data-source>" suffix to an already-resolved
// source, if dataSource is non-empty and the result still validates as a
// URI reference; otherwise source is returned unchanged.
func WithDataSource(source, dataSource string) string {
	trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(dataSource), "/"))
	if trimmed == "" {
		return source
	}
	candidate := source + "/" + trimmed
	if isValidURIReference(candidate) {
		return candidate
	}
	return source
}

// EventTypeAndSubject builds the "type" and "subject" attributes for a
// data operation. assetIdentifier is assetExternalID when it differs from
// assetUUID and is non-empty, else assetName. eventGroupName is only
// consulted for kind == Event, appended ahead of operationName in the
// subject ("<group>/<name>") when kind == Event. typeRef, if non-empty,
// is appended to the type as "/<type-ref>".
func EventTypeAndSubject(kind OperationKind, operationName, eventGroupName, typeRef, assetExternalID, assetUUID, assetName string) (eventType, subject string) {
	eventType = kind.String()
	if typeRef != "" {
		eventType = eventType + "/" + typeRef
	}

	operation := operationName
	if kind == Event && eventGroupName != "" {
		operation = eventGroupName + "/" + operationName
	}

	assetIdentifier := assetName
	if assetExternalID != assetUUID {
		if trimmed := strings.TrimSpace(assetExternalID); trimmed != "" {
			assetIdentifier = trimmed
		}
	}

	subject = assetIdentifier + "/" + operation
	return eventType, subject
}

// New constructs an Envelope for a fresh publish: id is a random UUID,
// time is ts rendered as the cloud event's ISO-8601 time, using the HLC
// timestamp's wall-clock component.
func New(source, eventType, subject string, ts hlc.Timestamp, opts ...Option) Envelope {
	e := Envelope{
		SpecVersion: DefaultSpecVersion,
		Type:        eventType,
		Source:      source,
		ID:          uuid.New().String(),
		Time:        ts.WallTime.Format(isoFormat),
		Subject:     subject,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

const isoFormat = "2006-01-02T15:04:05.000Z07:00"

// Option configures optional Envelope attributes.
type Option func(*Envelope)

// WithDataContentType sets the optional datacontenttype attribute.
func WithDataContentType(contentType string) Option {
	return func(e *Envelope) { e.DataContentType = contentType }
}

// WithDataSchema sets the optional dataschema attribute.
func WithDataSchema(schema string) Option {
	return func(e *Envelope) { e.DataSchema = schema }
}

// isValidURIReference reports whether s parses as a URI reference per
// RFC 3986, which is the validation CloudEvents 1.0 requires of "source".
func isValidURIReference(s string) bool {
	if s == "" {
		return false
	}
	_, err := url.Parse(s)
	if err != nil {
		return false
	}
	return !strings.ContainsAny(s, " \t\n\r")
}

// ParseFromUserProperties reconstructs an Envelope from a response's MQTT
// user properties, as the invoker side would when surfacing a received
// cloud event to the application. Returns ok=false if no cloud event is
// present (specversion absent), since a cloud event is optional per
// response.
func ParseFromUserProperties(props map[string]string) (Envelope, bool) {
	specVersion, ok := props[SpecVersion]
	if !ok || specVersion == "" {
		return Envelope{}, false
	}
	return Envelope{
		SpecVersion:     specVersion,
		Type:            props[Type],
		Source:          props[Source],
		ID:              props[ID],
		Time:            props[Time],
		Subject:         props[Subject],
		DataContentType: props[DataContentType],
		DataSchema:      props[DataSchema],
	}, true
}

// Validate reports a descriptive error if the envelope is missing any of
// the CloudEvents 1.0 required attributes (specversion, type, source, id).
func (e Envelope) Validate() error {
	switch {
	case e.SpecVersion == "":
		return fmt.Errorf("cloud event: missing specversion")
	case e.Type == "":
		return fmt.Errorf("cloud event: missing type")
	case e.Source == "":
		return fmt.Errorf("cloud event: missing source")
	case e.ID == "":
		return fmt.Errorf("cloud event: missing id")
	}
	return nil
}
