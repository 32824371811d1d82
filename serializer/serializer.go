// Package serializer defines the Encoding capability set the RPC core
// uses to move between wire bytes and typed request/response payloads,
// plus the handful of concrete encodings the services in this module
// need.
package serializer

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"
)

// FormatIndicator mirrors the MQTT v5.0 payload-format-indicator values.
type FormatIndicator uint8

const (
	FormatBytes FormatIndicator = 0
	FormatUTF8  FormatIndicator = 1
)

// UnsupportedContentTypeError is returned by Deserialize when the wire
// content-type does not match what the encoding expects.
type UnsupportedContentTypeError struct {
	Got, Want string
}

func (e *UnsupportedContentTypeError) Error() string {
	return fmt.Sprintf("unsupported content type %q, expected %q", e.Got, e.Want)
}

// InvalidPayloadError is returned by Deserialize when the bytes do not
// parse as the target type.
type InvalidPayloadError struct {
	Cause error
}

func (e *InvalidPayloadError) Error() string { return fmt.Sprintf("invalid payload: %v", e.Cause) }
func (e *InvalidPayloadError) Unwrap() error  { return e.Cause }

// Encoding is the capability set a payload type T must have an
// implementation of to flow through the invoker and executor.
type Encoding[T any] interface {
	ContentType() string
	FormatIndicator() FormatIndicator
	Serialize(v T) ([]byte, error)
	Deserialize(data []byte, contentType string, format FormatIndicator) (T, error)
}

// JSON is an Encoding[T] backed by encoding/json, for any JSON-
// marshalable T.
type JSON[T any] struct{}

func (JSON[T]) ContentType() string               { return "application/json" }
func (JSON[T]) FormatIndicator() FormatIndicator { return FormatUTF8 }

func (JSON[T]) Serialize(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (JSON[T]) Deserialize(data []byte, contentType string, format FormatIndicator) (T, error) {
	var zero T
	if contentType != "" && contentType != "application/json" {
		return zero, &UnsupportedContentTypeError{Got: contentType, Want: "application/json"}
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return zero, &InvalidPayloadError{Cause: err}
	}
	return v, nil
}

// Raw is an Encoding[[]byte] that passes payloads through unchanged, for
// services (like the state store) that speak their own binary wire
// format rather than JSON.
type Raw struct{}

func (Raw) ContentType() string               { return "application/octet-stream" }
func (Raw) FormatIndicator() FormatIndicator { return FormatBytes }
func (Raw) Serialize(v []byte) ([]byte, error) { return v, nil }
func (Raw) Deserialize(data []byte, contentType string, format FormatIndicator) ([]byte, error) {
	if contentType != "" && contentType != "application/octet-stream" {
		return nil, &UnsupportedContentTypeError{Got: contentType, Want: "application/octet-stream"}
	}
	return data, nil
}

// Text is an Encoding[string] for plain UTF-8 text payloads.
type Text struct{}

func (Text) ContentType() string               { return "text/plain" }
func (Text) FormatIndicator() FormatIndicator { return FormatUTF8 }
func (Text) Serialize(v string) ([]byte, error) { return []byte(v), nil }
func (Text) Deserialize(data []byte, contentType string, format FormatIndicator) (string, error) {
	if contentType != "" && contentType != "text/plain" {
		return "", &UnsupportedContentTypeError{Got: contentType, Want: "text/plain"}
	}
	if !utf8.Valid(data) {
		return "", &InvalidPayloadError{Cause: fmt.Errorf("payload is not valid UTF-8")}
	}
	return string(data), nil
}
