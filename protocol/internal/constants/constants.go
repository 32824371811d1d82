// Package constants holds wire-level constants shared across the
// invoker, the executor, and the dispatcher assembly.
package constants

import "time"

// DefaultProtocolVersion is assumed for requests carrying no
// protocol-version user property.
const DefaultProtocolVersion = "1.0"

// SupportedMajorVersions lists the protocol major versions this
// implementation's executor accepts.
var SupportedMajorVersions = []int{1}

// CacheExpiryBuffer is added to a response's computed expiration instant
// when storing it in the executor's idempotency cache, so a duplicate
// arriving right at the edge of expiry still finds a cached reply.
const CacheExpiryBuffer = 60 * time.Second

// DefaultMessageExpiry is published when a response's message-expiry
// cannot be computed because the wall clock arithmetic overflowed; this
// mirrors a quirk of the reference implementation rather than failing
// the response outright.
const DefaultMessageExpiry = 10 * time.Second

// CorrelationDataLength is the required byte length of correlation-data:
// a 16-byte GUID.
const CorrelationDataLength = 16
