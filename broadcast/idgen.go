package broadcast

import "github.com/google/uuid"

// newServerID returns a fresh server identity, typically a UUID.
// Grounded on the uuid.New().String() idiom used in
// e7canasta-orion-care-sensor's rtsp callbacks.
func newServerID() string {
	return uuid.New().String()
}

// newReqID returns a fresh time-ordered unique id for an event whose
// caller omitted req_id. UUIDv7 embeds a millisecond timestamp in its
// high bits, giving req_id values a time-ordered property without
// introducing a bespoke ID scheme.
func newReqID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Extremely unlikely (entropy source failure); fall back to a
		// random v4 rather than panicking on a send() call.
		return uuid.NewString()
	}
	return id.String()
}
