package export

import (
	"errors"
	"fmt"
)

// DeliveryError is a failed delivery attempt. Transient failures (network
// errors, 429, 5xx) may succeed on a later invocation's flush; permanent
// failures (other 4xx: bad credentials, bad organization) will not.
// Delivery errors are reported to the caller for local logging and must
// never be allowed to fail the invocation that produced the telemetry.
type DeliveryError struct {
	StatusCode int    // zero for network-level failures
	Transient  bool
	Diagnostic string // opaque response body excerpt, if any
	Err        error  // underlying transport error, if any
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("keisoku: delivery failed: %v", e.Err)
	}
	return fmt.Sprintf("keisoku: delivery failed: status %d: %s", e.StatusCode, e.Diagnostic)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsTransient returns true if err is a transient delivery failure.
func IsTransient(err error) bool {
	var e *DeliveryError
	if errors.As(err, &e) {
		return e.Transient
	}
	return false
}

// IsPermanent returns true if err is a permanent delivery failure.
func IsPermanent(err error) bool {
	var e *DeliveryError
	if errors.As(err, &e) {
		return !e.Transient
	}
	return false
}
