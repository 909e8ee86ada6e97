package common

import (
	"fmt"
)

// ValidationError a reading failed validation. Terminal for that message; the
// caller must drop it and never forward a partially valid reading.
type ValidationError struct {
	// Field is the first field which failed validation
	Field string
	// Reason describes why the field was rejected
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid reading: field '%s': %s", e.Field, e.Reason)
}

// TenantMismatchError the tenant embedded in a payload disagrees with the
// tenant encoded in the topic it arrived on. Treated as a forged or
// misconfigured publisher; the message must never reach any client.
type TenantMismatchError struct {
	// Topic is the broker topic the payload arrived on
	Topic string
	// TopicTenant is the tenant parsed from the topic
	TopicTenant string
	// PayloadTenant is the tenant claimed inside the payload
	PayloadTenant string
}

func (e *TenantMismatchError) Error() string {
	return fmt.Sprintf(
		"tenant mismatch on topic '%s': topic tenant '%s', payload tenant '%s'",
		e.Topic, e.TopicTenant, e.PayloadTenant,
	)
}

// AuthenticationError a bearer credential was rejected or could not be
// verified in time
type AuthenticationError struct {
	// Reason describes the verification failure
	Reason string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

// BrokerConnectionError transient broker transport failure. Retried with
// backoff on the subscribe side; surfaced to the caller on the publish side.
type BrokerConnectionError struct {
	// Op is the broker operation which failed
	Op string
	// FailedTopics lists the topics whose publishes failed, when known
	FailedTopics []string
	// Err is the underlying transport error
	Err error
}

func (e *BrokerConnectionError) Error() string {
	if len(e.FailedTopics) > 0 {
		return fmt.Sprintf("broker %s failed for topics %v: %s", e.Op, e.FailedTopics, e.Err)
	}
	return fmt.Sprintf("broker %s failed: %s", e.Op, e.Err)
}

func (e *BrokerConnectionError) Unwrap() error {
	return e.Err
}

// SocketWriteError a write toward one recipient socket failed. Isolated per
// recipient; never aborts the rest of a fan-out.
type SocketWriteError struct {
	// ConnectionID is the recipient connection
	ConnectionID string
	// Err is the underlying socket error
	Err error
}

func (e *SocketWriteError) Error() string {
	return fmt.Sprintf("socket write to connection '%s' failed: %s", e.ConnectionID, e.Err)
}

func (e *SocketWriteError) Unwrap() error {
	return e.Err
}
