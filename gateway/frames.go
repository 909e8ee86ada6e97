package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wellscope/relay/telemetry"
)

// Frame types exchanged with clients
const (
	// Client to server
	FrameTypeSubscribeWell   = "subscribe-well"
	FrameTypeUnsubscribeWell = "unsubscribe-well"
	// Server to client
	FrameTypeConnected    = "connected"
	FrameTypeSubscribed   = "subscribed"
	FrameTypeUnsubscribed = "unsubscribed"
	FrameTypeReading      = "reading"
	FrameTypeError        = "error"
)

// Error codes carried in error frames
const (
	ErrorCodeAuthFailed   = "AUTH_FAILED"
	ErrorCodeBadRequest   = "BAD_REQUEST"
	ErrorCodeUnknownFrame = "UNKNOWN_FRAME"
)

// ClientFrame one inbound client request frame
type ClientFrame struct {
	// Type is the frame type
	Type string `json:"type"`
	// WellID is the well the request concerns
	WellID string `json:"well_id"`
}

// ConnectedFrame acknowledgement sent once on entering Active
type ConnectedFrame struct {
	Type      string `json:"type"`
	TenantID  string `json:"tenant_id"`
	Timestamp string `json:"timestamp"`
}

// SubscriptionAckFrame acknowledgement of a well subscription change
type SubscriptionAckFrame struct {
	Type      string `json:"type"`
	WellID    string `json:"well_id"`
	Timestamp string `json:"timestamp"`
}

// ReadingFrame one reading delivered to a client
type ReadingFrame struct {
	Type string `json:"type"`
	telemetry.Reading
}

// ErrorFrame error notification sent to a client
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// ===============================================================================

// NewConnectedFrame build the serialized connected acknowledgement
func NewConnectedFrame(tenantID string, at time.Time) ([]byte, error) {
	return json.Marshal(&ConnectedFrame{
		Type:      FrameTypeConnected,
		TenantID:  tenantID,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	})
}

// NewSubscriptionAckFrame build the serialized subscribe / unsubscribe acknowledgement
func NewSubscriptionAckFrame(frameType, wellID string, at time.Time) ([]byte, error) {
	return json.Marshal(&SubscriptionAckFrame{
		Type:      frameType,
		WellID:    wellID,
		Timestamp: at.UTC().Format(time.RFC3339Nano),
	})
}

// NewReadingFrame build the serialized reading delivery frame
func NewReadingFrame(reading telemetry.Reading) ([]byte, error) {
	return json.Marshal(&ReadingFrame{Type: FrameTypeReading, Reading: reading})
}

// NewErrorFrame build the serialized error frame
func NewErrorFrame(message, code string) ([]byte, error) {
	return json.Marshal(&ErrorFrame{Type: FrameTypeError, Message: message, Code: code})
}

// parseClientFrame decode and sanity check one inbound client frame. Unknown
// frame types pass through for the caller to report.
func parseClientFrame(payload []byte) (ClientFrame, error) {
	var frame ClientFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return ClientFrame{}, fmt.Errorf("malformed frame: %s", err)
	}
	if frame.Type == "" {
		return ClientFrame{}, fmt.Errorf("frame carries no type")
	}
	if frame.Type == FrameTypeSubscribeWell || frame.Type == FrameTypeUnsubscribeWell {
		if frame.WellID == "" {
			return ClientFrame{}, fmt.Errorf("'%s' frame carries no well ID", frame.Type)
		}
	}
	return frame, nil
}
