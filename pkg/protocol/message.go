// Package protocol defines the frames exchanged with the pub/sub service and
// the chat payloads carried inside them.
package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Subprotocol is the websocket subprotocol spoken on the pub/sub connection.
const Subprotocol = "json.webpubsub.azure.v1"

// EventChat is the event name used to publish chat requests.
const EventChat = "chat"

// SourceServer is the Frame.From value of messages sent by the backend.
const SourceServer = "server"

// DataTypeJSON marks a frame payload as JSON.
const DataTypeJSON = "json"

// System event names.
const (
	SystemEventConnected    = "connected"
	SystemEventDisconnected = "disconnected"
)

// FrameType represents the type of a pub/sub frame
type FrameType string

const (
	FrameTypeEvent   FrameType = "event"
	FrameTypeMessage FrameType = "message"
	FrameTypeSystem  FrameType = "system"
	FrameTypeAck     FrameType = "ack"
)

// String returns the string representation of FrameType
func (ft FrameType) String() string {
	switch ft {
	case FrameTypeEvent, FrameTypeMessage, FrameTypeSystem, FrameTypeAck:
		return string(ft)
	default:
		return "unknown"
	}
}

// AckError is the error carried by a failed ack frame.
type AckError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Frame is a single pub/sub frame. Which fields are set depends on Type.
type Frame struct {
	Type         FrameType       `json:"type"`
	Event        string          `json:"event,omitempty"`
	From         string          `json:"from,omitempty"`
	DataType     string          `json:"dataType,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	AckID        uint64          `json:"ackId,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	UserID       string          `json:"userId,omitempty"`
	Message      string          `json:"message,omitempty"`
	Success      *bool           `json:"success,omitempty"`
	Error        *AckError       `json:"error,omitempty"`
}

// NewEventFrame builds an outbound event frame carrying a JSON payload.
func NewEventFrame(event string, data []byte, ackID uint64) Frame {
	return Frame{
		Type:     FrameTypeEvent,
		Event:    event,
		DataType: DataTypeJSON,
		Data:     json.RawMessage(data),
		AckID:    ackID,
	}
}

// Failed reports whether an ack frame signals a rejected event.
func (f *Frame) Failed() bool {
	return f.Type == FrameTypeAck && ((f.Success != nil && !*f.Success) || f.Error != nil)
}

// Encode encodes the frame into bytes
func (f *Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode frame")
	}
	return data, nil
}

// Decode decodes bytes into a frame
func (f *Frame) Decode(data []byte) error {
	if err := json.Unmarshal(data, f); err != nil {
		return errors.Wrap(err, "failed to decode frame")
	}
	if f.Type == "" {
		return errors.New("failed to decode frame: missing type")
	}
	return nil
}
