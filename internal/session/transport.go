package session

import (
	"context"
	"time"
)

// Transport opens connections to the messaging network. Implementations own
// the wire protocol.
type Transport interface {
	// Open connects using creds, or starts a fresh pairing when creds is nil.
	// Connection events are delivered to handler from any goroutine, possibly
	// before Open returns.
	Open(ctx context.Context, creds []byte, handler EventHandler) (Conn, error)
}

// Conn is one open transport connection.
type Conn interface {
	// Send delivers a text message.
	Send(ctx context.Context, to, text string) (SendResult, error)

	// Logout unlinks this device on the remote side.
	Logout(ctx context.Context) error

	// Close tears the connection down. It must be safe to call more than once.
	Close() error
}

// SendResult is the transport's acknowledgement of a sent message.
type SendResult struct {
	MessageID string `json:"messageId,omitempty"`
}

// EventHandler receives transport events.
type EventHandler func(Event)

// EventKind discriminates Event.
type EventKind int

const (
	// EventQR carries a new pairing code.
	EventQR EventKind = iota + 1
	// EventOpen reports the connection is usable.
	EventOpen
	// EventClose reports the connection ended.
	EventClose
	// EventCredentials carries updated credential material to persist.
	EventCredentials
	// EventMessage carries a delivered inbound message.
	EventMessage
)

// CloseReason classifies why a connection ended.
type CloseReason string

const (
	// CloseLoggedOut means the device was unlinked remotely. Credentials are
	// no longer valid.
	CloseLoggedOut CloseReason = "logged_out"
	// CloseConnectionLost means the network dropped.
	CloseConnectionLost CloseReason = "connection_lost"
	// CloseConflict means another client replaced this session.
	CloseConflict CloseReason = "conflict"
	// CloseRestartRequired means the server asked for a reconnect.
	CloseRestartRequired CloseReason = "restart_required"
	// CloseTimedOut means the connection timed out.
	CloseTimedOut CloseReason = "timed_out"
	// CloseUnknown is any reason the transport could not classify.
	CloseUnknown CloseReason = "unknown"
)

// CloseInfo describes a connection close.
type CloseInfo struct {
	Reason     CloseReason
	StatusCode int
	Err        error
}

// MessageKind is the content type of an inbound message.
type MessageKind string

// Message kinds tracked by the dashboard.
const (
	MessageText     MessageKind = "text"
	MessageImage    MessageKind = "image"
	MessageDocument MessageKind = "document"
	MessageAudio    MessageKind = "audio"
	MessageOther    MessageKind = "other"
)

// InboundMessage is a message delivered to this device.
type InboundMessage struct {
	ID        string
	From      string
	PushName  string
	Text      string
	Kind      MessageKind
	Timestamp time.Time
}

// Event is a transport notification. Only the field matching Kind is set.
type Event struct {
	Kind        EventKind
	QR          string
	DeviceID    string
	Close       CloseInfo
	Credentials []byte
	Message     InboundMessage
}

// QREvent builds an EventQR.
func QREvent(code string) Event { return Event{Kind: EventQR, QR: code} }

// OpenEvent builds an EventOpen.
func OpenEvent(deviceID string) Event { return Event{Kind: EventOpen, DeviceID: deviceID} }

// CloseEvent builds an EventClose.
func CloseEvent(reason CloseReason, statusCode int, err error) Event {
	return Event{Kind: EventClose, Close: CloseInfo{Reason: reason, StatusCode: statusCode, Err: err}}
}

// CredentialsEvent builds an EventCredentials.
func CredentialsEvent(creds []byte) Event { return Event{Kind: EventCredentials, Credentials: creds} }

// MessageEvent builds an EventMessage.
func MessageEvent(msg InboundMessage) Event { return Event{Kind: EventMessage, Message: msg} }
