// Package envelope defines the agent-to-agent message record and its
// signed (optionally encrypted) wire codec.
//
// An Envelope is the logical message exchanged between sages: who sent it,
// who it is for, what kind of message it is, how urgent it is, and an
// arbitrary JSON payload. The codec turns an Envelope into a single signed
// token suitable for placing on a broker, and back.
package envelope

import (
	"errors"
	"fmt"
	"time"
)

// MessageType is the closed set of message kinds the protocol carries.
type MessageType string

const (
	TypeQuery            MessageType = "query"
	TypeResponse         MessageType = "response"
	TypeCommand          MessageType = "command"
	TypeStatus           MessageType = "status"
	TypeSageConsultation MessageType = "sage_consultation"
	TypeSageResponse     MessageType = "sage_response"
	TypeCouncilMeeting   MessageType = "council_meeting"
	TypeTaskAssignment   MessageType = "task_assignment"
	TypeTaskStatus       MessageType = "task_status"
	TypeTaskComplete     MessageType = "task_complete"
	TypeAlert            MessageType = "alert"
	TypeEmergency        MessageType = "emergency"
)

var messageTypes = map[MessageType]bool{
	TypeQuery:            true,
	TypeResponse:         true,
	TypeCommand:          true,
	TypeStatus:           true,
	TypeSageConsultation: true,
	TypeSageResponse:     true,
	TypeCouncilMeeting:   true,
	TypeTaskAssignment:   true,
	TypeTaskStatus:       true,
	TypeTaskComplete:     true,
	TypeAlert:            true,
	TypeEmergency:        true,
}

// MessageTypes returns every known message type in declaration order.
func MessageTypes() []MessageType {
	return []MessageType{
		TypeQuery, TypeResponse, TypeCommand, TypeStatus,
		TypeSageConsultation, TypeSageResponse, TypeCouncilMeeting,
		TypeTaskAssignment, TypeTaskStatus, TypeTaskComplete,
		TypeAlert, TypeEmergency,
	}
}

// ParseMessageType converts a wire string back into a MessageType.
// Unknown strings are rejected, never coerced to a default.
func ParseMessageType(s string) (MessageType, error) {
	t := MessageType(s)
	if !messageTypes[t] {
		return "", fmt.Errorf("%w: %q", ErrUnknownMessageType, s)
	}
	return t, nil
}

// Priority is the message urgency, 1 (low) through 5 (emergency).
// It maps directly onto the transport's native priority field.
type Priority int

const (
	PriorityLow       Priority = 1
	PriorityNormal    Priority = 2
	PriorityHigh      Priority = 3
	PriorityUrgent    Priority = 4
	PriorityEmergency Priority = 5
)

// Valid reports whether p is one of the five defined levels.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityEmergency
}

// Envelope is one agent-to-agent message, independent of wire encoding.
type Envelope struct {
	ID            string
	Sender        string
	Recipient     string
	Type          MessageType
	Priority      Priority
	Timestamp     time.Time
	ExpiresAt     *time.Time // nil = never expires
	Payload       map[string]any
	CorrelationID string // pairs a response to its request; "" on fresh sends
	ReplyTo       string // optional reply-routing hint
}

// Codec error taxonomy. None of these are retriable: a payload that does
// not serialize, a forged token, or an undecryptable body will fail the
// same way every time.
var (
	ErrEncode             = errors.New("envelope: payload not serializable")
	ErrInvalidSignature   = errors.New("envelope: signature verification failed")
	ErrDecryption         = errors.New("envelope: payload decryption failed")
	ErrUnknownMessageType = errors.New("envelope: unknown message type")
	ErrMalformedEnvelope  = errors.New("envelope: malformed field")
)
