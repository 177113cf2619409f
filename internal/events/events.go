// Package events defines the change-event envelope carried by notification
// jobs and delivered as webhook payloads.
package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type enumerates the event kinds an account can emit.
type Type string

const (
	MessageNew          Type = "messageNew"
	MessageDeleted      Type = "messageDeleted"
	MessageUpdated      Type = "messageUpdated"
	MailboxReset        Type = "mailboxReset"
	MailboxDeleted      Type = "mailboxDeleted"
	MailboxNew          Type = "mailboxNew"
	AuthenticationError Type = "authenticationError"
	ConnectError        Type = "connectError"
	MessageSent         Type = "messageSent"
	MessageFailed       Type = "messageFailed"
	MessageBounce       Type = "messageBounce"
	Test                Type = "test"
)

// Known reports whether t is one of the enumerated kinds.
func Known(t Type) bool {
	switch t {
	case MessageNew, MessageDeleted, MessageUpdated, MailboxReset,
		MailboxDeleted, MailboxNew, AuthenticationError, ConnectError,
		MessageSent, MessageFailed, MessageBounce, Test:
		return true
	}
	return false
}

// Event is the envelope. Data shape varies by kind. The nonce gives
// consumers an idempotency key under at-least-once delivery.
type Event struct {
	Account string    `json:"account"`
	Date    time.Time `json:"date"`
	Event   Type      `json:"event"`
	Data    any       `json:"data,omitempty"`
	Nonce   string    `json:"nonce"`
}

// New builds an envelope stamped with the current time and a fresh nonce.
func New(account string, kind Type, data any) Event {
	return Event{
		Account: account,
		Date:    time.Now().UTC(),
		Event:   kind,
		Data:    data,
		Nonce:   uuid.NewString(),
	}
}

// Encode serializes the envelope for a queue payload.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a queue payload back into an envelope.
func Decode(payload []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(payload, &e)
	return e, err
}
