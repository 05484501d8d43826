// Package message defines the wire unit exchanged between nodes.
//
// A Message is a JSON object with a unique id, a type, optional from/to node
// ids and a type-specific body. Replies point back at the message they answer
// through body.in_reply_to.
package message

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/vinayprograms/nodelink/operation"
)

// Type enumerates the protocol message types.
type Type string

const (
	TypeRegister             Type = "register"
	TypeRegisterReply        Type = "register_reply"
	TypeSelectAndGet         Type = "select_and_get"
	TypeSelectAndGetReply    Type = "select_and_get_reply"
	TypeSelectAndListen      Type = "select_and_listen"
	TypeSelectAndListenReply Type = "select_and_listen_reply"
	TypeSignal               Type = "signal"
	TypeUnlisten             Type = "unlisten"
)

// replyTypeFor maps request types to the reply type the broker synthesizes
// when the destination does not exist.
var replyTypeFor = map[Type]Type{
	TypeSelectAndGet:    TypeSelectAndGetReply,
	TypeSelectAndListen: TypeSelectAndListenReply,
}

var knownReplyTypes = map[Type]bool{
	TypeRegisterReply:        true,
	TypeSelectAndGetReply:    true,
	TypeSelectAndListenReply: true,
}

// ReplyTypeFor returns the reply type expected for t, if t expects one.
func ReplyTypeFor(t Type) (Type, bool) {
	r, ok := replyTypeFor[t]
	return r, ok
}

// IsReplyType reports whether t is a recognized reply type.
func IsReplyType(t Type) bool {
	return knownReplyTypes[t]
}

// Message is the wire unit.
type Message struct {
	ID   string `json:"message_id"`
	Type Type   `json:"message_type"`
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
	Body Body   `json:"body"`
}

// Body carries the type-specific payload. Only the fields relevant to the
// message type are populated.
type Body struct {
	// register
	NodeID string `json:"node_id,omitempty"`

	// select_and_get, select_and_listen
	Operation *operation.Descriptor `json:"operation,omitempty"`
	Method    string                `json:"method,omitempty"`
	Options   []any                 `json:"options,omitempty"`

	// replies, signal, unlisten
	InReplyTo string `json:"in_reply_to,omitempty"`
	Error     string `json:"error,omitempty"`
	Result    any    `json:"result,omitempty"`

	// signal
	CallbackThis any   `json:"callback_this,omitempty"`
	CallbackArgs []any `json:"callback_args,omitempty"`
}

// NewID returns a random (version 4) message id.
func NewID() string {
	return uuid.NewString()
}

// New builds a message with a fresh id.
func New(t Type, from, to string, body Body) *Message {
	return &Message{
		ID:   NewID(),
		Type: t,
		From: from,
		To:   to,
		Body: body,
	}
}

// NewReply builds a reply of type t to the original message, addressed back to its sender.
func NewReply(t Type, from string, original *Message, body Body) *Message {
	body.InReplyTo = original.ID
	return New(t, from, original.From, body)
}

// IsReply reports whether the message answers an earlier one.
func (m *Message) IsReply() bool {
	return m.Body.InReplyTo != ""
}

// String is used in log lines.
func (m *Message) String() string {
	return fmt.Sprintf("%s[%s %s->%s]", m.Type, m.ID, m.From, m.To)
}

// Marshal serializes the message to JSON.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal parses a message and checks the fields every message must carry.
func Unmarshal(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("decode message: missing message_id")
	}
	if m.Type == "" {
		return nil, fmt.Errorf("decode message: missing message_type")
	}
	return &m, nil
}

// Clone returns an independent deep copy made by a JSON round trip, which is
// what a trip over the network would do: anything that does not survive
// serialization does not survive the copy.
func Clone(m *Message) (*Message, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("clone message %s: %w", m.ID, err)
	}
	var dup Message
	if err := json.Unmarshal(data, &dup); err != nil {
		return nil, fmt.Errorf("clone message %s: %w", m.ID, err)
	}
	return &dup, nil
}
