// Package message defines the records exchanged between a remote proxy and a dispatcher.
//
// Message is the single envelope for both directions. A request carries a fresh
// correlation ID, an operation type and the member path it targets; the reply echoes
// the ID and carries one wire value holding the result (or a thrown failure).
//
//	request:  {id, type: APPLY, path: ["handlers", "addBlock"], argumentList: [...]}
//	reply:    {id, type: REPLY, value: {type: RAW, value: 5625}}
package message

// MessageType identifies the operation a request asks the dispatcher to perform.
type MessageType string

const (
	TypeGet       MessageType = "GET"       // Read the member at path
	TypeSet       MessageType = "SET"       // Assign Value to the member at path
	TypeApply     MessageType = "APPLY"     // Call the member at path with ArgumentList
	TypeConstruct MessageType = "CONSTRUCT" // Construct via the member at path, reply with a remote handle
	TypeEndpoint  MessageType = "ENDPOINT"  // Open a dedicated channel rooted at the member at path
	TypeRelease   MessageType = "RELEASE"   // Stop serving this channel
	TypeReply     MessageType = "REPLY"     // Response to any of the above
)

// IsRequest reports whether t is one of the six request types.
// Dispatchers ignore everything else.
func (t MessageType) IsRequest() bool {
	switch t {
	case TypeGet, TypeSet, TypeApply, TypeConstruct, TypeEndpoint, TypeRelease:
		return true
	}
	return false
}

// WireValueType tags how a WireValue must be materialized on the receiving side.
type WireValueType string

const (
	WireRaw     WireValueType = "RAW"
	WireHandler WireValueType = "HANDLER"
)

// WireValue is the serialized form of one value crossing the channel.
//
//   - RAW: Value is passed as-is. Transfer lists indexes into the transfer list of the
//     enclosing message for resources that move with it.
//   - HANDLER: Name selects a registered transfer handler, Value is its payload.
type WireValue struct {
	Type     WireValueType `json:"type"`
	Name     string        `json:"name,omitempty"`
	Value    any           `json:"value"`
	Transfer []int         `json:"transfer,omitempty"`
}

// Message is a request or a reply.
type Message struct {
	ID           string      `json:"id"`
	Type         MessageType `json:"type"`
	Path         Path        `json:"path,omitempty"`
	ArgumentList []WireValue `json:"argumentList,omitempty"` // APPLY and CONSTRUCT
	Value        *WireValue  `json:"value,omitempty"`        // SET, and every reply
}

// NewReply builds the reply to request id.
func NewReply(id string, v WireValue) *Message {
	return &Message{ID: id, Type: TypeReply, Value: &v}
}

// IsReplyTo reports whether m answers the request with the given id.
func (m *Message) IsReplyTo(id string) bool {
	return m != nil && m.Type == TypeReply && m.ID == id
}
