// Package mt enumerates the message types a frame can carry.
// It lives in its own package so both the protocol codec and the node's
// handlers can reference types without an import cycle.
package mt

// MessageType tags a frame with its purpose. Serialized as a single byte.
type MessageType uint8

const (
	// Ping is a liveness probe. Payload: the sender's contact record.
	Ping MessageType = iota + 1
	// Pong answers a Ping, echoing its UUID. No payload.
	Pong
	// FindNode asks for the k closest contacts to a key. Payload: 32-byte
	// target followed by the sender's contact record.
	FindNode
	// FindNodeReply answers a FindNode, echoing its UUID. Payload: contact
	// list.
	FindNodeReply
	// Forward carries an application payload toward its destination,
	// relayed if no direct route exists.
	Forward
	// SubscribeAnnounce advertises topic membership to the destination
	// node. Payload: topic address, a subscribed flag, and the contact
	// records of subscribers known to the sender (itself first).
	SubscribeAnnounce
)

func (t MessageType) String() string {
	switch t {
	case Ping:
		return "PING"
	case Pong:
		return "PONG"
	case FindNode:
		return "FIND_NODE"
	case FindNodeReply:
		return "FIND_NODE_REPLY"
	case Forward:
		return "FORWARD"
	case SubscribeAnnounce:
		return "SUBSCRIBE_ANNOUNCE"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether t is an enumerated message type.
func (t MessageType) Valid() bool {
	return t >= Ping && t <= SubscribeAnnounce
}
