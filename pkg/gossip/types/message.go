package types

import (
	"github.com/google/uuid"
)

// The kind of a message travelling through the graph.
type Kind uint8

const (
	// A fire and forget message. The verb executes its side
	// effect on every node and no reply is ever produced.
	Command Kind = iota

	// A query that expects an answer. Every node that admits
	// the solicitation contributes to the aggregate that flows
	// back to the origin.
	Solicit

	// An answer for a previously seen solicitation. Replies are
	// point to point, they travel up the solicitation tree and
	// are never gossiped to the whole graph.
	Reply
)

func (k Kind) String() string {
	switch k {
	case Command:
		return "command"
	case Solicit:
		return "solicit"
	case Reply:
		return "reply"
	}
	return "unknown"
}

// Message is the unit of dissemination. A message is immutable
// after it was first admitted to the graph, the identifier is
// never reused and the timestamp and TTL are never rewritten by
// forwarding nodes.
type Message struct {
	// Globally unique identifier for this message.
	ID uuid.UUID `json:"id"`

	// Which kind of interaction this message belongs to.
	Kind Kind `json:"kind"`

	// The verb name, resolved against the verb table of the
	// receiving node.
	Verb string `json:"verb"`

	// UID of the local node that introduced the message
	// to the graph.
	OriginUID UID `json:"origin_uid"`

	// For replies only, the identifier of the solicitation
	// being answered.
	SolicitationID uuid.UUID `json:"solicitation_id,omitempty"`

	// For solicitations only, ask every node to route its reply
	// directly back to the origin instead of up the tree.
	DirectReply bool `json:"direct_reply,omitempty"`

	// Seconds since the Unix epoch, set once when the message
	// is first admitted to the graph.
	Timestamp int64 `json:"timestamp"`

	// Positive number of seconds the message stays fresh for.
	TTLSeconds int64 `json:"ttl_seconds"`

	// Opaque verb specific content.
	Payload []byte `json:"payload,omitempty"`
}

// Expiry is the absolute instant the message stops being fresh.
func (m Message) Expiry() int64 {
	return m.Timestamp + m.TTLSeconds
}

// Fresh reports whether the message is still admissible at the
// given instant.
func (m Message) Fresh(now int64) bool {
	return now <= m.Expiry()
}

// SoftExpired reports whether the message is past its expiry but
// still inside the grace band of one extra TTL. Such stragglers
// are dropped without touching any cached state.
func (m Message) SoftExpired(now int64) bool {
	return now > m.Expiry() && !m.HardExpired(now)
}

// HardExpired reports whether the message is more than one full
// TTL past its expiry. At this point any cache slot keyed by the
// message identifier must be evicted.
func (m Message) HardExpired(now int64) bool {
	return now > m.Timestamp+2*m.TTLSeconds
}
