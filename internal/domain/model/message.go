package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Fid is the numeric identity of a Hub account.
type Fid uint64

func (f Fid) String() string {
	return strconv.FormatUint(uint64(f), 10)
}

// FarcasterEpoch is the unix time (seconds) that Hub message timestamps count from.
const FarcasterEpoch int64 = 1609459200

// MessageType is the routing class of a Hub message. Each type owns one queue partition.
type MessageType string

const (
	MessageTypeCast          MessageType = "cast"
	MessageTypeReaction      MessageType = "reaction"
	MessageTypeLink          MessageType = "link"
	MessageTypeVerification  MessageType = "verification"
	MessageTypeUserData      MessageType = "user_data"
	MessageTypeUsernameProof MessageType = "username_proof"
)

// AllMessageTypes returns every routable message type in a fixed order.
func AllMessageTypes() []MessageType {
	return []MessageType{
		MessageTypeCast,
		MessageTypeReaction,
		MessageTypeLink,
		MessageTypeVerification,
		MessageTypeUserData,
		MessageTypeUsernameProof,
	}
}

func (t MessageType) String() string {
	return string(t)
}

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	for _, known := range AllMessageTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// ParseMessageTypes parses type names such as ["cast", "link"].
// An empty input yields nil, meaning "all types".
func ParseMessageTypes(values []string) ([]MessageType, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make([]MessageType, 0, len(values))
	for _, v := range values {
		t := MessageType(v)
		if !t.Valid() {
			return nil, errors.New("unknown message type: " + v)
		}
		out = append(out, t)
	}
	return out, nil
}

// Action is the add/remove verb carried by a message.
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
)

// Rank orders actions for conflict resolution; remove outranks add.
func (a Action) Rank() int {
	if a == ActionRemove {
		return 1
	}
	return 0
}

// MessageKey identifies the slot a message occupies in the store.
type MessageKey struct {
	Fid  Fid
	Type MessageType
	Key  string
}

// Message is a decoded Hub message reduced to the fields the indexer needs
// for keying, conflict resolution and range reads. Body keeps the original JSON.
type Message struct {
	Fid       Fid
	Type      MessageType
	Action    Action
	Key       string
	Hash      string
	Timestamp uint64 // seconds since FarcasterEpoch

	ParentFid  Fid
	ParentHash string
	ParentURL  string
	TargetFid  Fid
	TargetHash string
	TargetURL  string
	Mentions   []Fid
	Address    string
	Username   string

	Body json.RawMessage
}

// MessageKey returns the conflict key of m.
func (m *Message) MessageKey() MessageKey {
	return MessageKey{Fid: m.Fid, Type: m.Type, Key: m.Key}
}

// Time converts the Hub timestamp to wall-clock time.
func (m *Message) Time() time.Time {
	return time.Unix(FarcasterEpoch+int64(m.Timestamp), 0).UTC()
}

// Removed reports whether the message is a tombstone.
func (m *Message) Removed() bool {
	return m.Action == ActionRemove
}

// DefaultLinkType is the link type a Hub assumes when none is given.
const DefaultLinkType = "follow"

// LinkType returns the relationship a link message declares. Link keys are
// "<type>:<target fid>".
func (m *Message) LinkType() string {
	if m.Type != MessageTypeLink {
		return ""
	}
	if i := strings.IndexByte(m.Key, ':'); i > 0 {
		return m.Key[:i]
	}
	return DefaultLinkType
}

// Supersedes reports whether incoming should replace existing in the store.
// Ordering is (timestamp, action rank, hash); on equal timestamps a remove
// beats an add and remaining ties go to the larger hash. A message never
// supersedes itself, which makes repeated upserts no-ops.
func Supersedes(incoming, existing *Message) bool {
	if existing == nil {
		return true
	}
	if incoming.Timestamp != existing.Timestamp {
		return incoming.Timestamp > existing.Timestamp
	}
	if ir, er := incoming.Action.Rank(), existing.Action.Rank(); ir != er {
		return ir > er
	}
	return bytes.Compare([]byte(incoming.Hash), []byte(existing.Hash)) > 0
}
