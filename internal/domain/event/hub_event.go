package event

import (
	"encoding/json"
	"time"

	"github.com/emperorhan/hub-indexer/internal/domain/model"
)

// HubEventType is the kind of entry in the Hub event log.
type HubEventType string

const (
	HubEventMergeMessage       HubEventType = "HUB_EVENT_TYPE_MERGE_MESSAGE"
	HubEventPruneMessage       HubEventType = "HUB_EVENT_TYPE_PRUNE_MESSAGE"
	HubEventRevokeMessage      HubEventType = "HUB_EVENT_TYPE_REVOKE_MESSAGE"
	HubEventMergeUsernameProof HubEventType = "HUB_EVENT_TYPE_MERGE_USERNAME_PROOF"
	HubEventMergeOnChainEvent  HubEventType = "HUB_EVENT_TYPE_MERGE_ON_CHAIN_EVENT"
)

// SpamMeta carries the signals the spam filter evaluates. The Hub (or the
// gateway in front of it) attaches them to each event.
type SpamMeta struct {
	FidRegisteredAt uint64 `json:"fidRegisteredAt,omitempty"` // Hub timestamp of the FID registration
	SignerValid     bool   `json:"signerValid"`
	RateLimited     bool   `json:"rateLimited,omitempty"`
	SpamLabel       int    `json:"spamLabel,omitempty"`
}

// HubEvent is one raw entry of the Hub event stream. ID doubles as the cursor.
type HubEvent struct {
	ID         uint64          `json:"id"`
	Type       HubEventType    `json:"type"`
	Message    json.RawMessage `json:"message,omitempty"`
	Meta       SpamMeta        `json:"meta"`
	ReceivedAt time.Time       `json:"-"`
}

// Cursor returns the resumable position just after this event.
func (e HubEvent) Cursor() model.HubCursor {
	return model.HubCursor(e.ID)
}
