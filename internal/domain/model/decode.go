package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed marks payloads that can never be decoded. Callers discard them
// instead of retrying.
var ErrMalformed = errors.New("malformed hub message")

type castID struct {
	Fid  Fid    `json:"fid"`
	Hash string `json:"hash"`
}

type hubMessageData struct {
	Type      string `json:"type"`
	Fid       Fid    `json:"fid"`
	Timestamp uint64 `json:"timestamp"`

	CastAddBody *struct {
		ParentCastID *castID `json:"parentCastId"`
		ParentURL    string  `json:"parentUrl"`
		Mentions     []Fid   `json:"mentions"`
	} `json:"castAddBody"`
	CastRemoveBody *struct {
		TargetHash string `json:"targetHash"`
	} `json:"castRemoveBody"`
	ReactionBody *struct {
		Type         string  `json:"type"`
		TargetCastID *castID `json:"targetCastId"`
		TargetURL    string  `json:"targetUrl"`
	} `json:"reactionBody"`
	LinkBody *struct {
		Type      string `json:"type"`
		TargetFid Fid    `json:"targetFid"`
	} `json:"linkBody"`
	VerificationAddAddressBody *struct {
		Address string `json:"address"`
	} `json:"verificationAddAddressBody"`
	VerificationRemoveBody *struct {
		Address string `json:"address"`
	} `json:"verificationRemoveBody"`
	UserDataBody *struct {
		Type  string `json:"type"`
		Value string `json:"value"`
	} `json:"userDataBody"`
	UsernameProofBody *struct {
		Name      string `json:"name"`
		Timestamp uint64 `json:"timestamp"`
		Fid       Fid    `json:"fid"`
	} `json:"usernameProofBody"`
}

type hubMessage struct {
	Data *hubMessageData `json:"data"`
	Hash string          `json:"hash"`
}

// DecodeHubMessage decodes the Hub's JSON message envelope. Errors wrap ErrMalformed.
func DecodeHubMessage(raw []byte) (*Message, error) {
	var env hubMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Data == nil {
		return nil, fmt.Errorf("%w: missing data", ErrMalformed)
	}
	d := env.Data
	if d.Fid == 0 {
		return nil, fmt.Errorf("%w: missing fid", ErrMalformed)
	}
	hash := strings.ToLower(strings.TrimSpace(env.Hash))
	if hash == "" {
		return nil, fmt.Errorf("%w: missing hash", ErrMalformed)
	}

	m := &Message{
		Fid:       d.Fid,
		Hash:      hash,
		Timestamp: d.Timestamp,
		Body:      append(json.RawMessage(nil), raw...),
	}

	switch d.Type {
	case "MESSAGE_TYPE_CAST_ADD":
		if d.CastAddBody == nil {
			return nil, fmt.Errorf("%w: cast add without body", ErrMalformed)
		}
		m.Type, m.Action, m.Key = MessageTypeCast, ActionAdd, hash
		if p := d.CastAddBody.ParentCastID; p != nil {
			m.ParentFid, m.ParentHash = p.Fid, strings.ToLower(p.Hash)
		}
		m.ParentURL = d.CastAddBody.ParentURL
		m.Mentions = d.CastAddBody.Mentions
	case "MESSAGE_TYPE_CAST_REMOVE":
		if d.CastRemoveBody == nil || d.CastRemoveBody.TargetHash == "" {
			return nil, fmt.Errorf("%w: cast remove without target", ErrMalformed)
		}
		m.Type, m.Action = MessageTypeCast, ActionRemove
		m.Key = strings.ToLower(d.CastRemoveBody.TargetHash)
		m.TargetHash = m.Key
	case "MESSAGE_TYPE_REACTION_ADD", "MESSAGE_TYPE_REACTION_REMOVE":
		b := d.ReactionBody
		if b == nil {
			return nil, fmt.Errorf("%w: reaction without body", ErrMalformed)
		}
		m.Type = MessageTypeReaction
		m.Action = actionFor(d.Type, "MESSAGE_TYPE_REACTION_REMOVE")
		target := b.TargetURL
		if b.TargetCastID != nil {
			m.TargetFid, m.TargetHash = b.TargetCastID.Fid, strings.ToLower(b.TargetCastID.Hash)
			target = m.TargetFid.String() + "/" + m.TargetHash
		}
		if target == "" {
			return nil, fmt.Errorf("%w: reaction without target", ErrMalformed)
		}
		m.TargetURL = b.TargetURL
		m.Key = b.Type + ":" + target
	case "MESSAGE_TYPE_LINK_ADD", "MESSAGE_TYPE_LINK_REMOVE":
		b := d.LinkBody
		if b == nil || b.TargetFid == 0 {
			return nil, fmt.Errorf("%w: link without target", ErrMalformed)
		}
		m.Type = MessageTypeLink
		m.Action = actionFor(d.Type, "MESSAGE_TYPE_LINK_REMOVE")
		m.TargetFid = b.TargetFid
		m.Key = b.Type + ":" + b.TargetFid.String()
	case "MESSAGE_TYPE_VERIFICATION_ADD_ETH_ADDRESS":
		if d.VerificationAddAddressBody == nil || d.VerificationAddAddressBody.Address == "" {
			return nil, fmt.Errorf("%w: verification without address", ErrMalformed)
		}
		m.Type, m.Action = MessageTypeVerification, ActionAdd
		m.Address = strings.ToLower(d.VerificationAddAddressBody.Address)
		m.Key = m.Address
	case "MESSAGE_TYPE_VERIFICATION_REMOVE":
		if d.VerificationRemoveBody == nil || d.VerificationRemoveBody.Address == "" {
			return nil, fmt.Errorf("%w: verification remove without address", ErrMalformed)
		}
		m.Type, m.Action = MessageTypeVerification, ActionRemove
		m.Address = strings.ToLower(d.VerificationRemoveBody.Address)
		m.Key = m.Address
	case "MESSAGE_TYPE_USER_DATA_ADD":
		if d.UserDataBody == nil || d.UserDataBody.Type == "" {
			return nil, fmt.Errorf("%w: user data without type", ErrMalformed)
		}
		m.Type, m.Action, m.Key = MessageTypeUserData, ActionAdd, d.UserDataBody.Type
		if d.UserDataBody.Type == "USER_DATA_TYPE_USERNAME" {
			m.Username = d.UserDataBody.Value
		}
	case "MESSAGE_TYPE_USERNAME_PROOF":
		if d.UsernameProofBody == nil || d.UsernameProofBody.Name == "" {
			return nil, fmt.Errorf("%w: username proof without name", ErrMalformed)
		}
		m.Type, m.Action = MessageTypeUsernameProof, ActionAdd
		m.Username = d.UsernameProofBody.Name
		m.Key = d.UsernameProofBody.Name
	default:
		return nil, fmt.Errorf("%w: unsupported message type %q", ErrMalformed, d.Type)
	}
	return m, nil
}

func actionFor(hubType, removeType string) Action {
	if hubType == removeType {
		return ActionRemove
	}
	return ActionAdd
}
