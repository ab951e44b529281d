// Package hubtest builds Hub wire messages and provides an in-memory Client
// for tests of packages that consume the Hub.
package hubtest

import (
	"encoding/json"
	"fmt"

	"github.com/emperorhan/hub-indexer/internal/domain/model"
)

type castID struct {
	Fid  model.Fid `json:"fid"`
	Hash string    `json:"hash"`
}

func envelope(fid model.Fid, hash, msgType string, ts uint64, bodyKey string, body any) json.RawMessage {
	data := map[string]any{
		"type":      msgType,
		"fid":       fid,
		"timestamp": ts,
	}
	if bodyKey != "" {
		data[bodyKey] = body
	}
	raw, err := json.Marshal(map[string]any{"data": data, "hash": hash})
	if err != nil {
		panic(fmt.Sprintf("hubtest: marshal: %v", err))
	}
	return raw
}

func CastAdd(fid model.Fid, hash string, ts uint64) json.RawMessage {
	return envelope(fid, hash, "MESSAGE_TYPE_CAST_ADD", ts, "castAddBody", map[string]any{"text": "gm"})
}

func CastReply(fid model.Fid, hash string, ts uint64, parentFid model.Fid, parentHash string) json.RawMessage {
	return envelope(fid, hash, "MESSAGE_TYPE_CAST_ADD", ts, "castAddBody", map[string]any{
		"text":         "reply",
		"parentCastId": castID{Fid: parentFid, Hash: parentHash},
	})
}

func CastRemove(fid model.Fid, hash string, ts uint64, target string) json.RawMessage {
	return envelope(fid, hash, "MESSAGE_TYPE_CAST_REMOVE", ts, "castRemoveBody", map[string]any{"targetHash": target})
}

func ReactionAdd(fid model.Fid, hash string, ts uint64, targetFid model.Fid, targetHash string) json.RawMessage {
	return envelope(fid, hash, "MESSAGE_TYPE_REACTION_ADD", ts, "reactionBody", map[string]any{
		"type":         "REACTION_TYPE_LIKE",
		"targetCastId": castID{Fid: targetFid, Hash: targetHash},
	})
}

func LinkAdd(fid model.Fid, hash string, ts uint64, targetFid model.Fid) json.RawMessage {
	return envelope(fid, hash, "MESSAGE_TYPE_LINK_ADD", ts, "linkBody", map[string]any{"type": "follow", "targetFid": targetFid})
}

func VerificationAdd(fid model.Fid, hash string, ts uint64, address string) json.RawMessage {
	return envelope(fid, hash, "MESSAGE_TYPE_VERIFICATION_ADD_ETH_ADDRESS", ts, "verificationAddAddressBody", map[string]any{"address": address})
}

func UserData(fid model.Fid, hash string, ts uint64, dataType, value string) json.RawMessage {
	return envelope(fid, hash, "MESSAGE_TYPE_USER_DATA_ADD", ts, "userDataBody", map[string]any{"type": dataType, "value": value})
}

func UsernameProof(fid model.Fid, hash string, ts uint64, name string) json.RawMessage {
	return envelope(fid, hash, "MESSAGE_TYPE_USERNAME_PROOF", ts, "usernameProofBody", map[string]any{"name": name, "fid": fid, "timestamp": ts})
}

// AllTypes returns one message of every type for fid, hashes derived from fid.
func AllTypes(fid model.Fid, ts uint64) []json.RawMessage {
	h := func(n int) string { return fmt.Sprintf("0x%04x%02x", uint64(fid), n) }
	return []json.RawMessage{
		CastAdd(fid, h(1), ts),
		ReactionAdd(fid, h(2), ts, 1, "0xfeed"),
		LinkAdd(fid, h(3), ts, fid+1),
		VerificationAdd(fid, h(4), ts, fmt.Sprintf("0x%040x", uint64(fid))),
		UserData(fid, h(5), ts, "USER_DATA_TYPE_USERNAME", fmt.Sprintf("user%d", fid)),
		UsernameProof(fid, h(6), ts, fmt.Sprintf("user%d.eth", fid)),
	}
}

// MustDecode decodes raw or panics.
func MustDecode(raw json.RawMessage) *model.Message {
	m, err := model.DecodeHubMessage(raw)
	if err != nil {
		panic(err)
	}
	return m
}
