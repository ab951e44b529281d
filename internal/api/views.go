package api

import (
	"encoding/json"
	"time"

	"github.com/emperorhan/hub-indexer/internal/domain/model"
)

type messageView struct {
	Fid        model.Fid         `json:"fid"`
	Type       model.MessageType `json:"type"`
	Hash       string            `json:"hash"`
	Timestamp  uint64            `json:"timestamp"`
	Time       time.Time         `json:"time"`
	Removed    bool              `json:"removed,omitempty"`
	ParentFid  model.Fid         `json:"parent_fid,omitempty"`
	ParentHash string            `json:"parent_hash,omitempty"`
	ParentURL  string            `json:"parent_url,omitempty"`
	TargetFid  model.Fid         `json:"target_fid,omitempty"`
	TargetHash string            `json:"target_hash,omitempty"`
	TargetURL  string            `json:"target_url,omitempty"`
	Mentions   []model.Fid       `json:"mentions,omitempty"`
	Address    string            `json:"address,omitempty"`
	Username   string            `json:"username,omitempty"`
	Message    json.RawMessage   `json:"message,omitempty"`
}

func viewOf(m *model.Message) messageView {
	return messageView{
		Fid:        m.Fid,
		Type:       m.Type,
		Hash:       m.Hash,
		Timestamp:  m.Timestamp,
		Time:       m.Time(),
		Removed:    m.Removed(),
		ParentFid:  m.ParentFid,
		ParentHash: m.ParentHash,
		ParentURL:  m.ParentURL,
		TargetFid:  m.TargetFid,
		TargetHash: m.TargetHash,
		TargetURL:  m.TargetURL,
		Mentions:   m.Mentions,
		Address:    m.Address,
		Username:   m.Username,
		Message:    m.Body,
	}
}

func viewsOf(msgs []*model.Message) []messageView {
	out := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, viewOf(m))
	}
	return out
}

// listPayload renders {<meta...>, "count": n, <field>: [...]}. Empty lists
// render as [] rather than null.
func listPayload(field string, msgs []*model.Message, meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	out["count"] = len(msgs)
	out[field] = viewsOf(msgs)
	return out
}

type userProfile struct {
	Fid         model.Fid         `json:"fid"`
	Username    string            `json:"username,omitempty"`
	DisplayName string            `json:"display_name,omitempty"`
	Bio         string            `json:"bio,omitempty"`
	PfpURL      string            `json:"pfp_url,omitempty"`
	URL         string            `json:"url,omitempty"`
	Data        map[string]string `json:"data"`
}

// userDataValue extracts data.userDataBody.value from a raw Hub message.
func userDataValue(raw json.RawMessage) string {
	var env struct {
		Data struct {
			UserDataBody struct {
				Value string `json:"value"`
			} `json:"userDataBody"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return ""
	}
	return env.Data.UserDataBody.Value
}

func profileOf(fid model.Fid, msgs []*model.Message) userProfile {
	p := userProfile{Fid: fid, Data: make(map[string]string, len(msgs))}
	for _, m := range msgs {
		if m.Removed() {
			continue
		}
		v := userDataValue(m.Body)
		p.Data[m.Key] = v
		switch m.Key {
		case "USER_DATA_TYPE_USERNAME":
			p.Username = v
		case "USER_DATA_TYPE_DISPLAY":
			p.DisplayName = v
		case "USER_DATA_TYPE_BIO":
			p.Bio = v
		case "USER_DATA_TYPE_PFP":
			p.PfpURL = v
		case "USER_DATA_TYPE_URL":
			p.URL = v
		}
	}
	return p
}

type conversationNode struct {
	messageView
	Replies []conversationNode `json:"replies,omitempty"`
}
