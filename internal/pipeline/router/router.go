package router

import (
	"github.com/google/cel-go/cel"

	"github.com/emperorhan/hub-indexer/internal/domain/event"
	"github.com/emperorhan/hub-indexer/internal/domain/model"
)

// Discard reasons.
const (
	ReasonRouted           = "routed"
	ReasonUnsupportedEvent = "unsupported_event"
	ReasonMalformed        = "malformed"
	ReasonInvalidSigner    = "invalid_signer"
	ReasonRateLimited      = "rate_limited"
	ReasonAccountTooNew    = "account_too_new"
	ReasonSpamLabel        = "spam_label"
	ReasonSpamFid          = "spam_fid"
	ReasonTypeNotRouted    = "type_not_routed"
	ReasonRuleRejected     = "rule_rejected"
	ReasonRuleError        = "rule_error"
)

// Decision is the outcome of classifying one Hub event. When Discard is false,
// Type names the destination partition and Message is the decoded payload.
type Decision struct {
	Discard bool
	Reason  string
	Type    model.MessageType
	Message *model.Message
}

func discard(reason string) Decision {
	return Decision{Discard: true, Reason: reason}
}

// Router classifies Hub events. Classify has no side effects and returns the
// same decision for the same event.
type Router struct {
	rules      Rules
	spamLabels map[int]struct{}
	spamFids   map[model.Fid]struct{}
	types      map[model.MessageType]struct{}
	program    cel.Program
}

func New(rules Rules) (*Router, error) {
	if err := rules.validate(); err != nil {
		return nil, err
	}
	r := &Router{
		rules:      rules,
		spamLabels: make(map[int]struct{}, len(rules.SpamLabels)),
		spamFids:   make(map[model.Fid]struct{}, len(rules.SpamFids)),
	}
	for _, l := range rules.SpamLabels {
		r.spamLabels[l] = struct{}{}
	}
	for _, f := range rules.SpamFids {
		r.spamFids[f] = struct{}{}
	}
	if len(rules.Types) > 0 {
		r.types = make(map[model.MessageType]struct{}, len(rules.Types))
		for _, t := range rules.Types {
			r.types[t] = struct{}{}
		}
	}
	if rules.Expr != "" {
		prog, err := compileExpr(rules.Expr)
		if err != nil {
			return nil, err
		}
		r.program = prog
	}
	return r, nil
}

func (r *Router) Classify(ev event.HubEvent) Decision {
	switch ev.Type {
	case event.HubEventMergeMessage, event.HubEventMergeUsernameProof:
	default:
		return discard(ReasonUnsupportedEvent)
	}

	msg, err := model.DecodeHubMessage(ev.Message)
	if err != nil {
		return discard(ReasonMalformed)
	}
	meta := ev.Meta

	if r.rules.RequireValidSigner && !meta.SignerValid {
		return discard(ReasonInvalidSigner)
	}
	if r.rules.DropRateLimited && meta.RateLimited {
		return discard(ReasonRateLimited)
	}
	if r.rules.MinAccountAge > 0 && meta.FidRegisteredAt > 0 {
		if accountAge(meta, msg) < int64(r.rules.MinAccountAge.Seconds()) {
			return discard(ReasonAccountTooNew)
		}
	}
	if _, spam := r.spamLabels[meta.SpamLabel]; spam {
		return discard(ReasonSpamLabel)
	}
	if _, spam := r.spamFids[msg.Fid]; spam {
		return discard(ReasonSpamFid)
	}
	if r.types != nil {
		if _, ok := r.types[msg.Type]; !ok {
			return discard(ReasonTypeNotRouted)
		}
	}
	if r.program != nil {
		out, _, err := r.program.Eval(map[string]any{
			"fid":           int64(msg.Fid),
			"type":          msg.Type.String(),
			"action":        string(msg.Action),
			"timestamp":     int64(msg.Timestamp),
			"account_age_s": accountAge(meta, msg),
			"signer_valid":  meta.SignerValid,
			"rate_limited":  meta.RateLimited,
			"spam_label":    int64(meta.SpamLabel),
			"mentions":      int64(len(msg.Mentions)),
			"parent_url":    msg.ParentURL,
		})
		if err != nil {
			return discard(ReasonRuleError)
		}
		if keep, ok := out.Value().(bool); !ok || !keep {
			return discard(ReasonRuleRejected)
		}
	}

	return Decision{Reason: ReasonRouted, Type: msg.Type, Message: msg}
}

// accountAge is the time between FID registration and the message, in
// seconds. Both are Hub timestamps; -1 when registration is unknown.
func accountAge(meta event.SpamMeta, msg *model.Message) int64 {
	if meta.FidRegisteredAt == 0 {
		return -1
	}
	return int64(msg.Timestamp) - int64(meta.FidRegisteredAt)
}
