package api

import (
	"context"
	"net/http"

	"github.com/emperorhan/hub-indexer/internal/domain/model"
)

const (
	// userDataLimit comfortably exceeds the number of user data types.
	userDataLimit = 64
	// compactLinksLimit bounds a compact link state read; it is above the
	// Hub's per-FID link storage limit.
	compactLinksLimit = 10000
	// maxConversationDepth caps the reply tree walk.
	maxConversationDepth = 25
)

func (s *Server) handleUserByFid(r *http.Request) (any, error) {
	fid, err := parseFid(r, "fid")
	if err != nil {
		return nil, err
	}
	return s.profile(r.Context(), fid)
}

func (s *Server) handleUserByUsername(r *http.Request) (any, error) {
	name := r.PathValue("username")
	if name == "" {
		return nil, invalidParams("missing username")
	}
	fid, err := s.fidForUsername(r.Context(), name)
	if err != nil {
		return nil, err
	}
	return s.profile(r.Context(), fid)
}

func (s *Server) profile(ctx context.Context, fid model.Fid) (any, error) {
	msgs, err := s.reader.Query(ctx, model.Selector{Fid: fid, Type: model.MessageTypeUserData}, userDataLimit)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, notFound("user not found: " + fid.String())
	}
	return profileOf(fid, msgs), nil
}

// fidForUsername resolves a name through its username proof, falling back
// to the USERNAME user data field.
// Misses are not cached.
func (s *Server) fidForUsername(ctx context.Context, name string) (model.Fid, error) {
	if s.usernames != nil {
		if fid, ok := s.usernames.Get(name); ok {
			return fid, nil
		}
	}
	for _, t := range []model.MessageType{model.MessageTypeUsernameProof, model.MessageTypeUserData} {
		msgs, err := s.reader.Query(ctx, model.Selector{Type: t, Username: name}, 1)
		if err != nil {
			return 0, err
		}
		if len(msgs) > 0 {
			if s.usernames != nil {
				s.usernames.Put(name, msgs[0].Fid)
			}
			return msgs[0].Fid, nil
		}
	}
	return 0, notFound("user not found: " + name)
}

func (s *Server) handleCast(r *http.Request) (any, error) {
	fid, err := parseFid(r, "fid")
	if err != nil {
		return nil, err
	}
	hash, err := parseHash(r)
	if err != nil {
		return nil, err
	}
	m, err := s.reader.Get(r.Context(), model.MessageKey{Fid: fid, Type: model.MessageTypeCast, Key: hash})
	if err != nil {
		return nil, err
	}
	return viewOf(m), nil
}

// list runs sel with the request's limit and renders the list payload.
func (s *Server) list(r *http.Request, sel model.Selector, field string, meta map[string]any) (any, error) {
	limit, err := parseLimit(r, s.maxLimit)
	if err != nil {
		return nil, err
	}
	msgs, err := s.reader.Query(r.Context(), sel, limit)
	if err != nil {
		return nil, err
	}
	return listPayload(field, msgs, meta), nil
}

func (s *Server) handleCastsByFid(r *http.Request) (any, error) {
	fid, err := parseFid(r, "fid")
	if err != nil {
		return nil, err
	}
	return s.list(r, model.Selector{Fid: fid, Type: model.MessageTypeCast}, "casts", map[string]any{"fid": fid})
}

func (s *Server) handleCastsByMention(r *http.Request) (any, error) {
	fid, err := parseFid(r, "fid")
	if err != nil {
		return nil, err
	}
	return s.list(r, model.Selector{MentionFid: fid, Type: model.MessageTypeCast}, "casts", map[string]any{"fid": fid})
}

func (s *Server) handleCastsByParent(r *http.Request) (any, error) {
	fid, err := parseFid(r, "fid")
	if err != nil {
		return nil, err
	}
	hash, err := parseHash(r)
	if err != nil {
		return nil, err
	}
	sel := model.Selector{Type: model.MessageTypeCast, ParentFid: fid, ParentHash: hash}
	return s.list(r, sel, "replies", map[string]any{"parent": map[string]any{"fid": fid, "hash": hash}})
}

func (s *Server) handleCastsByParentURL(r *http.Request) (any, error) {
	u, err := requiredURL(r)
	if err != nil {
		return nil, err
	}
	return s.list(r, model.Selector{Type: model.MessageTypeCast, ParentURL: u}, "replies", map[string]any{"parent_url": u})
}

func (s *Server) handleConversation(r *http.Request) (any, error) {
	fid, err := parseFid(r, "fid")
	if err != nil {
		return nil, err
	}
	hash, err := parseHash(r)
	if err != nil {
		return nil, err
	}
	limit, err := parseLimit(r, s.maxLimit)
	if err != nil {
		return nil, err
	}
	recursive, err := optionalBool(r, "recursive", true)
	if err != nil {
		return nil, err
	}
	maxDepth := uint64(defaultMaxDepth)
	if d, ok, err := optionalUint(r, "max_depth"); err != nil {
		return nil, err
	} else if ok {
		if d == 0 || d > maxConversationDepth {
			return nil, invalidParams("max_depth must be between 1 and %d", maxConversationDepth)
		}
		maxDepth = d
	}
	if !recursive {
		maxDepth = 1
	}

	root, err := s.reader.Get(r.Context(), model.MessageKey{Fid: fid, Type: model.MessageTypeCast, Key: hash})
	if err != nil {
		return nil, err
	}
	node := conversationNode{messageView: viewOf(root)}
	if node.Replies, err = s.replies(r.Context(), root, 1, int(maxDepth), limit); err != nil {
		return nil, err
	}
	return map[string]any{"conversation": node, "max_depth": maxDepth}, nil
}

// replies walks the reply tree below parent breadth-first per level, at
// most limit replies per cast.
func (s *Server) replies(ctx context.Context, parent *model.Message, depth, maxDepth, limit int) ([]conversationNode, error) {
	if depth > maxDepth {
		return nil, nil
	}
	msgs, err := s.reader.Query(ctx, model.Selector{
		Type:       model.MessageTypeCast,
		ParentFid:  parent.Fid,
		ParentHash: parent.Hash,
	}, limit)
	if err != nil {
		return nil, err
	}
	out := make([]conversationNode, 0, len(msgs))
	for _, m := range msgs {
		n := conversationNode{messageView: viewOf(m)}
		if n.Replies, err = s.replies(ctx, m, depth+1, maxDepth, limit); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *Server) handleReactionsByFid(r *http.Request) (any, error) {
	fid, err := parseFid(r, "fid")
	if err != nil {
		return nil, err
	}
	return s.list(r, model.Selector{Fid: fid, Type: model.MessageTypeReaction}, "reactions", map[string]any{"fid": fid})
}

func (s *Server) handleReactionsByTargetCast(r *http.Request) (any, error) {
	fid, err := parseFid(r, "fid")
	if err != nil {
		return nil, err
	}
	hash, err := parseHash(r)
	if err != nil {
		return nil, err
	}
	sel := model.Selector{Type: model.MessageTypeReaction, TargetFid: fid, TargetHash: hash}
	return s.list(r, sel, "reactions", map[string]any{"target_cast": map[string]any{"fid": fid, "hash": hash}})
}

func (s *Server) handleReactionsByTargetURL(r *http.Request) (any, error) {
	u, err := requiredURL(r)
	if err != nil {
		return nil, err
	}
	return s.list(r, model.Selector{Type: model.MessageTypeReaction, TargetURL: u}, "reactions", map[string]any{"target_url": u})
}

func (s *Server) handleLinksByFid(r *http.Request) (any, error) {
	fid, err := parseFid(r, "fid")
	if err != nil {
		return nil, err
	}
	return s.list(r, model.Selector{Fid: fid, Type: model.MessageTypeLink}, "links", map[string]any{"fid": fid})
}

func (s *Server) handleLinksByTarget(r *http.Request) (any, error) {
	fid, err := parseFid(r, "fid")
	if err != nil {
		return nil, err
	}
	return s.list(r, model.Selector{TargetFid: fid, Type: model.MessageTypeLink}, "links", map[string]any{"target_fid": fid})
}

type compactLink struct {
	TargetFid model.Fid `json:"target_fid"`
	State     string    `json:"state"`
	Timestamp uint64    `json:"timestamp"`
}

// handleLinkCompactState returns every live link of fid, one entry per
// (type, target), without paging.
func (s *Server) handleLinkCompactState(r *http.Request) (any, error) {
	fid, err := parseFid(r, "fid")
	if err != nil {
		return nil, err
	}
	msgs, err := s.reader.Query(r.Context(), model.Selector{Fid: fid, Type: model.MessageTypeLink}, compactLinksLimit)
	if err != nil {
		return nil, err
	}
	links := make([]compactLink, 0, len(msgs))
	for _, m := range msgs {
		links = append(links, compactLink{TargetFid: m.TargetFid, State: m.LinkType(), Timestamp: m.Timestamp})
	}
	return map[string]any{"fid": fid, "count": len(links), "compact_links": links}, nil
}

func (s *Server) handleVerificationsByFid(r *http.Request) (any, error) {
	fid, err := parseFid(r, "fid")
	if err != nil {
		return nil, err
	}
	return s.list(r, model.Selector{Fid: fid, Type: model.MessageTypeVerification}, "verifications", map[string]any{"fid": fid})
}

func (s *Server) handleVerificationByAddress(r *http.Request) (any, error) {
	fid, err := parseFid(r, "fid")
	if err != nil {
		return nil, err
	}
	addr, err := parseAddress(r)
	if err != nil {
		return nil, err
	}
	m, err := s.reader.Get(r.Context(), model.MessageKey{Fid: fid, Type: model.MessageTypeVerification, Key: addr})
	if err != nil {
		return nil, err
	}
	return viewOf(m), nil
}

// handleAllVerificationsByFid includes removals and accepts a time window.
func (s *Server) handleAllVerificationsByFid(r *http.Request) (any, error) {
	fid, err := parseFid(r, "fid")
	if err != nil {
		return nil, err
	}
	start, hasStart, err := optionalUint(r, "start_time")
	if err != nil {
		return nil, err
	}
	end, hasEnd, err := optionalUint(r, "end_time")
	if err != nil {
		return nil, err
	}
	if hasStart && hasEnd && start > end {
		return nil, invalidParams("start_time must be less than or equal to end_time")
	}

	sel := model.Selector{
		Fid:            fid,
		Type:           model.MessageTypeVerification,
		StartTime:      start,
		EndTime:        end,
		IncludeRemoved: true,
	}
	meta := map[string]any{"fid": fid, "start_time": nil, "end_time": nil}
	if hasStart {
		meta["start_time"] = start
	}
	if hasEnd {
		meta["end_time"] = end
	}
	return s.list(r, sel, "verifications", meta)
}

func (s *Server) handleUsernameProofsByFid(r *http.Request) (any, error) {
	fid, err := parseFid(r, "fid")
	if err != nil {
		return nil, err
	}
	return s.list(r, model.Selector{Fid: fid, Type: model.MessageTypeUsernameProof}, "proofs", map[string]any{"fid": fid})
}

func (s *Server) handleUsernameProofByName(r *http.Request) (any, error) {
	name := r.PathValue("name")
	if name == "" {
		return nil, invalidParams("missing name")
	}
	msgs, err := s.reader.Query(r.Context(), model.Selector{Type: model.MessageTypeUsernameProof, Username: name}, 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, notFound("username proof not found: " + name)
	}
	return viewOf(msgs[0]), nil
}
