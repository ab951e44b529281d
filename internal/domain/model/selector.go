package model

// Selector describes a range read over stored or Hub-held messages.
// Zero-valued fields do not constrain the result.
type Selector struct {
	Fid  Fid
	Type MessageType

	ParentFid  Fid
	ParentHash string
	ParentURL  string
	TargetFid  Fid
	TargetHash string
	TargetURL  string
	MentionFid Fid
	Address    string
	Username   string

	StartTime uint64
	EndTime   uint64

	IncludeRemoved bool
}

// Matches reports whether m satisfies every set constraint of s.
func (s Selector) Matches(m *Message) bool {
	switch {
	case s.Fid != 0 && m.Fid != s.Fid:
		return false
	case s.Type != "" && m.Type != s.Type:
		return false
	case s.ParentFid != 0 && m.ParentFid != s.ParentFid:
		return false
	case s.ParentHash != "" && m.ParentHash != s.ParentHash:
		return false
	case s.ParentURL != "" && m.ParentURL != s.ParentURL:
		return false
	case s.TargetFid != 0 && m.TargetFid != s.TargetFid:
		return false
	case s.TargetHash != "" && m.TargetHash != s.TargetHash:
		return false
	case s.TargetURL != "" && m.TargetURL != s.TargetURL:
		return false
	case s.Address != "" && m.Address != s.Address:
		return false
	case s.Username != "" && m.Username != s.Username:
		return false
	case s.StartTime != 0 && m.Timestamp < s.StartTime:
		return false
	case s.EndTime != 0 && m.Timestamp > s.EndTime:
		return false
	case !s.IncludeRemoved && m.Removed():
		return false
	}
	if s.MentionFid != 0 {
		for _, f := range m.Mentions {
			if f == s.MentionFid {
				return true
			}
		}
		return false
	}
	return true
}
