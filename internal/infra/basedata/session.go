package basedata

// TimeSection is a [From, To) trading window in HHMM.
type TimeSection struct {
	From uint32 `json:"from"`
	To   uint32 `json:"to"`
}

// SessionInfo describes the trading hours template shared by a group of commodities.
type SessionInfo struct {
	ID       string        `json:"-"`
	Name     string        `json:"name"`
	Offset   int32         `json:"offset"`
	Auction  *TimeSection  `json:"auction,omitempty"`
	Sections []TimeSection `json:"sections"`
}

// OffsetTime shifts a wall-clock HHMM by the session offset so that sessions crossing
// midnight compare monotonically.
func (s *SessionInfo) OffsetTime(hhmm uint32) uint32 {
	minutes := int32(hhmm/100)*60 + int32(hhmm%100) + s.Offset
	const day = 24 * 60
	minutes = ((minutes % day) + day) % day
	return uint32(minutes/60)*100 + uint32(minutes%60)
}

// OpenTime returns the offset start of the first section (or the auction when present).
func (s *SessionInfo) OpenTime() uint32 {
	if s.Auction != nil {
		return s.OffsetTime(s.Auction.From)
	}
	if len(s.Sections) == 0 {
		return 0
	}
	return s.OffsetTime(s.Sections[0].From)
}

// CloseTime returns the offset end of the last section.
func (s *SessionInfo) CloseTime() uint32 {
	if len(s.Sections) == 0 {
		return 0
	}
	return s.OffsetTime(s.Sections[len(s.Sections)-1].To)
}

// InAuction reports whether the wall-clock HHMM falls into the call auction.
func (s *SessionInfo) InAuction(hhmm uint32) bool {
	if s.Auction == nil {
		return false
	}
	t := s.OffsetTime(hhmm)
	return t >= s.OffsetTime(s.Auction.From) && t < s.OffsetTime(s.Auction.To)
}

// InTradingTime reports whether the wall-clock HHMM falls into a continuous trading section.
func (s *SessionInfo) InTradingTime(hhmm uint32) bool {
	t := s.OffsetTime(hhmm)
	for _, sec := range s.Sections {
		if t >= s.OffsetTime(sec.From) && t < s.OffsetTime(sec.To) {
			return true
		}
	}
	return false
}
