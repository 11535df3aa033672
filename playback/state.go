package playback

// State describes the media playback state shared by every peer in a room.
// A State is replaced as a whole, never mutated in place.
type State struct {
	SourceID string  `json:"sourceId"`
	Paused   bool    `json:"paused"`
	Position float64 `json:"position"`
	Recency  int64   `json:"recency"`
}

// SameSource reports whether s and o refer to the same media.
func (s State) SameSource(o State) bool {
	return s.SourceID == o.SourceID
}

// NewerThan reports whether s strictly supersedes o.
func (s State) NewerThan(o State) bool {
	return s.Recency > o.Recency
}
