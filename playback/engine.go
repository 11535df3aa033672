package playback

// Verdict is the outcome class of a Decision
type Verdict int

// Verdict instances
const (
	// VerdictIgnore: nothing to do and nothing to report.
	VerdictIgnore Verdict = iota
	// VerdictAccept: State becomes canonical.
	VerdictAccept
	// VerdictEcho: State is sent back to the sender only, nothing changes.
	VerdictEcho
	// VerdictReject: the intent is dropped, Reason says why.
	VerdictReject
)

func (v Verdict) String() string {
	switch v {
	case VerdictIgnore:
		return "ignore"
	case VerdictAccept:
		return "accept"
	case VerdictEcho:
		return "echo"
	case VerdictReject:
		return "reject"
	default:
		return "unknown"
	}
}

// Decision is what a room should do with an intent.
type Decision struct {
	Verdict Verdict
	State   State
	// Broadcast is only meaningful for VerdictAccept: fan State out to every
	// peer but the sender.
	Broadcast bool
	Reason    error
}

func accept(s State, broadcast bool) Decision {
	return Decision{Verdict: VerdictAccept, State: s, Broadcast: broadcast}
}

func echo(s State) Decision {
	return Decision{Verdict: VerdictEcho, State: s}
}

func reject(reason ErrIntent) Decision {
	return Decision{Verdict: VerdictReject, Reason: reason}
}

// Decide arbitrates intent in against the canonical state current (nil when
// the room has none yet). It is a pure function: recency is last-write-wins,
// updates for a different source than the canonical one are refused and the
// first announce or update seeds an empty room.
func Decide(current *State, in Intent) Decision {
	switch in.Kind {
	case IntentQuery:
		if current == nil {
			return Decision{Verdict: VerdictIgnore}
		}
		return echo(*current)

	case IntentAnnounce:
		if current == nil {
			// the announcer already holds this state, no need to tell it
			return accept(in.State, false)
		}
		if !in.State.SameSource(*current) {
			return reject(ErrSourceMismatch)
		}
		return echo(*current)

	case IntentUpdate:
		if current == nil {
			return accept(in.State, true)
		}
		if !in.State.NewerThan(*current) {
			return reject(ErrStale)
		}
		if !in.State.SameSource(*current) {
			return reject(ErrSourceMismatch)
		}
		return accept(in.State, true)
	}
	return reject(ErrMalformedIntent)
}
