package playback

// ErrIntent enumerates the reasons an inbound intent is not applied.
type ErrIntent int

// ErrIntent instances
const (
	ErrMalformedIntent ErrIntent = iota
	ErrStale
	ErrSourceMismatch
)

func (e ErrIntent) Error() string {
	switch e {
	case ErrMalformedIntent:
		return "malformed intent"
	case ErrStale:
		return "stale update"
	case ErrSourceMismatch:
		return "source mismatch"
	default:
		return "unknown intent error"
	}
}
