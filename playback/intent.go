package playback

import (
	"encoding/json"
	"fmt"
	"strings"
)

// IntentKind is the kind of request a peer makes of its room
type IntentKind int

// IntentKind instances
const (
	// IntentAnnounce: the peer joins or creates a room and reports what it believes the state is.
	IntentAnnounce IntentKind = iota
	// IntentQuery: the peer asks for the canonical state.
	IntentQuery
	// IntentUpdate: the peer asks the room to apply a new state.
	IntentUpdate
)

func (k IntentKind) String() string {
	switch k {
	case IntentAnnounce:
		return "announce"
	case IntentQuery:
		return "query"
	case IntentUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// Intent is the parsed form of an inbound peer message
type Intent struct {
	Kind  IntentKind
	State State
}

// Announce returns an IntentAnnounce carrying s.
func Announce(s State) Intent { return Intent{Kind: IntentAnnounce, State: s} }

// Query returns an IntentQuery.
func Query() Intent { return Intent{Kind: IntentQuery} }

// Update returns an IntentUpdate carrying s.
func Update(s State) Intent { return Intent{Kind: IntentUpdate, State: s} }

// message types seen in the wild, clients differ in what they call things
var intentKinds = map[string]IntentKind{
	"join":     IntentAnnounce,
	"create":   IntentAnnounce,
	"init":     IntentAnnounce,
	"announce": IntentAnnounce,
	"sync":     IntentUpdate,
	"update":   IntentUpdate,
	"seek":     IntentUpdate,
	"play":     IntentUpdate,
	"pause":    IntentUpdate,
	"fetch":    IntentQuery,
	"query":    IntentQuery,
	"get":      IntentQuery,
}

type wireState struct {
	SourceID    *string  `json:"sourceId"`
	Source      *string  `json:"source"`
	Src         *string  `json:"src"`
	URL         *string  `json:"url"`
	Paused      *bool    `json:"paused"`
	Playing     *bool    `json:"playing"`
	Position    *float64 `json:"position"`
	CurrentTime *float64 `json:"currentTime"`
	Time        *float64 `json:"time"`
	Recency     *int64   `json:"recency"`
	Timestamp   *int64   `json:"timestamp"`
	TS          *int64   `json:"ts"`
}

type wireMessage struct {
	Type  string     `json:"type"`
	State *wireState `json:"state"`
	wireState
}

func first[T any](vals ...*T) *T {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

// ParseIntent decodes a JSON peer message into an Intent. The returned error
// wraps ErrMalformedIntent whenever the payload is not a known intent shape.
func ParseIntent(payload []byte) (Intent, error) {
	var m wireMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return Intent{}, fmt.Errorf("%w: %v", ErrMalformedIntent, err)
	}

	kind, ok := intentKinds[strings.ToLower(strings.TrimSpace(m.Type))]
	if !ok {
		return Intent{}, fmt.Errorf("%w: unknown type %q", ErrMalformedIntent, m.Type)
	}
	if kind == IntentQuery {
		return Query(), nil
	}

	// nested state wins over top level fields
	top := m.wireState
	nested := top
	if m.State != nil {
		nested = *m.State
	}

	src := first(nested.SourceID, nested.Source, nested.Src, nested.URL,
		top.SourceID, top.Source, top.Src, top.URL)
	if src == nil || *src == "" {
		return Intent{}, fmt.Errorf("%w: missing source", ErrMalformedIntent)
	}
	rec := first(nested.Recency, nested.Timestamp, nested.TS, top.Recency, top.Timestamp, top.TS)
	if rec == nil {
		return Intent{}, fmt.Errorf("%w: missing recency", ErrMalformedIntent)
	}

	st := State{SourceID: *src, Recency: *rec}
	if pos := first(nested.Position, nested.CurrentTime, nested.Time,
		top.Position, top.CurrentTime, top.Time); pos != nil {
		if *pos < 0 {
			return Intent{}, fmt.Errorf("%w: negative position", ErrMalformedIntent)
		}
		st.Position = *pos
	}
	if p := first(nested.Paused, top.Paused); p != nil {
		st.Paused = *p
	} else if p := first(nested.Playing, top.Playing); p != nil {
		st.Paused = !*p
	}

	return Intent{Kind: kind, State: st}, nil
}
