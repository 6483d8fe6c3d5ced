package feed

import "time"

// Kind is the row-change kind carried by a feed message.
type Kind string

const (
	KindInsert Kind = "INSERT"
	KindUpdate Kind = "UPDATE"
	KindDelete Kind = "DELETE"
	// KindAll subscribes to every kind; it never appears on a ChangeEvent.
	KindAll Kind = "ALL"
)

// ChangeEvent is one row-level change received from the remote feed.
//
// Events are immutable once produced. They carry no identity beyond
// (Table, after id, ReceivedAt); duplicate delivery is expected and handled
// downstream by the router's dedup window.
type ChangeEvent struct {
	Kind       Kind
	Table      string
	FilterKey  string
	Before     map[string]any
	After      map[string]any
	ReceivedAt time.Time
}

// RowID returns the changed row's id as a string, preferring the after image.
// Returns "" when the payload carries no id (malformed events included).
func (e ChangeEvent) RowID() string {
	for _, img := range []map[string]any{e.After, e.Before} {
		if img == nil {
			continue
		}
		if v, ok := img["id"]; ok {
			switch x := v.(type) {
			case string:
				return x
			case float64:
				// JSON numbers decode as float64.
				return formatID(x)
			}
		}
	}
	return ""
}

// State is the lifecycle state of one subscription handle.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateError
	StateClosed
	// StateDegraded is terminal: the retry budget is exhausted and the
	// consumer should fall back to polling.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateError:
		return "ERROR"
	case StateClosed:
		return "CLOSED"
	case StateDegraded:
		return "DEGRADED"
	default:
		return "UNKNOWN"
	}
}

// StatusChange is published on the bus whenever a handle changes state.
type StatusChange struct {
	HandleID string
	Table    string
	Filter   string
	State    State
	Retries  int
	At       time.Time
}
