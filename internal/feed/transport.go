package feed

import "context"

// Subscription describes one logical feed subscription: a table, an optional
// row-filter expression (e.g. "seller_id=eq.42"), and the kinds of interest.
type Subscription struct {
	Table  string
	Filter string
	Kinds  []Kind
}

// Wants reports whether the subscription covers the given kind.
func (s Subscription) Wants(k Kind) bool {
	if len(s.Kinds) == 0 {
		return true
	}
	for _, want := range s.Kinds {
		if want == KindAll || want == k {
			return true
		}
	}
	return false
}

// Transport dials one connection to the remote change feed.
//
// Implementations must honor ctx cancellation in Dial; the Client owns
// reconnect/backoff, so Dial should fail fast rather than retry internally.
type Transport interface {
	Dial(ctx context.Context, sub Subscription) (Conn, error)
}

// Conn is one live feed connection.
//
// Recv blocks until the next event, a transport error, or ctx cancellation.
// Events are delivered in the order the transport produced them. After Recv
// returns a non-nil error the connection is dead and must be closed.
type Conn interface {
	Recv(ctx context.Context) (*ChangeEvent, error)
	Close() error
}
