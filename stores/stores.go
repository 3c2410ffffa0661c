// Package stores vends the backend collaborators pinmap state machines talk to: a document store for
// markers and users, live listeners yielding full snapshots, and set-membership primitives with
// add-if-absent / remove-if-present semantics.
package stores

import (
	"context"
	"sync"
	"time"

	md "wuyrush.io/pinmap/models"
)

// Listener is a live subscription registered against the backend. Close must be idempotent and must
// not fail for a listener whose callback never fired.
type Listener interface {
	Close() error
}

// MessagesFn receives the full ordered message sequence of a marker on each change
type MessagesFn func([]*md.Message)

// ConnectionsFn receives the full presence set of a marker on each change
type ConnectionsFn func([]string)

// MarkerStore vends the interface to interact with marker documents.
type MarkerStore interface {
	// CreateMarker persists the draft, assigning the marker ID, creation time and creator
	CreateMarker(ctx context.Context, nm *md.NewMarker, creatorID string) (*md.Marker, error)
	GetMarker(ctx context.Context, markerID string) (*md.Marker, error)
	// ListPublicMarkers returns markers whose policy is not private
	ListPublicMarkers(ctx context.Context) ([]*md.Marker, error)
	// ListVisibleMarkers returns private markers whose allow-list contains userID
	ListVisibleMarkers(ctx context.Context, userID string) ([]*md.Marker, error)
	ListOwnedMarkers(ctx context.Context, userID string) ([]*md.Marker, error)
}

// MessageStore vends a marker's chat stream
type MessageStore interface {
	// AddMessage appends m to the marker's stream. The store assigns m.ID when it is empty.
	AddMessage(ctx context.Context, markerID string, m *md.Message) error
	// ListenMessages emits the whole stream ordered by creation time once on registration and again
	// after every change
	ListenMessages(ctx context.Context, markerID string, fn MessagesFn) (Listener, error)
}

// PresenceStore tracks users currently viewing a marker's chat
type PresenceStore interface {
	// Connect adds userID to the presence set if absent
	Connect(ctx context.Context, markerID, userID string) error
	// Disconnect removes userID from the presence set if present
	Disconnect(ctx context.Context, markerID, userID string) error
	ListenConnections(ctx context.Context, markerID string, fn ConnectionsFn) (Listener, error)
}

// MembershipStore tracks persistent user-to-marker follow relationships
type MembershipStore interface {
	Subscribe(ctx context.Context, markerID, userID string) error
	Unsubscribe(ctx context.Context, markerID, userID string) error
	IsSubscribed(ctx context.Context, markerID, userID string) (bool, error)
	// ListSubscribed returns the IDs of markers userID follows
	ListSubscribed(ctx context.Context, userID string) ([]string, error)
}

// ViewStore records marker open events. Views are never de-duplicated.
type ViewStore interface {
	AddView(ctx context.Context, markerID, userID string) error
	CountViews(ctx context.Context, markerID string) (int64, error)
}

// UserStore manages user profiles, friendships and browsing history
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*md.User, error)
	PutUser(ctx context.Context, u *md.User) error
	AddFriend(ctx context.Context, userID, friendID string, at time.Time) error
	ListFriends(ctx context.Context, userID string) ([]*md.Friend, error)
	AddHistory(ctx context.Context, userID, markerID string, at time.Time) error
	// ListHistory returns the user's history entries in fetch order with Marker unresolved
	ListHistory(ctx context.Context, userID string) ([]*md.HistoryEntry, error)
}

// Realtime groups the stores backing live marker participation
type Realtime interface {
	MarkerStore
	MessageStore
	PresenceStore
	MembershipStore
	ViewStore
	Close() error
}

// Backend is everything pinmap needs from the hosted backend
type Backend interface {
	Realtime
	UserStore
}

type composite struct {
	Realtime
	UserStore
	closers []func() error
}

// Compose pairs a realtime store with a separately hosted user store into a Backend. Closing the
// Backend closes both.
func Compose(rt Realtime, us UserStore, closeUsers func() error) Backend {
	c := &composite{Realtime: rt, UserStore: us, closers: []func() error{rt.Close}}
	if closeUsers != nil {
		c.closers = append(c.closers, closeUsers)
	}
	return c
}

func (c *composite) Close() error {
	var first error
	for _, cl := range c.closers {
		if err := cl(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// closeOnce makes listener teardown idempotent
type closeOnce struct {
	once sync.Once
	fn   func() error
	err  error
}

func (c *closeOnce) Close() error {
	c.once.Do(func() {
		if c.fn != nil {
			c.err = c.fn()
		}
	})
	return c.err
}
