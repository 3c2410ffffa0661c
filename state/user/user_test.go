package user

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	se "wuyrush.io/pinmap/errors"
	md "wuyrush.io/pinmap/models"
	"wuyrush.io/pinmap/stores"
)

func TestReduce(t *testing.T) {
	bob := &md.User{ID: "bob", SubscribedTo: []*md.Marker{{ID: "m1"}}}
	signedIn := State{User: bob}
	tcs := []struct {
		name   string
		state  State
		action Action
		expSub []string
		expNil bool
	}{
		{"AddSubscribed", signedIn, Action{Type: ActionAddSubscribed, Marker: &md.Marker{ID: "m2"}}, []string{"m1", "m2"}, false},
		{"AddSubscribedTwice", signedIn, Action{Type: ActionAddSubscribed, Marker: &md.Marker{ID: "m1"}}, []string{"m1"}, false},
		{"RemoveSubscribed", signedIn, Action{Type: ActionRemoveSubscribed, Marker: &md.Marker{ID: "m1"}}, []string{}, false},
		{"SignedOut", signedIn, Action{Type: ActionSignedOut}, nil, true},
		{"AnonymousIgnoresRelations", State{}, Action{Type: ActionAddSubscribed, Marker: &md.Marker{ID: "m2"}}, nil, true},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			next := Reduce(tc.state, tc.action)
			if tc.expNil {
				assert.Nil(t, next.User)
				return
			}
			got := []string{}
			for _, m := range next.User.SubscribedTo {
				got = append(got, m.ID)
			}
			assert.Equal(t, tc.expSub, got)
		})
	}
	assert.Len(t, bob.SubscribedTo, 1, "reduce must not mutate the previous user")
}

func TestStore_NotifiesSessionChanges(t *testing.T) {
	s := NewStore()
	var changes [][2]string
	s.Subscribe(func(prev, next State) { changes = append(changes, [2]string{prev.UserID(), next.UserID()}) })

	s.Dispatch(Action{Type: ActionSignedIn, User: &md.User{ID: "bob"}})
	s.Dispatch(Action{Type: ActionAddHistory, Entry: &md.HistoryEntry{MarkerID: "m1"}})
	s.Dispatch(Action{Type: ActionSignedOut})

	assert.Equal(t, [][2]string{{"", "bob"}, {"bob", "bob"}, {"bob", ""}}, changes)
	assert.Equal(t, "", s.State().UserID())
}

func TestLoader_Load(t *testing.T) {
	b := stores.NewMemoryStore()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, b.PutUser(ctx, &md.User{ID: "bob", Username: "Bob"}))
	require.NoError(t, b.PutUser(ctx, &md.User{ID: "alice", Username: "Alice"}))
	require.NoError(t, b.AddFriend(ctx, "bob", "alice", now))
	m, _ := b.CreateMarker(ctx, &md.NewMarker{Label: "park"}, "alice")
	own, _ := b.CreateMarker(ctx, &md.NewMarker{Label: "home"}, "bob")
	require.NoError(t, b.Subscribe(ctx, m.ID, "bob"))
	require.NoError(t, b.Subscribe(ctx, "deleted", "bob"))
	require.NoError(t, b.AddHistory(ctx, "bob", m.ID, now))

	u, err := (&Loader{Backend: b}).Load(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "Bob", u.Username)
	require.Len(t, u.Friends, 1)
	assert.Equal(t, "Alice", u.Friends[0].Username)
	require.Len(t, u.SubscribedTo, 1, "subscriptions to missing markers are dropped")
	assert.Equal(t, m.ID, u.SubscribedTo[0].ID)
	require.Len(t, u.OwnerOf, 1)
	assert.Equal(t, own.ID, u.OwnerOf[0].ID)
	assert.Len(t, u.History, 1)

	_, err = (&Loader{Backend: b}).Load(ctx, "ghost")
	assert.True(t, se.Is(err, se.ErrCodeNotFound))
}
