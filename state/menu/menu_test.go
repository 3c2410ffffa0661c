package menu

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	se "wuyrush.io/pinmap/errors"
	md "wuyrush.io/pinmap/models"
	"wuyrush.io/pinmap/stores"
)

func markerIDs(ms []*md.Marker) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

// mockMarkers fakes the owned-marker lookups of the friends fan-out
type mockMarkers struct {
	stores.MarkerStore
	mock.Mock
}

func (m *mockMarkers) ListOwnedMarkers(ctx context.Context, userID string) ([]*md.Marker, error) {
	args := m.Called(ctx, userID)
	ms, _ := args.Get(0).([]*md.Marker)
	return ms, args.Error(1)
}

func TestDiscover_Dedupe(t *testing.T) {
	s := stores.NewMemoryStore()
	ctx := context.Background()
	// public and shared with bob: matches both predicates
	both, _ := s.CreateMarker(ctx, &md.NewMarker{Label: "both", Policy: md.Policy{Show: []string{"bob"}}}, "alice")
	shared, _ := s.CreateMarker(ctx, &md.NewMarker{Label: "shared", Policy: md.Policy{IsPrivate: true, Show: []string{"bob"}}}, "alice")
	public, _ := s.CreateMarker(ctx, &md.NewMarker{Label: "public"}, "carol")
	s.CreateMarker(ctx, &md.NewMarker{Label: "hidden", Policy: md.Policy{IsPrivate: true, Show: []string{"dave"}}}, "carol")

	tcs := []struct {
		name string
		user *md.User
		exp  []string
	}{
		{"SignedIn", &md.User{ID: "bob"}, []string{both.ID, shared.ID, public.ID}},
		{"Anonymous", nil, []string{both.ID, public.ID}},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			ms, err := (&Discover{Markers: s}).Fetch(ctx, tc.user)
			require.NoError(t, err)
			assert.Equal(t, tc.exp, markerIDs(ms))
		})
	}
}

func TestSubs_NoBackendCall(t *testing.T) {
	u := &md.User{ID: "bob", SubscribedTo: []*md.Marker{{ID: "m2"}, {ID: "m1"}}}
	ms, err := Subs{}.Fetch(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m1"}, markerIDs(ms))
	ms, err = Subs{}.Fetch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, ms)
}

func TestFriends_FanOutKeepsFriendOrder(t *testing.T) {
	mm := &mockMarkers{}
	// the first friend answers last
	mm.On("ListOwnedMarkers", mock.Anything, "f1").After(50*time.Millisecond).
		Return([]*md.Marker{{ID: "a1"}, {ID: "a2", Policy: md.Policy{IsPrivate: true, Show: []string{"zed"}}}}, nil)
	mm.On("ListOwnedMarkers", mock.Anything, "f2").Return(nil, se.NewDependencyFailure("redis down"))
	mm.On("ListOwnedMarkers", mock.Anything, "f3").Return([]*md.Marker{{ID: "c1"}}, nil)

	u := &md.User{ID: "bob", Friends: []*md.Friend{{User: md.User{ID: "f1"}}, {User: md.User{ID: "f2"}}, {User: md.User{ID: "f3"}}}}
	ms, err := (&Friends{Markers: mm, PoolSize: 2}).Fetch(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "c1"}, markerIDs(ms), "failed friends and invisible markers are skipped")
	mm.AssertNumberOfCalls(t, "ListOwnedMarkers", 3)
}

func TestHistory_SkipsMissing(t *testing.T) {
	s := stores.NewMemoryStore()
	ctx := context.Background()
	m1, _ := s.CreateMarker(ctx, &md.NewMarker{Label: "one"}, "alice")
	m2, _ := s.CreateMarker(ctx, &md.NewMarker{Label: "two"}, "alice")
	hidden, _ := s.CreateMarker(ctx, &md.NewMarker{Label: "hidden", Policy: md.Policy{IsPrivate: true, Show: []string{"carol"}}}, "alice")
	now := time.Now()
	for i, id := range []string{m2.ID, "deleted", m1.ID, hidden.ID, m2.ID} {
		require.NoError(t, s.AddHistory(ctx, "bob", id, now.Add(time.Duration(i)*time.Second)))
	}

	ms, err := (&History{Users: s, Markers: s}).Fetch(ctx, &md.User{ID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, []string{m2.ID, m1.ID, m2.ID}, markerIDs(ms))
}

func TestController_CacheLess(t *testing.T) {
	var calls int32
	c := NewController(Registry{
		md.MenuDiscover: StrategyFunc(func(ctx context.Context, u *md.User) ([]*md.Marker, error) {
			atomic.AddInt32(&calls, 1)
			return []*md.Marker{{ID: "m1"}}, nil
		}),
		md.MenuSubs: Subs{},
	})
	u := &md.User{ID: "bob", SubscribedTo: []*md.Marker{{ID: "s1"}}}
	ctx := context.Background()

	for _, cat := range []md.Menu{md.MenuDiscover, md.MenuSubs, md.MenuDiscover} {
		_, err := c.Select(ctx, u, cat)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "re-selecting a visited category re-fetches")
	st := c.State()
	assert.Equal(t, md.MenuDiscover, st.Category)
	assert.Equal(t, []string{"m1"}, markerIDs(st.Markers))
	assert.Empty(t, st.Loading)

	_, err := c.Select(ctx, u, md.MenuNew)
	assert.True(t, se.Is(err, se.ErrCodeInvalid))
}

func TestController_DiscardsSuperseded(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	c := NewController(Registry{
		md.MenuDiscover: StrategyFunc(func(ctx context.Context, u *md.User) ([]*md.Marker, error) {
			close(started)
			<-release
			return []*md.Marker{{ID: "slow"}}, nil
		}),
		md.MenuSubs: Subs{},
	})
	u := &md.User{ID: "bob", SubscribedTo: []*md.Marker{{ID: "s1"}}}
	ctx := context.Background()

	errs := make(chan error, 1)
	go func() {
		_, err := c.Select(ctx, u, md.MenuDiscover)
		errs <- err
	}()
	<-started
	assert.True(t, c.State().Loading[md.MenuDiscover])

	ms, err := c.Select(ctx, u, md.MenuSubs)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, markerIDs(ms))
	close(release)

	err = <-errs
	assert.True(t, se.Is(err, se.ErrCodeClosed), "superseded selection should report Closed but got %v", err)
	st := c.State()
	assert.Equal(t, md.MenuSubs, st.Category)
	assert.Equal(t, []string{"s1"}, markerIDs(st.Markers))
	assert.Empty(t, st.Loading)
}

func TestController_FailureKeepsListing(t *testing.T) {
	fail := false
	c := NewController(Registry{
		md.MenuDiscover: StrategyFunc(func(ctx context.Context, u *md.User) ([]*md.Marker, error) {
			if fail {
				return nil, se.NewDependencyFailure("redis down")
			}
			return []*md.Marker{{ID: "m1"}}, nil
		}),
	})
	_, err := c.Select(context.Background(), nil, md.MenuDiscover)
	require.NoError(t, err)
	fail = true
	_, err = c.Select(context.Background(), nil, md.MenuDiscover)
	assert.True(t, se.Is(err, se.ErrCodeDependencyFailure))
	assert.Equal(t, []string{"m1"}, markerIDs(c.State().Markers))
	assert.Empty(t, c.State().Loading)
}
