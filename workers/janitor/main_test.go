package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	se "wuyrush.io/pinmap/errors"
	st "wuyrush.io/pinmap/stores"
)

func newTestJanitor(t *testing.T) (*janitor, *st.RedisStore, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rs := &st.RedisStore{DB: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	t.Cleanup(func() { rs.Close() })
	j := newJanitor(rs, time.Minute, 16, 2, time.Minute)
	return j, rs, mr
}

func TestJanitor_Sweep(t *testing.T) {
	j, rs, mr := newTestJanitor(t)
	ctx := context.Background()
	require.NoError(t, rs.Connect(ctx, "m1", "alice"))
	require.NoError(t, rs.Connect(ctx, "m1", "bob"))
	require.NoError(t, rs.Connect(ctx, "m2", "carol"))

	tcs := []struct {
		name      string
		now       time.Time
		maxLoad   int
		expReaped int
		expM1     []string
	}{
		{"NothingExpired", time.Now(), 0, 0, []string{"alice", "bob"}},
		{"BoundedLoad", time.Now().Add(time.Hour), 1, 1, []string{"bob"}},
		{"Rest", time.Now().Add(time.Hour), 0, 2, nil},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			j.now = func() time.Time { return tc.now }
			n, err := j.Sweep(ctx, tc.maxLoad)
			require.NoError(t, err)
			assert.Equal(t, tc.expReaped, n)
			// a set emptied by the janitor is gone altogether
			members, _ := mr.Members("marker.m1.connections")
			if tc.expM1 == nil {
				assert.Empty(t, members)
				return
			}
			assert.Equal(t, tc.expM1, members)
		})
	}
}

func TestJanitor_LoadSkipsWIP(t *testing.T) {
	j, rs, _ := newTestJanitor(t)
	ctx := context.Background()
	require.NoError(t, rs.Connect(ctx, "m1", "alice"))
	require.NoError(t, rs.Connect(ctx, "m1", "bob"))
	j.now = func() time.Time { return time.Now().Add(time.Hour) }
	require.NoError(t, j.wipCache.Set("m1/alice", struct{}{}))

	ls, err := j.Load(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ls, 1)
	assert.Equal(t, "bob", ls[0].UserID)

	// loaded leases stay marked until reaped
	ls, err = j.Load(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, ls)
}

type mockLeaseStore struct {
	mock.Mock
}

func (m *mockLeaseStore) ExpiredLeases(ctx context.Context, before time.Time, max int) ([]*st.Lease, error) {
	args := m.Called(max)
	ls, _ := args.Get(0).([]*st.Lease)
	return ls, args.Error(1)
}

func (m *mockLeaseStore) Reap(ctx context.Context, l *st.Lease) (bool, error) {
	args := m.Called(l.UserID)
	return args.Bool(0), args.Error(1)
}

func TestJanitor_SweepFailures(t *testing.T) {
	t.Run("LoadFails", func(t *testing.T) {
		ls := &mockLeaseStore{}
		ls.On("ExpiredLeases", 5).Return(nil, se.NewDependencyFailure("down"))
		j := newJanitor(ls, time.Minute, 16, 2, time.Minute)
		_, err := j.Sweep(context.Background(), 5)
		assert.True(t, se.Is(err, se.ErrCodeDependencyFailure))
	})
	t.Run("ReapFailsThenRetried", func(t *testing.T) {
		ls := &mockLeaseStore{}
		lease := &st.Lease{MarkerID: "m1", UserID: "bob"}
		ls.On("ExpiredLeases", 0).Return([]*st.Lease{lease}, nil)
		ls.On("Reap", "bob").Return(false, errors.New("boom")).Once()
		ls.On("Reap", "bob").Return(true, nil).Once()
		j := newJanitor(ls, time.Minute, 16, 2, time.Minute)

		n, err := j.Sweep(context.Background(), 0)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
		// the failed lease is no longer marked WIP, so the next sweep picks it up again
		n, err = j.Sweep(context.Background(), 0)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		ls.AssertExpectations(t)
	})
}
