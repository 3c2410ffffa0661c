package menu

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"wuyrush.io/pinmap/common/logging"
	cst "wuyrush.io/pinmap/constants"
	se "wuyrush.io/pinmap/errors"
	md "wuyrush.io/pinmap/models"
	"wuyrush.io/pinmap/stores"
)

const defaultFriendsPoolSize = 4

// Strategy fetches the marker listing of one menu category for u. u is nil for anonymous users.
type Strategy interface {
	Fetch(ctx context.Context, u *md.User) ([]*md.Marker, error)
}

type StrategyFunc func(ctx context.Context, u *md.User) ([]*md.Marker, error)

func (f StrategyFunc) Fetch(ctx context.Context, u *md.User) ([]*md.Marker, error) {
	return f(ctx, u)
}

// Registry maps listing categories to their fetch strategy. No strategy caches: every Fetch goes to
// the backend (or, for SUBS, to the already-loaded user).
type Registry map[md.Menu]Strategy

// NewRegistry wires the four listing strategies against b
func NewRegistry(b stores.Backend, friendsPoolSize int) Registry {
	return Registry{
		md.MenuDiscover: &Discover{Markers: b},
		md.MenuSubs:     Subs{},
		md.MenuFriends:  &Friends{Markers: b, PoolSize: friendsPoolSize},
		md.MenuHistory:  &History{Users: b, Markers: b},
	}
}

func (r Registry) Fetch(ctx context.Context, cat md.Menu, u *md.User) ([]*md.Marker, error) {
	st, ok := r[cat]
	if !ok {
		return nil, se.NewInvalid(fmt.Sprintf("category %s has no listing", cat))
	}
	return st.Fetch(ctx, u)
}

// Discover lists the private markers shared with the user followed by public markers. A marker
// matching both appears once, at its first position.
type Discover struct {
	Markers stores.MarkerStore
}

func (d *Discover) Fetch(ctx context.Context, u *md.User) ([]*md.Marker, error) {
	var visible []*md.Marker
	if !u.Anonymous() {
		var err error
		if visible, err = d.Markers.ListVisibleMarkers(ctx, u.ID); err != nil {
			return nil, err
		}
	}
	public, err := d.Markers.ListPublicMarkers(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(visible)+len(public))
	out := make([]*md.Marker, 0, len(visible)+len(public))
	for _, group := range [][]*md.Marker{visible, public} {
		for _, m := range group {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			out = append(out, m)
		}
	}
	return out, nil
}

// Subs lists the markers the user already knows it follows without calling the backend
type Subs struct{}

func (Subs) Fetch(ctx context.Context, u *md.User) ([]*md.Marker, error) {
	if u.Anonymous() {
		return []*md.Marker{}, nil
	}
	return append([]*md.Marker{}, u.SubscribedTo...), nil
}

// Friends fans out over the user's friends, fetching the markers each one owns, and flattens the
// result in friend order. Markers the user may not see are left out. A friend whose markers cannot be
// fetched is logged and skipped.
type Friends struct {
	Markers  stores.MarkerStore
	PoolSize int
}

func (f *Friends) Fetch(ctx context.Context, u *md.User) ([]*md.Marker, error) {
	clog := logging.WithFuncName()
	if u.Anonymous() || len(u.Friends) == 0 {
		return []*md.Marker{}, nil
	}
	size := f.PoolSize
	if size <= 0 {
		size = defaultFriendsPoolSize
	}
	quotas := make(chan struct{}, size)
	// one slot per friend keeps the flattened result in friend order regardless of completion order
	owned := make([][]*md.Marker, len(u.Friends))
	var wg sync.WaitGroup
	wg.Add(len(u.Friends))
	for i, friend := range u.Friends {
		go func(i int, friendID string) {
			quotas <- struct{}{}
			defer func() { <-quotas }()
			defer wg.Done()
			ms, err := f.Markers.ListOwnedMarkers(ctx, friendID)
			if err != nil {
				clog.WithError(err).WithFields(log.Fields{cst.LogFieldUserID: u.ID, "friendID": friendID}).
					Error("error fetching markers of friend. Skipping")
				return
			}
			owned[i] = ms
		}(i, friend.ID)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, se.NewServiceFailure("fetching friend markers interrupted").WithCause(err)
	}
	out := []*md.Marker{}
	for _, ms := range owned {
		for _, m := range ms {
			if m.VisibleTo(u.ID) {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

// History resolves the user's history entries to markers in fetch order. Entries pointing at markers
// that no longer exist, or that the user may no longer see, are logged and skipped.
type History struct {
	Users   stores.UserStore
	Markers stores.MarkerStore
}

func (h *History) Fetch(ctx context.Context, u *md.User) ([]*md.Marker, error) {
	if u.Anonymous() {
		return []*md.Marker{}, nil
	}
	clog := logging.WithFuncName().WithField(cst.LogFieldUserID, u.ID)
	entries, err := h.Users.ListHistory(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	out := make([]*md.Marker, 0, len(entries))
	for _, e := range entries {
		m, err := h.Markers.GetMarker(ctx, e.MarkerID)
		switch {
		case se.Is(err, se.ErrCodeNotFound):
			clog.WithField(cst.LogFieldMarkerID, e.MarkerID).Warn("history entry points at a missing marker. Skipping")
			continue
		case err != nil:
			return nil, err
		case !m.VisibleTo(u.ID):
			clog.WithField(cst.LogFieldMarkerID, e.MarkerID).Info("history marker no longer visible. Skipping")
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
