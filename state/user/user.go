// Package user holds the signed-in user's profile, friends, subscriptions and view history.
package user

import (
	"context"
	"sync"

	"wuyrush.io/pinmap/common/logging"
	cst "wuyrush.io/pinmap/constants"
	se "wuyrush.io/pinmap/errors"
	md "wuyrush.io/pinmap/models"
	"wuyrush.io/pinmap/stores"
)

// State is nil-User when nobody is signed in
type State struct {
	User *md.User `json:"user"`
}

func (s State) UserID() string {
	if s.User == nil {
		return ""
	}
	return s.User.ID
}

type ActionType string

const (
	ActionSignedIn         ActionType = "SIGNED_IN"
	ActionSignedOut        ActionType = "SIGNED_OUT"
	ActionSetFriends       ActionType = "SET_FRIENDS"
	ActionSetHistory       ActionType = "SET_HISTORY"
	ActionAddSubscribed    ActionType = "ADD_SUBSCRIBED"
	ActionRemoveSubscribed ActionType = "REMOVE_SUBSCRIBED"
	ActionAddHistory       ActionType = "ADD_HISTORY"
)

type Action struct {
	Type    ActionType
	User    *md.User
	Friends []*md.Friend
	History []*md.HistoryEntry
	Marker  *md.Marker
	Entry   *md.HistoryEntry
}

// Reduce is the user transition function. It never mutates the user held by s.
func Reduce(s State, a Action) State {
	if a.Type == ActionSignedIn {
		return State{User: a.User}
	}
	if s.User == nil {
		return s
	}
	u := *s.User
	switch a.Type {
	case ActionSignedOut:
		return State{}
	case ActionSetFriends:
		u.Friends = a.Friends
	case ActionSetHistory:
		u.History = a.History
	case ActionAddSubscribed:
		for _, m := range u.SubscribedTo {
			if m.ID == a.Marker.ID {
				return s
			}
		}
		u.SubscribedTo = append(append([]*md.Marker{}, u.SubscribedTo...), a.Marker)
	case ActionRemoveSubscribed:
		subs := make([]*md.Marker, 0, len(u.SubscribedTo))
		for _, m := range u.SubscribedTo {
			if m.ID != a.Marker.ID {
				subs = append(subs, m)
			}
		}
		u.SubscribedTo = subs
	case ActionAddHistory:
		u.History = append(append([]*md.HistoryEntry{}, u.History...), a.Entry)
	default:
		return s
	}
	return State{User: &u}
}

// ChangeFn receives the state before and after a change
type ChangeFn func(prev, next State)

type Store struct {
	mu    sync.Mutex
	state State

	notifyMu sync.Mutex
	subs     map[int]ChangeFn
	nextSub  int
}

func NewStore() *Store {
	return &Store{subs: map[int]ChangeFn{}}
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Store) Dispatch(a Action) State {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.mu.Lock()
	prev := s.state
	s.state = Reduce(s.state, a)
	next := s.state
	s.mu.Unlock()
	for _, fn := range s.subs {
		fn(prev, next)
	}
	return next
}

// Subscribe registers fn for every change; sign-in and sign-out included. The returned func
// unregisters fn.
func (s *Store) Subscribe(fn ChangeFn) func() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.notifyMu.Lock()
		defer s.notifyMu.Unlock()
		delete(s.subs, id)
	}
}

// Loader assembles a user from the backend
type Loader struct {
	Backend stores.Backend
}

// Load fetches the profile of userID along with the friends, history, subscriptions and owned
// markers. Only a failure to load the profile fails the load; the relations are best effort.
func (l *Loader) Load(ctx context.Context, userID string) (*md.User, error) {
	clog := logging.WithFuncName().WithField(cst.LogFieldUserID, userID)
	u, err := l.Backend.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.Friends, err = l.Backend.ListFriends(ctx, userID); err != nil {
		clog.WithError(err).Error("error loading friends")
	}
	if u.History, err = l.Backend.ListHistory(ctx, userID); err != nil {
		clog.WithError(err).Error("error loading history")
	}
	if u.OwnerOf, err = l.Backend.ListOwnedMarkers(ctx, userID); err != nil {
		clog.WithError(err).Error("error loading owned markers")
	}
	ids, err := l.Backend.ListSubscribed(ctx, userID)
	if err != nil {
		clog.WithError(err).Error("error loading subscriptions")
	}
	u.SubscribedTo = make([]*md.Marker, 0, len(ids))
	for _, id := range ids {
		m, err := l.Backend.GetMarker(ctx, id)
		if err != nil {
			if !se.Is(err, se.ErrCodeNotFound) {
				clog.WithError(err).WithField(cst.LogFieldMarkerID, id).Error("error resolving subscribed marker")
			}
			continue
		}
		u.SubscribedTo = append(u.SubscribedTo, m)
	}
	return u, nil
}
