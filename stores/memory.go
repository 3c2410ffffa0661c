package stores

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	se "wuyrush.io/pinmap/errors"
	md "wuyrush.io/pinmap/models"
)

// MemoryStore is a Backend kept in process memory. Listener callbacks run synchronously on the
// goroutine performing the write and must not write to the store themselves.
type MemoryStore struct {
	mu      sync.RWMutex
	markers map[string]*md.Marker
	order   []string // marker ids in creation order
	msgs    map[string][]*md.Message
	conns   map[string]map[string]struct{}
	subs    map[string]map[string]struct{} // markerID -> users
	subOf   map[string][]string            // userID -> markers, in subscription order
	views   map[string]int64
	users   map[string]*md.User
	friends map[string][]friendRef
	history map[string][]*md.HistoryEntry

	// emitMu serializes snapshot delivery so that listeners observe snapshots in write order
	emitMu       sync.Mutex
	msgLsnrs     map[string]map[int]MessagesFn
	connLsnrs    map[string]map[int]ConnectionsFn
	nextListener int
}

type friendRef struct {
	ID      string
	AddedAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markers:   map[string]*md.Marker{},
		msgs:      map[string][]*md.Message{},
		conns:     map[string]map[string]struct{}{},
		subs:      map[string]map[string]struct{}{},
		subOf:     map[string][]string{},
		views:     map[string]int64{},
		users:     map[string]*md.User{},
		friends:   map[string][]friendRef{},
		history:   map[string][]*md.HistoryEntry{},
		msgLsnrs:  map[string]map[int]MessagesFn{},
		connLsnrs: map[string]map[int]ConnectionsFn{},
	}
}

func copyMarker(m *md.Marker) *md.Marker {
	cp := *m
	cp.Policy.Show = append([]string(nil), m.Policy.Show...)
	cp.SubscribedUserIDs = append([]string(nil), m.SubscribedUserIDs...)
	cp.ConnectedUserIDs = append([]string(nil), m.ConnectedUserIDs...)
	return &cp
}

func (s *MemoryStore) CreateMarker(ctx context.Context, nm *md.NewMarker, creatorID string) (*md.Marker, error) {
	id, err := ksuid.NewRandom()
	if err != nil {
		return nil, se.NewServiceFailure("error generating marker id").WithCause(err)
	}
	m := &md.Marker{
		ID:          id.String(),
		Coordinates: nm.Coordinates,
		MinZoom:     nm.MinZoom,
		Label:       nm.Label,
		Icon:        nm.Icon,
		CreatorID:   creatorID,
		CreatedAt:   time.Now().UTC(),
		Policy:      md.Policy{IsPrivate: nm.Policy.IsPrivate, Show: append([]string(nil), nm.Policy.Show...)},
	}
	s.mu.Lock()
	s.markers[m.ID] = m
	s.order = append(s.order, m.ID)
	s.mu.Unlock()
	return copyMarker(m), nil
}

func (s *MemoryStore) GetMarker(ctx context.Context, markerID string) (*md.Marker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markers[markerID]
	if !ok {
		return nil, se.NewNotFound(fmt.Sprintf("marker %s not found", markerID))
	}
	return s.decorate(m), nil
}

// decorate copies m and fills in membership fields. Caller must hold s.mu.
func (s *MemoryStore) decorate(m *md.Marker) *md.Marker {
	cp := copyMarker(m)
	cp.SubscribedUserIDs = sortedKeys(s.subs[m.ID])
	cp.ConnectedUserIDs = sortedKeys(s.conns[m.ID])
	return cp
}

func (s *MemoryStore) filter(pred func(*md.Marker) bool) []*md.Marker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*md.Marker{}
	for _, id := range s.order {
		if m := s.markers[id]; pred(m) {
			out = append(out, copyMarker(m))
		}
	}
	return out
}

func (s *MemoryStore) ListPublicMarkers(ctx context.Context) ([]*md.Marker, error) {
	return s.filter(func(m *md.Marker) bool { return !m.Policy.IsPrivate }), nil
}

func (s *MemoryStore) ListVisibleMarkers(ctx context.Context, userID string) ([]*md.Marker, error) {
	return s.filter(func(m *md.Marker) bool {
		for _, id := range m.Policy.Show {
			if id == userID {
				return true
			}
		}
		return false
	}), nil
}

func (s *MemoryStore) ListOwnedMarkers(ctx context.Context, userID string) ([]*md.Marker, error) {
	return s.filter(func(m *md.Marker) bool { return m.CreatorID == userID }), nil
}

func (s *MemoryStore) AddMessage(ctx context.Context, markerID string, m *md.Message) error {
	if m.ID == "" {
		id, err := ksuid.NewRandom()
		if err != nil {
			return se.NewServiceFailure("error generating message id").WithCause(err)
		}
		m.ID = id.String()
	}
	cp := *m
	cp.SenderInfo = nil
	s.mu.Lock()
	msgs := append(s.msgs[markerID], &cp)
	// keep the stream ordered by creation time; stable so equal timestamps keep arrival order
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	s.msgs[markerID] = msgs
	s.mu.Unlock()
	s.emitMessages(markerID)
	return nil
}

func (s *MemoryStore) messages(markerID string) []*md.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*md.Message, len(s.msgs[markerID]))
	for i, m := range s.msgs[markerID] {
		cp := *m
		out[i] = &cp
	}
	return out
}

func (s *MemoryStore) emitMessages(markerID string) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	for _, fn := range s.msgLsnrs[markerID] {
		fn(s.messages(markerID))
	}
}

func (s *MemoryStore) ListenMessages(ctx context.Context, markerID string, fn MessagesFn) (Listener, error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	id := s.nextListener
	s.nextListener++
	if s.msgLsnrs[markerID] == nil {
		s.msgLsnrs[markerID] = map[int]MessagesFn{}
	}
	s.msgLsnrs[markerID][id] = fn
	fn(s.messages(markerID))
	return &closeOnce{fn: func() error {
		s.emitMu.Lock()
		defer s.emitMu.Unlock()
		delete(s.msgLsnrs[markerID], id)
		return nil
	}}, nil
}

func (s *MemoryStore) Connect(ctx context.Context, markerID, userID string) error {
	s.mu.Lock()
	if s.conns[markerID] == nil {
		s.conns[markerID] = map[string]struct{}{}
	}
	s.conns[markerID][userID] = struct{}{}
	s.mu.Unlock()
	s.emitConnections(markerID)
	return nil
}

func (s *MemoryStore) Disconnect(ctx context.Context, markerID, userID string) error {
	s.mu.Lock()
	delete(s.conns[markerID], userID)
	s.mu.Unlock()
	s.emitConnections(markerID)
	return nil
}

func (s *MemoryStore) connections(markerID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.conns[markerID])
}

func (s *MemoryStore) emitConnections(markerID string) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	for _, fn := range s.connLsnrs[markerID] {
		fn(s.connections(markerID))
	}
}

func (s *MemoryStore) ListenConnections(ctx context.Context, markerID string, fn ConnectionsFn) (Listener, error) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	id := s.nextListener
	s.nextListener++
	if s.connLsnrs[markerID] == nil {
		s.connLsnrs[markerID] = map[int]ConnectionsFn{}
	}
	s.connLsnrs[markerID][id] = fn
	fn(s.connections(markerID))
	return &closeOnce{fn: func() error {
		s.emitMu.Lock()
		defer s.emitMu.Unlock()
		delete(s.connLsnrs[markerID], id)
		return nil
	}}, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, markerID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs[markerID] == nil {
		s.subs[markerID] = map[string]struct{}{}
	}
	if _, ok := s.subs[markerID][userID]; ok {
		return nil
	}
	s.subs[markerID][userID] = struct{}{}
	s.subOf[userID] = append(s.subOf[userID], markerID)
	return nil
}

func (s *MemoryStore) Unsubscribe(ctx context.Context, markerID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs[markerID], userID)
	ids := s.subOf[userID]
	for i, id := range ids {
		if id == markerID {
			s.subOf[userID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) IsSubscribed(ctx context.Context, markerID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.subs[markerID][userID]
	return ok, nil
}

func (s *MemoryStore) ListSubscribed(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string{}, s.subOf[userID]...), nil
}

func (s *MemoryStore) AddView(ctx context.Context, markerID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[markerID]++
	return nil
}

func (s *MemoryStore) CountViews(ctx context.Context, markerID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.views[markerID], nil
}

func (s *MemoryStore) GetUser(ctx context.Context, userID string) (*md.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, se.NewNotFound(fmt.Sprintf("user %s not found", userID))
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) PutUser(ctx context.Context, u *md.User) error {
	// only the profile is stored; relations live in their own collections
	cp := md.User{ID: u.ID, Username: u.Username, Email: u.Email, Locale: u.Locale, Birthdate: u.Birthdate}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &cp
	return nil
}

func (s *MemoryStore) AddFriend(ctx context.Context, userID, friendID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.friends[userID] {
		if f.ID == friendID {
			return nil
		}
	}
	s.friends[userID] = append(s.friends[userID], friendRef{ID: friendID, AddedAt: at})
	return nil
}

func (s *MemoryStore) ListFriends(ctx context.Context, userID string) ([]*md.Friend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*md.Friend{}
	for _, ref := range s.friends[userID] {
		f := &md.Friend{User: md.User{ID: ref.ID}, AddedAt: ref.AddedAt}
		if u, ok := s.users[ref.ID]; ok {
			f.User = *u
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *MemoryStore) AddHistory(ctx context.Context, userID, markerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[userID] = append(s.history[userID], &md.HistoryEntry{MarkerID: markerID, ViewedAt: at})
	return nil
}

func (s *MemoryStore) ListHistory(ctx context.Context, userID string) ([]*md.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*md.HistoryEntry, len(s.history[userID]))
	for i, h := range s.history[userID] {
		cp := *h
		out[i] = &cp
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
