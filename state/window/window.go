// Package window tracks which overlay panel is shown and sequences panel transitions through the
// loaded flag.
package window

import (
	"fmt"
	"sync"

	"wuyrush.io/pinmap/common/logging"
	se "wuyrush.io/pinmap/errors"
	md "wuyrush.io/pinmap/models"
)

// State is the window state. IsLoaded is a sequencing flag: it tells whether the panel transition
// started by the last SetActive has completed, not whether any data has been loaded.
type State struct {
	Active   md.Window `json:"active"`
	IsLoaded bool      `json:"isLoaded"`
	Menu     md.Menu   `json:"menu"`
}

func Initial() State {
	return State{Active: md.WindowDefault, Menu: md.MenuDiscover}
}

type ActionType string

const (
	ActionSetActive ActionType = "SET_ACTIVE"
	ActionSetLoaded ActionType = "SET_LOADED"
	ActionSetMenu   ActionType = "SET_MENU"
)

type Action struct {
	Type   ActionType
	Window md.Window
	Loaded bool
	Menu   md.Menu
	// Seq identifies the transition a SET_LOADED notification belongs to
	Seq uint64
}

func SetActive(w md.Window) Action { return Action{Type: ActionSetActive, Window: w} }

func SetLoaded(seq uint64, v bool) Action { return Action{Type: ActionSetLoaded, Loaded: v, Seq: seq} }

func SetMenu(m md.Menu) Action { return Action{Type: ActionSetMenu, Menu: m} }

// Reduce is the window transition function. Activating a window always resets IsLoaded, even when
// the window is already active.
func Reduce(s State, a Action) State {
	switch a.Type {
	case ActionSetActive:
		s.Active = a.Window
		s.IsLoaded = false
	case ActionSetLoaded:
		s.IsLoaded = a.Loaded
	case ActionSetMenu:
		s.Menu = a.Menu
	}
	return s
}

func validate(a Action) error {
	switch a.Type {
	case ActionSetActive:
		if _, ok := md.WindowVals[a.Window]; !ok {
			return se.NewInvalid(fmt.Sprintf("unknown window %q", a.Window))
		}
	case ActionSetMenu:
		if _, ok := md.MenuVals[a.Menu]; !ok {
			return se.NewInvalid(fmt.Sprintf("unknown menu %q", a.Menu))
		}
	case ActionSetLoaded:
	default:
		return se.NewInvalid(fmt.Sprintf("unknown window action %q", a.Type))
	}
	return nil
}

// Store holds the window state of one session.
//
// Each SET_ACTIVE opens a new transition identified by a sequence number. The loaded flag of a
// transition has exactly one writer: Store accepts the first SET_LOADED carrying the current sequence
// number and ignores every other notification, so an outgoing panel finishing its exit late cannot
// overwrite the flag of the incoming one. There is no timeout; a transition nobody reports on stays
// not loaded.
type Store struct {
	mu       sync.Mutex
	state    State
	seq      uint64
	reported bool

	notifyMu sync.Mutex
	subs     map[int]func(State)
	nextSub  int
}

func NewStore(initial State) *Store {
	return &Store{state: initial, subs: map[int]func(State){}}
}

func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Seq returns the sequence number of the current transition
func (s *Store) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Dispatch applies a to the state. It returns the resulting state and whether a changed anything;
// stale or duplicate SET_LOADED notifications are dropped.
func (s *Store) Dispatch(a Action) (State, bool, error) {
	next, _, applied, err := s.dispatch(a)
	return next, applied, err
}

func (s *Store) dispatch(a Action) (State, uint64, bool, error) {
	if err := validate(a); err != nil {
		return s.State(), 0, false, err
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.mu.Lock()
	switch a.Type {
	case ActionSetActive:
		s.seq++
		s.reported = false
	case ActionSetLoaded:
		if a.Seq != s.seq || s.reported {
			cur, seq := s.state, s.seq
			s.mu.Unlock()
			logging.WithFuncName().WithField("seq", a.Seq).WithField("currentSeq", seq).
				Debug("dropping loaded notification of a stale or reported transition")
			return cur, seq, false, nil
		}
		s.reported = true
	}
	s.state = Reduce(s.state, a)
	next, seq := s.state, s.seq
	s.mu.Unlock()
	for _, fn := range s.subs {
		fn(next)
	}
	return next, seq, true, nil
}

// SetActive starts a transition to w and returns its sequence number for the single loaded writer
func (s *Store) SetActive(w md.Window) (uint64, error) {
	_, seq, _, err := s.dispatch(SetActive(w))
	return seq, err
}

// Loaded reports the end of transition seq. It returns false when the notification was dropped.
func (s *Store) Loaded(seq uint64, v bool) bool {
	_, applied, _ := s.Dispatch(SetLoaded(seq, v))
	return applied
}

func (s *Store) SetMenu(m md.Menu) error {
	_, _, err := s.Dispatch(SetMenu(m))
	return err
}

// Subscribe registers fn to receive every state change. Callbacks run on the dispatching goroutine
// and must not dispatch. The returned func unregisters fn.
func (s *Store) Subscribe(fn func(State)) func() {
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
