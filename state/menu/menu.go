// Package menu tracks the selected marker listing category and fetches its listing through a
// pluggable per-category strategy.
package menu

import (
	"context"
	"fmt"
	"sync"

	"wuyrush.io/pinmap/common/logging"
	se "wuyrush.io/pinmap/errors"
	md "wuyrush.io/pinmap/models"
)

type State struct {
	Category md.Menu          `json:"category"`
	Loading  map[md.Menu]bool `json:"loading"`
	Markers  []*md.Marker     `json:"markers"`
}

func Initial() State {
	return State{Category: md.MenuDiscover, Loading: map[md.Menu]bool{}, Markers: []*md.Marker{}}
}

type ActionType string

const (
	ActionSelect  ActionType = "SELECT"
	ActionFetched ActionType = "FETCHED"
	ActionFailed  ActionType = "FAILED"
	// ActionSuperseded ends a fetch whose result is no longer wanted
	ActionSuperseded ActionType = "SUPERSEDED"
)

type Action struct {
	Type     ActionType
	Category md.Menu
	Markers  []*md.Marker
}

func (s State) withLoading(cat md.Menu, v bool) State {
	loading := make(map[md.Menu]bool, len(s.Loading)+1)
	for k, l := range s.Loading {
		loading[k] = l
	}
	if v {
		loading[cat] = true
	} else {
		delete(loading, cat)
	}
	s.Loading = loading
	return s
}

// Reduce is the menu transition function
func Reduce(s State, a Action) State {
	switch a.Type {
	case ActionSelect:
		s.Category = a.Category
		s = s.withLoading(a.Category, true)
	case ActionFetched:
		s = s.withLoading(a.Category, false)
		if a.Category == s.Category {
			s.Markers = a.Markers
		}
	case ActionFailed:
		// the last listing stays on failure
		s = s.withLoading(a.Category, false)
	case ActionSuperseded:
		// a newer fetch of the same category is still in flight
		if a.Category != s.Category {
			s = s.withLoading(a.Category, false)
		}
	}
	return s
}

// Controller runs category selections. Each selection re-fetches; a selection superseded by a later
// one has its result discarded.
type Controller struct {
	strategies Registry

	mu    sync.Mutex
	state State
	gen   uint64

	notifyMu sync.Mutex
	subs     map[int]func(State)
	nextSub  int
}

func NewController(strategies Registry) *Controller {
	return &Controller{strategies: strategies, state: Initial(), subs: map[int]func(State){}}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) apply(a Action, gen uint64) (State, bool) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.mu.Lock()
	if gen != 0 && gen != c.gen {
		a = Action{Type: ActionSuperseded, Category: a.Category}
	}
	c.state = Reduce(c.state, a)
	next := c.state
	c.mu.Unlock()
	for _, fn := range c.subs {
		fn(next)
	}
	return next, a.Type != ActionSuperseded
}

// Select switches to cat and fetches its listing for u. It returns the fetched markers, or a Closed
// error when a later selection superseded this one before the fetch completed.
func (c *Controller) Select(ctx context.Context, u *md.User, cat md.Menu) ([]*md.Marker, error) {
	if _, ok := c.strategies[cat]; !ok {
		return nil, se.NewInvalid(fmt.Sprintf("category %s has no listing", cat))
	}
	clog := logging.WithFuncName().WithField("category", cat)
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.mu.Unlock()
	c.apply(Action{Type: ActionSelect, Category: cat}, gen)

	ms, err := c.strategies.Fetch(ctx, cat, u)
	if err != nil {
		clog.WithError(err).Error("error fetching listing")
		if _, current := c.apply(Action{Type: ActionFailed, Category: cat}, gen); !current {
			return nil, se.NewClosed("selection superseded").WithCause(err)
		}
		return nil, err
	}
	if _, current := c.apply(Action{Type: ActionFetched, Category: cat, Markers: ms}, gen); !current {
		clog.Debug("discarding listing of a superseded selection")
		return nil, se.NewClosed("selection superseded")
	}
	return ms, nil
}

// Subscribe registers fn to receive every state change. The returned func unregisters fn.
func (c *Controller) Subscribe(fn func(State)) func() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.notifyMu.Lock()
		defer c.notifyMu.Unlock()
		delete(c.subs, id)
	}
}
