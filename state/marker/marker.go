// Package marker owns the marker listing, the draft being composed and the active marker with its
// live chat, presence and subscription status.
//
// Transitions go through the pure Reduce function. Controller is the effect layer issuing backend
// calls and dispatching their outcome.
package marker

import (
	md "wuyrush.io/pinmap/models"
)

// State is the marker state of one session. Messages, Connections and IsSubscribed always belong
// to Active; they are empty whenever Active is nil.
type State struct {
	List         []*md.Marker   `json:"list"`
	New          *md.NewMarker  `json:"new"`
	Active       *md.Marker     `json:"active"`
	Messages     []*md.Message  `json:"messages"`
	Connections  []string       `json:"connections"`
	IsSubscribed bool           `json:"isSubscribed"`
	// Gen identifies the subscription bundle feeding the active buffers
	Gen uint64 `json:"-"`
}

func Initial() State {
	return State{List: []*md.Marker{}, Messages: []*md.Message{}, Connections: []string{}}
}

type ActionType string

const (
	ActionSetList        ActionType = "SET_LIST"
	ActionNewDraft       ActionType = "NEW_DRAFT"
	ActionUpdateDraft    ActionType = "UPDATE_DRAFT"
	ActionClearDraft     ActionType = "CLEAR_DRAFT"
	ActionCreated        ActionType = "CREATED"
	ActionSetActive      ActionType = "SET_ACTIVE"
	ActionSetMessages    ActionType = "SET_MESSAGES"
	ActionSetConnections ActionType = "SET_CONNECTIONS"
	ActionSetSubscribed  ActionType = "SET_SUBSCRIBED"
	ActionSetViews       ActionType = "SET_VIEWS"
	ActionSetLoading     ActionType = "SET_LOADING"
)

type Action struct {
	Type ActionType
	// Gen ties actions touching the active marker to the bundle that produced them
	Gen         uint64
	Markers     []*md.Marker
	Marker      *md.Marker
	Draft       *md.NewMarker
	Patch       md.DraftPatch
	Messages    []*md.Message
	Connections []string
	Flag        bool
	Count       int64
}

func SetList(ms []*md.Marker) Action { return Action{Type: ActionSetList, Markers: ms} }

func NewDraft(nm *md.NewMarker) Action { return Action{Type: ActionNewDraft, Draft: nm} }

func UpdateDraft(p md.DraftPatch) Action { return Action{Type: ActionUpdateDraft, Patch: p} }

func ClearDraft() Action { return Action{Type: ActionClearDraft} }

func Created(m *md.Marker) Action { return Action{Type: ActionCreated, Marker: m} }

func SetActive(gen uint64, m *md.Marker) Action {
	return Action{Type: ActionSetActive, Gen: gen, Marker: m}
}

func SetMessages(gen uint64, msgs []*md.Message) Action {
	return Action{Type: ActionSetMessages, Gen: gen, Messages: msgs}
}

func SetConnections(gen uint64, conns []string) Action {
	return Action{Type: ActionSetConnections, Gen: gen, Connections: conns}
}

func SetSubscribed(gen uint64, v bool) Action {
	return Action{Type: ActionSetSubscribed, Gen: gen, Flag: v}
}

func SetViews(gen uint64, n int64) Action { return Action{Type: ActionSetViews, Gen: gen, Count: n} }

func SetLoading(gen uint64, v bool) Action { return Action{Type: ActionSetLoading, Gen: gen, Flag: v} }

// Reduce is the marker transition function.
//
// Actions carrying a generation other than the current one come from a superseded bundle and are
// dropped, as are active-marker actions when no marker is active.
func Reduce(s State, a Action) State {
	switch a.Type {
	case ActionSetList:
		s.List = append([]*md.Marker{}, a.Markers...)
	case ActionNewDraft:
		s.New = a.Draft.Clone()
		if s.New == nil {
			s.New = &md.NewMarker{}
		}
	case ActionUpdateDraft:
		if s.New != nil {
			s.New = a.Patch.Apply(s.New)
		}
	case ActionClearDraft:
		s.New = nil
	case ActionCreated:
		s.New = nil
		s.List = append(append([]*md.Marker{}, s.List...), a.Marker)
	case ActionSetActive:
		s.Gen = a.Gen
		s.Active = nil
		if a.Marker != nil {
			cp := *a.Marker
			s.Active = &cp
		}
		s.Messages = []*md.Message{}
		s.Connections = []string{}
		s.IsSubscribed = false
	default:
		if a.Gen != s.Gen || s.Active == nil {
			return s
		}
		s = reduceActive(s, a)
	}
	return s
}

func reduceActive(s State, a Action) State {
	switch a.Type {
	case ActionSetMessages:
		s.Messages = append([]*md.Message{}, a.Messages...)
	case ActionSetConnections:
		s.Connections = append([]string{}, a.Connections...)
	case ActionSetSubscribed:
		s.IsSubscribed = a.Flag
	case ActionSetViews:
		cp := *s.Active
		cp.Views = a.Count
		s.Active = &cp
	case ActionSetLoading:
		cp := *s.Active
		cp.IsLoading = a.Flag
		s.Active = &cp
	}
	return s
}
