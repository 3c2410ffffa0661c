package models

import (
	"time"
)

/*
 Application layer data models.
*/

// Coordinates locates a marker on the map
type Coordinates struct {
	Lat  float64 `json:"lat"`
	Long float64 `json:"long"`
}

// Policy decides who can see and fetch a marker. When IsPrivate is set only users listed in Show
// can see it.
type Policy struct {
	IsPrivate bool     `json:"isPrivate"`
	Show      []string `json:"show"`
}

// Submittable tells whether a marker carrying the policy can be created. A private policy with an
// empty allow-list would produce a marker nobody can see.
func (p Policy) Submittable() bool {
	return !p.IsPrivate || len(p.Show) > 0
}

// Allows reports whether the policy lets userID see the marker
func (p Policy) Allows(userID string) bool {
	if !p.IsPrivate {
		return true
	}
	for _, id := range p.Show {
		if id == userID {
			return true
		}
	}
	return false
}

// Marker is a user-created geolocated point with an attached chat stream
type Marker struct {
	ID          string      `json:"markerId"`
	Coordinates Coordinates `json:"coordinates"`
	MinZoom     float64     `json:"minZoom"`
	Label       string      `json:"label"`
	Icon        string      `json:"icon,omitempty"`
	CreatorID   string      `json:"creatorId"`
	CreatedAt   time.Time   `json:"createdAt"`
	Policy      Policy      `json:"policy"`
	// SubscribedUserIDs holds persistent followers; ConnectedUserIDs holds users with the chat open
	SubscribedUserIDs []string `json:"subscribedUserIds,omitempty"`
	ConnectedUserIDs  []string `json:"connectedUserIds,omitempty"`
	// view-only fields
	Views     int64 `json:"views"`
	IsLoading bool  `json:"isLoading"`
}

// VisibleTo reports whether the user identified by userID may see or fetch the marker. Creators always
// see their own markers.
func (m *Marker) VisibleTo(userID string) bool {
	if m.CreatorID != "" && m.CreatorID == userID {
		return true
	}
	return m.Policy.Allows(userID)
}

// NewMarker is a marker being composed. It has no ID, creation time or creator until the backend
// accepts it.
type NewMarker struct {
	Coordinates Coordinates `json:"coordinates"`
	MinZoom     float64     `json:"minZoom"`
	Label       string      `json:"label"`
	Icon        string      `json:"icon,omitempty"`
	Policy      Policy      `json:"policy"`
}

// Clone returns a deep copy so that drafts held in state are never mutated through aliases
func (n *NewMarker) Clone() *NewMarker {
	if n == nil {
		return nil
	}
	cp := *n
	cp.Policy.Show = append([]string(nil), n.Policy.Show...)
	return &cp
}

// DraftPatch is a partial update of a draft; nil fields are left untouched
type DraftPatch struct {
	Coordinates *Coordinates `json:"coordinates,omitempty"`
	MinZoom     *float64     `json:"minZoom,omitempty"`
	Label       *string      `json:"label,omitempty"`
	Icon        *string      `json:"icon,omitempty"`
	Policy      *Policy      `json:"policy,omitempty"`
}

// Apply returns a copy of n with the patch applied
func (p DraftPatch) Apply(n *NewMarker) *NewMarker {
	out := n.Clone()
	if out == nil {
		out = &NewMarker{}
	}
	if p.Coordinates != nil {
		out.Coordinates = *p.Coordinates
	}
	if p.MinZoom != nil {
		out.MinZoom = *p.MinZoom
	}
	if p.Label != nil {
		out.Label = *p.Label
	}
	if p.Icon != nil {
		out.Icon = *p.Icon
	}
	if p.Policy != nil {
		out.Policy = Policy{IsPrivate: p.Policy.IsPrivate, Show: append([]string(nil), p.Policy.Show...)}
	}
	return out
}

type MessageType string

const (
	MessageTypeMessage MessageType = "message"
	MessageTypeSticker MessageType = "sticker"
)

// Message is one entry of a marker's chat stream
type Message struct {
	ID        string      `json:"messageId"`
	SenderID  string      `json:"senderId"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	CreatedAt time.Time   `json:"createdAt"`
	// SenderInfo is filled at read time and never persisted
	SenderInfo *SenderInfo `json:"senderInfo,omitempty"`
}

// SenderInfo is the denormalized projection of a message sender
type SenderInfo struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// User models individual service user
type User struct {
	ID           string          `json:"userId"`
	Username     string          `json:"username"`
	Email        string          `json:"email"`
	Locale       string          `json:"locale"`
	Birthdate    time.Time       `json:"birthdate"`
	Friends      []*Friend       `json:"friends,omitempty"`
	SubscribedTo []*Marker       `json:"subscribedTo,omitempty"`
	OwnerOf      []*Marker       `json:"ownerOf,omitempty"`
	History      []*HistoryEntry `json:"history,omitempty"`
}

func (u *User) Anonymous() bool {
	return u == nil
}

// SenderInfo projects the user for message enrichment
func (u *User) SenderInfo() *SenderInfo {
	return &SenderInfo{UserID: u.ID, Username: u.Username}
}

// Friend is a user plus the time the friendship started
type Friend struct {
	User
	AddedAt time.Time `json:"addedAt"`
}

// HistoryEntry records that a user opened a marker
type HistoryEntry struct {
	MarkerID string    `json:"markerId"`
	ViewedAt time.Time `json:"viewedAt"`
	// Marker is resolved from MarkerID on fetch
	Marker *Marker `json:"marker,omitempty"`
}

// Window selects which overlay panel is shown
type Window string

const (
	WindowDefault   Window = "DEFAULT"
	WindowNewMarker Window = "NEW_MARKER"
	WindowChat      Window = "CHAT"
)

var WindowVals = map[Window]struct{}{
	WindowDefault:   {},
	WindowNewMarker: {},
	WindowChat:      {},
}

// Menu selects the marker listing category shown in the default panel
type Menu string

const (
	MenuDiscover Menu = "DISCOVER"
	MenuSubs     Menu = "SUBS"
	MenuFriends  Menu = "FRIENDS"
	MenuHistory  Menu = "HISTORY"
	MenuNew      Menu = "NEW"
)

var MenuVals = map[Menu]struct{}{
	MenuDiscover: {},
	MenuSubs:     {},
	MenuFriends:  {},
	MenuHistory:  {},
	MenuNew:      {},
}
