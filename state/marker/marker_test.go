package marker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	md "wuyrush.io/pinmap/models"
)

func TestReduce(t *testing.T) {
	active := State{
		List:         []*md.Marker{{ID: "m0"}},
		Active:       &md.Marker{ID: "m1"},
		Messages:     []*md.Message{{Content: "old"}},
		Connections:  []string{"alice"},
		IsSubscribed: true,
		Gen:          3,
	}
	label := "park"
	tcs := []struct {
		name   string
		state  State
		action Action
		check  func(t *testing.T, s State)
	}{
		{"SetActiveClearsBuffers", active, SetActive(4, &md.Marker{ID: "m2"}), func(t *testing.T, s State) {
			assert.Equal(t, "m2", s.Active.ID)
			assert.Equal(t, uint64(4), s.Gen)
			assert.Empty(t, s.Messages)
			assert.Empty(t, s.Connections)
			assert.False(t, s.IsSubscribed)
		}},
		{"SetActiveNil", active, SetActive(4, nil), func(t *testing.T, s State) {
			assert.Nil(t, s.Active)
			assert.Equal(t, []*md.Message{}, s.Messages)
			assert.Equal(t, []string{}, s.Connections)
		}},
		{"MessagesOfCurrentBundle", active, SetMessages(3, []*md.Message{{Content: "new"}}), func(t *testing.T, s State) {
			assert.Len(t, s.Messages, 1)
			assert.Equal(t, "new", s.Messages[0].Content)
		}},
		{"MessagesOfStaleBundleDropped", active, SetMessages(2, []*md.Message{{Content: "stale"}}), func(t *testing.T, s State) {
			assert.Equal(t, "old", s.Messages[0].Content)
		}},
		{"ConnectionsWithoutActiveDropped", Initial(), SetConnections(0, []string{"bob"}), func(t *testing.T, s State) {
			assert.Empty(t, s.Connections)
		}},
		{"Views", active, SetViews(3, 7), func(t *testing.T, s State) {
			assert.Equal(t, int64(7), s.Active.Views)
		}},
		{"UpdateWithoutDraftIsNoop", active, UpdateDraft(md.DraftPatch{Label: &label}), func(t *testing.T, s State) {
			assert.Nil(t, s.New)
		}},
		{"Created", State{List: []*md.Marker{{ID: "m0"}}, New: &md.NewMarker{Label: "x"}}, Created(&md.Marker{ID: "m9"}), func(t *testing.T, s State) {
			assert.Nil(t, s.New)
			assert.Len(t, s.List, 2)
		}},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			tc.check(t, Reduce(tc.state, tc.action))
		})
	}
	assert.Equal(t, "old", active.Messages[0].Content, "reduce must not mutate the previous state")
	assert.Equal(t, int64(0), active.Active.Views, "reduce must not mutate the previous state")
}

func TestReduce_DraftLifecycle(t *testing.T) {
	label, show := "secret", md.Policy{IsPrivate: true, Show: []string{"alice"}}
	s := Reduce(Initial(), NewDraft(&md.NewMarker{Coordinates: md.Coordinates{Lat: 1, Long: 2}}))
	s = Reduce(s, UpdateDraft(md.DraftPatch{Label: &label}))
	s = Reduce(s, UpdateDraft(md.DraftPatch{Policy: &show}))
	assert.Equal(t, &md.NewMarker{Coordinates: md.Coordinates{Lat: 1, Long: 2}, Label: "secret", Policy: show}, s.New)
	s = Reduce(s, ClearDraft())
	assert.Nil(t, s.New)
}
