package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	md "wuyrush.io/pinmap/models"
	"wuyrush.io/pinmap/state/marker"
	"wuyrush.io/pinmap/stores"
)

const testSessionKey = "0123456789abcdef0123456789abcdef"

type client struct {
	t       *testing.T
	wrt     *writer
	cookies []*http.Cookie
}

func newTestWriter(t *testing.T) (*writer, *stores.MemoryStore) {
	b := stores.NewMemoryStore()
	require.NoError(t, b.PutUser(context.Background(), &md.User{ID: "bob", Username: "Bob"}))
	wrt := setup(b, []byte(testSessionKey), newSessionCache(16, time.Minute), marker.Config{}, 2)
	t.Cleanup(wrt.Sessions.Purge)
	return wrt, b
}

// do sends a request carrying the cookies collected so far and decodes the response into out
func (c *client) do(method, path string, body interface{}, out interface{}) int {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}
	wrec := httptest.NewRecorder()
	c.wrt.ServeHTTP(wrec, req)
	if cks := wrec.Result().Cookies(); len(cks) > 0 {
		c.cookies = cks
	}
	if out != nil && wrec.Body.Len() > 0 {
		require.NoError(c.t, json.Unmarshal(wrec.Body.Bytes(), out), wrec.Body.String())
	}
	return wrec.Code
}

func signIn(t *testing.T, wrt *writer, uid string) *client {
	c := &client{t: t, wrt: wrt}
	var body interface{}
	if uid != "" {
		body = map[string]string{"userId": uid}
	}
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/session", body, nil))
	require.NotEmpty(t, c.cookies)
	return c
}

func TestWriter_SignIn(t *testing.T) {
	wrt, _ := newTestWriter(t)
	tcs := []struct {
		name    string
		body    interface{}
		expCode int
		expUser string
	}{
		{"KnownUser", map[string]string{"userId": "bob"}, http.StatusCreated, "bob"},
		{"Anonymous", nil, http.StatusCreated, ""},
		{"UnknownUser", map[string]string{"userId": "ghost"}, http.StatusNotFound, ""},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			c := &client{t: t, wrt: wrt}
			var view stateView
			require.Equal(t, tc.expCode, c.do(http.MethodPost, "/session", tc.body, &view))
			if tc.expCode != http.StatusCreated {
				return
			}
			if tc.expUser == "" {
				assert.Nil(t, view.User)
			} else {
				require.NotNil(t, view.User)
				assert.Equal(t, tc.expUser, view.User.ID)
			}
			assert.Equal(t, md.WindowDefault, view.Window.Active)
		})
	}
}

func TestWriter_NoSession(t *testing.T) {
	wrt, _ := newTestWriter(t)
	c := &client{t: t, wrt: wrt}
	assert.Equal(t, http.StatusNotFound, c.do(http.MethodGet, "/state", nil, nil))
}

func TestWriter_ActiveMarker(t *testing.T) {
	wrt, b := newTestWriter(t)
	ctx := context.Background()
	m, err := b.CreateMarker(ctx, &md.NewMarker{Label: "cafe"}, "alice")
	require.NoError(t, err)
	c := signIn(t, wrt, "bob")

	var view stateView
	require.Equal(t, http.StatusOK, c.do(http.MethodPut, "/active/"+m.ID, nil, &view))
	require.NotNil(t, view.Marker.Active)
	assert.Equal(t, m.ID, view.Marker.Active.ID)
	assert.Equal(t, md.WindowChat, view.Window.Active)
	assert.Equal(t, []string{"bob"}, view.Marker.Connections)
	assert.Equal(t, int64(1), view.Marker.Active.Views)

	assert.Equal(t, http.StatusAccepted, c.do(http.MethodPost, "/active/messages",
		marker.MessagePayload{Content: "hi", Type: md.MessageTypeMessage}, nil))
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/active/messages",
		marker.MessagePayload{Type: md.MessageTypeMessage}, nil))
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/state", nil, &view))
	require.Len(t, view.Marker.Messages, 1)
	assert.Equal(t, "hi", view.Marker.Messages[0].Content)
	require.NotNil(t, view.Marker.Messages[0].SenderInfo)
	assert.Equal(t, "Bob", view.Marker.Messages[0].SenderInfo.Username)

	var sub map[string]bool
	require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/active/subscription", nil, &sub))
	assert.True(t, sub["isSubscribed"])
	ok, err := b.IsSubscribed(ctx, m.ID, "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	require.Equal(t, http.StatusOK, c.do(http.MethodDelete, "/active", nil, &view))
	assert.Nil(t, view.Marker.Active)
	assert.Empty(t, view.Marker.Messages)
	assert.Empty(t, view.Marker.Connections)
	assert.Equal(t, md.WindowDefault, view.Window.Active)
	require.NotNil(t, view.User)
	require.NotEmpty(t, view.User.History)
	assert.Equal(t, m.ID, view.User.History[0].MarkerID)

	assert.Equal(t, http.StatusNotFound, c.do(http.MethodPut, "/active/nope", nil, nil))
}

func TestWriter_Draft(t *testing.T) {
	wrt, b := newTestWriter(t)
	c := signIn(t, wrt, "bob")

	var created struct {
		Draft    *md.NewMarker `json:"draft"`
		Entering []marker.Step `json:"entering"`
	}
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/draft", md.Coordinates{Lat: 1, Long: 2}, &created))
	require.NotNil(t, created.Draft)
	assert.Equal(t, md.Coordinates{Lat: 1, Long: 2}, created.Draft.Coordinates)
	assert.Len(t, created.Entering, composerButtons)

	var view stateView
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/state", nil, &view))
	assert.Equal(t, md.WindowNewMarker, view.Window.Active)

	label := "bench"
	require.Equal(t, http.StatusOK, c.do(http.MethodPatch, "/draft",
		md.DraftPatch{Label: &label, Policy: &md.Policy{IsPrivate: true}}, nil))
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/draft/submit", nil, nil))

	require.Equal(t, http.StatusOK, c.do(http.MethodPatch, "/draft",
		md.DraftPatch{Policy: &md.Policy{IsPrivate: true, Show: []string{"alice"}}}, nil))
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/state", nil, &view))
	before := view.Seq
	var submitted struct {
		Marker  *md.Marker    `json:"marker"`
		Exiting []marker.Step `json:"exiting"`
		Seq     uint64        `json:"seq"`
	}
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/draft/submit", nil, &submitted))
	require.NotNil(t, submitted.Marker)
	m := submitted.Marker
	assert.Equal(t, "bench", m.Label)
	assert.Equal(t, "bob", m.CreatorID)
	require.Len(t, submitted.Exiting, composerButtons)
	assert.Equal(t, composerButtons-1, submitted.Exiting[0].Button)
	// a single switch back to DEFAULT
	assert.Equal(t, before+1, submitted.Seq)

	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/state", nil, &view))
	assert.Equal(t, submitted.Seq, view.Seq)
	assert.Nil(t, view.Marker.New)
	assert.Equal(t, md.WindowDefault, view.Window.Active)
	for _, v := range view.Composer {
		assert.Equal(t, marker.Value{}, v)
	}
	got, err := b.GetMarker(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, "bench", got.Label)

	assert.Equal(t, http.StatusNotFound, c.do(http.MethodPatch, "/draft", md.DraftPatch{Label: &label}, nil))
}

func TestWriter_CancelDraft(t *testing.T) {
	wrt, _ := newTestWriter(t)
	c := signIn(t, wrt, "bob")
	var created struct {
		Seq uint64 `json:"seq"`
	}
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/draft", md.Coordinates{}, &created))

	var exit struct {
		Exiting []marker.Step `json:"exiting"`
		Seq     uint64        `json:"seq"`
	}
	require.Equal(t, http.StatusOK, c.do(http.MethodDelete, "/draft", nil, &exit))
	require.Len(t, exit.Exiting, composerButtons)
	assert.Equal(t, composerButtons-1, exit.Exiting[0].Button)
	assert.Equal(t, created.Seq+1, exit.Seq)

	var view stateView
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/state", nil, &view))
	assert.Nil(t, view.Marker.New)
	assert.Equal(t, md.WindowDefault, view.Window.Active)
	assert.Equal(t, exit.Seq, view.Seq)
}

func TestWriter_AnonymousCannotParticipate(t *testing.T) {
	wrt, b := newTestWriter(t)
	m, err := b.CreateMarker(context.Background(), &md.NewMarker{Label: "cafe"}, "alice")
	require.NoError(t, err)
	c := signIn(t, wrt, "")

	var view stateView
	require.Equal(t, http.StatusOK, c.do(http.MethodPut, "/active/"+m.ID, nil, &view))
	assert.Empty(t, view.Marker.Connections)
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/active/messages",
		marker.MessagePayload{Content: "hi", Type: md.MessageTypeMessage}, nil))
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/active/subscription", nil, nil))
}

func TestWriter_SelectMenu(t *testing.T) {
	wrt, b := newTestWriter(t)
	ctx := context.Background()
	pub, _ := b.CreateMarker(ctx, &md.NewMarker{Label: "pub"}, "alice")
	_, _ = b.CreateMarker(ctx, &md.NewMarker{Label: "hidden", Policy: md.Policy{IsPrivate: true, Show: []string{"carol"}}}, "alice")
	c := signIn(t, wrt, "bob")

	tcs := []struct {
		name    string
		path    string
		expCode int
		expIDs  []string
	}{
		{"Discover", "/menu/discover", http.StatusOK, []string{pub.ID}},
		{"Subs", "/menu/SUBS", http.StatusOK, []string{}},
		{"NewHasNoListing", "/menu/new", http.StatusOK, []string{}},
		{"Unknown", "/menu/bogus", http.StatusBadRequest, nil},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			var got struct {
				Markers []*md.Marker `json:"markers"`
			}
			require.Equal(t, tc.expCode, c.do(http.MethodPut, tc.path, nil, &got))
			if tc.expIDs == nil {
				return
			}
			ids := []string{}
			for _, m := range got.Markers {
				ids = append(ids, m.ID)
			}
			assert.Equal(t, tc.expIDs, ids)
		})
	}
	var view stateView
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/state", nil, &view))
	assert.Equal(t, md.MenuNew, view.Window.Menu)
}

func TestWriter_WindowLoaded(t *testing.T) {
	wrt, _ := newTestWriter(t)
	c := signIn(t, wrt, "bob")
	var view stateView
	require.Equal(t, http.StatusOK, c.do(http.MethodGet, "/state", nil, &view))

	tcs := []struct {
		name       string
		seq        uint64
		expApplied bool
	}{
		{"Current", view.Seq, true},
		{"Repeated", view.Seq, false},
		{"Stale", view.Seq + 1, false},
	}
	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			var got struct {
				Applied bool `json:"applied"`
			}
			require.Equal(t, http.StatusOK, c.do(http.MethodPost, "/window/loaded",
				map[string]interface{}{"seq": tc.seq, "loaded": true}, &got))
			assert.Equal(t, tc.expApplied, got.Applied)
		})
	}
}

func TestWriter_SignOut(t *testing.T) {
	wrt, b := newTestWriter(t)
	ctx := context.Background()
	m, _ := b.CreateMarker(ctx, &md.NewMarker{Label: "cafe"}, "alice")
	c := signIn(t, wrt, "bob")
	require.Equal(t, http.StatusOK, c.do(http.MethodPut, "/active/"+m.ID, nil, nil))

	saved := c.cookies
	require.Equal(t, http.StatusNoContent, c.do(http.MethodDelete, "/session", nil, nil))
	c.cookies = saved
	assert.Equal(t, http.StatusNotFound, c.do(http.MethodGet, "/state", nil, nil))

	var conns []string
	l, err := b.ListenConnections(ctx, m.ID, func(ids []string) { conns = ids })
	require.NoError(t, err)
	defer l.Close()
	assert.Empty(t, conns)
}

func TestSessionCache_Sweep(t *testing.T) {
	b := stores.NewMemoryStore()
	ctx := context.Background()
	m, _ := b.CreateMarker(ctx, &md.NewMarker{Label: "cafe"}, "alice")
	sc := newSessionCache(4, 20*time.Millisecond)
	idle := newUserSession(b, nil, marker.Config{}, &md.User{ID: "bob"})
	require.NoError(t, sc.Put(idle))
	_, err := idle.Markers.SetActive(ctx, m)
	require.NoError(t, err)

	assert.Equal(t, 0, sc.KeepAlive(ctx))
	assert.Equal(t, 0, sc.Sweep(), "fresh sessions stay")
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, sc.Sweep(), "idle sessions are evicted")
	_, ok := sc.Get(idle.ID)
	assert.False(t, ok)

	var conns []string
	l, err := b.ListenConnections(ctx, m.ID, func(ids []string) { conns = ids })
	require.NoError(t, err)
	defer l.Close()
	assert.Empty(t, conns, "evicted sessions give up their presence")
}

func TestSessionCache_RemoveDuringRefresh(t *testing.T) {
	b := stores.NewMemoryStore()
	sc := newSessionCache(4, time.Minute)
	us := newUserSession(b, nil, marker.Config{}, &md.User{ID: "bob"})
	require.NoError(t, sc.Put(us))

	// a sign-out lands between the lookup and the refresh of a concurrent request
	v, err := sc.cache.Get(us.ID)
	require.NoError(t, err)
	assert.True(t, sc.Remove(us.ID))
	assert.False(t, sc.touch(v.(*userSession)))

	assert.Empty(t, sc.cache.Keys(false), "a closed session must not be re-inserted")
	_, ok := sc.Get(us.ID)
	assert.False(t, ok)
}

// hookBackend runs onDisconnect before removing a presence record
type hookBackend struct {
	*stores.MemoryStore
	onDisconnect func()
}

func (b *hookBackend) Disconnect(ctx context.Context, markerID, userID string) error {
	if b.onDisconnect != nil {
		b.onDisconnect()
	}
	return b.MemoryStore.Disconnect(ctx, markerID, userID)
}

func TestSessionCache_CloseOutsideCacheLock(t *testing.T) {
	b := &hookBackend{MemoryStore: stores.NewMemoryStore()}
	ctx := context.Background()
	m, err := b.CreateMarker(ctx, &md.NewMarker{Label: "cafe"}, "alice")
	require.NoError(t, err)
	sc := newSessionCache(4, time.Minute)
	t.Cleanup(sc.Purge)
	us := newUserSession(b, nil, marker.Config{}, &md.User{ID: "bob"})
	other := newUserSession(b, nil, marker.Config{}, &md.User{ID: "alice"})
	require.NoError(t, sc.Put(us))
	require.NoError(t, sc.Put(other))
	_, err = us.Markers.SetActive(ctx, m)
	require.NoError(t, err)

	var hooked bool
	b.onDisconnect = func() {
		if hooked {
			return
		}
		hooked = true
		done := make(chan bool)
		go func() {
			_, ok := sc.Get(other.ID)
			done <- ok
		}()
		select {
		case ok := <-done:
			assert.True(t, ok)
		case <-time.After(time.Second):
			t.Error("cache stayed locked while a session was closing")
		}
	}
	assert.True(t, sc.Remove(us.ID))
	assert.True(t, hooked, "closing the removed session drops its presence")
}
