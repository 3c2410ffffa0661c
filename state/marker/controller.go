package marker

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"wuyrush.io/pinmap/common/logging"
	rt "wuyrush.io/pinmap/common/retry"
	cst "wuyrush.io/pinmap/constants"
	se "wuyrush.io/pinmap/errors"
	md "wuyrush.io/pinmap/models"
	"wuyrush.io/pinmap/state/user"
	"wuyrush.io/pinmap/state/window"
	"wuyrush.io/pinmap/stores"
)

type MessagesAction string

const (
	MessagesSubscribe MessagesAction = "SUBSCRIBE"
	MessagesAdd       MessagesAction = "ADD"
)

type ConnectionAction string

const ConnectionSubscribe ConnectionAction = "SUBSCRIBE"

type ViewsAction string

const (
	ViewsAdd   ViewsAction = "ADD"
	ViewsFetch ViewsAction = "FETCH"
)

// MessagePayload is what a user sends to the active marker's chat
type MessagePayload struct {
	Content string         `json:"content"`
	Type    md.MessageType `json:"type"`
}

type Config struct {
	// SubscriptionRollback restores the subscription flag when the backend rejects a toggle
	SubscriptionRollback bool
	// RetryMaxAttempts is the number of retries of a failed remote call; zero disables retrying
	RetryMaxAttempts  int64
	RetryBaseDelay    time.Duration
	SenderCacheSize   int
	SenderCacheExpiry time.Duration
}

// Controller is the effect layer of the marker state machine for one session. It keeps at most one
// subscription bundle open at a time.
//
// Every remote failure is logged and leaves the state as it was; the error is still returned so that
// callers may report it.
type Controller struct {
	backend stores.Backend
	window  *window.Store
	users   *user.Store
	cfg     Config
	senders *senders
	now     func() time.Time

	// activeMu serializes bundle switches
	activeMu sync.Mutex
	// subMu serializes subscription toggles
	subMu sync.Mutex

	mu      sync.Mutex
	state   State
	gen     uint64
	session *Session

	notifyMu sync.Mutex
	subs     map[int]func(State)
	nextSub  int

	unsubUser func()
}

func NewController(b stores.Backend, w *window.Store, u *user.Store, cfg Config) *Controller {
	c := &Controller{
		backend: b,
		window:  w,
		users:   u,
		cfg:     cfg,
		senders: newSenders(b, cfg.SenderCacheSize, cfg.SenderCacheExpiry),
		now:     func() time.Time { return time.Now().UTC() },
		state:   Initial(),
		subs:    map[int]func(State){},
	}
	c.unsubUser = u.Subscribe(c.OnUserChanged)
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) dispatch(a Action) State {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.mu.Lock()
	c.state = Reduce(c.state, a)
	next := c.state
	c.mu.Unlock()
	for _, fn := range c.subs {
		fn(next)
	}
	return next
}

// Subscribe registers fn for every state change. Callbacks may run on backend listener goroutines
// and must not call back into the controller. The returned func unregisters fn.
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

func retryable(err error) bool {
	return se.Is(err, se.ErrCodeDependencyFailure) || rt.IsDepOffline(err)
}

// remote runs a backend call, retrying dependency failures when retries are configured
func (c *Controller) remote(ctx context.Context, f func() error) error {
	if c.cfg.RetryMaxAttempts <= 0 {
		return f()
	}
	delay := c.cfg.RetryBaseDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	return rt.Retry(f,
		rt.WithMaxAttempts(c.cfg.RetryMaxAttempts),
		rt.WithBaseDelay(delay),
		rt.WithExp(2),
		rt.WithJitter(0.2),
		rt.WithMaxBackoff(time.Duration(math.Min(float64(2*time.Second), float64(delay)*32))),
		rt.WithRetryOn(retryable),
		rt.WithContext(ctx),
	)
}

func (c *Controller) current() (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.Closed() {
		return nil, se.NewClosed("no active marker")
	}
	return c.session, nil
}

// SetActive opens m, tearing down the bundle of the previously active marker first. Passing nil
// deselects: buffers are cleared and nothing is opened. The returned Session is owned by the
// controller as well; closing it early (e.g. on unmount) is safe.
//
// Opening registers the user's presence, attaches the message and presence listeners, records a view
// and a history entry, and fetches the view count and subscription status. These steps are best
// effort: failures are logged and the marker stays open with whatever did succeed.
func (c *Controller) SetActive(ctx context.Context, m *md.Marker) (*Session, error) {
	c.activeMu.Lock()
	sess, entry, err := c.switchActive(ctx, m)
	c.activeMu.Unlock()
	if err != nil {
		return nil, err
	}
	if entry != nil {
		c.users.Dispatch(user.Action{Type: user.ActionAddHistory, Entry: entry})
	}
	return sess, nil
}

// switchActive must be called with activeMu held. The user is read under the lock so that a
// sign-out racing the switch either precedes it or tears down what it opened.
func (c *Controller) switchActive(ctx context.Context, m *md.Marker) (*Session, *md.HistoryEntry, error) {
	uid := c.users.State().UserID()
	if m != nil && !m.VisibleTo(uid) {
		return nil, nil, se.NewNotFound(fmt.Sprintf("marker %s not found", m.ID))
	}

	c.mu.Lock()
	prev := c.session
	c.session = nil
	c.gen++
	gen := c.gen
	c.mu.Unlock()
	if prev != nil {
		// closing never fails the switch; Close logs its own errors
		prev.Close()
	}
	c.dispatch(SetActive(gen, m))
	if m == nil {
		if c.window.State().Active == md.WindowChat {
			c.window.SetActive(md.WindowDefault)
		}
		return nil, nil, nil
	}

	clog := logging.WithFuncName().WithFields(log.Fields{cst.LogFieldMarkerID: m.ID, cst.LogFieldUserID: uid})
	sess := newSession(m.ID, uid, gen, c.backend, c.remote)
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	c.window.SetActive(md.WindowChat)
	c.dispatch(SetLoading(gen, true))
	defer c.dispatch(SetLoading(gen, false))

	c.ManageActiveConnection(ctx, ConnectionSubscribe)
	c.ManageActiveMessages(ctx, MessagesSubscribe, nil)
	c.ManageActiveViews(ctx, ViewsAdd)
	c.ManageActiveViews(ctx, ViewsFetch)
	if uid == "" {
		return sess, nil, nil
	}
	var subscribed bool
	err := c.remote(ctx, func() (err error) {
		subscribed, err = c.backend.IsSubscribed(ctx, m.ID, uid)
		return err
	})
	if err != nil {
		clog.WithError(err).Error("error fetching subscription status")
	} else {
		c.dispatch(SetSubscribed(gen, subscribed))
	}
	entry := &md.HistoryEntry{MarkerID: m.ID, ViewedAt: c.now(), Marker: m}
	if err := c.remote(ctx, func() error { return c.backend.AddHistory(ctx, uid, m.ID, entry.ViewedAt) }); err != nil {
		clog.WithError(err).Error("error recording history")
		return sess, nil, nil
	}
	return sess, entry, nil
}

// Close deselects the active marker and stops following user changes
func (c *Controller) Close() error {
	c.unsubUser()
	_, err := c.SetActive(context.Background(), nil)
	return err
}

// KeepAlive renews the presence record of the active marker, if any
func (c *Controller) KeepAlive(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.renew(ctx)
}

// OnUserChanged tears the active bundle down when the signed-in user changes
func (c *Controller) OnUserChanged(prev, next user.State) {
	if prev.UserID() == next.UserID() {
		return
	}
	// waits for a switch in flight so that a bundle it opens for the previous user is closed too
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	c.mu.Lock()
	active := c.session != nil
	c.mu.Unlock()
	if active {
		logging.WithFuncName().WithField(cst.LogFieldUserID, prev.UserID()).Info("user changed. Closing active marker")
		c.switchActive(context.Background(), nil)
	}
}

// ManageActiveMessages listens on the active marker's chat (SUBSCRIBE) or sends a message to it
// (ADD). Sending does not touch local state: the sender sees the message once the listener
// re-emits the stream.
func (c *Controller) ManageActiveMessages(ctx context.Context, action MessagesAction, p *MessagePayload) error {
	sess, err := c.current()
	if err != nil {
		return err
	}
	clog := logging.WithFuncName().WithFields(log.Fields{
		cst.LogFieldMarkerID: sess.markerID, cst.LogFieldUserID: sess.userID, cst.LogFieldAction: action,
	})
	switch action {
	case MessagesSubscribe:
		if sess.hasListener(listenerMessages) {
			return nil
		}
		var l stores.Listener
		err := c.remote(ctx, func() (err error) {
			l, err = c.backend.ListenMessages(ctx, sess.markerID, func(msgs []*md.Message) {
				if sess.Closed() {
					return
				}
				c.dispatch(SetMessages(sess.gen, c.senders.enrich(msgs)))
			})
			return err
		})
		if err != nil {
			clog.WithError(err).Error("error listening on messages")
			return err
		}
		sess.attach(listenerMessages, l)
		return nil
	case MessagesAdd:
		if sess.userID == "" {
			return se.NewInvalid("anonymous users cannot send messages")
		}
		if p == nil || p.Content == "" {
			return se.NewInvalid("empty message")
		}
		typ := p.Type
		if typ == "" {
			typ = md.MessageTypeMessage
		}
		if typ != md.MessageTypeMessage && typ != md.MessageTypeSticker {
			return se.NewInvalid(fmt.Sprintf("unknown message type %q", typ))
		}
		msg := &md.Message{SenderID: sess.userID, Content: p.Content, Type: typ, CreatedAt: c.now()}
		if err := c.remote(ctx, func() error { return c.backend.AddMessage(ctx, sess.markerID, msg) }); err != nil {
			clog.WithError(err).Error("error sending message")
			return err
		}
		return nil
	}
	return se.NewInvalid(fmt.Sprintf("unknown messages action %q", action))
}

// ManageActiveConnection registers the user's presence on the active marker and listens on the
// presence set. The presence record lives until the session closes.
func (c *Controller) ManageActiveConnection(ctx context.Context, action ConnectionAction) error {
	if action != ConnectionSubscribe {
		return se.NewInvalid(fmt.Sprintf("unknown connection action %q", action))
	}
	sess, err := c.current()
	if err != nil {
		return err
	}
	clog := logging.WithFuncName().WithFields(log.Fields{cst.LogFieldMarkerID: sess.markerID, cst.LogFieldUserID: sess.userID})
	var firstErr error
	if sess.userID != "" && !sess.isConnected() {
		err := c.remote(ctx, func() error { return c.backend.Connect(ctx, sess.markerID, sess.userID) })
		switch {
		case err != nil:
			clog.WithError(err).Error("error registering presence")
			firstErr = err
		case !sess.markConnected():
			// the session closed while connecting
			if err := c.backend.Disconnect(context.Background(), sess.markerID, sess.userID); err != nil {
				clog.WithError(err).Error("error removing presence record of a closed session")
			}
			return se.NewClosed("marker closed while connecting")
		}
	}
	if sess.hasListener(listenerConnections) {
		return firstErr
	}
	var l stores.Listener
	err = c.remote(ctx, func() (err error) {
		l, err = c.backend.ListenConnections(ctx, sess.markerID, func(conns []string) {
			if sess.Closed() {
				return
			}
			c.dispatch(SetConnections(sess.gen, conns))
		})
		return err
	})
	if err != nil {
		clog.WithError(err).Error("error listening on connections")
		return err
	}
	sess.attach(listenerConnections, l)
	return firstErr
}

// ManageActiveSubscription toggles the user's subscription to the active marker. The flag flips
// before the backend call resolves. A rejected call leaves the flag flipped unless rollback is
// configured.
func (c *Controller) ManageActiveSubscription(ctx context.Context) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	sess, err := c.current()
	if err != nil {
		return err
	}
	if sess.userID == "" {
		return se.NewInvalid("anonymous users cannot subscribe")
	}
	st := c.State()
	if st.Gen != sess.gen || st.Active == nil {
		return se.NewClosed("marker switched")
	}
	want := !st.IsSubscribed
	clog := logging.WithFuncName().WithFields(log.Fields{
		cst.LogFieldMarkerID: sess.markerID, cst.LogFieldUserID: sess.userID, "subscribe": want,
	})
	c.dispatch(SetSubscribed(sess.gen, want))
	err = c.remote(ctx, func() error {
		if want {
			return c.backend.Subscribe(ctx, sess.markerID, sess.userID)
		}
		return c.backend.Unsubscribe(ctx, sess.markerID, sess.userID)
	})
	if err != nil {
		clog.WithError(err).Error("error updating subscription")
		if c.cfg.SubscriptionRollback {
			c.dispatch(SetSubscribed(sess.gen, !want))
		}
		return err
	}
	ua := user.Action{Type: user.ActionRemoveSubscribed, Marker: st.Active}
	if want {
		ua.Type = user.ActionAddSubscribed
	}
	c.users.Dispatch(ua)
	return nil
}

// ManageActiveViews records one view of the active marker (ADD) or fetches its view count (FETCH).
// Views are never de-duplicated.
func (c *Controller) ManageActiveViews(ctx context.Context, action ViewsAction) error {
	sess, err := c.current()
	if err != nil {
		return err
	}
	clog := logging.WithFuncName().WithFields(log.Fields{
		cst.LogFieldMarkerID: sess.markerID, cst.LogFieldUserID: sess.userID, cst.LogFieldAction: action,
	})
	switch action {
	case ViewsAdd:
		if err := c.remote(ctx, func() error { return c.backend.AddView(ctx, sess.markerID, sess.userID) }); err != nil {
			clog.WithError(err).Error("error recording view")
			return err
		}
		return nil
	case ViewsFetch:
		var n int64
		err := c.remote(ctx, func() (err error) {
			n, err = c.backend.CountViews(ctx, sess.markerID)
			return err
		})
		if err != nil {
			clog.WithError(err).Error("error counting views")
			return err
		}
		c.dispatch(SetViews(sess.gen, n))
		return nil
	}
	return se.NewInvalid(fmt.Sprintf("unknown views action %q", action))
}

// SetList publishes the listing shown on the map
func (c *Controller) SetList(ms []*md.Marker) {
	c.dispatch(SetList(ms))
}

// NewDraft starts composing a marker at coords and opens the composer
func (c *Controller) NewDraft(coords md.Coordinates) {
	c.dispatch(NewDraft(&md.NewMarker{Coordinates: coords}))
	c.window.SetActive(md.WindowNewMarker)
}

// UpdateDraft applies p to the draft. It fails when nothing is being composed.
func (c *Controller) UpdateDraft(p md.DraftPatch) error {
	if c.State().New == nil {
		return se.NewNotFound("no draft marker")
	}
	c.dispatch(UpdateDraft(p))
	return nil
}

// CancelDraft drops the draft and returns to the default window
func (c *Controller) CancelDraft() {
	c.dispatch(ClearDraft())
	if c.window.State().Active == md.WindowNewMarker {
		c.window.SetActive(md.WindowDefault)
	}
}

// CancelDraftExiting drops the draft and completes exit, whose Done is the only window switch made
func (c *Controller) CancelDraftExiting(exit Exit) {
	c.dispatch(ClearDraft())
	exit.Done()
}

// Add submits the draft. A private draft with an empty allow-list is rejected before reaching the
// backend. On success the draft is cleared, the marker joins the listing and the window resets to
// DEFAULT; on failure draft, listing and window stay untouched.
func (c *Controller) Add(ctx context.Context) (*md.Marker, error) {
	return c.add(ctx, func() { c.window.SetActive(md.WindowDefault) })
}

// AddExiting is Add with the window reset left to exit, completed on success only
func (c *Controller) AddExiting(ctx context.Context, exit Exit) (*md.Marker, error) {
	return c.add(ctx, exit.Done)
}

func (c *Controller) add(ctx context.Context, done func()) (*md.Marker, error) {
	st := c.State()
	if st.New == nil {
		return nil, se.NewInvalid("no draft marker")
	}
	if !st.New.Policy.Submittable() {
		return nil, se.NewInvalid("private marker needs at least one user to show it to")
	}
	uid := c.users.State().UserID()
	if uid == "" {
		return nil, se.NewInvalid("anonymous users cannot create markers")
	}
	draft := st.New.Clone()
	clog := logging.WithFuncName().WithField(cst.LogFieldUserID, uid)
	var m *md.Marker
	err := c.remote(ctx, func() (err error) {
		m, err = c.backend.CreateMarker(ctx, draft, uid)
		return err
	})
	if err != nil {
		clog.WithError(err).Error("error creating marker")
		return nil, err
	}
	c.dispatch(Created(m))
	done()
	clog.WithField(cst.LogFieldMarkerID, m.ID).Info("marker created")
	return m, nil
}
