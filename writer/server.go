package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/sessions"
	hr "github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"wuyrush.io/pinmap/common/logging"
	mw "wuyrush.io/pinmap/common/middleware"
	cst "wuyrush.io/pinmap/constants"
	se "wuyrush.io/pinmap/errors"
	md "wuyrush.io/pinmap/models"
	"wuyrush.io/pinmap/state/marker"
	"wuyrush.io/pinmap/state/menu"
	"wuyrush.io/pinmap/state/user"
	"wuyrush.io/pinmap/state/window"
	"wuyrush.io/pinmap/stores"
)

const (
	cookieName     = "pinmap"
	cookieValueSID = "sid"
	maxBodyBytes   = 1 << 16

	defaultSessionIdleExpiry = 30 * time.Minute
	defaultSessionCacheSize  = 1024
)

// writer hosts one set of state machines per client session and turns client intents into
// transitions. Multiple writers form the service component handling the application's write
// operations; clients stick to the writer holding their session.
type writer struct {
	R        *hr.Router
	Backend  stores.Backend
	Listings menu.Registry
	Loader   *user.Loader
	Cookies  sessions.Store
	Sessions *sessionCache
	Cfg      marker.Config
}

func (wrt *writer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wrt.R.ServeHTTP(w, r)
}

func serve() error {
	viper.AutomaticEnv()
	logging.SetupLog("pinmap-writer", viper.GetBool(cst.EnvVerbose))
	b, err := stores.Open(context.Background(), backendConfig())
	if err != nil {
		return err
	}
	defer b.Close()
	idle := viper.GetDuration(cst.EnvSessionIdleExpiry)
	if idle <= 0 {
		idle = defaultSessionIdleExpiry
	}
	size := viper.GetInt(cst.EnvSessionCacheSize)
	if size <= 0 {
		size = defaultSessionCacheSize
	}
	wrt := setup(b, []byte(viper.GetString(cst.EnvSessionKey)), newSessionCache(size, idle), marker.Config{
		SubscriptionRollback: viper.GetBool(cst.EnvSubscriptionRollback),
		RetryMaxAttempts:     viper.GetInt64(cst.EnvRemoteRetryMaxAttempts),
		SenderCacheSize:      viper.GetInt(cst.EnvSenderCacheSize),
		SenderCacheExpiry:    viper.GetDuration(cst.EnvSenderCacheExpiry),
	}, viper.GetInt(cst.EnvFriendsFetchPoolSize))
	stop := make(chan struct{})
	defer close(stop)
	defer wrt.Sessions.Purge()
	freq := idle / 2
	if ttl := viper.GetDuration(cst.EnvPresenceLeaseTTL); ttl > 0 && ttl/3 < freq {
		freq = ttl / 3
	}
	go wrt.Sessions.RunSweeper(freq, stop)

	addr := viper.GetString(cst.EnvWriterAddr)
	log.WithField("addr", addr).Info("pinmap writer is starting up")
	svr := &http.Server{
		Addr:           addr,
		Handler:        wrt,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 12,
	}
	errs := make(chan error, 1)
	go func() { errs <- svr.ListenAndServe() }()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, os.Interrupt)
	select {
	case err := <-errs:
		return err
	case <-sigChan:
		log.Info("got termination signal from kernel. Shutting down")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return svr.Shutdown(ctx)
}

func backendConfig() *stores.Config {
	return &stores.Config{
		Redis: stores.RedisConfig{
			Host:   viper.GetString(cst.EnvRedisHost),
			Port:   viper.GetString(cst.EnvRedisPort),
			Passwd: viper.GetString(cst.EnvRedisPasswd),
			DB:     viper.GetInt(cst.EnvRedisDB),
		},
		Couch: &stores.CouchConfig{
			DBAddr:        viper.GetString(cst.EnvCouchDBAddr),
			UserDBName:    viper.GetString(cst.EnvCouchDBUserDB),
			HistoryDBName: viper.GetString(cst.EnvCouchDBHistoryDB),
			DBUsername:    viper.GetString(cst.EnvCouchDBUsername),
			DBPasswd:      viper.GetString(cst.EnvCouchDBPasswd),
		},
	}
}

func setup(b stores.Backend, sessionKey []byte, sc *sessionCache, cfg marker.Config, friendsPoolSize int) *writer {
	wrt := &writer{
		Backend:  b,
		Listings: menu.NewRegistry(b, friendsPoolSize),
		Loader:   &user.Loader{Backend: b},
		Cookies:  sessions.NewCookieStore(sessionKey),
		Sessions: sc,
		Cfg:      cfg,
	}
	wrt.SetupRoutes()
	return wrt
}

func (wrt *writer) SetupRoutes() {
	r := hr.New()
	chain := func(h hr.Handle) hr.Handle { return mw.Chain(h, mw.PanicRecoverer(), mw.RequestLogger()) }
	r.POST("/session", chain(wrt.HandleSignIn))
	r.DELETE("/session", chain(wrt.withSession(wrt.HandleSignOut)))
	r.GET("/state", chain(wrt.withSession(wrt.HandleGetState)))
	r.PUT("/active/:mid", chain(wrt.withSession(wrt.HandleSetActive)))
	r.DELETE("/active", chain(wrt.withSession(wrt.HandleClearActive)))
	r.POST("/active/messages", chain(wrt.withSession(wrt.HandleSendMessage)))
	r.POST("/active/subscription", chain(wrt.withSession(wrt.HandleToggleSubscription)))
	r.POST("/draft", chain(wrt.withSession(wrt.HandleNewDraft)))
	r.PATCH("/draft", chain(wrt.withSession(wrt.HandleUpdateDraft)))
	r.DELETE("/draft", chain(wrt.withSession(wrt.HandleCancelDraft)))
	r.POST("/draft/submit", chain(wrt.withSession(wrt.HandleSubmitDraft)))
	r.POST("/window/loaded", chain(wrt.withSession(wrt.HandleWindowLoaded)))
	r.PUT("/menu/:category", chain(wrt.withSession(wrt.HandleSelectMenu)))
	wrt.R = r
}

type sessionHandle func(w http.ResponseWriter, r *http.Request, p hr.Params, us *userSession)

// withSession resolves the client's session from its cookie
func (wrt *writer) withSession(h sessionHandle) hr.Handle {
	return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
		c, err := wrt.Cookies.Get(r, cookieName)
		if err != nil {
			logging.WithFuncName().WithError(err).Warn("error decoding session cookie")
		}
		sid, _ := c.Values[cookieValueSID].(string)
		us, ok := wrt.Sessions.Get(sid)
		if !ok {
			respErr(w, se.NewNotFound("no session. Sign in first"))
			return
		}
		h(w, r, p, us)
	}
}

func respJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("error encoding response")
	}
}

func respErr(w http.ResponseWriter, err error) {
	respJSON(w, se.StatusCodeOf(err), map[string]string{"error": err.Error()})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return se.NewBadInput("invalid request body").WithCause(err)
	}
	return nil
}

type stateView struct {
	SessionID string         `json:"sessionId"`
	Window    window.State   `json:"window"`
	Seq       uint64         `json:"seq"`
	Menu      menu.State     `json:"menu"`
	User      *md.User       `json:"user"`
	Marker    marker.State   `json:"marker"`
	Composer  []marker.Value `json:"composer"`
}

func viewOf(us *userSession) stateView {
	return stateView{
		SessionID: us.ID,
		Window:    us.Window.State(),
		Seq:       us.Window.Seq(),
		Menu:      us.Menu.State(),
		User:      us.Users.State().User,
		Marker:    us.Markers.State(),
		Composer:  us.Composer.Values(),
	}
}

// HandleSignIn opens a session for the user named in the body, or an anonymous one when no user is
// named. Authentication is left to the fronting gateway.
func (wrt *writer) HandleSignIn(w http.ResponseWriter, r *http.Request, _ hr.Params) {
	var body struct {
		UserID string `json:"userId"`
	}
	// an empty body opens an anonymous session
	if err := decode(r, &body); err != nil && !errors.Is(err, io.EOF) {
		respErr(w, err)
		return
	}
	clog := logging.WithFuncName().WithField(cst.LogFieldUserID, body.UserID)
	var u *md.User
	if body.UserID != "" {
		var err error
		if u, err = wrt.Loader.Load(r.Context(), body.UserID); err != nil {
			clog.WithError(err).Error("error loading user")
			respErr(w, err)
			return
		}
	}
	us := newUserSession(wrt.Backend, wrt.Listings, wrt.Cfg, u)
	if err := wrt.Sessions.Put(us); err != nil {
		us.Close()
		respErr(w, se.NewServiceFailure("error saving session").WithCause(err))
		return
	}
	c, _ := wrt.Cookies.Get(r, cookieName)
	c.Values[cookieValueSID] = us.ID
	if err := c.Save(r, w); err != nil {
		clog.WithError(err).Error("error saving session cookie")
		wrt.Sessions.Remove(us.ID)
		respErr(w, se.NewServiceFailure("error saving session").WithCause(err))
		return
	}
	clog.WithField("sessionID", us.ID).Info("session opened")
	respJSON(w, http.StatusCreated, viewOf(us))
}

// HandleSignOut signs the user out, which closes the active marker, and drops the session
func (wrt *writer) HandleSignOut(w http.ResponseWriter, r *http.Request, _ hr.Params, us *userSession) {
	us.Users.Dispatch(user.Action{Type: user.ActionSignedOut})
	wrt.Sessions.Remove(us.ID)
	c, _ := wrt.Cookies.Get(r, cookieName)
	c.Options.MaxAge = -1
	if err := c.Save(r, w); err != nil {
		logging.WithFuncName().WithError(err).Error("error clearing session cookie")
	}
	respJSON(w, http.StatusNoContent, nil)
}

func (wrt *writer) HandleGetState(w http.ResponseWriter, r *http.Request, _ hr.Params, us *userSession) {
	respJSON(w, http.StatusOK, viewOf(us))
}

func (wrt *writer) HandleSetActive(w http.ResponseWriter, r *http.Request, p hr.Params, us *userSession) {
	m, err := wrt.Backend.GetMarker(r.Context(), p.ByName("mid"))
	if err != nil {
		respErr(w, err)
		return
	}
	if _, err := us.Markers.SetActive(r.Context(), m); err != nil {
		respErr(w, err)
		return
	}
	respJSON(w, http.StatusOK, viewOf(us))
}

func (wrt *writer) HandleClearActive(w http.ResponseWriter, r *http.Request, _ hr.Params, us *userSession) {
	if _, err := us.Markers.SetActive(r.Context(), nil); err != nil {
		respErr(w, err)
		return
	}
	respJSON(w, http.StatusOK, viewOf(us))
}

// HandleSendMessage answers 202: the message shows up in the state once the chat stream re-emits
func (wrt *writer) HandleSendMessage(w http.ResponseWriter, r *http.Request, _ hr.Params, us *userSession) {
	var payload marker.MessagePayload
	if err := decode(r, &payload); err != nil {
		respErr(w, err)
		return
	}
	if err := us.Markers.ManageActiveMessages(r.Context(), marker.MessagesAdd, &payload); err != nil {
		respErr(w, err)
		return
	}
	respJSON(w, http.StatusAccepted, nil)
}

func (wrt *writer) HandleToggleSubscription(w http.ResponseWriter, r *http.Request, _ hr.Params, us *userSession) {
	err := us.Markers.ManageActiveSubscription(r.Context())
	if err != nil && !se.Is(err, se.ErrCodeDependencyFailure) {
		respErr(w, err)
		return
	}
	code := http.StatusOK
	if err != nil {
		// the flag already flipped; report the failure along with the state the client should show
		code = http.StatusBadGateway
	}
	respJSON(w, code, map[string]bool{"isSubscribed": us.Markers.State().IsSubscribed})
}

func (wrt *writer) HandleNewDraft(w http.ResponseWriter, r *http.Request, _ hr.Params, us *userSession) {
	var coords md.Coordinates
	if err := decode(r, &coords); err != nil {
		respErr(w, err)
		return
	}
	us.Markers.NewDraft(coords)
	respJSON(w, http.StatusCreated, map[string]interface{}{
		"draft":    us.Markers.State().New,
		"entering": us.Composer.Entering(),
		"seq":      us.Window.Seq(),
	})
}

func (wrt *writer) HandleUpdateDraft(w http.ResponseWriter, r *http.Request, _ hr.Params, us *userSession) {
	var patch md.DraftPatch
	if err := decode(r, &patch); err != nil {
		respErr(w, err)
		return
	}
	if err := us.Markers.UpdateDraft(patch); err != nil {
		respErr(w, err)
		return
	}
	respJSON(w, http.StatusOK, us.Markers.State().New)
}

// HandleCancelDraft drops the draft and returns the exit plan of the composer buttons
func (wrt *writer) HandleCancelDraft(w http.ResponseWriter, r *http.Request, _ hr.Params, us *userSession) {
	exit := us.Composer.Exiting(md.WindowDefault)
	us.Markers.CancelDraftExiting(exit)
	respJSON(w, http.StatusOK, map[string]interface{}{"exiting": exit.Steps, "seq": us.Window.Seq()})
}

// HandleSubmitDraft creates the drafted marker. On success the composer exits the same way a cancel
// does; on failure the draft and window are left as they were.
func (wrt *writer) HandleSubmitDraft(w http.ResponseWriter, r *http.Request, _ hr.Params, us *userSession) {
	exit := us.Composer.Exiting(md.WindowDefault)
	m, err := us.Markers.AddExiting(r.Context(), exit)
	if err != nil {
		respErr(w, err)
		return
	}
	respJSON(w, http.StatusCreated, map[string]interface{}{"marker": m, "exiting": exit.Steps, "seq": us.Window.Seq()})
}

func (wrt *writer) HandleWindowLoaded(w http.ResponseWriter, r *http.Request, _ hr.Params, us *userSession) {
	var body struct {
		Seq    uint64 `json:"seq"`
		Loaded bool   `json:"loaded"`
	}
	if err := decode(r, &body); err != nil {
		respErr(w, err)
		return
	}
	applied := us.Window.Loaded(body.Seq, body.Loaded)
	respJSON(w, http.StatusOK, map[string]interface{}{"applied": applied, "window": us.Window.State()})
}

// HandleSelectMenu switches the listing category and publishes the fresh listing to the map
func (wrt *writer) HandleSelectMenu(w http.ResponseWriter, r *http.Request, p hr.Params, us *userSession) {
	cat := md.Menu(strings.ToUpper(p.ByName("category")))
	if err := us.Window.SetMenu(cat); err != nil {
		respErr(w, err)
		return
	}
	if _, ok := wrt.Listings[cat]; !ok {
		respJSON(w, http.StatusOK, map[string]interface{}{"category": cat, "markers": []*md.Marker{}})
		return
	}
	ms, err := us.Menu.Select(r.Context(), us.Users.State().User, cat)
	if err != nil {
		respErr(w, err)
		return
	}
	us.Markers.SetList(ms)
	respJSON(w, http.StatusOK, map[string]interface{}{"category": cat, "markers": ms})
}
