package main

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluele/gcache"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"wuyrush.io/pinmap/common/logging"
	cst "wuyrush.io/pinmap/constants"
	md "wuyrush.io/pinmap/models"
	"wuyrush.io/pinmap/state/marker"
	"wuyrush.io/pinmap/state/menu"
	"wuyrush.io/pinmap/state/user"
	"wuyrush.io/pinmap/state/window"
	"wuyrush.io/pinmap/stores"
)

const composerButtons = 3

// userSession hosts the state machines of one client
type userSession struct {
	ID       string
	Window   *window.Store
	Users    *user.Store
	Menu     *menu.Controller
	Markers  *marker.Controller
	Composer *marker.Composer

	once    sync.Once
	evicted int32
}

func newUserSession(b stores.Backend, listings menu.Registry, cfg marker.Config, u *md.User) *userSession {
	us := &userSession{
		ID:     uuid.New().String(),
		Window: window.NewStore(window.Initial()),
		Users:  user.NewStore(),
		Menu:   menu.NewController(listings),
	}
	us.Markers = marker.NewController(b, us.Window, us.Users, cfg)
	us.Composer = marker.NewComposer(us.Window, composerButtons)
	if u != nil {
		us.Users.Dispatch(user.Action{Type: user.ActionSignedIn, User: u})
	}
	return us
}

// Close releases the active marker bundle, presence included. Safe to call more than once.
func (us *userSession) Close() {
	us.once.Do(func() {
		if err := us.Markers.Close(); err != nil {
			logging.WithFuncName().WithError(err).WithField("sessionID", us.ID).Error("error closing session")
		}
	})
}

// markEvicted reports whether this call was the first to mark us as evicted
func (us *userSession) markEvicted() bool {
	return atomic.CompareAndSwapInt32(&us.evicted, 0, 1)
}

func (us *userSession) isEvicted() bool {
	return atomic.LoadInt32(&us.evicted) == 1
}

// sessionCache keeps user sessions for an idle period. Sessions leaving the cache, through sign-out,
// expiry or capacity pressure, are closed. gcache fires its eviction callback under its own lock, so
// the callback only queues the session and the close happens once the cache call returned.
type sessionCache struct {
	cache gcache.Cache
	idle  time.Duration

	mu      sync.Mutex
	evicted []*userSession
}

func newSessionCache(size int, idle time.Duration) *sessionCache {
	c := &sessionCache{idle: idle}
	c.cache = gcache.New(size).LRU().EvictedFunc(func(key, value interface{}) {
		us := value.(*userSession)
		if !us.markEvicted() {
			return
		}
		logging.WithFuncName().WithField("sessionID", key).Info("session evicted")
		c.mu.Lock()
		c.evicted = append(c.evicted, us)
		c.mu.Unlock()
	}).Build()
	return c
}

// closeEvicted closes the sessions queued by the eviction callback and returns how many it closed
func (c *sessionCache) closeEvicted() int {
	c.mu.Lock()
	evicted := c.evicted
	c.evicted = nil
	c.mu.Unlock()
	for _, us := range evicted {
		us.Close()
	}
	return len(evicted)
}

func (c *sessionCache) Put(us *userSession) error {
	err := c.cache.SetWithExpire(us.ID, us, c.idle)
	c.closeEvicted()
	return err
}

// Get returns the session of id and extends its idle period
func (c *sessionCache) Get(id string) (*userSession, bool) {
	v, err := c.cache.Get(id)
	c.closeEvicted()
	if err != nil {
		return nil, false
	}
	us := v.(*userSession)
	if !c.touch(us) {
		return nil, false
	}
	return us, true
}

// touch re-inserts us with a fresh idle period. A Remove landing between the lookup and the
// re-insert has already evicted us; the stale entry is dropped again and touch reports false.
func (c *sessionCache) touch(us *userSession) bool {
	if err := c.cache.SetWithExpire(us.ID, us, c.idle); err != nil {
		logging.WithFuncName().WithError(err).WithField("sessionID", us.ID).Warn("error refreshing session")
	}
	if us.isEvicted() {
		c.cache.Remove(us.ID)
		c.closeEvicted()
		return false
	}
	return true
}

func (c *sessionCache) Remove(id string) bool {
	ok := c.cache.Remove(id)
	c.closeEvicted()
	return ok
}

// Sweep evicts expired sessions. gcache only notices expiry on access, so idle sessions would
// otherwise keep their presence records until the cache fills up.
func (c *sessionCache) Sweep() int {
	for _, k := range c.cache.Keys(false) {
		// fetching an expired key removes it and fires the eviction callback
		c.cache.Get(k)
	}
	return c.closeEvicted()
}

// KeepAlive renews the presence records of live sessions so that the janitor leaves them be
func (c *sessionCache) KeepAlive(ctx context.Context) int {
	failed := 0
	for k, v := range c.cache.GetALL(true) {
		us := v.(*userSession)
		if us.isEvicted() {
			continue
		}
		if err := us.Markers.KeepAlive(ctx); err != nil {
			logging.WithFuncName().WithError(err).WithField("sessionID", k).Warn("error renewing presence")
			failed++
		}
	}
	return failed
}

// RunSweeper sweeps and renews presence every freq until stop is closed
func (c *sessionCache) RunSweeper(freq time.Duration, stop <-chan struct{}) {
	clog := logging.WithFuncName()
	ticker := time.NewTicker(freq)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				clog.WithFields(log.Fields{"evicted": n, cst.LogFieldAction: "sweep"}).Info("evicted idle sessions")
			}
			if n := c.KeepAlive(context.Background()); n > 0 {
				clog.WithField("failed", n).Warn("some presence records were not renewed")
			}
		case <-stop:
			return
		}
	}
}

// Purge closes every session
func (c *sessionCache) Purge() {
	for _, v := range c.cache.GetALL(false) {
		v.(*userSession).Close()
	}
	c.cache.Purge()
	c.closeEvicted()
}
