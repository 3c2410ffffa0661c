package marker

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	"wuyrush.io/pinmap/common/logging"
	cst "wuyrush.io/pinmap/constants"
	"wuyrush.io/pinmap/stores"
)

const (
	listenerMessages    = "messages"
	listenerConnections = "connections"
)

// Session is the subscription bundle of one opened marker: the message listener, the presence
// listener and the presence record of the viewing user. Closing it is the only way to release them.
type Session struct {
	markerID string
	userID   string
	gen      uint64
	presence stores.PresenceStore
	remote   func(ctx context.Context, f func() error) error

	mu        sync.Mutex
	order     []string
	listeners map[string]stores.Listener
	connected bool
	closed    bool

	// renewMu orders presence renewals before the final removal
	renewMu sync.Mutex

	once sync.Once
	err  error
}

func newSession(markerID, userID string, gen uint64, presence stores.PresenceStore, remote func(context.Context, func() error) error) *Session {
	return &Session{
		markerID:  markerID,
		userID:    userID,
		gen:       gen,
		presence:  presence,
		remote:    remote,
		listeners: map[string]stores.Listener{},
	}
}

func (s *Session) MarkerID() string { return s.markerID }

func (s *Session) UserID() string { return s.userID }

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) hasListener(kind string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.listeners[kind]
	return ok
}

// attach hands l over to the session. A listener arriving after Close is closed right away and
// attach reports false.
func (s *Session) attach(kind string, l stores.Listener) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return false
	}
	if _, ok := s.listeners[kind]; ok {
		s.mu.Unlock()
		// the same stream was attached concurrently; keep the first one
		l.Close()
		return true
	}
	s.listeners[kind] = l
	s.order = append(s.order, kind)
	s.mu.Unlock()
	return true
}

func (s *Session) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// markConnected records the presence registration. It reports false when the session closed in the
// meantime, in which case the caller owns removing the record.
func (s *Session) markConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.connected = true
	return true
}

// Close unsubscribes the listeners and then removes the presence record. The presence record is
// removed even when closing a listener fails. Close is safe to call from several exit paths and on a
// session whose listeners were never established; every call returns the outcome of the first.
func (s *Session) Close() error {
	s.once.Do(func() {
		clog := logging.WithFuncName().WithFields(log.Fields{cst.LogFieldMarkerID: s.markerID, cst.LogFieldUserID: s.userID})
		s.mu.Lock()
		s.closed = true
		order, listeners, connected := s.order, s.listeners, s.connected
		s.listeners, s.order = map[string]stores.Listener{}, nil
		s.mu.Unlock()

		for _, kind := range order {
			if err := listeners[kind].Close(); err != nil {
				clog.WithError(err).WithField("listener", kind).Error("error closing listener")
				if s.err == nil {
					s.err = err
				}
			}
		}
		if !connected {
			return
		}
		s.renewMu.Lock()
		defer s.renewMu.Unlock()
		err := s.remote(context.Background(), func() error {
			return s.presence.Disconnect(context.Background(), s.markerID, s.userID)
		})
		if err != nil {
			clog.WithError(err).Error("error removing presence record")
			if s.err == nil {
				s.err = err
			}
		}
	})
	return s.err
}

// renew refreshes the presence record so that the janitor keeps it. Sessions that never connected or
// already closed are left alone.
func (s *Session) renew(ctx context.Context) error {
	s.renewMu.Lock()
	defer s.renewMu.Unlock()
	if s.Closed() || !s.isConnected() {
		return nil
	}
	return s.remote(ctx, func() error {
		return s.presence.Connect(ctx, s.markerID, s.userID)
	})
}
