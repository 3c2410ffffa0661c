package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis"
	"github.com/segmentio/ksuid"
	log "github.com/sirupsen/logrus"
	"wuyrush.io/pinmap/common/logging"
	cst "wuyrush.io/pinmap/constants"
	se "wuyrush.io/pinmap/errors"
	md "wuyrush.io/pinmap/models"
)

// RedisStore is a Realtime implementation driven by Redis. Markers are JSON documents; indexes and
// streams are sorted sets scored by creation time in microseconds; presence and subscribers are plain
// sets so that SADD / SREM give add-if-absent / remove-if-present semantics under concurrent writers.
// Live listeners are Redis pub/sub channels notified after each write; every notification triggers a
// full snapshot read.
type RedisStore struct {
	DB *redis.Client
}

const (
	keyMarkersPublic = "markers.public"
	// presence leases of every marker, scored by last renewal
	keyPresenceLeases = "presence.leases"
	// templates to form redis keys
	keyTmplMarker          = "marker.%s"
	keyTmplMarkerMessages  = "marker.%s.messages"
	keyTmplMarkerConns     = "marker.%s.connections"
	keyTmplMarkerSubs      = "marker.%s.subscribers"
	keyTmplMarkerViews     = "marker.%s.views"
	keyTmplMarkersVisible  = "markers.visible.%s"
	keyTmplMarkersOwned    = "markers.owned.%s"
	keyTmplUserSubscribed  = "user.%s.subscribedTo"
	chanTmplMessagesChange = "marker.%s.messages.changed"
	chanTmplConnsChange    = "marker.%s.connections.changed"
)

type viewRecord struct {
	UserID string    `json:"userId"`
	At     time.Time `json:"at"`
}

func score(t time.Time) float64 {
	return float64(t.UnixNano() / int64(time.Microsecond))
}

func (s *RedisStore) CreateMarker(ctx context.Context, nm *md.NewMarker, creatorID string) (*md.Marker, error) {
	const errMsg = "error creating marker"
	clog := logging.WithFuncName().WithField(cst.LogFieldUserID, creatorID)
	kid, err := ksuid.NewRandom()
	if err != nil {
		clog.WithError(err).Error("fail to generate marker id")
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	m := &md.Marker{
		ID:          kid.String(),
		Coordinates: nm.Coordinates,
		MinZoom:     nm.MinZoom,
		Label:       nm.Label,
		Icon:        nm.Icon,
		CreatorID:   creatorID,
		CreatedAt:   time.Now().UTC(),
		Policy:      md.Policy{IsPrivate: nm.Policy.IsPrivate, Show: append([]string(nil), nm.Policy.Show...)},
	}
	doc, err := json.Marshal(m)
	if err != nil {
		clog.WithError(err).Error("error marshalling marker to json")
		return nil, se.NewServiceFailure(errMsg).WithCause(err)
	}
	member := redis.Z{Score: score(m.CreatedAt), Member: m.ID}
	if _, err := s.DB.TxPipelined(func(p redis.Pipeliner) error {
		p.Set(fmt.Sprintf(keyTmplMarker, m.ID), doc, 0)
		p.ZAdd(fmt.Sprintf(keyTmplMarkersOwned, creatorID), member)
		if !m.Policy.IsPrivate {
			p.ZAdd(keyMarkersPublic, member)
		}
		for _, uid := range m.Policy.Show {
			p.ZAdd(fmt.Sprintf(keyTmplMarkersVisible, uid), member)
		}
		return nil
	}); err != nil {
		clog.WithError(err).WithField(cst.LogFieldMarkerID, m.ID).Error("error saving marker in redis")
		return nil, se.NewDependencyFailure(errMsg).WithCause(err)
	}
	return m, nil
}

func (s *RedisStore) GetMarker(ctx context.Context, markerID string) (*md.Marker, error) {
	clog := logging.WithFuncName().WithField(cst.LogFieldMarkerID, markerID)
	b, err := s.DB.Get(fmt.Sprintf(keyTmplMarker, markerID)).Bytes()
	if err == redis.Nil {
		return nil, se.NewNotFound(fmt.Sprintf("marker %s not found", markerID))
	} else if err != nil {
		msg := "error getting marker data"
		clog.WithError(err).Error(msg)
		return nil, se.NewDependencyFailure(msg).WithCause(err)
	}
	m := &md.Marker{}
	if err := json.Unmarshal(b, m); err != nil {
		msg := "error unmarshalling marker data"
		clog.WithError(err).Error(msg)
		return nil, se.NewServiceFailure(msg).WithCause(err)
	}
	subs, err := s.DB.SMembers(fmt.Sprintf(keyTmplMarkerSubs, markerID)).Result()
	if err != nil {
		msg := "error getting marker subscribers"
		clog.WithError(err).Error(msg)
		return nil, se.NewDependencyFailure(msg).WithCause(err)
	}
	conns, err := s.DB.SMembers(fmt.Sprintf(keyTmplMarkerConns, markerID)).Result()
	if err != nil {
		msg := "error getting marker connections"
		clog.WithError(err).Error(msg)
		return nil, se.NewDependencyFailure(msg).WithCause(err)
	}
	sort.Strings(subs)
	sort.Strings(conns)
	m.SubscribedUserIDs, m.ConnectedUserIDs = subs, conns
	return m, nil
}

// markersIn loads the marker documents indexed by the sorted set at key, oldest first. Index entries
// pointing at missing documents are skipped.
func (s *RedisStore) markersIn(key string) ([]*md.Marker, error) {
	clog := logging.WithFuncName().WithField("indexKey", key)
	ids, err := s.DB.ZRange(key, 0, -1).Result()
	if err != nil {
		msg := "error listing marker index"
		clog.WithError(err).Error(msg)
		return nil, se.NewDependencyFailure(msg).WithCause(err)
	}
	out := make([]*md.Marker, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = fmt.Sprintf(keyTmplMarker, id)
	}
	docs, err := s.DB.MGet(keys...).Result()
	if err != nil {
		msg := "error loading marker documents"
		clog.WithError(err).Error(msg)
		return nil, se.NewDependencyFailure(msg).WithCause(err)
	}
	for i, doc := range docs {
		str, ok := doc.(string)
		if !ok {
			clog.WithField(cst.LogFieldMarkerID, ids[i]).Warn("indexed marker document missing. Skipping")
			continue
		}
		m := &md.Marker{}
		if err := json.Unmarshal([]byte(str), m); err != nil {
			clog.WithError(err).WithField(cst.LogFieldMarkerID, ids[i]).Error("error unmarshalling marker data. Skipping")
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisStore) ListPublicMarkers(ctx context.Context) ([]*md.Marker, error) {
	return s.markersIn(keyMarkersPublic)
}

func (s *RedisStore) ListVisibleMarkers(ctx context.Context, userID string) ([]*md.Marker, error) {
	return s.markersIn(fmt.Sprintf(keyTmplMarkersVisible, userID))
}

func (s *RedisStore) ListOwnedMarkers(ctx context.Context, userID string) ([]*md.Marker, error) {
	return s.markersIn(fmt.Sprintf(keyTmplMarkersOwned, userID))
}

func (s *RedisStore) AddMessage(ctx context.Context, markerID string, m *md.Message) error {
	const errMsg = "error adding message"
	clog := logging.WithFuncName().WithFields(log.Fields{cst.LogFieldMarkerID: markerID, cst.LogFieldUserID: m.SenderID})
	if m.ID == "" {
		kid, err := ksuid.NewRandom()
		if err != nil {
			clog.WithError(err).Error("fail to generate message id")
			return se.NewServiceFailure(errMsg).WithCause(err)
		}
		m.ID = kid.String()
	}
	persisted := *m
	persisted.SenderInfo = nil
	b, err := json.Marshal(&persisted)
	if err != nil {
		clog.WithError(err).Error("error marshalling message to json")
		return se.NewServiceFailure(errMsg).WithCause(err)
	}
	if _, err := s.DB.ZAdd(fmt.Sprintf(keyTmplMarkerMessages, markerID), redis.Z{
		Score:  score(m.CreatedAt),
		Member: string(b),
	}).Result(); err != nil {
		clog.WithError(err).Error("error saving message in redis")
		return se.NewDependencyFailure(errMsg).WithCause(err)
	}
	s.notify(fmt.Sprintf(chanTmplMessagesChange, markerID))
	return nil
}

func (s *RedisStore) messages(markerID string) ([]*md.Message, error) {
	raw, err := s.DB.ZRange(fmt.Sprintf(keyTmplMarkerMessages, markerID), 0, -1).Result()
	if err != nil {
		return nil, se.NewDependencyFailure("error loading messages").WithCause(err)
	}
	out := make([]*md.Message, 0, len(raw))
	for _, r := range raw {
		m := &md.Message{}
		if err := json.Unmarshal([]byte(r), m); err != nil {
			logging.WithFuncName().WithError(err).WithField(cst.LogFieldMarkerID, markerID).
				Error("error unmarshalling message. Skipping")
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *RedisStore) ListenMessages(ctx context.Context, markerID string, fn MessagesFn) (Listener, error) {
	return s.listen(fmt.Sprintf(chanTmplMessagesChange, markerID), func() error {
		msgs, err := s.messages(markerID)
		if err != nil {
			return err
		}
		fn(msgs)
		return nil
	})
}

func (s *RedisStore) Connect(ctx context.Context, markerID, userID string) error {
	return s.presence(markerID, userID, true)
}

func (s *RedisStore) Disconnect(ctx context.Context, markerID, userID string) error {
	return s.presence(markerID, userID, false)
}

// presence updates the presence set together with its lease. Connecting an existing member renews
// the lease.
func (s *RedisStore) presence(markerID, userID string, connect bool) error {
	clog := logging.WithFuncName().WithFields(log.Fields{cst.LogFieldMarkerID: markerID, cst.LogFieldUserID: userID})
	key, member := fmt.Sprintf(keyTmplMarkerConns, markerID), leaseMember(markerID, userID)
	_, err := s.DB.TxPipelined(func(p redis.Pipeliner) error {
		if connect {
			p.SAdd(key, userID)
			p.ZAdd(keyPresenceLeases, redis.Z{Score: score(time.Now()), Member: member})
		} else {
			// redis ignores SREM / ZREM of absent members
			p.SRem(key, userID)
			p.ZRem(keyPresenceLeases, member)
		}
		return nil
	})
	if err != nil {
		msg := "error updating marker presence"
		clog.WithError(err).WithField("connect", connect).Error(msg)
		return se.NewDependencyFailure(msg).WithCause(err)
	}
	s.notify(fmt.Sprintf(chanTmplConnsChange, markerID))
	return nil
}

// Lease is a presence record along with its last renewal
type Lease struct {
	MarkerID  string
	UserID    string
	RenewedAt time.Time
	score     float64
}

func leaseMember(markerID, userID string) string {
	return markerID + "/" + userID
}

// ExpiredLeases returns up to max presence leases not renewed since before, oldest first. It returns
// every expired lease if max == 0.
func (s *RedisStore) ExpiredLeases(ctx context.Context, before time.Time, max int) ([]*Lease, error) {
	zs, err := s.DB.ZRangeByScoreWithScores(keyPresenceLeases, redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(score(before), 'f', 0, 64),
		Count: int64(max),
	}).Result()
	if err != nil {
		msg := "error loading expired presence leases"
		logging.WithFuncName().WithError(err).Error(msg)
		return nil, se.NewDependencyFailure(msg).WithCause(err)
	}
	leases := make([]*Lease, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		// marker IDs never contain a slash
		i := strings.Index(member, "/")
		if i < 0 {
			logging.WithFuncName().WithField("lease", member).Warn("skipping malformed presence lease")
			continue
		}
		leases = append(leases, &Lease{
			MarkerID:  member[:i],
			UserID:    member[i+1:],
			RenewedAt: time.Unix(0, int64(z.Score)*int64(time.Microsecond)),
			score:     z.Score,
		})
	}
	return leases, nil
}

// Reap removes the presence record of an expired lease. It reports false and leaves the record in
// place when the lease was renewed or removed after it was loaded.
func (s *RedisStore) Reap(ctx context.Context, l *Lease) (bool, error) {
	clog := logging.WithFuncName().WithFields(log.Fields{cst.LogFieldMarkerID: l.MarkerID, cst.LogFieldUserID: l.UserID})
	member := leaseMember(l.MarkerID, l.UserID)
	reaped := false
	err := s.DB.Watch(func(tx *redis.Tx) error {
		sc, err := tx.ZScore(keyPresenceLeases, member).Result()
		if err == redis.Nil || (err == nil && sc != l.score) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.Pipelined(func(p redis.Pipeliner) error {
			p.SRem(fmt.Sprintf(keyTmplMarkerConns, l.MarkerID), l.UserID)
			p.ZRem(keyPresenceLeases, member)
			return nil
		})
		if err == nil {
			reaped = true
		}
		return err
	}, keyPresenceLeases)
	if err == redis.TxFailedErr {
		// renewed while we were at it
		return false, nil
	}
	if err != nil {
		msg := "error reaping presence lease"
		clog.WithError(err).Error(msg)
		return false, se.NewDependencyFailure(msg).WithCause(err)
	}
	if reaped {
		s.notify(fmt.Sprintf(chanTmplConnsChange, l.MarkerID))
	}
	return reaped, nil
}

func (s *RedisStore) ListenConnections(ctx context.Context, markerID string, fn ConnectionsFn) (Listener, error) {
	return s.listen(fmt.Sprintf(chanTmplConnsChange, markerID), func() error {
		conns, err := s.DB.SMembers(fmt.Sprintf(keyTmplMarkerConns, markerID)).Result()
		if err != nil {
			return se.NewDependencyFailure("error loading marker connections").WithCause(err)
		}
		sort.Strings(conns)
		fn(conns)
		return nil
	})
}

// listen subscribes to channel, emits the first snapshot, then re-emits on every notification until
// the returned Listener is closed
func (s *RedisStore) listen(channel string, snapshot func() error) (Listener, error) {
	clog := logging.WithFuncName().WithField("channel", channel)
	ps := s.DB.Subscribe(channel)
	// wait for subscription confirmation so that no notification sent after we return is lost
	if _, err := ps.Receive(); err != nil {
		ps.Close()
		clog.WithError(err).Error("error subscribing to redis channel")
		return nil, se.NewDependencyFailure("error registering listener").WithCause(err)
	}
	if err := snapshot(); err != nil {
		ps.Close()
		clog.WithError(err).Error("error emitting initial snapshot")
		return nil, err
	}
	stop := make(chan struct{})
	ch := ps.Channel()
	go func() {
		for {
			select {
			case <-stop:
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				if err := snapshot(); err != nil {
					clog.WithError(err).Error("error emitting snapshot")
				}
			}
		}
	}()
	return &closeOnce{fn: func() error {
		close(stop)
		if err := ps.Close(); err != nil {
			return se.NewDependencyFailure("error closing listener").WithCause(err)
		}
		return nil
	}}, nil
}

// notify tells listeners on channel to re-read. Failures are logged only: the write itself succeeded
// and the next notification carries the full state anyway.
func (s *RedisStore) notify(channel string) {
	if _, err := s.DB.Publish(channel, "changed").Result(); err != nil {
		logging.WithFuncName().WithError(err).WithField("channel", channel).Error("error notifying listeners")
	}
}

func (s *RedisStore) Subscribe(ctx context.Context, markerID, userID string) error {
	clog := logging.WithFuncName().WithFields(log.Fields{cst.LogFieldMarkerID: markerID, cst.LogFieldUserID: userID})
	if _, err := s.DB.TxPipelined(func(p redis.Pipeliner) error {
		p.SAdd(fmt.Sprintf(keyTmplMarkerSubs, markerID), userID)
		p.ZAddNX(fmt.Sprintf(keyTmplUserSubscribed, userID), redis.Z{Score: score(time.Now()), Member: markerID})
		return nil
	}); err != nil {
		msg := "error subscribing to marker"
		clog.WithError(err).Error(msg)
		return se.NewDependencyFailure(msg).WithCause(err)
	}
	return nil
}

func (s *RedisStore) Unsubscribe(ctx context.Context, markerID, userID string) error {
	clog := logging.WithFuncName().WithFields(log.Fields{cst.LogFieldMarkerID: markerID, cst.LogFieldUserID: userID})
	if _, err := s.DB.TxPipelined(func(p redis.Pipeliner) error {
		p.SRem(fmt.Sprintf(keyTmplMarkerSubs, markerID), userID)
		p.ZRem(fmt.Sprintf(keyTmplUserSubscribed, userID), markerID)
		return nil
	}); err != nil {
		msg := "error unsubscribing from marker"
		clog.WithError(err).Error(msg)
		return se.NewDependencyFailure(msg).WithCause(err)
	}
	return nil
}

func (s *RedisStore) IsSubscribed(ctx context.Context, markerID, userID string) (bool, error) {
	ok, err := s.DB.SIsMember(fmt.Sprintf(keyTmplMarkerSubs, markerID), userID).Result()
	if err != nil {
		return false, se.NewDependencyFailure("error checking marker subscription").WithCause(err)
	}
	return ok, nil
}

func (s *RedisStore) ListSubscribed(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.DB.ZRange(fmt.Sprintf(keyTmplUserSubscribed, userID), 0, -1).Result()
	if err != nil {
		return nil, se.NewDependencyFailure("error listing subscribed markers").WithCause(err)
	}
	return ids, nil
}

func (s *RedisStore) AddView(ctx context.Context, markerID, userID string) error {
	b, err := json.Marshal(viewRecord{UserID: userID, At: time.Now().UTC()})
	if err != nil {
		return se.NewServiceFailure("error marshalling view record").WithCause(err)
	}
	if _, err := s.DB.RPush(fmt.Sprintf(keyTmplMarkerViews, markerID), b).Result(); err != nil {
		logging.WithFuncName().WithError(err).WithField(cst.LogFieldMarkerID, markerID).Error("error recording view")
		return se.NewDependencyFailure("error recording view").WithCause(err)
	}
	return nil
}

func (s *RedisStore) CountViews(ctx context.Context, markerID string) (int64, error) {
	n, err := s.DB.LLen(fmt.Sprintf(keyTmplMarkerViews, markerID)).Result()
	if err != nil {
		return 0, se.NewDependencyFailure("error counting views").WithCause(err)
	}
	return n, nil
}

func (s *RedisStore) Close() error {
	if err := s.DB.Close(); err != nil {
		return se.NewServiceFailure("failed close Redis client").WithCause(err)
	}
	return nil
}
