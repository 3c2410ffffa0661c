package stores

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	_ "github.com/go-kivik/couchdb/v3" // CouchDB driver
	kivik "github.com/go-kivik/kivik/v3"
	"github.com/segmentio/ksuid"
	log "github.com/sirupsen/logrus"
	"wuyrush.io/pinmap/common/logging"
	cst "wuyrush.io/pinmap/constants"
	se "wuyrush.io/pinmap/errors"
	md "wuyrush.io/pinmap/models"
)

// CouchUserStore implements UserStore with CouchDB. Profiles are documents keyed by user ID in the
// user db and embed the friend references; history entries are documents in the history db keyed by
// `<userID>:<ksuid>` so that the primary index keeps each user's history in chronological order.
type CouchUserStore struct {
	client  *kivik.Client
	users   *kivik.DB
	history *kivik.DB
}

type CouchConfig struct {
	DBAddr               string
	UserDBName           string
	HistoryDBName        string
	DBUsername, DBPasswd string
}

type userDoc struct {
	ID        string      `json:"_id"`
	Rev       string      `json:"_rev,omitempty"`
	Username  string      `json:"username"`
	Email     string      `json:"email"`
	Locale    string      `json:"locale"`
	Birthdate time.Time   `json:"birthdate"`
	Friends   []friendDoc `json:"friends,omitempty"`
}

type friendDoc struct {
	UserID  string    `json:"userId"`
	AddedAt time.Time `json:"addedAt"`
}

type historyDoc struct {
	ID       string    `json:"_id"`
	Rev      string    `json:"_rev,omitempty"`
	UserID   string    `json:"userId"`
	MarkerID string    `json:"markerId"`
	ViewedAt time.Time `json:"viewedAt"`
}

func NewCouchUserStore(ctx context.Context, cfg *CouchConfig) (*CouchUserStore, error) {
	dsn, err := url.Parse(cfg.DBAddr)
	if err != nil {
		return nil, se.NewBadInput("invalid CouchDB address").WithCause(err)
	}
	if cfg.DBUsername != "" {
		dsn.User = url.UserPassword(cfg.DBUsername, cfg.DBPasswd)
	}
	client, err := kivik.New("couch", dsn.String())
	if err != nil {
		return nil, se.NewServiceFailure("error creating CouchDB client").WithCause(err)
	}
	s := &CouchUserStore{
		client:  client,
		users:   client.DB(ctx, cfg.UserDBName),
		history: client.DB(ctx, cfg.HistoryDBName),
	}
	if err := s.users.Err(); err != nil {
		return nil, se.NewDependencyFailure("error opening user db").WithCause(err)
	}
	if err := s.history.Err(); err != nil {
		return nil, se.NewDependencyFailure("error opening history db").WithCause(err)
	}
	return s, nil
}

// toStoreErr translates kivik errors into pinmap errors
func toStoreErr(err error, msg string) *se.Err {
	if kivik.StatusCode(err) == http.StatusNotFound {
		return se.NewNotFound(msg).WithCause(err)
	}
	return se.NewDependencyFailure(msg).WithCause(err)
}

func (s *CouchUserStore) getUserDoc(ctx context.Context, userID string) (*userDoc, error) {
	doc := &userDoc{}
	if err := s.users.Get(ctx, userID).ScanDoc(doc); err != nil {
		return nil, toStoreErr(err, fmt.Sprintf("error getting user %s", userID))
	}
	return doc, nil
}

func (s *CouchUserStore) GetUser(ctx context.Context, userID string) (*md.User, error) {
	doc, err := s.getUserDoc(ctx, userID)
	if err != nil {
		if !se.Is(err, se.ErrCodeNotFound) {
			logging.WithFuncName().WithError(err).WithField(cst.LogFieldUserID, userID).Error("error getting user from CouchDB")
		}
		return nil, err
	}
	return &md.User{
		ID:        doc.ID,
		Username:  doc.Username,
		Email:     doc.Email,
		Locale:    doc.Locale,
		Birthdate: doc.Birthdate,
	}, nil
}

// PutUser creates or updates the profile of u, keeping the friend references already stored
func (s *CouchUserStore) PutUser(ctx context.Context, u *md.User) error {
	clog := logging.WithFuncName().WithField(cst.LogFieldUserID, u.ID)
	doc, err := s.getUserDoc(ctx, u.ID)
	if err != nil {
		if !se.Is(err, se.ErrCodeNotFound) {
			clog.WithError(err).Error("error loading user before update")
			return err
		}
		doc = &userDoc{ID: u.ID}
	}
	doc.Username, doc.Email, doc.Locale, doc.Birthdate = u.Username, u.Email, u.Locale, u.Birthdate
	if _, err := s.users.Put(ctx, doc.ID, doc); err != nil {
		clog.WithError(err).Error("error saving user to CouchDB")
		return toStoreErr(err, "error saving user")
	}
	return nil
}

func (s *CouchUserStore) AddFriend(ctx context.Context, userID, friendID string, at time.Time) error {
	clog := logging.WithFuncName().WithFields(log.Fields{cst.LogFieldUserID: userID, "friendID": friendID})
	doc, err := s.getUserDoc(ctx, userID)
	if err != nil {
		clog.WithError(err).Error("error loading user before adding friend")
		return err
	}
	for _, f := range doc.Friends {
		if f.UserID == friendID {
			return nil
		}
	}
	doc.Friends = append(doc.Friends, friendDoc{UserID: friendID, AddedAt: at})
	if _, err := s.users.Put(ctx, doc.ID, doc); err != nil {
		// a conflict means someone else updated the profile in between; the caller may retry
		clog.WithError(err).Error("error saving user friends to CouchDB")
		return toStoreErr(err, "error adding friend")
	}
	return nil
}

// ListFriends resolves the friend references of userID. References to users without a profile are
// returned with the ID only.
func (s *CouchUserStore) ListFriends(ctx context.Context, userID string) ([]*md.Friend, error) {
	clog := logging.WithFuncName().WithField(cst.LogFieldUserID, userID)
	doc, err := s.getUserDoc(ctx, userID)
	if err != nil {
		clog.WithError(err).Error("error loading user friends")
		return nil, err
	}
	out := make([]*md.Friend, 0, len(doc.Friends))
	for _, ref := range doc.Friends {
		f := &md.Friend{User: md.User{ID: ref.UserID}, AddedAt: ref.AddedAt}
		u, err := s.GetUser(ctx, ref.UserID)
		switch {
		case err == nil:
			f.User = *u
		case se.Is(err, se.ErrCodeNotFound):
			clog.WithField("friendID", ref.UserID).Warn("friend profile missing")
		default:
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *CouchUserStore) AddHistory(ctx context.Context, userID, markerID string, at time.Time) error {
	clog := logging.WithFuncName().WithFields(log.Fields{cst.LogFieldUserID: userID, cst.LogFieldMarkerID: markerID})
	kid, err := ksuid.NewRandomWithTime(at)
	if err != nil {
		clog.WithError(err).Error("fail to generate history id")
		return se.NewServiceFailure("error recording history").WithCause(err)
	}
	doc := historyDoc{
		ID:       userID + ":" + kid.String(),
		UserID:   userID,
		MarkerID: markerID,
		ViewedAt: at,
	}
	if _, err := s.history.Put(ctx, doc.ID, doc); err != nil {
		clog.WithError(err).Error("error saving history entry to CouchDB")
		return toStoreErr(err, "error recording history")
	}
	return nil
}

func (s *CouchUserStore) ListHistory(ctx context.Context, userID string) ([]*md.HistoryEntry, error) {
	clog := logging.WithFuncName().WithField(cst.LogFieldUserID, userID)
	// a key range on the primary index has no implicit page size, unlike _find
	rows, err := s.history.AllDocs(ctx, kivik.Options{
		"include_docs": true,
		"startkey":     userID + ":",
		"endkey":       userID + ":\ufff0",
	})
	if err != nil {
		clog.WithError(err).Error("error querying user history")
		return nil, toStoreErr(err, "error listing history")
	}
	defer rows.Close()
	out := []*md.HistoryEntry{}
	for rows.Next() {
		var doc historyDoc
		if err := rows.ScanDoc(&doc); err != nil {
			clog.WithError(err).Error("error decoding history entry. Skipping")
			continue
		}
		out = append(out, &md.HistoryEntry{MarkerID: doc.MarkerID, ViewedAt: doc.ViewedAt})
	}
	if err := rows.Err(); err != nil {
		clog.WithError(err).Error("error iterating user history")
		return nil, toStoreErr(err, "error listing history")
	}
	return out, nil
}

func (s *CouchUserStore) Close() error {
	if err := s.client.Close(context.Background()); err != nil {
		return se.NewServiceFailure("failed close CouchDB client").WithCause(err)
	}
	return nil
}
