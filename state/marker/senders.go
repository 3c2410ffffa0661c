package marker

import (
	"context"
	"time"

	"github.com/bluele/gcache"
	"wuyrush.io/pinmap/common/logging"
	cst "wuyrush.io/pinmap/constants"
	se "wuyrush.io/pinmap/errors"
	md "wuyrush.io/pinmap/models"
	"wuyrush.io/pinmap/stores"
)

const defaultSenderCacheSize = 256

// senders resolves message senders through an LRU cache in front of the user store
type senders struct {
	cache gcache.Cache
}

func newSenders(users stores.UserStore, size int, expiry time.Duration) *senders {
	if size <= 0 {
		size = defaultSenderCacheSize
	}
	b := gcache.New(size).LRU().LoaderFunc(func(key interface{}) (interface{}, error) {
		u, err := users.GetUser(context.Background(), key.(string))
		if err != nil {
			return nil, err
		}
		return u.SenderInfo(), nil
	})
	if expiry > 0 {
		b = b.Expiration(expiry)
	}
	return &senders{cache: b.Build()}
}

func (s *senders) lookup(userID string) *md.SenderInfo {
	v, err := s.cache.Get(userID)
	if err != nil {
		// unknown senders are not cached so that a profile created later shows up
		if !se.Is(err, se.ErrCodeNotFound) {
			logging.WithFuncName().WithError(err).WithField(cst.LogFieldUserID, userID).Error("error loading sender info")
		}
		return &md.SenderInfo{UserID: userID}
	}
	info := *v.(*md.SenderInfo)
	return &info
}

// enrich returns copies of msgs carrying the projection of their sender
func (s *senders) enrich(msgs []*md.Message) []*md.Message {
	out := make([]*md.Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		cp.SenderInfo = s.lookup(m.SenderID)
		out[i] = &cp
	}
	return out
}
