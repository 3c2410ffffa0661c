// Package janitor vends a long-running worker removing presence records whose writer stopped renewing
// them, e.g. after the writer crashed with sessions open.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bluele/gcache"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"wuyrush.io/pinmap/common/logging"
	cst "wuyrush.io/pinmap/constants"
	se "wuyrush.io/pinmap/errors"
	st "wuyrush.io/pinmap/stores"
)

func main() {
	if err := runJanitor(); err != nil {
		log.WithError(err).Fatal("error running janitor")
	}
}

// leaseStore is the slice of the Redis store the janitor works on
type leaseStore interface {
	ExpiredLeases(ctx context.Context, before time.Time, max int) ([]*st.Lease, error)
	Reap(ctx context.Context, l *st.Lease) (bool, error)
}

type janitor struct {
	LS           leaseStore
	wipCache     gcache.Cache
	ttl          time.Duration
	execPoolSize int
	wipExpiry    time.Duration
	now          func() time.Time
}

func runJanitor() error {
	viper.AutomaticEnv()
	logging.SetupLog("PinmapJanitor", viper.GetBool(cst.EnvVerbose))
	clog := logging.WithFuncName()
	rs, err := st.NewRedisStore(&st.RedisConfig{
		Host:   viper.GetString(cst.EnvRedisHost),
		Port:   viper.GetString(cst.EnvRedisPort),
		Passwd: viper.GetString(cst.EnvRedisPasswd),
		DB:     viper.GetInt(cst.EnvRedisDB),
	})
	if err != nil {
		clog.WithError(err).Error("error setting up RedisStore")
		return err
	}
	defer rs.Close()
	ttl := viper.GetDuration(cst.EnvPresenceLeaseTTL)
	if ttl <= 0 {
		clog.WithField("leaseTTL", ttl).Fatal("got non-positive presence lease ttl")
	}
	j := newJanitor(rs, ttl, viper.GetInt(cst.EnvJanitorLocalCacheSize),
		viper.GetInt(cst.EnvJanitorExecutorPoolSize), viper.GetDuration(cst.EnvJanitorWIPCacheEntryExpiry))
	return j.Run(viper.GetDuration(cst.EnvJanitorSweepFreq), viper.GetInt(cst.EnvJanitorMaxSweepLoad))
}

func newJanitor(ls leaseStore, ttl time.Duration, cacheSize, execPoolSize int, wipExpiry time.Duration) *janitor {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	if execPoolSize <= 0 {
		execPoolSize = 4
	}
	if wipExpiry <= 0 {
		wipExpiry = ttl
	}
	return &janitor{
		LS:           ls,
		wipCache:     gcache.New(cacheSize).LRU().Build(),
		ttl:          ttl,
		execPoolSize: execPoolSize,
		wipExpiry:    wipExpiry,
		now:          time.Now,
	}
}

func (j *janitor) Run(freq time.Duration, maxLoad int) error {
	clog := logging.WithFuncName()
	if freq <= 0 {
		clog.WithField("sweepFrequency", freq).Fatal("got non-positive janitor sweep frequency")
	}
	loadTkr := time.NewTicker(freq)
	defer loadTkr.Stop()
	// ensure the worker can be responsive to system signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, os.Interrupt)
	for {
		select {
		case <-loadTkr.C:
			// a slow sweep may overlap the next one; the WIP cache keeps them off each other's leases
			go func() {
				if _, err := j.Sweep(context.Background(), maxLoad); err != nil {
					// TODO: terminate when redis is hard-down instead of retrying every tick
					clog.WithError(err).Error("error sweeping expired presence leases")
				}
			}()
		case <-sigChan:
			clog.Info("got termination signal from kernel. Stopping")
			return nil
		}
	}
}

// Sweep loads expired leases and reaps them in a bounded pool. It returns the number of presence
// records removed.
func (j *janitor) Sweep(ctx context.Context, maxLoad int) (int, error) {
	clog := logging.WithFuncName()
	ls, err := j.Load(ctx, maxLoad)
	if err != nil {
		return 0, err
	}
	clog.WithField("count", len(ls)).Debug("expired presence leases loaded")
	quotas := make(chan struct{}, j.execPoolSize)
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		reaped int
	)
	for _, l := range ls {
		wg.Add(1)
		go func(l *st.Lease) {
			defer wg.Done()
			quotas <- struct{}{}
			defer func() { <-quotas }()
			llog := clog.WithFields(log.Fields{cst.LogFieldMarkerID: l.MarkerID, cst.LogFieldUserID: l.UserID})
			ok, err := j.LS.Reap(ctx, l)
			// let the next sweep pick up leases we failed on
			j.wipCache.Remove(leaseKey(l))
			if err != nil {
				llog.WithError(err).Error("error reaping presence lease")
				return
			}
			if !ok {
				llog.Debug("presence lease renewed meanwhile. Keeping it")
				return
			}
			llog.WithField("renewedAt", l.RenewedAt).Info("reaped stale presence record")
			mu.Lock()
			reaped++
			mu.Unlock()
		}(l)
	}
	wg.Wait()
	return reaped, nil
}

// Load loads up to max expired leases, skipping those already being reaped. It loads every expired
// lease if max == 0.
func (j *janitor) Load(ctx context.Context, max int) ([]*st.Lease, error) {
	clog := logging.WithFuncName()
	ls, err := j.LS.ExpiredLeases(ctx, j.now().Add(-j.ttl), max)
	if err != nil {
		clog.WithError(err).Error("error loading expired presence leases")
		return nil, err
	}
	fresh := []*st.Lease{}
	for _, l := range ls {
		k := leaseKey(l)
		if _, err := j.wipCache.Get(k); err != nil {
			if err != gcache.KeyNotFoundError {
				msg := "error getting lease from local cache"
				clog.WithError(err).Error(msg)
				return nil, se.NewServiceFailure(msg).WithCause(err)
			}
			// best effort; a lease we failed to mark may be loaded twice and reaping it again is harmless
			if err := j.wipCache.SetWithExpire(k, struct{}{}, j.wipExpiry); err != nil {
				clog.WithError(err).WithField("lease", k).Error("error marking lease in local cache")
			}
			fresh = append(fresh, l)
		}
	}
	return fresh, nil
}

func leaseKey(l *st.Lease) string {
	return l.MarkerID + "/" + l.UserID
}
