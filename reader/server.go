package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"wuyrush.io/pinmap/common/logging"
	cst "wuyrush.io/pinmap/constants"
	se "wuyrush.io/pinmap/errors"
	md "wuyrush.io/pinmap/models"
	"wuyrush.io/pinmap/state/menu"
	"wuyrush.io/pinmap/state/user"
	"wuyrush.io/pinmap/stores"
)

// anonymousUserID stands for the signed-out user in listing routes
const anonymousUserID = "-"

// reader handles read traffic of pinmap: marker listings per menu category and single markers.
// Multiple readers form the service component handling the application's read operations.
type reader struct {
	Router   *gin.Engine
	Backend  stores.Backend
	Listings menu.Registry
	Loader   *user.Loader
}

func serve() error {
	viper.AutomaticEnv()
	logging.SetupLog("pinmap-reader", viper.GetBool(cst.EnvVerbose))
	b, err := stores.Open(context.Background(), backendConfig())
	if err != nil {
		return err
	}
	defer b.Close()
	r := setup(b, viper.GetInt(cst.EnvFriendsFetchPoolSize))
	addr := viper.GetString(cst.EnvReaderAddr)
	log.WithField("addr", addr).Info("pinmap reader is starting up")
	return r.Router.Run(addr)
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

func setup(b stores.Backend, friendsPoolSize int) *reader {
	r := &reader{
		Backend:  b,
		Listings: menu.NewRegistry(b, friendsPoolSize),
		Loader:   &user.Loader{Backend: b},
	}
	r.SetupRoutes()
	return r
}

func (r *reader) SetupRoutes() {
	rt := gin.New()
	rt.Use(gin.Recovery())
	rt.GET("/users/:uid/markers/:category", r.HandleListMarkers)
	rt.GET("/markers/:mid", r.HandleGetMarker)
	r.Router = rt
}

func respErr(ctx *gin.Context, err error) {
	ctx.JSON(se.StatusCodeOf(err), gin.H{"error": err.Error()})
}

// HandleListMarkers lists the markers of a menu category for a user; uid "-" lists for signed-out
// users. No listing is cached; every request re-fetches.
func (r *reader) HandleListMarkers(ctx *gin.Context) {
	uid, cat := ctx.Param("uid"), md.Menu(strings.ToUpper(ctx.Param("category")))
	clog := logging.WithFuncName().WithFields(log.Fields{cst.LogFieldUserID: uid, "category": cat})
	if _, ok := r.Listings[cat]; !ok {
		respErr(ctx, se.NewBadInput(fmt.Sprintf("category %s has no listing", cat)))
		return
	}
	var u *md.User
	if uid != anonymousUserID {
		var err error
		if u, err = r.Loader.Load(ctx.Request.Context(), uid); err != nil {
			clog.WithError(err).Error("error loading user")
			respErr(ctx, err)
			return
		}
	}
	ms, err := r.Listings.Fetch(ctx.Request.Context(), cat, u)
	if err != nil {
		clog.WithError(err).Error("error fetching listing")
		respErr(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"category": cat, "markers": ms})
}

// HandleGetMarker returns a marker with its view count. Markers the requesting user may not see are
// reported missing.
func (r *reader) HandleGetMarker(ctx *gin.Context) {
	mid, uid := ctx.Param("mid"), ctx.Query("uid")
	clog := logging.WithFuncName().WithFields(log.Fields{cst.LogFieldMarkerID: mid, cst.LogFieldUserID: uid})
	m, err := r.Backend.GetMarker(ctx.Request.Context(), mid)
	if err == nil && !m.VisibleTo(uid) {
		err = se.NewNotFound(fmt.Sprintf("marker %s not found", mid))
	}
	if err != nil {
		if !se.Is(err, se.ErrCodeNotFound) {
			clog.WithError(err).Error("error getting marker")
		}
		respErr(ctx, err)
		return
	}
	if m.Views, err = r.Backend.CountViews(ctx.Request.Context(), mid); err != nil {
		clog.WithError(err).Warn("error counting views")
	}
	ctx.JSON(http.StatusOK, m)
}
