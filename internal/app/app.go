// Package app wires the client side of mediahub: configuration, the local
// cache, the library store and its views, the persistence bridge and the
// remote backend of the signed-in user.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mediahub/internal/auth"
	"mediahub/internal/cache"
	"mediahub/internal/legacy"
	"mediahub/internal/library"
	"mediahub/internal/persist"
	"mediahub/internal/remote"
	"mediahub/pkg/models"
	"mediahub/pkg/utils"
)

type App struct {
	Config   utils.ClientConfig
	Log      *slog.Logger
	DeviceID string

	Store  *library.Store
	Lists  *library.ListManager
	Query  *library.Query
	Bridge *persist.Bridge
	Legacy *legacy.Adapter
	Client *remote.Client

	local persist.LocalCache
	rdb   *redis.Client

	mu      sync.Mutex
	session auth.Session
}

// Open builds the client from cfg and loads the local library. When a
// session is saved the user is signed back in; an unreachable remote only
// leaves the bridge offline.
func Open(ctx context.Context, cfg utils.ClientConfig, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	deviceID, err := loadDeviceID(cfg.DeviceIDPath())
	if err != nil {
		return nil, err
	}

	local, err := openCache(cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Log:      logger,
		DeviceID: deviceID,
		local:    local,
		Client:   remote.NewClient(cfg.APIURL, 15*time.Second),
	}
	a.Client.DeviceID = deviceID

	a.Store = library.NewStore(library.WithLogger(logger), library.WithTombstoneTTL(cfg.TombstoneTTL))
	a.Lists = library.NewListManager(a.Store, library.Limits{Free: cfg.FreeListLimit, Pro: cfg.ProListLimit}, a.Tier)
	a.Query = library.NewQuery(a.Store)
	a.Bridge = persist.NewBridge(a.Store, local, persist.Config{
		Debounce:      cfg.SyncDebounce,
		RetryMax:      cfg.SyncRetryMax,
		Resync:        cfg.SyncResync,
		SignInTimeout: cfg.SyncSignIn,
		Logger:        logger,
		OnStatus: func(s persist.Status) {
			logger.Info("library_sync_status_changed", "status", string(s))
		},
	})
	if err := a.Bridge.Open(); err != nil {
		// the library still works from memory
		logger.Warn("library_cache_open_failed", "err", err)
	}
	a.Legacy = legacy.New(a.Store, cfg.LegacyHandle, logger)

	sess, err := auth.LoadSession(cfg.SessionPath(), time.Now())
	switch {
	case errors.Is(err, auth.ErrNoSession):
	case err != nil:
		logger.Warn("session_load_failed", "err", err)
	default:
		if err := a.resume(ctx, sess); err != nil {
			logger.Warn("session_resume_failed", "user_id", sess.UserID, "err", err)
		}
	}
	return a, nil
}

func openCache(cfg utils.ClientConfig, logger *slog.Logger) (persist.LocalCache, error) {
	switch cfg.CacheBackend {
	case "badger":
		return cache.OpenBadger(filepath.Join(cfg.DataDir, "badger"), cfg.CacheNamespace, logger)
	default:
		return cache.NewFileCache(cfg.DataDir, cfg.CacheNamespace)
	}
}

// loadDeviceID returns the id stored at path, creating one on first use.
func loadDeviceID(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read device id: %w", err)
	}
	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write device id: %w", err)
	}
	return id, nil
}

// Tier is the plan of the signed-in user; signed out counts as free.
func (a *App) Tier() models.Tier {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session.UserID == "" {
		return models.TierFree
	}
	return a.session.Tier
}

func (a *App) Session() (auth.Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session, a.session.UserID != ""
}

// SignIn stores the session from an auth response and attaches the
// library to that user.
func (a *App) SignIn(ctx context.Context, resp auth.AuthResponse) error {
	sess, err := auth.SessionFromResponse(resp)
	if err != nil {
		return err
	}
	if err := auth.SaveSession(a.Config.SessionPath(), sess); err != nil {
		return err
	}
	return a.resume(ctx, sess)
}

func (a *App) resume(ctx context.Context, sess auth.Session) error {
	a.mu.Lock()
	a.session = sess
	a.mu.Unlock()

	rs := a.remoteFor(sess)
	if rs == nil {
		a.attachLocalOnly(sess.UserID)
		return nil
	}
	return a.Bridge.SignIn(ctx, sess.UserID, rs)
}

// attachLocalOnly gives the library an owner without a remote store.
func (a *App) attachLocalOnly(owner string) {
	switch current := a.Store.Owner(); {
	case current == "":
		a.Store.Adopt(owner)
	case current != owner:
		if err := a.local.Quarantine(current); err != nil {
			a.Log.Warn("library_cache_quarantine_failed", "owner", current, "err", err)
		}
		a.Store.Reset(owner)
	}
}

func (a *App) remoteFor(sess auth.Session) persist.RemoteStore {
	switch a.Config.RemoteBackend {
	case "none":
		return nil
	case "redis":
		if a.rdb == nil {
			a.rdb = remote.NewRedisClient(a.Config.RedisAddr)
		}
		return remote.NewRedisStore(a.rdb, sess.UserID, a.DeviceID, a.Log)
	default:
		return remote.NewHTTPStore(a.Client.WithToken(sess.Token), a.Log)
	}
}

// Authed returns an API client carrying the session token.
func (a *App) Authed() (*remote.Client, error) {
	sess, ok := a.Session()
	if !ok {
		return nil, auth.ErrNoSession
	}
	return a.Client.WithToken(sess.Token), nil
}

// SetTier records a plan change made on the server. New limits apply to
// the next CreateList.
func (a *App) SetTier(tier models.Tier) error {
	a.mu.Lock()
	a.session.Tier = tier
	sess := a.session
	a.mu.Unlock()
	if sess.UserID == "" {
		return auth.ErrNoSession
	}
	return auth.SaveSession(a.Config.SessionPath(), sess)
}

// SignOut detaches the library from the user and forgets the session.
// keep quarantines the local copy instead of deleting it.
func (a *App) SignOut(ctx context.Context, keep bool) error {
	mode := persist.SignOutClear
	if keep {
		mode = persist.SignOutQuarantine
	}

	sess, _ := a.Session()
	var err error
	if a.Config.RemoteBackend == "none" {
		err = a.signOutLocal(sess.UserID, mode)
	} else {
		err = a.Bridge.SignOut(ctx, mode)
	}

	a.mu.Lock()
	a.session = auth.Session{}
	a.mu.Unlock()
	return errors.Join(err, auth.ClearSession(a.Config.SessionPath()))
}

func (a *App) signOutLocal(owner string, mode persist.SignOutMode) error {
	var err error
	if mode == persist.SignOutQuarantine && owner != "" {
		err = a.local.Quarantine(owner)
	} else {
		err = a.local.Clear()
	}
	a.Store.Reset("")
	return err
}

// Close pushes what is pending and releases the cache.
func (a *App) Close(ctx context.Context) error {
	err := a.Bridge.Close(ctx)
	a.Legacy.Close()
	if c, ok := a.local.(io.Closer); ok {
		err = errors.Join(err, c.Close())
	}
	if a.rdb != nil {
		err = errors.Join(err, a.rdb.Close())
	}
	return err
}
