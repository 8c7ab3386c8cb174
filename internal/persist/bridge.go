package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"mediahub/internal/library"
	"mediahub/pkg/models"
)

type Config struct {
	// Debounce is the quiet period after the last local change before a push.
	Debounce time.Duration
	// RetryInitial and RetryMax bound the backoff of a single remote round trip.
	RetryInitial time.Duration
	RetryMax     time.Duration
	// Resync is how often the library is reconciled without a change notification.
	Resync time.Duration
	// SignInTimeout bounds the single reconcile attempt SignIn makes before
	// handing over to the background loops.
	SignInTimeout time.Duration
	Logger   *slog.Logger
	OnStatus func(Status)
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = 750 * time.Millisecond
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 500 * time.Millisecond
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 2 * time.Minute
	}
	if c.Resync <= 0 {
		c.Resync = time.Minute
	}
	if c.SignInTimeout <= 0 {
		c.SignInTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Bridge connects a Store to a LocalCache and, while a user is signed in,
// to that user's RemoteStore.
type Bridge struct {
	store *library.Store
	local LocalCache
	cfg   Config
	log   *slog.Logger

	mu          sync.Mutex
	remote      RemoteStore
	owner       string
	gen         uint64
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	status      Status
	localDown   bool
	pushPending bool
	unsubscribe func()

	// roundTrip serializes pushes and reconciliations.
	roundTrip sync.Mutex
	kick      chan struct{}
	pull      chan struct{}
}

func NewBridge(store *library.Store, local LocalCache, cfg Config) *Bridge {
	cfg = cfg.withDefaults()
	return &Bridge{
		store:  store,
		local:  local,
		cfg:    cfg,
		log:    cfg.Logger,
		status: StatusSignedOut,
		kick:   make(chan struct{}, 1),
		pull:   make(chan struct{}, 1),
	}
}

// Open loads the local cache into the store and starts writing every change
// back to it. A cache that cannot be read leaves the store empty and the
// status at local_unavailable; reads keep working from memory.
func (b *Bridge) Open() error {
	snap, ok, err := b.local.Load()
	if err != nil {
		b.log.Error("library_cache_load_failed", "err", err)
		b.setLocalDown(true)
	} else if ok {
		b.store.Restore(snap)
		b.log.Info("library_cache_loaded", "entries", len(snap.Entries), "lists", len(snap.Lists), "owner", snap.Owner)
	}

	b.mu.Lock()
	if b.unsubscribe == nil {
		b.unsubscribe = b.store.Subscribe(b.onChange)
	}
	b.mu.Unlock()
	return err
}

func (b *Bridge) onChange(ch library.Change) {
	b.saveLocal()
	if ch.Origin == library.OriginLocal {
		b.schedulePush()
	}
}

// saveLocal writes the current state to the local cache. A failure keeps
// the store dirty; the next change tries again.
func (b *Bridge) saveLocal() {
	snap, version := b.store.SnapshotVersion()
	if err := b.local.Save(snap); err != nil {
		b.log.Error("library_cache_save_failed", "version", version, "err", err)
		b.setLocalDown(true)
		return
	}
	b.store.MarkClean(version)
	b.setLocalDown(false)
}

func (b *Bridge) schedulePush() {
	b.mu.Lock()
	signedIn := b.remote != nil
	if signedIn {
		b.pushPending = true
	}
	b.mu.Unlock()
	if !signedIn {
		return
	}
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

// SignIn points the bridge at owner's remote store and reconciles. Items
// collected while signed out are adopted by owner; a library that belongs
// to someone else is quarantined first. SignIn makes one attempt bounded by
// SignInTimeout; a remote that cannot be reached leaves the bridge offline
// and the resync loop keeps retrying in the background.
func (b *Bridge) SignIn(ctx context.Context, owner string, remote RemoteStore) error {
	if owner == "" || remote == nil {
		return errors.New("sign in: owner and remote store required")
	}
	b.stopSession()

	switch current := b.store.Owner(); {
	case current == "":
		b.store.Adopt(owner)
	case current != owner:
		if err := b.local.Quarantine(current); err != nil {
			b.log.Warn("library_cache_quarantine_failed", "owner", current, "err", err)
		}
		b.store.Reset(owner)
		b.log.Info("library_owner_switched", "from", current, "to", owner)
	}

	dirty := b.store.Dirty()
	sessCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.remote = remote
	b.owner = owner
	b.gen++
	gen := b.gen
	b.cancel = cancel
	b.pushPending = dirty
	b.mu.Unlock()
	b.setStatus(StatusIdle)

	b.wg.Add(3)
	go b.pushLoop(sessCtx, gen)
	go b.resyncLoop(sessCtx, gen)
	go b.watchLoop(sessCtx, remote)

	attemptCtx, cancelAttempt := context.WithTimeout(ctx, b.cfg.SignInTimeout)
	defer cancelAttempt()
	if err := b.reconcileWith(attemptCtx, gen, once); err != nil {
		b.log.Warn("library_initial_sync_failed", "owner", owner, "err", err)
		b.requestPull()
	}
	return nil
}

func (b *Bridge) requestPull() {
	select {
	case b.pull <- struct{}{}:
	default:
	}
}

// SignOut stops all writes to the current user's remote store, then clears
// or quarantines the local copy so the next user starts empty.
func (b *Bridge) SignOut(ctx context.Context, mode SignOutMode) error {
	b.mu.Lock()
	owner := b.owner
	b.mu.Unlock()
	if owner == "" {
		return nil
	}

	b.stopLoops()
	if err := b.Flush(ctx); err != nil {
		b.log.Warn("library_flush_before_sign_out_failed", "owner", owner, "err", err)
	}
	b.stopSession()

	var err error
	switch mode {
	case SignOutQuarantine:
		err = b.local.Quarantine(owner)
	default:
		err = b.local.Clear()
	}
	if err != nil {
		err = fmt.Errorf("sign out %s: %w", owner, err)
	}
	b.store.Reset("")
	b.setStatus(StatusSignedOut)
	b.log.Info("library_signed_out", "owner", owner, "quarantined", mode == SignOutQuarantine)
	return err
}

// stopLoops cancels the background loops of the current session and waits
// for them, leaving the session itself in place for a final flush.
func (b *Bridge) stopLoops() {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
}

// stopSession cancels the background loops and waits for them. Results of
// round trips still in flight are discarded through the generation check.
func (b *Bridge) stopSession() {
	b.stopLoops()
	b.mu.Lock()
	b.remote = nil
	b.owner = ""
	b.gen++
	b.pushPending = false
	b.mu.Unlock()
	for _, ch := range []chan struct{}{b.kick, b.pull} {
		select {
		case <-ch:
		default:
		}
	}
}

// Reconcile fetches the remote copy and merges it into the store now.
func (b *Bridge) Reconcile(ctx context.Context) error {
	b.mu.Lock()
	gen := b.gen
	signedIn := b.remote != nil
	b.mu.Unlock()
	if !signedIn {
		return fmt.Errorf("reconcile: %w: signed out", ErrSyncUnavailable)
	}
	return b.reconcile(ctx, gen)
}

// Flush pushes pending local changes now instead of waiting for the debounce.
func (b *Bridge) Flush(ctx context.Context) error {
	return b.flushWith(ctx, b.retry)
}

func (b *Bridge) flushWith(ctx context.Context, retry retryFunc) error {
	b.mu.Lock()
	gen := b.gen
	pending := b.pushPending && b.remote != nil
	b.mu.Unlock()
	if !pending {
		return nil
	}
	return b.pushWith(ctx, gen, retry)
}

// Close makes one attempt to push pending changes, stops syncing and
// detaches from the store. The local cache keeps the last state; whatever
// did not reach the remote goes out with the next sign-in reconcile.
func (b *Bridge) Close(ctx context.Context) error {
	b.stopLoops()
	err := b.flushWith(ctx, once)
	b.stopSession()
	b.mu.Lock()
	unsubscribe := b.unsubscribe
	b.unsubscribe = nil
	b.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	if b.store.Dirty() {
		b.saveLocal()
	}
	return err
}

// Status is local_unavailable while the cache cannot be written, otherwise
// the state of the remote link.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effectiveLocked()
}

func (b *Bridge) effectiveLocked() Status {
	if b.localDown {
		return StatusLocalUnavailable
	}
	return b.status
}

func (b *Bridge) setStatus(s Status) {
	b.updateStatus(func() { b.status = s })
}

// markSyncing leaves an offline bridge offline until a round trip succeeds.
func (b *Bridge) markSyncing() {
	b.updateStatus(func() {
		if b.status != StatusOffline {
			b.status = StatusSyncing
		}
	})
}

func (b *Bridge) setLocalDown(down bool) {
	b.updateStatus(func() { b.localDown = down })
}

func (b *Bridge) updateStatus(fn func()) {
	b.mu.Lock()
	before := b.effectiveLocked()
	fn()
	after := b.effectiveLocked()
	b.mu.Unlock()
	if before == after {
		return
	}
	b.log.Debug("library_sync_status", "from", string(before), "to", string(after))
	if b.cfg.OnStatus != nil {
		b.cfg.OnStatus(after)
	}
}

// session returns the remote of generation gen, or false once that
// session has ended.
func (b *Bridge) session(gen uint64) (RemoteStore, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gen != gen || b.remote == nil {
		return nil, false
	}
	return b.remote, true
}

func (b *Bridge) pushLoop(ctx context.Context, gen uint64) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.kick:
		}

		timer := time.NewTimer(b.cfg.Debounce)
	quiet:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-b.kick:
				timer.Reset(b.cfg.Debounce)
			case <-timer.C:
				break quiet
			}
		}

		if err := b.push(ctx, gen); err != nil && ctx.Err() == nil {
			b.log.Warn("library_push_failed", "err", err)
		}
	}
}

func (b *Bridge) resyncLoop(ctx context.Context, gen uint64) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.Resync)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-b.pull:
		}
		if err := b.reconcile(ctx, gen); err != nil && ctx.Err() == nil {
			b.log.Warn("library_resync_failed", "err", err)
		}
	}
}

func (b *Bridge) watchLoop(ctx context.Context, remote RemoteStore) {
	defer b.wg.Done()
	err := remote.Watch(ctx, b.requestPull)
	if err != nil && ctx.Err() == nil {
		b.log.Warn("library_watch_stopped", "err", err)
	}
}

func (b *Bridge) push(ctx context.Context, gen uint64) error {
	return b.pushWith(ctx, gen, b.retry)
}

func (b *Bridge) pushWith(ctx context.Context, gen uint64, retry retryFunc) error {
	b.roundTrip.Lock()
	defer b.roundTrip.Unlock()

	remote, ok := b.session(gen)
	if !ok {
		return nil
	}
	b.mu.Lock()
	b.pushPending = false
	b.mu.Unlock()

	snap := b.store.Snapshot()
	b.markSyncing()
	var merged models.Snapshot
	err := retry(ctx, "push", func() error {
		var err error
		merged, err = remote.PushAll(ctx, snap)
		return err
	})
	if err != nil {
		b.mu.Lock()
		if b.gen == gen {
			b.pushPending = true
		}
		b.mu.Unlock()
		b.fail(gen)
		return fmt.Errorf("push library: %w: %v", ErrSyncUnavailable, err)
	}
	if !b.absorb(gen, merged) {
		return nil
	}
	b.setStatus(StatusSynced)
	b.log.Info("library_pushed", "entries", len(snap.Entries), "lists", len(snap.Lists))
	return nil
}

func (b *Bridge) reconcile(ctx context.Context, gen uint64) error {
	return b.reconcileWith(ctx, gen, b.retry)
}

type retryFunc func(ctx context.Context, op string, fn func() error) error

func once(_ context.Context, _ string, fn func() error) error {
	return fn()
}

func (b *Bridge) reconcileWith(ctx context.Context, gen uint64, retry retryFunc) error {
	b.roundTrip.Lock()
	defer b.roundTrip.Unlock()

	remote, ok := b.session(gen)
	if !ok {
		return nil
	}
	b.markSyncing()
	var fetched models.Snapshot
	err := retry(ctx, "fetch", func() error {
		var err error
		fetched, err = remote.FetchAll(ctx)
		return err
	})
	if err != nil {
		b.fail(gen)
		return fmt.Errorf("fetch library: %w: %v", ErrSyncUnavailable, err)
	}

	var res Result
	applied := false
	b.store.Absorb(func(local models.Snapshot) (models.Snapshot, bool) {
		if _, live := b.session(gen); !live {
			return local, false
		}
		applied = true
		res = Reconcile(local, fetched)
		return res.Snapshot, res.LocalChanged
	})
	if !applied {
		return nil
	}
	b.log.Info("library_reconciled",
		"entries", len(res.Snapshot.Entries),
		"local_changed", res.LocalChanged,
		"remote_changed", res.RemoteChanged,
	)

	if res.RemoteChanged {
		var merged models.Snapshot
		err := retry(ctx, "push", func() error {
			var err error
			merged, err = remote.PushAll(ctx, b.store.Snapshot())
			return err
		})
		if err != nil {
			b.fail(gen)
			return fmt.Errorf("push reconciled library: %w: %v", ErrSyncUnavailable, err)
		}
		b.mu.Lock()
		b.pushPending = false
		b.mu.Unlock()
		if !b.absorb(gen, merged) {
			return nil
		}
	}
	b.setStatus(StatusSynced)
	return nil
}

// absorb merges what the server returned into the store. It reports false
// when the session ended while the round trip was in flight.
func (b *Bridge) absorb(gen uint64, remote models.Snapshot) bool {
	applied := false
	b.store.Absorb(func(local models.Snapshot) (models.Snapshot, bool) {
		if _, live := b.session(gen); !live {
			return local, false
		}
		applied = true
		res := Reconcile(local, remote)
		return res.Snapshot, res.LocalChanged
	})
	return applied
}

func (b *Bridge) fail(gen uint64) {
	if _, live := b.session(gen); live {
		b.setStatus(StatusOffline)
	}
}

func (b *Bridge) retry(ctx context.Context, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.cfg.RetryInitial
	bo.MaxElapsedTime = b.cfg.RetryMax
	return backoff.RetryNotify(fn, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		b.log.Debug("library_remote_retry", "op", op, "next", next, "err", err)
	})
}
