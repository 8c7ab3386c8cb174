package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"mediahub/internal/persist"
	"mediahub/internal/sync"
	"mediahub/pkg/models"
)

var _ persist.RemoteStore = (*RedisStore)(nil)

const pushAttempts = 5

// RedisStore keeps a user's library in three hashes:
//
//	library:<user>:entries  identity key -> record
//	library:<user>:lists    list id -> record
//	library:<user>:prefs    selected_list, saved_at
//
// Records carry their own stamp and a deleted flag, so removals survive
// as tombstones. Changes are announced on library:<user>:changed.
type RedisStore struct {
	rdb      *redis.Client
	userID   string
	deviceID string
	log      *slog.Logger

	// ReconnectMax caps the wait between resubscribe attempts.
	ReconnectMax time.Duration
}

// NewRedisClient builds a client without dialing. Connections are made on
// first use, so an unreachable server surfaces as a failed round trip.
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

func NewRedisStore(rdb *redis.Client, userID, deviceID string, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		rdb:          rdb,
		userID:       userID,
		deviceID:     deviceID,
		log:          logger,
		ReconnectMax: 30 * time.Second,
	}
}

type redisKeys struct {
	entries, lists, prefs, channel string
}

func keysFor(userID string) redisKeys {
	base := "library:" + userID
	return redisKeys{
		entries: base + ":entries",
		lists:   base + ":lists",
		prefs:   base + ":prefs",
		channel: base + ":changed",
	}
}

type entryDoc struct {
	Deleted bool                 `json:"deleted,omitempty"`
	At      time.Time            `json:"at"`
	Entry   *models.LibraryEntry `json:"entry,omitempty"`
}

type listDoc struct {
	Deleted bool               `json:"deleted,omitempty"`
	At      time.Time          `json:"at"`
	List    *models.CustomList `json:"list,omitempty"`
}

func (s *RedisStore) FetchAll(ctx context.Context) (models.Snapshot, error) {
	snap, err := s.load(ctx, s.rdb)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("%w: fetch: %w", persist.ErrSyncUnavailable, err)
	}
	return snap, nil
}

// PushAll merges snap into the stored hashes under WATCH, retrying when
// another writer got in between.
func (s *RedisStore) PushAll(ctx context.Context, snap models.Snapshot) (models.Snapshot, error) {
	k := keysFor(s.userID)
	var merged models.Snapshot
	var changed bool

	txf := func(tx *redis.Tx) error {
		stored, err := s.load(ctx, tx)
		if err != nil {
			return err
		}
		res := persist.Reconcile(stored, snap)
		merged = res.Snapshot
		merged.Owner = s.userID
		changed = res.LocalChanged
		if !changed {
			return nil
		}

		entries, lists, prefs, err := encodeSnapshot(merged, time.Now())
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, k.entries, k.lists)
			if len(entries) > 0 {
				pipe.HSet(ctx, k.entries, entries)
			}
			if len(lists) > 0 {
				pipe.HSet(ctx, k.lists, lists)
			}
			pipe.HSet(ctx, k.prefs, prefs)
			return nil
		})
		return err
	}

	var err error
	for range pushAttempts {
		err = s.rdb.Watch(ctx, txf, k.entries, k.lists, k.prefs)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("%w: push: %w", persist.ErrSyncUnavailable, err)
	}

	if changed {
		s.announce(ctx, merged)
	}
	return merged, nil
}

func (s *RedisStore) announce(ctx context.Context, snap models.Snapshot) {
	ev := sync.LibraryEvent{
		Type:     sync.EventLibraryChanged,
		UserID:   s.userID,
		DeviceID: s.deviceID,
		Entries:  len(snap.Entries),
		Lists:    len(snap.Lists),
		At:       time.Now().UTC(),
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, keysFor(s.userID).channel, b).Err(); err != nil {
		s.log.Warn("library_announce_failed", "user_id", s.userID, "err", err)
	}
}

// Watch follows the user's change channel until ctx is done, resubscribing
// with exponential backoff when the subscription drops. Every successful
// subscribe counts as a change so announcements missed while away are
// picked up.
func (s *RedisStore) Watch(ctx context.Context, onChange func()) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = s.ReconnectMax
	bo.MaxElapsedTime = 0

	for {
		err := s.watchOnce(ctx, func() {
			bo.Reset()
			onChange()
		}, onChange)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wait := bo.NextBackOff()
		s.log.Warn("library_watch_disconnected", "user_id", s.userID, "err", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *RedisStore) watchOnce(ctx context.Context, onSubscribe, onChange func()) error {
	sub := s.rdb.Subscribe(ctx, keysFor(s.userID).channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	onSubscribe()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription closed")
			}
			if ownEvent([]byte(msg.Payload), s.deviceID) {
				continue
			}
			onChange()
		}
	}
}

func ownEvent(payload []byte, deviceID string) bool {
	var ev sync.LibraryEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return false
	}
	return deviceID != "" && ev.DeviceID == deviceID
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (s *RedisStore) load(ctx context.Context, r hashReader) (models.Snapshot, error) {
	k := keysFor(s.userID)
	entries, err := r.HGetAll(ctx, k.entries).Result()
	if err != nil {
		return models.Snapshot{}, err
	}
	lists, err := r.HGetAll(ctx, k.lists).Result()
	if err != nil {
		return models.Snapshot{}, err
	}
	prefs, err := r.HGetAll(ctx, k.prefs).Result()
	if err != nil {
		return models.Snapshot{}, err
	}
	return decodeSnapshot(s.userID, entries, lists, prefs)
}

func encodeSnapshot(snap models.Snapshot, now time.Time) (entries, lists map[string]any, prefs map[string]any, err error) {
	entries = make(map[string]any, len(snap.Entries)+len(snap.RemovedEntries))
	for _, e := range snap.Entries {
		b, err := json.Marshal(entryDoc{At: e.UpdatedAt, Entry: &e})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode entry: %w", err)
		}
		entries[e.Key().String()] = string(b)
	}
	for _, t := range snap.RemovedEntries {
		b, err := json.Marshal(entryDoc{Deleted: true, At: t.RemovedAt})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode entry tombstone: %w", err)
		}
		entries[t.Key] = string(b)
	}

	lists = make(map[string]any, len(snap.Lists)+len(snap.RemovedLists))
	for _, l := range snap.Lists {
		l.ItemCount = 0
		b, err := json.Marshal(listDoc{At: l.UpdatedAt, List: &l})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode list: %w", err)
		}
		lists[l.ID] = string(b)
	}
	for _, t := range snap.RemovedLists {
		b, err := json.Marshal(listDoc{Deleted: true, At: t.RemovedAt})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("encode list tombstone: %w", err)
		}
		lists[t.Key] = string(b)
	}

	prefs = map[string]any{
		"selected_list": snap.SelectedList,
		"saved_at":      now.UTC().Format(time.RFC3339Nano),
	}
	return entries, lists, prefs, nil
}

func decodeSnapshot(owner string, entries, lists, prefs map[string]string) (models.Snapshot, error) {
	snap := models.Snapshot{
		Owner:   owner,
		Entries: []models.LibraryEntry{},
		Lists:   []models.CustomList{},
	}
	for key, raw := range entries {
		var doc entryDoc
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return models.Snapshot{}, fmt.Errorf("decode entry %s: %w", key, err)
		}
		if doc.Deleted || doc.Entry == nil {
			snap.RemovedEntries = append(snap.RemovedEntries, models.Tombstone{Key: key, RemovedAt: doc.At})
			continue
		}
		snap.Entries = append(snap.Entries, *doc.Entry)
	}
	for id, raw := range lists {
		var doc listDoc
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return models.Snapshot{}, fmt.Errorf("decode list %s: %w", id, err)
		}
		if doc.Deleted || doc.List == nil {
			snap.RemovedLists = append(snap.RemovedLists, models.Tombstone{Key: id, RemovedAt: doc.At})
			continue
		}
		snap.Lists = append(snap.Lists, *doc.List)
	}
	snap.SelectedList = prefs["selected_list"]
	if ts, ok := prefs["saved_at"]; ok {
		snap.SavedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	snap.Sort()
	return snap, nil
}
