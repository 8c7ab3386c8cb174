// Package library holds the in-memory media library: which tracked item
// sits in which list, the user's custom lists, and read-side projections
// over both. The Store is the only writer of library state; persistence
// and rendering subscribe to its change notifications.
package library

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"mediahub/pkg/models"
)

const defaultTombstoneTTL = 30 * 24 * time.Hour

type ChangeKind string

const (
	ChangeUpsert       ChangeKind = "upsert"
	ChangeMove         ChangeKind = "move"
	ChangeEdit         ChangeKind = "edit"
	ChangeRemove       ChangeKind = "remove"
	ChangeListCreated  ChangeKind = "list.created"
	ChangeListUpdated  ChangeKind = "list.updated"
	ChangeListDeleted  ChangeKind = "list.deleted"
	ChangeListSelected ChangeKind = "list.selected"
	ChangeOwner        ChangeKind = "owner"
	ChangeRestored     ChangeKind = "restored"
	ChangeReset        ChangeKind = "reset"
)

// Origin tells observers whether a change came from a local caller or was
// loaded from a durable copy (cache load, reconciliation).
type Origin int

const (
	OriginLocal Origin = iota
	OriginSync
)

type Change struct {
	Kind    ChangeKind
	Origin  Origin
	Key     models.Key
	From    models.ListName
	To      models.ListName
	ListID  string
	Version uint64
}

// Observer is called after a change is applied, in commit order. Observers
// may read the store but must not mutate it synchronously.
type Observer func(Change)

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithTombstoneTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.tombstoneTTL = d
		}
	}
}

type Store struct {
	mu             sync.RWMutex
	entries        map[models.Key]models.LibraryEntry
	lists          map[string]models.CustomList
	removedEntries map[string]time.Time
	removedLists   map[string]time.Time
	selected       string
	owner          string
	lastStamp      time.Time
	version        uint64
	cleanVersion   uint64
	pending        []Change

	// drainMu serializes observer delivery so changes arrive in commit order.
	drainMu   sync.Mutex
	obsMu     sync.Mutex
	observers map[int]Observer
	nextObs   int

	now          func() time.Time
	tombstoneTTL time.Duration
	logger       *slog.Logger
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		entries:        make(map[models.Key]models.LibraryEntry),
		lists:          make(map[string]models.CustomList),
		removedEntries: make(map[string]time.Time),
		removedLists:   make(map[string]time.Time),
		observers:      make(map[int]Observer),
		now:            time.Now,
		tombstoneTTL:   defaultTombstoneTTL,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers fn for change notifications and returns a function
// that removes it.
func (s *Store) Subscribe(fn Observer) func() {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			delete(s.observers, id)
			s.obsMu.Unlock()
		})
	}
}

// Upsert places item in list, replacing any entry the item already has.
// Repeating a call with identical arguments changes nothing.
func (s *Store) Upsert(item models.Item, list models.ListName) (models.LibraryEntry, error) {
	item = item.Normalized()
	if err := item.Validate(); err != nil {
		return models.LibraryEntry{}, fmt.Errorf("%w: %v", ErrInvalidItem, err)
	}
	if !list.Valid() {
		return models.LibraryEntry{}, fmt.Errorf("%w: %q", ErrInvalidList, list)
	}

	s.mu.Lock()
	if !s.listExistsLocked(list) {
		s.mu.Unlock()
		return models.LibraryEntry{}, fmt.Errorf("%w: %s", ErrUnknownList, list)
	}

	key := item.Key()
	prev, had := s.entries[key]
	if had && prev.List == list && prev.Item.Equal(item) {
		s.mu.Unlock()
		return prev.Clone(), nil
	}

	// a re-add must also supersede the removal it undoes
	after := prev.UpdatedAt
	if removedAt, ok := s.removedEntries[key.String()]; ok && removedAt.After(after) {
		after = removedAt
	}
	now := s.stampLocked(after)
	entry := models.LibraryEntry{Item: item, List: list, AddedAt: now, UpdatedAt: now}
	if had && prev.List == list {
		entry.AddedAt = prev.AddedAt
	}
	s.entries[key] = entry
	delete(s.removedEntries, key.String())

	s.commitLocked(Change{Kind: ChangeUpsert, Key: key, From: prev.List, To: list})
	s.mu.Unlock()
	s.drain()
	return entry.Clone(), nil
}

// Move changes the list of an existing entry. It is a no-op when the item
// is not tracked, already in the target list, or the target does not exist.
func (s *Store) Move(id int64, mediaType models.MediaType, to models.ListName) bool {
	key := models.NewKey(id, mediaType)

	s.mu.Lock()
	prev, ok := s.entries[key]
	if !ok || prev.List == to {
		s.mu.Unlock()
		return false
	}
	if !to.Valid() || !s.listExistsLocked(to) {
		s.mu.Unlock()
		s.logger.Warn("library_move_ignored", "key", key.String(), "to", string(to))
		return false
	}

	entry := prev.Clone()
	entry.List = to
	entry.UpdatedAt = s.stampLocked(prev.UpdatedAt)
	s.entries[key] = entry

	s.commitLocked(Change{Kind: ChangeMove, Key: key, From: prev.List, To: to})
	s.mu.Unlock()
	s.drain()
	return true
}

// Edit applies field edits to a tracked item without changing its list.
func (s *Store) Edit(id int64, mediaType models.MediaType, patch models.ItemPatch) bool {
	key := models.NewKey(id, mediaType)

	s.mu.Lock()
	prev, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	item := patch.Apply(prev.Clone().Item)
	if item.Validate() != nil || item.Equal(prev.Item) {
		s.mu.Unlock()
		return false
	}

	entry := prev
	entry.Item = item
	entry.UpdatedAt = s.stampLocked(prev.UpdatedAt)
	s.entries[key] = entry

	s.commitLocked(Change{Kind: ChangeEdit, Key: key, From: prev.List, To: prev.List})
	s.mu.Unlock()
	s.drain()
	return true
}

// Remove deletes the entry for the item if there is one.
func (s *Store) Remove(id int64, mediaType models.MediaType) bool {
	key := models.NewKey(id, mediaType)

	s.mu.Lock()
	prev, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.removeEntryLocked(prev)

	s.commitLocked(Change{Kind: ChangeRemove, Key: key, From: prev.List})
	s.mu.Unlock()
	s.drain()
	return true
}

func (s *Store) GetCurrentList(id int64, mediaType models.MediaType) (models.ListName, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[models.NewKey(id, mediaType)]
	if !ok || !s.listExistsLocked(e.List) {
		return "", false
	}
	return e.List, true
}

// GetByList returns the items in list. The order is unspecified. A custom
// list that no longer exists has no items, even while entries pointing at
// it wait for cleanup.
func (s *Store) GetByList(list models.ListName) []models.Item {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Item, 0)
	if !s.listExistsLocked(list) {
		return out
	}
	for _, e := range s.entries {
		if e.List == list {
			out = append(out, e.Clone().Item)
		}
	}
	return out
}

// Entries returns the entries in list, or every entry when list is empty.
// Entries of deleted custom lists are left out.
func (s *Store) Entries(list models.ListName) []models.LibraryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.LibraryEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if !s.listExistsLocked(e.List) {
			continue
		}
		if list == "" || e.List == list {
			out = append(out, e.Clone())
		}
	}
	return out
}

func (s *Store) Entry(id int64, mediaType models.MediaType) (models.LibraryEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[models.NewKey(id, mediaType)]
	return e.Clone(), ok
}

// Len counts tracked entries, leaving out those of deleted custom lists.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.entries {
		if s.listExistsLocked(e.List) {
			n++
		}
	}
	return n
}

func (s *Store) Owner() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.owner
}

// Adopt assigns an owner to a library that has none, e.g. when items
// added while signed out are carried into the first signed-in session.
func (s *Store) Adopt(owner string) {
	s.mu.Lock()
	if s.owner == owner {
		s.mu.Unlock()
		return
	}
	s.owner = owner
	s.commitLocked(Change{Kind: ChangeOwner, Origin: OriginSync})
	s.mu.Unlock()
	s.drain()
}

func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Dirty reports whether there are changes not yet confirmed durable via MarkClean.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version != s.cleanVersion
}

func (s *Store) MarkClean(version uint64) {
	s.mu.Lock()
	if version > s.cleanVersion && version <= s.version {
		s.cleanVersion = version
	}
	s.mu.Unlock()
}

func (s *Store) Snapshot() models.Snapshot {
	snap, _ := s.SnapshotVersion()
	return snap
}

// SnapshotVersion returns the current state together with the version it
// reflects, for use with MarkClean.
func (s *Store) SnapshotVersion() (models.Snapshot, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(), s.version
}

// Restore replaces the whole state with snap, e.g. the local cache read at
// start-up. Observers see a single ChangeRestored.
func (s *Store) Restore(snap models.Snapshot) {
	s.mu.Lock()
	s.loadLocked(snap)
	s.commitLocked(Change{Kind: ChangeRestored, Origin: OriginSync})
	s.mu.Unlock()
	s.drain()
}

// Absorb runs merge against the current state under the write lock, so no
// local mutation can slip in between reading and replacing the state. The
// merged snapshot is loaded only when merge reports the local side changed.
func (s *Store) Absorb(merge func(local models.Snapshot) (models.Snapshot, bool)) models.Snapshot {
	s.mu.Lock()
	merged, changed := merge(s.snapshotLocked())
	if !changed {
		s.mu.Unlock()
		return merged
	}
	owner := s.owner
	s.loadLocked(merged)
	if s.owner == "" {
		s.owner = owner
	}
	s.commitLocked(Change{Kind: ChangeRestored, Origin: OriginSync})
	s.mu.Unlock()
	s.drain()
	return merged
}

// Reset drops all state and assigns a new owner, used on sign-out.
func (s *Store) Reset(owner string) {
	s.mu.Lock()
	s.loadLocked(models.Snapshot{Owner: owner})
	s.commitLocked(Change{Kind: ChangeReset, Origin: OriginSync})
	s.mu.Unlock()
	s.drain()
}

func (s *Store) listExistsLocked(list models.ListName) bool {
	id, ok := list.CustomID()
	if !ok {
		return list.IsBuiltin()
	}
	_, exists := s.lists[id]
	return exists
}

// stampLocked returns a timestamp later than both the store's last stamp
// and prev, so a local edit always supersedes the version it replaces even
// when prev came from a device whose clock runs ahead.
func (s *Store) stampLocked(prev time.Time) time.Time {
	t := s.now().UTC()
	if !t.After(s.lastStamp) {
		t = s.lastStamp.Add(time.Nanosecond)
	}
	if !t.After(prev) {
		t = prev.Add(time.Nanosecond)
	}
	s.lastStamp = t
	return t
}

func (s *Store) removeEntryLocked(e models.LibraryEntry) {
	key := e.Key()
	delete(s.entries, key)
	s.removedEntries[key.String()] = s.stampLocked(e.UpdatedAt)
}

// commitLocked finishes a mutation: lazily drops entries that point at
// custom lists which no longer exist, prunes expired tombstones, bumps the
// version and queues the change for observers.
func (s *Store) commitLocked(ch Change) {
	if ch.Origin == OriginLocal {
		s.pruneLocked()
	}
	s.version++
	ch.Version = s.version
	s.pending = append(s.pending, ch)
}

func (s *Store) pruneLocked() {
	for key, e := range s.entries {
		if id, ok := e.List.CustomID(); ok {
			if _, exists := s.lists[id]; !exists {
				s.removeEntryLocked(e)
				s.logger.Info("library_stale_entry_removed", "key", key.String(), "list", string(e.List))
			}
		}
	}
	cutoff := s.now().UTC().Add(-s.tombstoneTTL)
	for k, at := range s.removedEntries {
		if at.Before(cutoff) {
			delete(s.removedEntries, k)
		}
	}
	for k, at := range s.removedLists {
		if at.Before(cutoff) {
			delete(s.removedLists, k)
		}
	}
	if s.selected != "" {
		if _, ok := s.lists[s.selected]; !ok {
			s.selected = ""
		}
	}
}

// drain delivers queued changes. Whichever goroutine holds drainMu
// delivers everything queued so far, in order; a caller returns only after
// its own change has been delivered.
func (s *Store) drain() {
	for {
		s.drainMu.Lock()
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		if len(batch) == 0 {
			s.drainMu.Unlock()
			return
		}

		observers := s.observerList()
		for _, ch := range batch {
			for _, fn := range observers {
				fn(ch)
			}
		}
		s.drainMu.Unlock()
	}
}

func (s *Store) observerList() []Observer {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	ids := make([]int, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]Observer, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.observers[id])
	}
	return out
}

func (s *Store) snapshotLocked() models.Snapshot {
	snap := models.Snapshot{
		Owner:          s.owner,
		Entries:        make([]models.LibraryEntry, 0, len(s.entries)),
		Lists:          make([]models.CustomList, 0, len(s.lists)),
		RemovedEntries: make([]models.Tombstone, 0, len(s.removedEntries)),
		RemovedLists:   make([]models.Tombstone, 0, len(s.removedLists)),
		SelectedList:   s.selected,
		SavedAt:        s.now().UTC(),
	}
	counts := make(map[string]int, len(s.lists))
	for _, e := range s.entries {
		snap.Entries = append(snap.Entries, e.Clone())
		if id, ok := e.List.CustomID(); ok {
			counts[id]++
		}
	}
	for id, l := range s.lists {
		l.ItemCount = counts[id]
		snap.Lists = append(snap.Lists, l)
	}
	for k, at := range s.removedEntries {
		snap.RemovedEntries = append(snap.RemovedEntries, models.Tombstone{Key: k, RemovedAt: at})
	}
	for k, at := range s.removedLists {
		snap.RemovedLists = append(snap.RemovedLists, models.Tombstone{Key: k, RemovedAt: at})
	}
	snap.Sort()
	return snap
}

// loadLocked replaces the state with snap. When a snapshot carries two
// entries for one identity key, the most recently updated one is kept.
func (s *Store) loadLocked(snap models.Snapshot) {
	s.entries = make(map[models.Key]models.LibraryEntry, len(snap.Entries))
	s.lists = make(map[string]models.CustomList, len(snap.Lists))
	s.removedEntries = make(map[string]time.Time, len(snap.RemovedEntries))
	s.removedLists = make(map[string]time.Time, len(snap.RemovedLists))
	s.owner = snap.Owner
	s.selected = snap.SelectedList

	for _, e := range snap.Entries {
		e = e.Clone()
		e.Item = e.Item.Normalized()
		if !e.Key().Valid() || !e.List.Valid() {
			s.logger.Warn("library_entry_skipped", "key", e.Key().String(), "list", string(e.List))
			continue
		}
		if cur, ok := s.entries[e.Key()]; ok && !e.UpdatedAt.After(cur.UpdatedAt) {
			continue
		}
		s.entries[e.Key()] = e
		s.observeStampLocked(e.UpdatedAt)
	}
	for _, l := range snap.Lists {
		if l.ID == "" {
			continue
		}
		l.ItemCount = 0
		s.lists[l.ID] = l
	}
	for _, t := range snap.RemovedEntries {
		s.removedEntries[t.Key] = t.RemovedAt
	}
	for _, t := range snap.RemovedLists {
		s.removedLists[t.Key] = t.RemovedAt
	}
}

func (s *Store) observeStampLocked(t time.Time) {
	if t.After(s.lastStamp) && !t.After(s.now().UTC()) {
		s.lastStamp = t
	}
}
