package models

import (
	"slices"
	"strings"
	"time"
)

type ListName string

const (
	ListWatching      ListName = "watching"
	ListWishlist      ListName = "wishlist"
	ListWatched       ListName = "watched"
	ListNotInterested ListName = "not"

	customPrefix = "custom:"
)

// BuiltinLists is the closed set of lists every user has.
var BuiltinLists = []ListName{ListWatching, ListWishlist, ListWatched, ListNotInterested}

// CountedLists are the lists whose sizes are shown in headers and badges.
var CountedLists = []ListName{ListWatching, ListWishlist, ListWatched}

func CustomListName(listID string) ListName {
	return ListName(customPrefix + listID)
}

func (l ListName) IsBuiltin() bool {
	return slices.Contains(BuiltinLists, l)
}

// CustomID returns the custom list id for "custom:<id>" names.
func (l ListName) CustomID() (string, bool) {
	id, ok := strings.CutPrefix(string(l), customPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Valid reports whether l is well formed. It does not check that a custom
// list actually exists.
func (l ListName) Valid() bool {
	if l.IsBuiltin() {
		return true
	}
	_, ok := l.CustomID()
	return ok
}

// ParseListName maps user input ("wish list", "not-interested") onto a list name.
func ParseListName(s string) (ListName, bool) {
	raw := strings.TrimSpace(s)
	if id, ok := strings.CutPrefix(raw, customPrefix); ok && id != "" {
		return CustomListName(id), true
	}
	switch strings.ToLower(raw) {
	case "watching":
		return ListWatching, true
	case "wishlist", "wish_list", "wish list", "watchlist":
		return ListWishlist, true
	case "watched", "completed":
		return ListWatched, true
	case "not", "not-interested", "not_interested", "not interested":
		return ListNotInterested, true
	default:
		return "", false
	}
}

// LibraryEntry records which single list an item currently belongs to.
type LibraryEntry struct {
	Item      Item      `json:"item"`
	List      ListName  `json:"list"`
	AddedAt   time.Time `json:"added_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (e LibraryEntry) Key() Key {
	return e.Item.Key()
}

func (e LibraryEntry) Equal(o LibraryEntry) bool {
	return e.List == o.List &&
		e.AddedAt.Equal(o.AddedAt) &&
		e.UpdatedAt.Equal(o.UpdatedAt) &&
		e.Item.Equal(o.Item)
}

func (e LibraryEntry) Clone() LibraryEntry {
	e.Item.Tags = slices.Clone(e.Item.Tags)
	return e
}

type CustomList struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ItemCount   int       `json:"item_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (c CustomList) ListName() ListName {
	return CustomListName(c.ID)
}

// Equal ignores ItemCount, which is derived from the entries.
func (c CustomList) Equal(o CustomList) bool {
	return c.ID == o.ID &&
		c.Name == o.Name &&
		c.Description == o.Description &&
		c.CreatedAt.Equal(o.CreatedAt) &&
		c.UpdatedAt.Equal(o.UpdatedAt)
}

// Tombstone marks a record removed at RemovedAt. For entries Key is the
// identity key string, for custom lists it is the list id.
type Tombstone struct {
	Key       string    `json:"key"`
	RemovedAt time.Time `json:"removed_at"`
}

// Snapshot is the serialized form of a whole library, used for the local
// cache blob and for remote fetch/push.
type Snapshot struct {
	Owner          string         `json:"owner,omitempty"`
	Entries        []LibraryEntry `json:"entries"`
	Lists          []CustomList   `json:"lists"`
	RemovedEntries []Tombstone    `json:"removed_entries,omitempty"`
	RemovedLists   []Tombstone    `json:"removed_lists,omitempty"`
	SelectedList   string         `json:"selected_list,omitempty"`
	SavedAt        time.Time      `json:"saved_at"`
}

// Sort orders every slice by key so that serialized snapshots are stable.
func (s *Snapshot) Sort() {
	slices.SortFunc(s.Entries, func(a, b LibraryEntry) int {
		return strings.Compare(a.Key().String(), b.Key().String())
	})
	slices.SortFunc(s.Lists, func(a, b CustomList) int {
		return strings.Compare(a.ID, b.ID)
	})
	byKey := func(a, b Tombstone) int { return strings.Compare(a.Key, b.Key) }
	slices.SortFunc(s.RemovedEntries, byKey)
	slices.SortFunc(s.RemovedLists, byKey)
}

func (s Snapshot) Empty() bool {
	return len(s.Entries) == 0 && len(s.Lists) == 0 &&
		len(s.RemovedEntries) == 0 && len(s.RemovedLists) == 0
}

type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

func ParseTier(s string) Tier {
	if strings.EqualFold(strings.TrimSpace(s), string(TierPro)) {
		return TierPro
	}
	return TierFree
}
