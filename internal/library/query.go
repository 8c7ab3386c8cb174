package library

import (
	"slices"
	"strings"

	"mediahub/pkg/models"
)

// Membership describes where an item is shown. The zero value means the
// item is untracked.
type Membership struct {
	List        models.ListName `json:"list"`
	DisplayName string          `json:"display_name"`
}

func (m Membership) Tracked() bool {
	return m.List != ""
}

var builtinLabels = map[models.ListName]string{
	models.ListWatching:      "Watching",
	models.ListWishlist:      "Wishlist",
	models.ListWatched:       "Watched",
	models.ListNotInterested: "Not Interested",
}

type SortOrder string

const (
	SortAddedDesc   SortOrder = "added"
	SortUpdatedDesc SortOrder = "updated"
	SortTitle       SortOrder = "title"
	SortRatingDesc  SortOrder = "rating"
)

// Query answers read-only questions about a Store for display code.
type Query struct {
	store *Store
}

func NewQuery(store *Store) *Query {
	return &Query{store: store}
}

// MembershipInfo resolves the list an item is in and its label. An entry
// that still points at a deleted custom list is reported as untracked.
func (q *Query) MembershipInfo(id int64, mediaType models.MediaType) Membership {
	s := q.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[models.NewKey(id, mediaType)]
	if !ok {
		return Membership{}
	}
	name, ok := s.displayNameLocked(e.List)
	if !ok {
		return Membership{}
	}
	return Membership{List: e.List, DisplayName: name}
}

func (q *Query) DisplayName(list models.ListName) (string, bool) {
	s := q.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.displayNameLocked(list)
}

// Items returns the items in list in the requested order; an empty list
// name selects the whole library.
func (q *Query) Items(list models.ListName, order SortOrder) []models.Item {
	entries := q.store.Entries(list)
	SortEntries(entries, order)
	out := make([]models.Item, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Item)
	}
	return out
}

// Counts returns the number of entries per built-in list plus every
// existing custom list. Entries in deleted custom lists are not counted.
func (q *Query) Counts() map[models.ListName]int {
	s := q.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.ListName]int, len(models.BuiltinLists)+len(s.lists))
	for _, l := range models.BuiltinLists {
		counts[l] = 0
	}
	for id := range s.lists {
		counts[models.CustomListName(id)] = 0
	}
	for _, e := range s.entries {
		if _, ok := counts[e.List]; ok {
			counts[e.List]++
		}
	}
	return counts
}

func (s *Store) displayNameLocked(list models.ListName) (string, bool) {
	if label, ok := builtinLabels[list]; ok {
		return label, true
	}
	id, ok := list.CustomID()
	if !ok {
		return "", false
	}
	l, ok := s.lists[id]
	if !ok {
		return "", false
	}
	return l.Name, true
}

// SortEntries orders entries in place. Ties fall back to the identity key
// so the result is deterministic.
func SortEntries(entries []models.LibraryEntry, order SortOrder) {
	slices.SortStableFunc(entries, func(a, b models.LibraryEntry) int {
		var c int
		switch order {
		case SortTitle:
			c = strings.Compare(strings.ToLower(a.Item.Title), strings.ToLower(b.Item.Title))
		case SortUpdatedDesc:
			c = b.UpdatedAt.Compare(a.UpdatedAt)
		case SortRatingDesc:
			c = compareFloat(b.Item.UserRating, a.Item.UserRating)
		default:
			c = b.AddedAt.Compare(a.AddedAt)
		}
		if c != 0 {
			return c
		}
		return strings.Compare(a.Key().String(), b.Key().String())
	})
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
