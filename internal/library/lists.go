package library

import (
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"mediahub/pkg/models"
)

const maxListNameLen = 80

// Limits caps how many custom lists an owner may create per plan tier.
type Limits struct {
	Free int
	Pro  int
}

func DefaultLimits() Limits {
	return Limits{Free: 3, Pro: 25}
}

func (l Limits) For(tier models.Tier) int {
	if tier == models.TierPro {
		return l.Pro
	}
	return l.Free
}

// ListManager manages user-defined lists on top of a Store. The tier is
// read on every CreateList, so a plan change takes effect immediately.
type ListManager struct {
	store  *Store
	limits Limits
	tier   func() models.Tier
	newID  func() string
}

func NewListManager(store *Store, limits Limits, tier func() models.Tier) *ListManager {
	if tier == nil {
		tier = func() models.Tier { return models.TierFree }
	}
	return &ListManager{store: store, limits: limits, tier: tier, newID: uuid.NewString}
}

// CreateList allocates a new custom list. The limit is only checked here:
// lists created under a higher limit stay usable after a downgrade.
func (m *ListManager) CreateList(name, description string) (models.CustomList, error) {
	name, err := cleanListName(name)
	if err != nil {
		return models.CustomList{}, err
	}
	tier := m.tier()
	limit := m.limits.For(tier)

	s := m.store
	s.mu.Lock()
	if owned := len(s.lists); owned >= limit {
		s.mu.Unlock()
		return models.CustomList{}, &LimitError{Tier: tier, Limit: limit, Owned: owned}
	}

	now := s.stampLocked(s.lastStamp)
	list := models.CustomList{
		ID:          m.newID(),
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.lists[list.ID] = list
	delete(s.removedLists, list.ID)

	s.commitLocked(Change{Kind: ChangeListCreated, ListID: list.ID})
	s.mu.Unlock()
	s.drain()
	return list, nil
}

// DeleteList removes the list and every entry in it; those items go back
// to being untracked.
func (m *ListManager) DeleteList(id string) bool {
	s := m.store
	s.mu.Lock()
	list, ok := s.lists[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	name := list.ListName()
	for _, e := range s.entries {
		if e.List == name {
			s.removeEntryLocked(e)
		}
	}
	delete(s.lists, id)
	s.removedLists[id] = s.stampLocked(list.UpdatedAt)
	if s.selected == id {
		s.selected = ""
	}

	s.commitLocked(Change{Kind: ChangeListDeleted, ListID: id, From: name})
	s.mu.Unlock()
	s.drain()
	return true
}

func (m *ListManager) RenameList(id, name string) (bool, error) {
	name, err := cleanListName(name)
	if err != nil {
		return false, err
	}
	return m.update(id, func(l *models.CustomList) { l.Name = name }), nil
}

func (m *ListManager) SetDescription(id, description string) bool {
	description = strings.TrimSpace(description)
	return m.update(id, func(l *models.CustomList) { l.Description = description })
}

// SetSelectedList remembers the list used for quick-add. An empty id
// clears the selection.
func (m *ListManager) SetSelectedList(id string) bool {
	s := m.store
	s.mu.Lock()
	if id != "" {
		if _, ok := s.lists[id]; !ok {
			s.mu.Unlock()
			return false
		}
	}
	if s.selected == id {
		s.mu.Unlock()
		return true
	}
	s.selected = id
	s.commitLocked(Change{Kind: ChangeListSelected, ListID: id})
	s.mu.Unlock()
	s.drain()
	return true
}

func (m *ListManager) SelectedList() (models.CustomList, bool) {
	s := m.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.selected == "" {
		return models.CustomList{}, false
	}
	l, ok := s.lists[s.selected]
	if !ok {
		return models.CustomList{}, false
	}
	l.ItemCount = s.countLocked(l.ListName())
	return l, true
}

func (m *ListManager) List(id string) (models.CustomList, bool) {
	s := m.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lists[id]
	if !ok {
		return models.CustomList{}, false
	}
	l.ItemCount = s.countLocked(l.ListName())
	return l, true
}

// Lists returns every custom list ordered by creation time.
func (m *ListManager) Lists() []models.CustomList {
	s := m.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.CustomList, 0, len(s.lists))
	for _, l := range s.lists {
		l.ItemCount = s.countLocked(l.ListName())
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b models.CustomList) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Remaining reports how many more lists the current tier allows; it is
// zero, never negative, for grandfathered owners above the limit.
func (m *ListManager) Remaining() int {
	limit := m.limits.For(m.tier())
	s := m.store
	s.mu.RLock()
	owned := len(s.lists)
	s.mu.RUnlock()
	return max(limit-owned, 0)
}

func (m *ListManager) update(id string, fn func(*models.CustomList)) bool {
	s := m.store
	s.mu.Lock()
	prev, ok := s.lists[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	next := prev
	fn(&next)
	if next.Equal(prev) {
		s.mu.Unlock()
		return true
	}
	next.UpdatedAt = s.stampLocked(prev.UpdatedAt)
	s.lists[id] = next

	s.commitLocked(Change{Kind: ChangeListUpdated, ListID: id})
	s.mu.Unlock()
	s.drain()
	return true
}

func (s *Store) countLocked(list models.ListName) int {
	n := 0
	for _, e := range s.entries {
		if e.List == list {
			n++
		}
	}
	return n
}

func cleanListName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name required", ErrInvalidList)
	}
	if len(name) > maxListNameLen {
		return "", fmt.Errorf("%w: name longer than %d characters", ErrInvalidList, maxListNameLen)
	}
	return name, nil
}
