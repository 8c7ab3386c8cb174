package library

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediahub/pkg/models"
)

func TestListManager_FreeTierLimit(t *testing.T) {
	s, _ := newTestStore(t)
	m := NewListManager(s, DefaultLimits(), func() models.Tier { return models.TierFree })

	for i := 0; i < 3; i++ {
		_, err := m.CreateList(fmt.Sprintf("List %d", i), "")
		require.NoError(t, err)
	}

	_, err := m.CreateList("One too many", "")
	require.ErrorIs(t, err, ErrLimitExceeded)
	var limitErr *LimitError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, 3, limitErr.Limit)
	assert.Equal(t, 3, limitErr.Owned)
	assert.Len(t, m.Lists(), 3)
	assert.Zero(t, m.Remaining())
}

func TestListManager_TierIsReadPerCall(t *testing.T) {
	s, _ := newTestStore(t)
	tier := models.TierPro
	m := NewListManager(s, Limits{Free: 1, Pro: 4}, func() models.Tier { return tier })

	for i := 0; i < 3; i++ {
		_, err := m.CreateList(fmt.Sprintf("Pro %d", i), "")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, m.Remaining())

	tier = models.TierFree
	_, err := m.CreateList("After downgrade", "")
	assert.ErrorIs(t, err, ErrLimitExceeded)
	assert.Zero(t, m.Remaining())

	// grandfathered lists stay usable
	lists := m.Lists()
	require.Len(t, lists, 3)
	_, err = s.Upsert(matrix(), lists[0].ListName())
	require.NoError(t, err)
	ok, err := m.RenameList(lists[1].ID, "Renamed")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListManager_DeleteRemovesMemberEntries(t *testing.T) {
	s, _ := newTestStore(t)
	m := NewListManager(s, DefaultLimits(), nil)
	q := NewQuery(s)

	l, err := m.CreateList("Horror", "spooky")
	require.NoError(t, err)
	_, err = s.Upsert(matrix(), l.ListName())
	require.NoError(t, err)
	_, err = s.Upsert(models.Item{ID: 2, MediaType: models.MediaTV, Title: "Lost"}, models.ListWatching)
	require.NoError(t, err)
	require.True(t, m.SetSelectedList(l.ID))

	require.True(t, m.DeleteList(l.ID))
	assert.False(t, m.DeleteList(l.ID))

	_, ok := s.GetCurrentList(603, models.MediaMovie)
	assert.False(t, ok)
	assert.False(t, q.MembershipInfo(603, models.MediaMovie).Tracked())
	_, ok = m.SelectedList()
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len())

	snap := s.Snapshot()
	require.Len(t, snap.RemovedLists, 1)
	assert.Equal(t, l.ID, snap.RemovedLists[0].Key)
}

func TestListManager_StaleReferencesAreDroppedLazily(t *testing.T) {
	s, _ := newTestStore(t)
	q := NewQuery(s)

	// a synced snapshot can carry an entry whose list was deleted elsewhere
	s.Restore(models.Snapshot{Entries: []models.LibraryEntry{
		{Item: matrix(), List: models.CustomListName("gone")},
	}})
	assert.False(t, q.MembershipInfo(603, models.MediaMovie).Tracked())
	assert.Zero(t, q.Counts()[models.CustomListName("gone")])

	_, err := s.Upsert(models.Item{ID: 1, MediaType: models.MediaTV, Title: "x"}, models.ListWatched)
	require.NoError(t, err)
	_, ok := s.GetCurrentList(603, models.MediaMovie)
	assert.False(t, ok)
}

func TestListManager_RenameAndDescribe(t *testing.T) {
	s, _ := newTestStore(t)
	m := NewListManager(s, DefaultLimits(), nil)
	l, err := m.CreateList("  Docs  ", "")
	require.NoError(t, err)
	assert.Equal(t, "Docs", l.Name)

	ok, err := m.RenameList(l.ID, "Documentaries")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, m.SetDescription(l.ID, "true stories"))

	got, ok := m.List(l.ID)
	require.True(t, ok)
	assert.Equal(t, "Documentaries", got.Name)
	assert.Equal(t, "true stories", got.Description)
	assert.True(t, got.UpdatedAt.After(l.UpdatedAt))

	_, err = m.RenameList(l.ID, "   ")
	assert.ErrorIs(t, err, ErrInvalidList)
	_, err = m.RenameList(l.ID, strings.Repeat("x", 81))
	assert.ErrorIs(t, err, ErrInvalidList)
	ok, err = m.RenameList("missing", "whatever")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListManager_SelectedList(t *testing.T) {
	s, _ := newTestStore(t)
	m := NewListManager(s, DefaultLimits(), nil)
	l, err := m.CreateList("Quick add", "")
	require.NoError(t, err)

	assert.False(t, m.SetSelectedList("missing"))
	require.True(t, m.SetSelectedList(l.ID))
	got, ok := m.SelectedList()
	require.True(t, ok)
	assert.Equal(t, l.ID, got.ID)

	require.True(t, m.SetSelectedList(""))
	_, ok = m.SelectedList()
	assert.False(t, ok)
}

func TestListManager_ItemCounts(t *testing.T) {
	s, _ := newTestStore(t)
	m := NewListManager(s, DefaultLimits(), nil)
	a, err := m.CreateList("A", "")
	require.NoError(t, err)
	b, err := m.CreateList("B", "")
	require.NoError(t, err)

	for i := int64(1); i <= 3; i++ {
		_, err := s.Upsert(models.Item{ID: i, MediaType: models.MediaMovie, Title: "m"}, a.ListName())
		require.NoError(t, err)
	}
	require.True(t, s.Move(3, models.MediaMovie, b.ListName()))

	lists := m.Lists()
	require.Len(t, lists, 2)
	assert.Equal(t, a.ID, lists[0].ID)
	assert.Equal(t, 2, lists[0].ItemCount)
	assert.Equal(t, 1, lists[1].ItemCount)
}
