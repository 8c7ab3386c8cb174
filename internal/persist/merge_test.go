package persist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediahub/internal/library"
	"mediahub/pkg/models"
)

var epoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return epoch.Add(time.Duration(sec) * time.Second)
}

func entry(id int64, list models.ListName, updated int) models.LibraryEntry {
	return models.LibraryEntry{
		Item:      models.Item{ID: id, MediaType: models.MediaMovie, Title: "item"},
		List:      list,
		AddedAt:   at(0),
		UpdatedAt: at(updated),
	}
}

func entryFor(t *testing.T, snap models.Snapshot, id int64) models.LibraryEntry {
	t.Helper()
	for _, e := range snap.Entries {
		if e.Item.ID == id {
			return e
		}
	}
	require.Failf(t, "entry missing", "id %d", id)
	return models.LibraryEntry{}
}

func TestMerge_DisjointEditsAreBothKept(t *testing.T) {
	local := models.Snapshot{Entries: []models.LibraryEntry{entry(1, models.ListWatching, 10)}}
	remote := models.Snapshot{Entries: []models.LibraryEntry{entry(2, models.ListWatched, 12)}}

	res := Reconcile(local, remote)

	require.Len(t, res.Snapshot.Entries, 2)
	assert.True(t, entryFor(t, res.Snapshot, 1).Equal(local.Entries[0]))
	assert.True(t, entryFor(t, res.Snapshot, 2).Equal(remote.Entries[0]))
	assert.True(t, res.LocalChanged)
	assert.True(t, res.RemoteChanged)

	// the same result from either direction
	flipped := Merge(remote, local)
	assert.Equal(t, res.Snapshot.Entries, flipped.Entries)
}

func TestMerge_LaterWriteWins(t *testing.T) {
	older := entry(1, models.ListWishlist, 10)
	newer := entry(1, models.ListWatched, 20)

	tests := []struct {
		name          string
		local, remote models.LibraryEntry
		localChanged  bool
		remoteChanged bool
	}{
		{"remote newer", older, newer, true, false},
		{"local newer", newer, older, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Reconcile(
				models.Snapshot{Entries: []models.LibraryEntry{tt.local}},
				models.Snapshot{Entries: []models.LibraryEntry{tt.remote}},
			)
			require.Len(t, res.Snapshot.Entries, 1)
			assert.True(t, res.Snapshot.Entries[0].Equal(newer))
			assert.Equal(t, tt.localChanged, res.LocalChanged)
			assert.Equal(t, tt.remoteChanged, res.RemoteChanged)
		})
	}
}

func TestMerge_TieBreak(t *testing.T) {
	t.Run("larger list name wins", func(t *testing.T) {
		a := entry(1, models.ListWatched, 10)
		b := entry(1, models.ListWishlist, 10)
		for _, pair := range [][2]models.LibraryEntry{{a, b}, {b, a}} {
			merged := Merge(
				models.Snapshot{Entries: []models.LibraryEntry{pair[0]}},
				models.Snapshot{Entries: []models.LibraryEntry{pair[1]}},
			)
			require.Len(t, merged.Entries, 1)
			assert.Equal(t, models.ListWishlist, merged.Entries[0].List)
		}
	})

	t.Run("same list prefers remote", func(t *testing.T) {
		local := entry(1, models.ListWatched, 10)
		remote := entry(1, models.ListWatched, 10)
		remote.Item.Notes = "from the other device"
		merged := Merge(
			models.Snapshot{Entries: []models.LibraryEntry{local}},
			models.Snapshot{Entries: []models.LibraryEntry{remote}},
		)
		assert.Equal(t, "from the other device", merged.Entries[0].Item.Notes)
	})

	t.Run("removal beats entry", func(t *testing.T) {
		merged := Merge(
			models.Snapshot{Entries: []models.LibraryEntry{entry(1, models.ListWatched, 10)}},
			models.Snapshot{RemovedEntries: []models.Tombstone{{Key: "movie:1", RemovedAt: at(10)}}},
		)
		assert.Empty(t, merged.Entries)
		require.Len(t, merged.RemovedEntries, 1)
	})
}

func TestMerge_Tombstones(t *testing.T) {
	t.Run("later removal deletes the entry", func(t *testing.T) {
		res := Reconcile(
			models.Snapshot{Entries: []models.LibraryEntry{entry(1, models.ListWatched, 10)}},
			models.Snapshot{RemovedEntries: []models.Tombstone{{Key: "movie:1", RemovedAt: at(15)}}},
		)
		assert.Empty(t, res.Snapshot.Entries)
		assert.True(t, res.LocalChanged)
		assert.False(t, res.RemoteChanged)
	})

	t.Run("re-add after removal survives", func(t *testing.T) {
		res := Reconcile(
			models.Snapshot{Entries: []models.LibraryEntry{entry(1, models.ListWatching, 30)}},
			models.Snapshot{RemovedEntries: []models.Tombstone{{Key: "movie:1", RemovedAt: at(15)}}},
		)
		require.Len(t, res.Snapshot.Entries, 1)
		assert.Empty(t, res.Snapshot.RemovedEntries)
		assert.False(t, res.LocalChanged)
		assert.True(t, res.RemoteChanged)
	})

	t.Run("entry and tombstone on one side collapse", func(t *testing.T) {
		local := models.Snapshot{
			Entries:        []models.LibraryEntry{entry(1, models.ListWatching, 30)},
			RemovedEntries: []models.Tombstone{{Key: "movie:1", RemovedAt: at(15)}},
		}
		merged := Merge(local, models.Snapshot{})
		require.Len(t, merged.Entries, 1)
		assert.Empty(t, merged.RemovedEntries)
	})
}

func TestMerge_CustomLists(t *testing.T) {
	list := models.CustomList{ID: "l1", Name: "Noir", CreatedAt: at(1), UpdatedAt: at(1)}
	member := entry(1, models.CustomListName("l1"), 5)

	t.Run("deleted list takes its members", func(t *testing.T) {
		merged := Merge(
			models.Snapshot{Lists: []models.CustomList{list}, Entries: []models.LibraryEntry{member}, SelectedList: "l1"},
			models.Snapshot{RemovedLists: []models.Tombstone{{Key: "l1", RemovedAt: at(8)}}},
		)
		assert.Empty(t, merged.Lists)
		assert.Empty(t, merged.Entries)
		assert.Empty(t, merged.SelectedList)
		require.Len(t, merged.RemovedEntries, 1)
		assert.Equal(t, "movie:1", merged.RemovedEntries[0].Key)
	})

	t.Run("rename wins by time", func(t *testing.T) {
		renamed := list
		renamed.Name = "Film Noir"
		renamed.UpdatedAt = at(9)
		merged := Merge(
			models.Snapshot{Lists: []models.CustomList{list}},
			models.Snapshot{Lists: []models.CustomList{renamed}},
		)
		require.Len(t, merged.Lists, 1)
		assert.Equal(t, "Film Noir", merged.Lists[0].Name)
	})

	t.Run("item count is not a difference", func(t *testing.T) {
		counted := list
		counted.ItemCount = 4
		res := Reconcile(
			models.Snapshot{Lists: []models.CustomList{counted}},
			models.Snapshot{Lists: []models.CustomList{list}},
		)
		assert.False(t, res.LocalChanged)
		assert.False(t, res.RemoteChanged)
	})
}

func TestMerge_IdenticalSidesAreUnchanged(t *testing.T) {
	snap := models.Snapshot{
		Owner:          "u1",
		Entries:        []models.LibraryEntry{entry(1, models.ListWatched, 3), entry(2, models.ListWishlist, 4)},
		RemovedEntries: []models.Tombstone{{Key: "movie:9", RemovedAt: at(2)}},
	}
	res := Reconcile(snap, snap)
	assert.False(t, res.LocalChanged)
	assert.False(t, res.RemoteChanged)
	assert.Equal(t, "u1", res.Snapshot.Owner)
}

func TestMerge_SelectedListIsLocal(t *testing.T) {
	lists := []models.CustomList{
		{ID: "a", Name: "A", CreatedAt: at(1), UpdatedAt: at(1)},
		{ID: "b", Name: "B", CreatedAt: at(1), UpdatedAt: at(1)},
	}
	merged := Merge(
		models.Snapshot{Lists: lists, SelectedList: "a"},
		models.Snapshot{Lists: lists, SelectedList: "b"},
	)
	assert.Equal(t, "a", merged.SelectedList)

	fresh := Merge(models.Snapshot{}, models.Snapshot{Lists: lists, SelectedList: "b"})
	assert.Equal(t, "b", fresh.SelectedList)
}

func TestMerge_ReAddSurvivesRemovalFromClockAhead(t *testing.T) {
	store := library.NewStore(library.WithClock(func() time.Time { return epoch }))
	remote := models.Snapshot{RemovedEntries: []models.Tombstone{{Key: "movie:603", RemovedAt: epoch.Add(time.Hour)}}}
	store.Absorb(func(local models.Snapshot) (models.Snapshot, bool) {
		res := Reconcile(local, remote)
		return res.Snapshot, res.LocalChanged
	})

	_, err := store.Upsert(models.Item{ID: 603, MediaType: models.MediaMovie, Title: "The Matrix"}, models.ListWatching)
	require.NoError(t, err)

	res := Reconcile(store.Snapshot(), remote)
	require.Len(t, res.Snapshot.Entries, 1)
	assert.Equal(t, models.ListWatching, res.Snapshot.Entries[0].List)
	assert.Empty(t, res.Snapshot.RemovedEntries)
	assert.False(t, res.LocalChanged)
	assert.True(t, res.RemoteChanged)
}
