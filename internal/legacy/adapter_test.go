package legacy

import (
	"bytes"
	"expvar"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediahub/internal/library"
	"mediahub/pkg/models"
)

func item(id int64) models.Item {
	return models.Item{ID: id, MediaType: models.MediaMovie, Title: "movie " + string(rune('A'+id%26))}
}

func assertParity(t *testing.T, store *library.Store, a *Adapter) {
	t.Helper()
	counts := library.NewQuery(store).Counts()
	adapterCounts := a.Counts()
	for _, list := range models.CountedLists {
		want := len(store.GetByList(list))
		assert.Equal(t, want, adapterCounts[list], "adapter count for %s", list)
		assert.Equal(t, want, counts[list], "query count for %s", list)
		assert.Equal(t, want, a.Badge(list), "badge for %s", list)
		assert.Len(t, a.RenderedKeys(list), want, "rendered keys for %s", list)
		assert.ElementsMatch(t, a.RenderedKeys(list), a.IDs(list))
	}
}

func TestAdapter_InitialState(t *testing.T) {
	store := library.NewStore()
	_, err := store.Upsert(item(1), models.ListWatching)
	require.NoError(t, err)

	a := New(store, "legacy_test_initial", nil)
	defer a.Close()

	assert.Equal(t, []string{"movie:1"}, a.IDs(models.ListWatching))
	assertParity(t, store, a)
}

func TestAdapter_ParityUnderRandomOperations(t *testing.T) {
	store := library.NewStore()
	a := New(store, "legacy_test_random", nil)
	defer a.Close()

	rng := rand.New(rand.NewPCG(1, 2))
	lists := models.BuiltinLists
	for i := range 300 {
		id := int64(rng.IntN(20) + 1)
		switch rng.IntN(3) {
		case 0:
			_, err := store.Upsert(item(id), lists[rng.IntN(len(lists))])
			require.NoError(t, err)
		case 1:
			store.Move(id, models.MediaMovie, lists[rng.IntN(len(lists))])
		case 2:
			store.Remove(id, models.MediaMovie)
		}
		if i%25 == 0 {
			assertParity(t, store, a)
		}
	}
	assertParity(t, store, a)
}

func TestAdapter_NotInterestedIsNotRendered(t *testing.T) {
	store := library.NewStore()
	a := New(store, "legacy_test_not", nil)
	defer a.Close()

	_, err := store.Upsert(item(1), models.ListNotInterested)
	require.NoError(t, err)

	for _, list := range models.CountedLists {
		assert.Zero(t, a.Counts()[list])
	}
	_, ok := a.Counts()[models.ListNotInterested]
	assert.False(t, ok)
}

func TestAdapter_RenderAndPublish(t *testing.T) {
	store := library.NewStore()
	const handle = "legacy_test_render"
	a := New(store, handle, nil)
	defer a.Close()

	_, err := store.Upsert(models.Item{ID: 7, MediaType: models.MediaTV, Title: "<Severance>"}, models.ListWatched)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, a.Render(&buf))
	out := buf.String()
	assert.Contains(t, out, `data-key="tv:7"`)
	assert.Contains(t, out, "&lt;Severance&gt;", "titles are escaped")
	assert.Contains(t, out, `<span class="badge" data-count-for="watched">1</span>`)

	m, ok := expvar.Get(handle).(*expvar.Map)
	require.True(t, ok)
	assert.Equal(t, `["tv:7"]`, m.Get("watched").String())
	assert.Equal(t, "1", m.Get("watched_count").String())
	assert.Equal(t, "[]", m.Get("watching").String())

	// a second adapter on the same handle takes the map over
	b := New(store, handle, nil)
	defer b.Close()
	assert.True(t, strings.Contains(m.String(), `"watched_count": 1`))
}

func TestAdapter_CloseStopsUpdates(t *testing.T) {
	store := library.NewStore()
	a := New(store, "legacy_test_close", nil)
	a.Close()

	_, err := store.Upsert(item(1), models.ListWatching)
	require.NoError(t, err)
	assert.Zero(t, a.Counts()[models.ListWatching])
}
