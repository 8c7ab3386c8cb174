package docstore

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediahub/internal/auth"
	"mediahub/internal/sync"
	"mediahub/pkg/database"
	"mediahub/pkg/models"
)

var t0 = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(database.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.Migrate(db))

	for _, id := range []string{"u1", "u2"} {
		_, err := db.Exec(`INSERT INTO users (id, username, email, password_hash) VALUES (?, ?, ?, 'x')`, id, id, id+"@example.com")
		require.NoError(t, err)
	}
	return db
}

func movie(id int64, list models.ListName, sec int) models.LibraryEntry {
	return models.LibraryEntry{
		Item:      models.Item{ID: id, MediaType: models.MediaMovie, Title: "movie"},
		List:      list,
		AddedAt:   t0,
		UpdatedAt: t0.Add(time.Duration(sec) * time.Second),
	}
}

func TestRepo_LoadEmpty(t *testing.T) {
	repo := NewRepo(newTestDB(t))

	snap, err := repo.Load(t.Context(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", snap.Owner)
	assert.True(t, snap.Empty())
}

func TestRepo_PushMerges(t *testing.T) {
	repo := NewRepo(newTestDB(t))
	ctx := t.Context()

	first := models.Snapshot{
		Entries:      []models.LibraryEntry{movie(1, models.ListWatching, 1), movie(2, models.ListWishlist, 1)},
		Lists:        []models.CustomList{{ID: "l1", Name: "Noir", ItemCount: 3, CreatedAt: t0, UpdatedAt: t0}},
		SelectedList: "l1",
	}
	merged, changed, err := repo.Push(ctx, "u1", first)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Len(t, merged.Entries, 2)

	// a second device that only knows about a later move of item 1 and a removal of item 2
	second := models.Snapshot{
		Entries:        []models.LibraryEntry{movie(1, models.ListWatched, 5)},
		RemovedEntries: []models.Tombstone{{Key: "movie:2", RemovedAt: t0.Add(4 * time.Second)}},
	}
	merged, changed, err = repo.Push(ctx, "u1", second)
	require.NoError(t, err)
	assert.True(t, changed)
	require.Len(t, merged.Entries, 1)
	assert.Equal(t, models.ListWatched, merged.Entries[0].List)
	require.Len(t, merged.Lists, 1, "lists unknown to the pusher are kept")

	stored, err := repo.Load(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, stored.Entries, 1)
	assert.True(t, stored.Entries[0].Equal(merged.Entries[0]))
	require.Len(t, stored.RemovedEntries, 1)
	assert.Equal(t, "movie:2", stored.RemovedEntries[0].Key)
	require.Len(t, stored.Lists, 1)
	assert.Zero(t, stored.Lists[0].ItemCount, "counts are derived, not stored")
	assert.Equal(t, "l1", stored.SelectedList)

	t.Run("stale push changes nothing", func(t *testing.T) {
		_, changed, err := repo.Push(ctx, "u1", models.Snapshot{Entries: []models.LibraryEntry{movie(1, models.ListWatching, 1)}})
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("users are isolated", func(t *testing.T) {
		other, err := repo.Load(ctx, "u2")
		require.NoError(t, err)
		assert.True(t, other.Empty())
	})
}

func TestRepo_PruneTombstones(t *testing.T) {
	repo := NewRepo(newTestDB(t))
	ctx := t.Context()

	_, _, err := repo.Push(ctx, "u1", models.Snapshot{
		RemovedEntries: []models.Tombstone{
			{Key: "movie:1", RemovedAt: t0},
			{Key: "movie:2", RemovedAt: t0.Add(48 * time.Hour)},
		},
		RemovedLists: []models.Tombstone{{Key: "old", RemovedAt: t0}},
	})
	require.NoError(t, err)

	n, err := repo.PruneTombstones(ctx, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	stored, err := repo.Load(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, stored.RemovedEntries, 1)
	assert.Equal(t, "movie:2", stored.RemovedEntries[0].Key)
	assert.Empty(t, stored.RemovedLists)
}

func newTestRouter(t *testing.T) (*gin.Engine, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := newTestDB(t)
	tokens := auth.TokenService{Secret: []byte("test-secret"), Issuer: "mediahub-test", Duration: time.Hour}
	token, _, err := tokens.Sign(&auth.User{ID: "u1", Username: "u1"})
	require.NoError(t, err)

	h := NewHandler(NewRepo(db), sync.NewHub(nil))
	r := gin.New()
	users := r.Group("/users")
	users.Use(auth.AuthMiddleware(tokens, auth.NewRepo(db)))
	h.RegisterRoutes(users)
	return r, token
}

func doRequest(r http.Handler, method, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, "/users/library", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(sync.DeviceHeader, "device-a")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandler_PutThenGet(t *testing.T) {
	r, token := newTestRouter(t)

	body, err := json.Marshal(models.Snapshot{Entries: []models.LibraryEntry{movie(7, models.ListWatched, 2)}})
	require.NoError(t, err)

	rec := doRequest(r, http.MethodPut, token, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var merged models.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &merged))
	require.Len(t, merged.Entries, 1)

	rec = doRequest(r, http.MethodGet, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "u1", got.Owner)
	require.Len(t, got.Entries, 1)
	assert.Equal(t, int64(7), got.Entries[0].Item.ID)
}

func TestHandler_Rejects(t *testing.T) {
	r, token := newTestRouter(t)

	invalid, err := json.Marshal(models.Snapshot{Entries: []models.LibraryEntry{movie(-1, models.ListWatched, 1)}})
	require.NoError(t, err)
	badList, err := json.Marshal(models.Snapshot{Entries: []models.LibraryEntry{movie(1, "favourites", 1)}})
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		body  []byte
		want  int
	}{
		{"no token", "", []byte(`{}`), http.StatusUnauthorized},
		{"malformed json", token, []byte(`{"entries":`), http.StatusBadRequest},
		{"invalid identity", token, invalid, http.StatusBadRequest},
		{"unknown list", token, badList, http.StatusBadRequest},
		{"too large", token, []byte(`{"owner":"` + strings.Repeat("x", MaxBodyBytes) + `"}`), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(r, http.MethodPut, tt.token, tt.body)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
