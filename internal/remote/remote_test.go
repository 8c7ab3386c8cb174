package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediahub/internal/auth"
	"mediahub/internal/docstore"
	"mediahub/internal/persist"
	"mediahub/internal/sync"
	"mediahub/pkg/database"
	"mediahub/pkg/models"
)

func newTestServer(t *testing.T) (*httptest.Server, *sync.Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(database.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.Migrate(db))

	tokens := auth.TokenService{Secret: []byte("test-secret"), Issuer: "mediahub-test", Duration: time.Hour}
	users := auth.NewRepo(db)
	hub := sync.NewHub(nil)

	r := gin.New()
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	authH := auth.NewHandler(users, tokens)
	authH.RegisterRoutes(r.Group("/auth"))
	protected := r.Group("/users")
	protected.Use(auth.AuthMiddleware(tokens, users))
	authH.RegisterUserRoutes(protected)
	docstore.NewHandler(docstore.NewRepo(db), hub).RegisterRoutes(protected)
	r.GET("/ws", auth.AuthMiddleware(tokens, users), sync.WSHandler(hub))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, hub
}

func signedInClient(t *testing.T, baseURL, device string) *Client {
	t.Helper()
	c := NewClient(baseURL, 5*time.Second)
	resp, err := c.Login(t.Context(), "neo@example.com", "followthewhiterabbit")
	var serr *StatusError
	if errors.As(err, &serr) && serr.Code == http.StatusUnauthorized {
		resp, err = c.Register(t.Context(), "neo", "neo@example.com", "followthewhiterabbit")
	}
	require.NoError(t, err)
	c = c.WithToken(resp.Token)
	c.DeviceID = device
	return c
}

func sample(id int64, list models.ListName, at time.Time) models.LibraryEntry {
	return models.LibraryEntry{
		Item:      models.Item{ID: id, MediaType: models.MediaTV, Title: "show"},
		List:      list,
		AddedAt:   at,
		UpdatedAt: at,
	}
}

func TestClient_Account(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := t.Context()

	c := NewClient(srv.URL, 5*time.Second)
	require.NoError(t, c.Health(ctx))

	reg, err := c.Register(ctx, "neo", "neo@example.com", "followthewhiterabbit")
	require.NoError(t, err)
	assert.NotEmpty(t, reg.Token)

	authed := c.WithToken(reg.Token)
	me, err := authed.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, me.Tier)

	me, err = authed.SetPlan(ctx, models.TierPro)
	require.NoError(t, err)
	assert.Equal(t, models.TierPro, me.Tier)

	require.NoError(t, authed.Logout(ctx))
	_, err = authed.Me(ctx)
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusUnauthorized, serr.Code)
}

func TestHTTPStore_FetchAndPush(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := t.Context()
	now := time.Now().UTC().Truncate(time.Millisecond)

	a := NewHTTPStore(signedInClient(t, srv.URL, "device-a"), nil)
	b := NewHTTPStore(signedInClient(t, srv.URL, "device-b"), nil)

	empty, err := a.FetchAll(ctx)
	require.NoError(t, err)
	assert.True(t, empty.Empty())

	_, err = a.PushAll(ctx, models.Snapshot{Entries: []models.LibraryEntry{sample(1, models.ListWatching, now)}})
	require.NoError(t, err)

	merged, err := b.PushAll(ctx, models.Snapshot{Entries: []models.LibraryEntry{sample(2, models.ListWishlist, now)}})
	require.NoError(t, err)
	assert.Len(t, merged.Entries, 2, "the server returns the merged library")

	got, err := a.FetchAll(ctx)
	require.NoError(t, err)
	assert.Len(t, got.Entries, 2)
}

func TestHTTPStore_Unauthorized(t *testing.T) {
	srv, _ := newTestServer(t)
	s := NewHTTPStore(NewClient(srv.URL, time.Second).WithToken("garbage"), nil)

	_, err := s.FetchAll(t.Context())
	require.Error(t, err)
	var serr *StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusUnauthorized, serr.Code)

	err = s.Watch(t.Context(), func() {})
	require.ErrorAs(t, err, &serr)
}

func TestHTTPStore_WatchSkipsOwnPushes(t *testing.T) {
	srv, hub := newTestServer(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	a := NewHTTPStore(signedInClient(t, srv.URL, "device-a"), nil)
	b := NewHTTPStore(signedInClient(t, srv.URL, "device-b"), nil)

	var changes atomic.Int32
	done := make(chan error, 1)
	go func() { done <- a.Watch(ctx, func() { changes.Add(1) }) }()

	// connecting counts once, events before the welcome were missed
	require.Eventually(t, func() bool { return changes.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, hub.Stats().WSClients)

	// a's own push is not a change for a
	_, err := a.PushAll(ctx, models.Snapshot{Entries: []models.LibraryEntry{sample(1, models.ListWatched, time.Now())}})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, changes.Load())

	_, err = b.PushAll(ctx, models.Snapshot{Entries: []models.LibraryEntry{sample(2, models.ListWatched, time.Now())}})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return changes.Load() == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestRedisEncoding(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	snap := models.Snapshot{
		Entries:        []models.LibraryEntry{sample(1, models.CustomListName("l1"), at)},
		Lists:          []models.CustomList{{ID: "l1", Name: "Cosy", ItemCount: 1, CreatedAt: at, UpdatedAt: at}},
		RemovedEntries: []models.Tombstone{{Key: "tv:9", RemovedAt: at}},
		RemovedLists:   []models.Tombstone{{Key: "gone", RemovedAt: at}},
		SelectedList:   "l1",
	}

	entries, lists, prefs, err := encodeSnapshot(snap, at)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Len(t, lists, 2)

	toStrings := func(m map[string]any) map[string]string {
		out := make(map[string]string, len(m))
		for k, v := range m {
			out[k] = v.(string)
		}
		return out
	}
	got, err := decodeSnapshot("u1", toStrings(entries), toStrings(lists), toStrings(prefs))
	require.NoError(t, err)

	assert.Equal(t, "u1", got.Owner)
	require.Len(t, got.Entries, 1)
	assert.True(t, got.Entries[0].Equal(snap.Entries[0]))
	require.Len(t, got.Lists, 1)
	assert.Zero(t, got.Lists[0].ItemCount)
	assert.Equal(t, snap.RemovedEntries, got.RemovedEntries)
	assert.Equal(t, snap.RemovedLists, got.RemovedLists)
	assert.Equal(t, "l1", got.SelectedList)
	assert.True(t, got.SavedAt.Equal(at))

	_, err = decodeSnapshot("u1", map[string]string{"tv:1": "{"}, nil, nil)
	assert.Error(t, err)
}

func TestRedisStore_UnreachableServer(t *testing.T) {
	rdb := NewRedisClient("127.0.0.1:1")
	t.Cleanup(func() { _ = rdb.Close() })
	s := NewRedisStore(rdb, "u1", "dev-1", nil)
	s.ReconnectMax = 20 * time.Millisecond

	_, err := s.FetchAll(t.Context())
	assert.ErrorIs(t, err, persist.ErrSyncUnavailable)

	ctx, cancel := context.WithTimeout(t.Context(), 300*time.Millisecond)
	defer cancel()
	var changes atomic.Int32
	err = s.Watch(ctx, func() { changes.Add(1) })
	assert.ErrorIs(t, err, context.DeadlineExceeded, "a failed subscribe is retried until ctx is done")
	assert.Zero(t, changes.Load())
}

func TestOwnEvent(t *testing.T) {
	payload := []byte(`{"type":"library.changed","user_id":"u1","device_id":"dev-1"}`)
	assert.True(t, ownEvent(payload, "dev-1"))
	assert.False(t, ownEvent(payload, "dev-2"))
	assert.False(t, ownEvent(payload, ""))
	assert.False(t, ownEvent([]byte("nope"), "dev-1"))
}

func TestWebsocketURL(t *testing.T) {
	tests := []struct{ base, want string }{
		{"http://localhost:8080", "ws://localhost:8080/ws"},
		{"https://api.example.com/", "wss://api.example.com/ws"},
		{"https://example.com/mediahub", "wss://example.com/mediahub/ws"},
	}
	for _, tt := range tests {
		got, err := websocketURL(tt.base, "/ws")
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
