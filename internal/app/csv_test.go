package app

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediahub/internal/library"
	"mediahub/pkg/models"
)

func TestApp_CSVRoundTrip(t *testing.T) {
	ctx := t.Context()
	src, err := Open(ctx, testConfig(t, "none"), nil)
	require.NoError(t, err)
	defer src.Close(ctx)

	noir, err := src.Lists.CreateList("Noir", "")
	require.NoError(t, err)
	_, err = src.Store.Upsert(models.Item{ID: 603, MediaType: models.MediaMovie, Title: "The Matrix", Year: 1999, Tags: []string{"sci-fi", "classic"}}, models.ListWatched)
	require.NoError(t, err)
	_, err = src.Store.Upsert(models.Item{ID: 1396, MediaType: models.MediaTV, Title: "Breaking Bad", UserRating: 9.5, Notes: "rewatch, soon"}, models.ListWatching)
	require.NoError(t, err)
	_, err = src.Store.Upsert(models.Item{ID: 289, MediaType: models.MediaMovie, Title: "Casablanca"}, noir.ListName())
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := src.WriteCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.True(t, strings.HasPrefix(buf.String(), strings.Join(CSVHeader, ",")+"\n"))
	assert.Contains(t, buf.String(), "Noir")

	rows, err := ReadCSV(&buf)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	dst, err := Open(ctx, testConfig(t, "none"), nil)
	require.NoError(t, err)
	defer dst.Close(ctx)

	rep, err := dst.Import(rows)
	require.NoError(t, err)
	assert.Equal(t, ImportReport{Imported: 3, ListsCreated: 1}, rep)

	bb, ok := dst.Store.Entry(1396, models.MediaTV)
	require.True(t, ok)
	assert.Equal(t, models.ListWatching, bb.List)
	assert.Equal(t, 9.5, bb.Item.UserRating)
	assert.Equal(t, "rewatch, soon", bb.Item.Notes)

	m, ok := dst.Store.Entry(603, models.MediaMovie)
	require.True(t, ok)
	assert.Equal(t, 1999, m.Item.Year)
	assert.ElementsMatch(t, []string{"sci-fi", "classic"}, m.Item.Tags)

	membership := dst.Query.MembershipInfo(289, models.MediaMovie)
	assert.Equal(t, "Noir", membership.DisplayName)

	t.Run("importing twice changes nothing", func(t *testing.T) {
		version := dst.Store.Version()
		rep, err := dst.Import(rows)
		require.NoError(t, err)
		assert.Equal(t, 3, rep.Imported)
		assert.Zero(t, rep.ListsCreated)
		assert.Equal(t, version, dst.Store.Version())
	})
}

func TestReadCSV(t *testing.T) {
	t.Run("columns by name", func(t *testing.T) {
		rows, err := ReadCSV(strings.NewReader("title,list,media_type,id,extra\nDune,wishlist,film,438631,x\n"))
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, models.MediaMovie, rows[0].Item.MediaType)
		assert.Equal(t, int64(438631), rows[0].Item.ID)
		assert.Equal(t, "wishlist", rows[0].List)
	})

	tests := []struct {
		name, input, wantErr string
	}{
		{"missing column", "id,title\n1,x\n", `missing column "media_type"`},
		{"bad id", "id,media_type,list\nabc,movie,watched\n", "line 2: parse id"},
		{"bad media type", "id,media_type,list\n1,book,watched\n", "unknown media type"},
		{"empty list", "id,media_type,list\n1,movie,\n", "empty list"},
		{"empty input", "", "read header"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadCSV(strings.NewReader(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApp_ImportStopsAtListLimit(t *testing.T) {
	ctx := t.Context()
	a, err := Open(ctx, testConfig(t, "none"), nil)
	require.NoError(t, err)
	defer a.Close(ctx)

	rows := []CSVRow{
		{Item: models.Item{ID: 1, MediaType: models.MediaMovie, Title: "A"}, List: "First"},
		{Item: models.Item{ID: 0, MediaType: models.MediaMovie, Title: "bad"}, List: "watched"},
		{Item: models.Item{ID: 2, MediaType: models.MediaMovie, Title: "B"}, List: "Second"},
	}
	rep, err := a.Import(rows)
	require.ErrorIs(t, err, library.ErrLimitExceeded)
	assert.Equal(t, ImportReport{Imported: 1, Skipped: 1, ListsCreated: 1}, rep)
}
