package catalog

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hifidl/hifidl/internal/breaker"
	"github.com/hifidl/hifidl/internal/ratelimit"
	"github.com/hifidl/hifidl/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *ratelimit.Limiter, *breaker.Breaker) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	limiter := ratelimit.NewLimiter(1000, 1000) // effectively unpaced for tests
	brk := breaker.New(breaker.Config{FailureThreshold: 5, RecoveryTimeout: time.Minute, SuccessThreshold: 2})

	return NewClient(srv.URL, "app-id", "token", limiter, brk), limiter, brk
}

func TestClient_Album(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api.json/0.2/album/get", r.URL.Path)
		assert.Equal(t, "42", r.URL.Query().Get("album_id"))
		assert.Equal(t, "app-id", r.Header.Get("X-App-Id"))

		w.Write([]byte(`{
			"id": 42,
			"title": "Kind of Blue",
			"streamable": true,
			"artist": {"name": "Miles Davis"},
			"release_date_original": "1959-08-17",
			"image": {"large": "https://cdn/cover_600.jpg"},
			"tracks": {"items": [
				{"id": 1, "title": "So What", "track_number": 1, "duration": 545, "streamable": true}
			]}
		}`))
	}))

	album, err := c.Album(context.Background(), "42")
	require.NoError(t, err)

	assert.Equal(t, "42", album.ID)
	assert.Equal(t, "Miles Davis", album.Artist)
	assert.Equal(t, "1959", album.ReleaseYear)
	require.Len(t, album.Tracks, 1)
	assert.Equal(t, "1", album.Tracks[0].ID)
	assert.Equal(t, "So What", album.Tracks[0].Title)
}

func TestClient_ResolveLocationParsesRestrictions(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api.json/0.2/track/getFileUrl", r.URL.Path)
		assert.Equal(t, "27", r.URL.Query().Get("format_id"))

		w.Write([]byte(`{
			"url": "https://cdn/signed",
			"mime_type": "audio/flac",
			"restrictions": [{"code": "FormatRestrictedByFormatAvailability"}]
		}`))
	}))

	loc, err := c.ResolveLocation(context.Background(), "1", 27)
	require.NoError(t, err)

	assert.Equal(t, "https://cdn/signed", loc.URL)
	assert.True(t, loc.QualityRestricted)
}

func TestClient_ResolveLocationWithoutURLIsRejected(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"restrictions": []}`))
	}))

	_, err := c.ResolveLocation(context.Background(), "1", 27)

	var rejected *transfer.RejectedError

	require.True(t, errors.As(err, &rejected))
}

func TestClient_OverloadSignalsLimiter(t *testing.T) {
	c, limiter, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))

	before := limiter.Rate()

	_, err := c.Album(context.Background(), "42")
	require.Error(t, err)

	var transient *transfer.TransientError

	assert.True(t, errors.As(err, &transient), "429 must be classified transient")
	assert.Less(t, limiter.Rate(), before, "429 must halve the limiter rate")
}

func TestClient_AuthFailureIsRejected(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message": "invalid token"}`))
	}))

	_, err := c.Album(context.Background(), "42")

	var rejected *transfer.RejectedError

	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, http.StatusUnauthorized, rejected.StatusCode)
	assert.Contains(t, rejected.Error(), "invalid token")
}

func TestClient_RepeatedFailuresOpenCircuit(t *testing.T) {
	c, _, brk := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	for i := 0; i < 5; i++ {
		_, err := c.Album(context.Background(), "42")
		require.Error(t, err)
	}

	require.Equal(t, breaker.StateOpen, brk.State())

	_, err := c.Album(context.Background(), "42")
	assert.True(t, errors.Is(err, breaker.ErrCircuitOpen))
}

func TestClient_PlaylistTracksPaginates(t *testing.T) {
	var calls atomic.Int32

	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		// Two pages: a full one, then the remainder.
		if r.URL.Query().Get("offset") == "0" {
			w.Write([]byte(pageJSON(t, 500, 0)))

			return
		}

		w.Write([]byte(pageJSON(t, 3, 500)))
	}))

	name, tracks, err := c.PlaylistTracks(context.Background(), "p1")
	require.NoError(t, err)

	assert.Equal(t, "Favorites", name)
	assert.Len(t, tracks, 503)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_ArtistAlbumsPaginates(t *testing.T) {
	var calls atomic.Int32

	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)

		assert.Equal(t, "/api.json/0.2/artist/get", r.URL.Path)
		assert.Equal(t, "art1", r.URL.Query().Get("artist_id"))
		assert.Equal(t, "albums", r.URL.Query().Get("extra"))

		// A short page, then the remainder.
		if r.URL.Query().Get("offset") == "0" {
			w.Write([]byte(`{"name": "Miles Davis", "albums_count": 3, "albums": {"items": [
				{"id": 1, "title": "A", "streamable": true},
				{"id": 2, "title": "B", "streamable": true}
			]}}`))

			return
		}

		assert.Equal(t, "2", r.URL.Query().Get("offset"))
		w.Write([]byte(`{"name": "Miles Davis", "albums_count": 3, "albums": {"items": [
			{"id": 3, "title": "C", "streamable": true}
		]}}`))
	}))

	name, albums, err := c.ArtistAlbums(context.Background(), "art1")
	require.NoError(t, err)

	assert.Equal(t, "Miles Davis", name)
	require.Len(t, albums, 3)
	assert.Equal(t, "3", albums[2].ID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClient_LabelAlbumsReadsNestedName(t *testing.T) {
	c, _, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api.json/0.2/label/get", r.URL.Path)
		assert.Equal(t, "l9", r.URL.Query().Get("label_id"))

		w.Write([]byte(`{"label": {"name": "Blue Note"}, "albums_count": 1, "albums": {"items": [
			{"id": 7, "title": "Only One", "streamable": true}
		]}}`))
	}))

	name, albums, err := c.LabelAlbums(context.Background(), "l9")
	require.NoError(t, err)

	assert.Equal(t, "Blue Note", name)
	require.Len(t, albums, 1)
	assert.Equal(t, "7", albums[0].ID)
}

func pageJSON(t *testing.T, count, offset int) string {
	t.Helper()

	items := ""
	for i := 0; i < count; i++ {
		if i > 0 {
			items += ","
		}

		items += `{"id": ` + strconv.Itoa(offset+i) + `, "title": "t", "streamable": true}`
	}

	return `{"name": "Favorites", "tracks": {"total": 503, "items": [` + items + `]}}`
}
