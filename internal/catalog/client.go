package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hifidl/hifidl/internal/breaker"
	"github.com/hifidl/hifidl/internal/logctx"
	"github.com/hifidl/hifidl/internal/ratelimit"
	"github.com/hifidl/hifidl/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	apiBasePath = "/api.json/0.2/"

	playlistPageSize    = 500
	discographyPageSize = 200

	// qualityRestrictedCode marks a location resolved below the requested
	// quality because the upstream doesn't carry it.
	qualityRestrictedCode = "FormatRestrictedByFormatAvailability"
)

// Client talks to the upstream catalog API. Every call is paced by the
// shared rate limiter and guarded by the shared circuit breaker; an overload
// rejection (429) feeds back into the limiter.
type Client struct {
	http    *http.Client
	baseURL string
	appID   string
	token   string
	limiter *ratelimit.Limiter
	breaker *breaker.Breaker
}

// NewClient builds a catalog client with an instrumented transport.
func NewClient(baseURL, appID, token string, limiter *ratelimit.Limiter, brk *breaker.Breaker) *Client {
	return &Client{
		http: &http.Client{
			Timeout:   45 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		baseURL: baseURL,
		appID:   appID,
		token:   token,
		limiter: limiter,
		breaker: brk,
	}
}

type albumDTO struct {
	ID         json.Number `json:"id"`
	Title      string      `json:"title"`
	Streamable bool        `json:"streamable"`
	Artist     struct {
		Name string `json:"name"`
	} `json:"artist"`
	ReleaseDateOriginal string `json:"release_date_original"`
	Image               struct {
		Large string `json:"large"`
	} `json:"image"`
	Tracks struct {
		Items []trackDTO `json:"items"`
	} `json:"tracks"`
}

type trackDTO struct {
	ID          json.Number `json:"id"`
	Title       string      `json:"title"`
	TrackNumber int         `json:"track_number"`
	Duration    int         `json:"duration"`
	Streamable  bool        `json:"streamable"`
	Performer   struct {
		Name string `json:"name"`
	} `json:"performer"`
	Album *albumDTO `json:"album,omitempty"`
}

type playlistDTO struct {
	Name   string `json:"name"`
	Tracks struct {
		Items []trackDTO `json:"items"`
		Total int        `json:"total"`
	} `json:"tracks"`
}

type discographyDTO struct {
	Name  string `json:"name"` // set on artist/get
	Label struct {
		Name string `json:"name"` // set on label/get
	} `json:"label"`
	AlbumsCount int `json:"albums_count"`
	Albums      struct {
		Items []albumDTO `json:"items"`
	} `json:"albums"`
}

type fileURLDTO struct {
	URL          string `json:"url"`
	MimeType     string `json:"mime_type"`
	Restrictions []struct {
		Code string `json:"code"`
	} `json:"restrictions"`
}

// Album fetches an album and its track listing.
func (c *Client) Album(ctx context.Context, albumID string) (*Album, error) {
	var dto albumDTO

	params := url.Values{"album_id": {albumID}}
	if err := c.call(ctx, "album/get", params, &dto); err != nil {
		return nil, fmt.Errorf("failed to fetch album %s: %w", albumID, err)
	}

	return albumFromDTO(&dto), nil
}

// Track fetches one track and its owning album.
func (c *Client) Track(ctx context.Context, trackID string) (*Track, *Album, error) {
	var dto trackDTO

	params := url.Values{"track_id": {trackID}}
	if err := c.call(ctx, "track/get", params, &dto); err != nil {
		return nil, nil, fmt.Errorf("failed to fetch track %s: %w", trackID, err)
	}

	track := trackFromDTO(&dto)

	var album *Album
	if dto.Album != nil {
		album = albumFromDTO(dto.Album)
	}

	return track, album, nil
}

// PlaylistTracks pages through a playlist and returns its name and every
// track.
func (c *Client) PlaylistTracks(ctx context.Context, playlistID string) (string, []Track, error) {
	logger := logctx.LoggerFromContext(ctx)

	var (
		name   string
		tracks []Track
	)

	for offset := 0; ; offset += playlistPageSize {
		var dto playlistDTO

		params := url.Values{
			"playlist_id": {playlistID},
			"extra":       {"tracks"},
			"limit":       {strconv.Itoa(playlistPageSize)},
			"offset":      {strconv.Itoa(offset)},
		}
		if err := c.call(ctx, "playlist/get", params, &dto); err != nil {
			return "", nil, fmt.Errorf("failed to fetch playlist %s: %w", playlistID, err)
		}

		if name == "" {
			name = dto.Name
		}

		for i := range dto.Tracks.Items {
			tracks = append(tracks, *trackFromDTO(&dto.Tracks.Items[i]))
		}

		if len(dto.Tracks.Items) < playlistPageSize || len(tracks) >= dto.Tracks.Total {
			break
		}

		logger.Debug("fetching next playlist page", "playlist_id", playlistID, "offset", offset+playlistPageSize)
	}

	return name, tracks, nil
}

// ArtistAlbums pages through an artist's discography and returns the artist
// name and album summaries.
func (c *Client) ArtistAlbums(ctx context.Context, artistID string) (string, []Album, error) {
	name, albums, err := c.pagedAlbums(ctx, "artist/get", url.Values{"artist_id": {artistID}})
	if err != nil {
		return "", nil, fmt.Errorf("failed to fetch artist %s discography: %w", artistID, err)
	}

	return name, albums, nil
}

// LabelAlbums pages through a label's catalog and returns the label name and
// album summaries.
func (c *Client) LabelAlbums(ctx context.Context, labelID string) (string, []Album, error) {
	name, albums, err := c.pagedAlbums(ctx, "label/get", url.Values{"label_id": {labelID}})
	if err != nil {
		return "", nil, fmt.Errorf("failed to fetch label %s catalog: %w", labelID, err)
	}

	return name, albums, nil
}

// pagedAlbums walks a paginated album listing endpoint until the reported
// total is reached or a page comes back empty.
func (c *Client) pagedAlbums(ctx context.Context, endpoint string, params url.Values) (string, []Album, error) {
	logger := logctx.LoggerFromContext(ctx)

	var (
		name   string
		albums []Album
	)

	params.Set("extra", "albums")
	params.Set("limit", strconv.Itoa(discographyPageSize))

	for offset := 0; ; {
		params.Set("offset", strconv.Itoa(offset))

		var dto discographyDTO
		if err := c.call(ctx, endpoint, params, &dto); err != nil {
			return "", nil, err
		}

		if name == "" {
			if name = dto.Name; name == "" {
				name = dto.Label.Name
			}
		}

		if len(dto.Albums.Items) == 0 {
			break
		}

		for i := range dto.Albums.Items {
			albums = append(albums, *albumFromDTO(&dto.Albums.Items[i]))
		}

		offset += len(dto.Albums.Items)
		if offset >= dto.AlbumsCount {
			break
		}

		logger.Debug("fetching next discography page", "endpoint", endpoint, "offset", offset)
	}

	return name, albums, nil
}

// ResolveLocation exchanges a track id for a signed transfer URL.
func (c *Client) ResolveLocation(ctx context.Context, trackID string, quality int) (*TransferLocation, error) {
	var dto fileURLDTO

	params := url.Values{
		"track_id":  {trackID},
		"format_id": {strconv.Itoa(quality)},
		"intent":    {"stream"},
	}
	if err := c.call(ctx, "track/getFileUrl", params, &dto); err != nil {
		return nil, fmt.Errorf("failed to resolve location for track %s: %w", trackID, err)
	}

	if dto.URL == "" {
		return nil, &transfer.RejectedError{
			Operation:  "resolve_location",
			APIMessage: "no transfer URL in response",
		}
	}

	loc := &TransferLocation{
		URL:      dto.URL,
		MimeType: dto.MimeType,
	}

	for _, r := range dto.Restrictions {
		if r.Code == qualityRestrictedCode {
			loc.QualityRestricted = true
		}
	}

	return loc, nil
}

// call runs one API request through the rate limiter and circuit breaker.
func (c *Client) call(ctx context.Context, endpoint string, params url.Values, out any) error {
	if err := c.limiter.Acquire(ctx); err != nil {
		return err
	}

	return c.breaker.Do(ctx, func(ctx context.Context) error {
		return c.doRequest(ctx, endpoint, params, out)
	})
}

func (c *Client) doRequest(ctx context.Context, endpoint string, params url.Values, out any) error {
	reqURL := c.baseURL + apiBasePath + endpoint + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return err
	}

	req.Header.Set("X-App-Id", c.appID)
	req.Header.Set("X-User-Auth-Token", c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return &transfer.TransientError{Operation: endpoint, Err: err}
	}

	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.limiter.OnOverload()

		return &transfer.TransientError{
			Operation: endpoint,
			Err:       fmt.Errorf("HTTP %d", resp.StatusCode),
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &transfer.RejectedError{
			Operation:  endpoint,
			StatusCode: resp.StatusCode,
			APIMessage: readAPIMessage(resp.Body),
		}
	case resp.StatusCode >= 500:
		return &transfer.TransientError{
			Operation: endpoint,
			Err:       fmt.Errorf("HTTP %d", resp.StatusCode),
		}
	case resp.StatusCode != http.StatusOK:
		return &transfer.RejectedError{
			Operation:  endpoint,
			StatusCode: resp.StatusCode,
			APIMessage: readAPIMessage(resp.Body),
		}
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func readAPIMessage(body io.Reader) string {
	var payload struct {
		Message string `json:"message"`
	}

	if err := json.NewDecoder(io.LimitReader(body, 4096)).Decode(&payload); err != nil || payload.Message == "" {
		return "upstream error"
	}

	return payload.Message
}

func albumFromDTO(dto *albumDTO) *Album {
	album := &Album{
		ID:         dto.ID.String(),
		Title:      dto.Title,
		Artist:     dto.Artist.Name,
		CoverURL:   dto.Image.Large,
		Streamable: dto.Streamable,
	}

	if len(dto.ReleaseDateOriginal) >= 4 {
		album.ReleaseYear = dto.ReleaseDateOriginal[:4]
	}

	for i := range dto.Tracks.Items {
		album.Tracks = append(album.Tracks, *trackFromDTO(&dto.Tracks.Items[i]))
	}

	return album
}

func trackFromDTO(dto *trackDTO) *Track {
	return &Track{
		ID:          dto.ID.String(),
		Title:       dto.Title,
		TrackNumber: dto.TrackNumber,
		Performer:   dto.Performer.Name,
		Duration:    dto.Duration,
		Streamable:  dto.Streamable,
	}
}
