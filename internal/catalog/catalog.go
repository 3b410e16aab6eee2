package catalog

import "context"

// Track is one downloadable unit of a group.
type Track struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	TrackNumber int    `json:"track_number"`
	Performer   string `json:"performer"`
	Duration    int    `json:"duration"` // seconds
	Streamable  bool   `json:"streamable"`
}

// Album is a parent group owning tracks and a shared cover asset.
type Album struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Artist      string  `json:"artist"`
	ReleaseYear string  `json:"release_year"`
	CoverURL    string  `json:"cover_url"`
	Streamable  bool    `json:"streamable"`
	Tracks      []Track `json:"tracks"`
}

// TransferLocation is a short-lived signed URL for one track's bytes. Never
// persisted; treated as single-use.
type TransferLocation struct {
	URL               string
	MimeType          string
	SizeEstimate      int64
	QualityRestricted bool
}

// Catalog resolves metadata and transfer locations from the upstream
// service. Implementations pace and guard their own upstream calls.
type Catalog interface {
	// Album fetches an album and its track listing.
	Album(ctx context.Context, albumID string) (*Album, error)

	// Track fetches one track together with its owning album.
	Track(ctx context.Context, trackID string) (*Track, *Album, error)

	// PlaylistTracks fetches a playlist's name and full track listing,
	// paging through large playlists internally.
	PlaylistTracks(ctx context.Context, playlistID string) (string, []Track, error)

	// ArtistAlbums pages through an artist's discography and returns the
	// artist name and album summaries (no track listings).
	ArtistAlbums(ctx context.Context, artistID string) (string, []Album, error)

	// LabelAlbums pages through a label's catalog and returns the label
	// name and album summaries.
	LabelAlbums(ctx context.Context, labelID string) (string, []Album, error)

	// ResolveLocation exchanges a track id for a signed, short-lived
	// transfer location at the requested quality.
	ResolveLocation(ctx context.Context, trackID string, quality int) (*TransferLocation, error)
}
