package media

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dhowden/tag"
	"github.com/hifidl/hifidl/internal/transfer"
)

// headerProbeSize covers every magic sequence we look for.
const headerProbeSize = 4

var (
	flacMagic = []byte("fLaC")
	id3Magic  = []byte("ID3")
)

// Checker validates a fully transferred audio file before it is moved into
// place. It looks at the container magic bytes first and then asks the tag
// parser to walk the metadata blocks, which catches truncated and garbage
// payloads that still happen to start with a plausible header.
type Checker struct{}

// NewChecker returns a ready to use checker.
func NewChecker() *Checker {
	return &Checker{}
}

// Verify returns a transfer.IntegrityError when path does not hold a
// structurally sound FLAC or MP3 stream.
func (c *Checker) Verify(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return &transfer.IntegrityError{
			Path:   path,
			Reason: "file unreadable",
			Err:    err,
		}
	}

	defer f.Close()

	header := make([]byte, headerProbeSize)

	n, err := io.ReadFull(f, header)
	if err != nil {
		return &transfer.IntegrityError{
			Path:   path,
			Reason: fmt.Sprintf("file too short (%d bytes)", n),
			Err:    err,
		}
	}

	if !looksLikeAudio(header) {
		return &transfer.IntegrityError{
			Path:   path,
			Reason: "unrecognized container header",
		}
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return &transfer.IntegrityError{
			Path:   path,
			Reason: "file not seekable",
			Err:    err,
		}
	}

	if _, err := tag.ReadFrom(f); err != nil {
		// A file without tags is still a valid stream.
		if errors.Is(err, tag.ErrNoTagsFound) {
			return nil
		}

		return &transfer.IntegrityError{
			Path:   path,
			Reason: "metadata blocks unreadable",
			Err:    err,
		}
	}

	return nil
}

// looksLikeAudio accepts a FLAC stream marker, an ID3 prefix, or a raw
// MPEG frame sync.
func looksLikeAudio(header []byte) bool {
	if bytes.HasPrefix(header, flacMagic) {
		return true
	}

	if bytes.HasPrefix(header, id3Magic) {
		return true
	}

	// MPEG audio frame sync: 11 set bits.
	return len(header) >= 2 && header[0] == 0xFF && header[1]&0xE0 == 0xE0
}
