package media

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hifidl/hifidl/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0644))

	return path
}

// minimalFLAC is the stream marker followed by an empty STREAMINFO block
// flagged as the last metadata block.
func minimalFLAC() []byte {
	data := []byte("fLaC")
	data = append(data, 0x80, 0x00, 0x00, 0x22)
	data = append(data, make([]byte, 34)...)

	return data
}

func TestChecker_AcceptsMinimalFLAC(t *testing.T) {
	path := writeFile(t, "track.flac", minimalFLAC())

	assert.NoError(t, NewChecker().Verify(path))
}

func TestChecker_RejectsEmptyFile(t *testing.T) {
	path := writeFile(t, "track.flac", nil)

	err := NewChecker().Verify(path)
	require.Error(t, err)

	var integrity *transfer.IntegrityError

	require.True(t, errors.As(err, &integrity))
	assert.Equal(t, path, integrity.Path)
}

func TestChecker_RejectsGarbageHeader(t *testing.T) {
	path := writeFile(t, "track.flac", []byte("<html>not audio at all</html>"))

	err := NewChecker().Verify(path)

	var integrity *transfer.IntegrityError

	require.True(t, errors.As(err, &integrity))
	assert.Contains(t, integrity.Reason, "unrecognized")
}

func TestChecker_RejectsTruncatedFLAC(t *testing.T) {
	// Magic bytes present but the declared STREAMINFO block is missing.
	path := writeFile(t, "track.flac", []byte("fLaC"))

	err := NewChecker().Verify(path)

	var integrity *transfer.IntegrityError

	require.True(t, errors.As(err, &integrity))
}

func TestChecker_RejectsMissingFile(t *testing.T) {
	err := NewChecker().Verify(filepath.Join(t.TempDir(), "nope.flac"))

	var integrity *transfer.IntegrityError

	require.True(t, errors.As(err, &integrity))
	assert.Contains(t, integrity.Reason, "unreadable")
}
