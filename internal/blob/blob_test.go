package blob

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ragd/internal/ragerr"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(Config{Dir: filepath.Join(t.TempDir(), "blobs")})
	require.NoError(t, err)
	return s
}

func TestFileStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	loc, err := s.Put(ctx, []byte("hello"))
	require.NoError(t, err)

	other, err := s.Put(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.NotEqual(t, loc, other, "identical content gets distinct locators")

	data, err := s.Get(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, s.Delete(ctx, loc))
	_, err = s.Get(ctx, loc)
	assert.ErrorIs(t, err, ragerr.ErrNotFound)

	assert.NoError(t, s.Delete(ctx, loc), "second delete is a no-op")

	data, err = s.Get(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestFileStore_RejectsForeignLocators(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, loc := range []string{"", "../../etc/passwd", "not-a-uuid"} {
		_, err := s.Get(ctx, loc)
		assert.ErrorIs(t, err, ErrInvalidLocator, loc)
		assert.ErrorIs(t, s.Delete(ctx, loc), ErrInvalidLocator, loc)
	}
}

func TestFileStore_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := newTestStore(t)

	_, err := s.Put(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewFileStore_RequiresDir(t *testing.T) {
	_, err := NewFileStore(Config{})
	assert.Error(t, err)
}
