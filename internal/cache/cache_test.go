package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestPutGetRoundTrip(t *testing.T) {
	c := New(t.TempDir(), "")
	ctx := context.Background()

	m := mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6})
	require.NoError(t, c.Put(ctx, "case14", 1, 7, m))

	got, ok := c.Get(ctx, "case14", 1, 7)
	require.True(t, ok)
	assert.True(t, mat.Equal(m, got))
}

func TestGetMissReturnsFalse(t *testing.T) {
	c := New(t.TempDir(), "")
	_, ok := c.Get(context.Background(), "case14", 1, 999)
	assert.False(t, ok)
}

func TestGetOnCorruptFileIsTreatedAsMiss(t *testing.T) {
	c := New(t.TempDir(), "")
	ctx := context.Background()
	// Write garbage directly, bypassing Put, to simulate corruption.
	path := c.path("case14", 1, 5)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte{0x01, 0x02}, 0o644))

	_, ok := c.Get(ctx, "case14", 1, 5)
	assert.False(t, ok)
}
