package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeds(t *testing.T, o Options) []string {
	t.Helper()
	got, err := New(o).Seeds(context.Background())
	require.NoError(t, err)
	return got
}

func TestEnvOverridesFile(t *testing.T) {
	f := filepath.Join(t.TempDir(), "seeds.txt")
	require.NoError(t, os.WriteFile(f, []byte("a:1\n"), 0o644))

	const envName = "TEST_CENSUS_SEEDS"
	t.Setenv(envName, "y:8,x:9")
	assert.Equal(t, []string{"x:9", "y:8"}, seeds(t, Options{Path: f, Env: envName}))
}

func TestFileReadAndCacheRefresh(t *testing.T) {
	f := filepath.Join(t.TempDir(), "seeds.txt")
	require.NoError(t, os.WriteFile(f, []byte("# seeds\na:1\nb:2, a:1\n"), 0o644))

	d := New(Options{Path: f, Refresh: 10 * time.Millisecond})
	got, err := d.Seeds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "b:2"}, got)

	require.NoError(t, os.WriteFile(f, []byte("b:2\nc:3\n"), 0o644))
	time.Sleep(15 * time.Millisecond)

	got, err = d.Seeds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b:2", "c:3"}, got)
}

func TestGlobReadsUniqueSorted(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a:1\nb:2\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.txt"), []byte("b:2\nc:3\n"), 0o644))

	got := seeds(t, Options{Path: filepath.Join(dir, "*.txt")})
	assert.Equal(t, []string{"a:1", "b:2", "c:3"}, got)
}

func TestMissingFileYieldsNothing(t *testing.T) {
	assert.Empty(t, seeds(t, Options{Path: filepath.Join(t.TempDir(), "nope.txt")}))
	assert.Empty(t, seeds(t, Options{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Options{}).Seeds(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
