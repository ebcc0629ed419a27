package cache

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorry-ci/lorry/internal/model"
	"github.com/lorry-ci/lorry/internal/travis"
)

// TestKey verifies that cache keys separate jobs by repository, matrix
// coordinates, and cache configuration.
func TestKey(t *testing.T) {
	base := &model.Job{OS: model.OSLinux, Dist: "focal", Language: "python", LanguageVersion: "3.8.0"}
	cfg := travis.CacheConfig{Presets: []string{"pip"}}

	key := Key("/repo", base, cfg)
	assert.Len(t, key, 64)
	assert.Equal(t, key, Key("/repo", base, cfg), "keys are deterministic")

	otherVersion := *base
	otherVersion.LanguageVersion = "3.7.4"
	assert.NotEqual(t, key, Key("/repo", &otherVersion, cfg))

	assert.NotEqual(t, key, Key("/other-repo", base, cfg))
	assert.NotEqual(t, key, Key("/repo", base, travis.CacheConfig{Presets: []string{"npm"}}))
}

// TestResolveDirs verifies home and build-dir anchoring of configured
// cache directories.
func TestResolveDirs(t *testing.T) {
	tests := []struct {
		name string
		dir  string
		want string
	}{
		{name: "home variable", dir: "$HOME/.cache/pip", want: "/home/u/.cache/pip"},
		{name: "tilde", dir: "~/.ccache", want: "/home/u/.ccache"},
		{name: "bare home", dir: "$HOME", want: "/home/u"},
		{name: "relative", dir: "node_modules", want: "/build/node_modules"},
		{name: "absolute", dir: "/var/cache/thing", want: "/var/cache/thing"},
		{name: "other variable stays literal", dir: "$CARGO_HOME/registry", want: "/build/$CARGO_HOME/registry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveDirs([]string{tt.dir}, "/build", "/home/u")
			require.Len(t, got, 1)
			assert.Equal(t, tt.want, got[0])
		})
	}
}

// TestStore_SaveRestore verifies the snapshot round trip: archive two
// directories, then restore them into new locations, the way a cached
// workspace directory moves between jobs.
func TestStore_SaveRestore(t *testing.T) {
	root := t.TempDir()
	pipDir := filepath.Join(root, "home", ".cache", "pip")
	buildDir := filepath.Join(root, "job-1", "node_modules")
	require.NoError(t, os.MkdirAll(filepath.Join(pipDir, "wheels"), 0o755))
	require.NoError(t, os.MkdirAll(buildDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(pipDir, "wheels", "numpy.whl"), []byte("wheel-bytes"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(buildDir, "left-pad.js"), []byte("js"), 0o644))

	store := NewStore(filepath.Join(root, "snapshots"))
	require.NoError(t, store.Save("k1", []string{pipDir, buildDir}))
	assert.True(t, store.Exists("k1"))

	require.NoError(t, os.RemoveAll(pipDir))
	nextBuildDir := filepath.Join(root, "job-2", "node_modules")

	restored, err := store.Restore("k1", []string{pipDir, nextBuildDir})
	require.NoError(t, err)
	assert.True(t, restored)

	wheel, err := os.ReadFile(filepath.Join(pipDir, "wheels", "numpy.whl"))
	require.NoError(t, err)
	assert.Equal(t, "wheel-bytes", string(wheel))
	assert.FileExists(t, filepath.Join(nextBuildDir, "left-pad.js"))
}

// TestStore_SavePartial verifies a directory missing at save time keeps
// its index, so the others still restore to the right places.
func TestStore_SavePartial(t *testing.T) {
	root := t.TempDir()
	missing := filepath.Join(root, "never-created")
	present := filepath.Join(root, "ccache")
	require.NoError(t, os.MkdirAll(present, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(present, "obj.o"), []byte("obj"), 0o644))

	store := NewStore(filepath.Join(root, "snapshots"))
	require.NoError(t, store.Save("k", []string{missing, present}))

	require.NoError(t, os.RemoveAll(present))
	restored, err := store.Restore("k", []string{missing, present})
	require.NoError(t, err)
	assert.True(t, restored)
	assert.FileExists(t, filepath.Join(present, "obj.o"))
	assert.NoDirExists(t, missing)
}

// TestStore_RestoreMissing verifies the no-snapshot case reports false
// without an error, so first builds run clean.
func TestStore_RestoreMissing(t *testing.T) {
	store := NewStore(t.TempDir())
	restored, err := store.Restore("nope", []string{"/tmp/x"})
	require.NoError(t, err)
	assert.False(t, restored)
}

// TestStore_SaveMissingDirs verifies that caching directories that do
// not exist yet is a no-op rather than an error.
func TestStore_SaveMissingDirs(t *testing.T) {
	store := NewStore(t.TempDir())
	require.NoError(t, store.Save("k", []string{"/does/not/exist"}))
	assert.False(t, store.Exists("k"))
}

// TestStore_RestoreRejectsEscapes verifies that snapshot entries not
// anchored to a valid directory index are refused and traversal in the
// relative part cannot leave the directory.
func TestStore_RestoreRejectsEscapes(t *testing.T) {
	writeSnapshot := func(t *testing.T, store *Store, key, entryName string) {
		t.Helper()
		f, err := os.Create(store.Path(key))
		require.NoError(t, err)
		gz := gzip.NewWriter(f)
		tw := tar.NewWriter(gz)
		content := []byte("pwned")
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: entryName,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err = tw.Write(content)
		require.NoError(t, err)
		require.NoError(t, tw.Close())
		require.NoError(t, gz.Close())
		require.NoError(t, f.Close())
	}

	t.Run("entry without index", func(t *testing.T) {
		store := NewStore(t.TempDir())
		writeSnapshot(t, store, "evil", "etc/lorry-pwned")

		_, err := store.Restore("evil", []string{filepath.Join(t.TempDir(), "cache")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "outside cached directories")
		assert.NoFileExists(t, "/etc/lorry-pwned")
	})

	t.Run("index out of range", func(t *testing.T) {
		store := NewStore(t.TempDir())
		writeSnapshot(t, store, "evil", "7/lorry-pwned")

		_, err := store.Restore("evil", []string{filepath.Join(t.TempDir(), "cache")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "outside cached directories")
	})

	t.Run("traversal stays inside", func(t *testing.T) {
		store := NewStore(t.TempDir())
		writeSnapshot(t, store, "evil", "0/../../lorry-pwned")

		allowed := filepath.Join(t.TempDir(), "cache")
		restored, err := store.Restore("evil", []string{allowed})
		require.NoError(t, err)
		assert.True(t, restored)
		assert.FileExists(t, filepath.Join(allowed, "lorry-pwned"))
		assert.NoFileExists(t, filepath.Join(allowed, "..", "..", "lorry-pwned"))
	})
}

// TestStore_Prune verifies age- and size-based snapshot eviction,
// oldest first.
func TestStore_Prune(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	writeSnapshot := func(name string, size int, age time.Duration) {
		t.Helper()
		p := filepath.Join(dir, name+".tar.gz")
		require.NoError(t, os.WriteFile(p, []byte(strings.Repeat("x", size)), 0o644))
		mod := time.Now().Add(-age)
		require.NoError(t, os.Chtimes(p, mod, mod))
	}

	writeSnapshot("ancient", 10, 48*time.Hour)
	writeSnapshot("old", 100, 2*time.Hour)
	writeSnapshot("fresh", 100, time.Minute)

	removed, err := store.Prune(24*time.Hour, 150)
	require.NoError(t, err)
	assert.Equal(t, 2, removed, "ancient by age, old by size")

	assert.False(t, store.Exists("ancient"))
	assert.False(t, store.Exists("old"))
	assert.True(t, store.Exists("fresh"))
}

// TestStore_PruneUnlimited verifies that zero limits disable pruning.
func TestStore_PruneUnlimited(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.tar.gz"), []byte("data"), 0o644))

	removed, err := store.Prune(0, 0)
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.True(t, store.Exists("keep"))
}
