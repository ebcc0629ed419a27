package docker

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readTarEntries collects entry names and file contents from a tar
// stream.
func readTarEntries(t *testing.T, r io.Reader) (map[string]string, map[string]int64) {
	t.Helper()
	contents := make(map[string]string)
	modes := make(map[string]int64)

	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return contents, modes
		}
		require.NoError(t, err)
		modes[header.Name] = header.Mode

		if header.Typeflag == tar.TypeReg {
			data, err := io.ReadAll(tr)
			require.NoError(t, err)
			contents[header.Name] = string(data)
		}
	}
}

// TestTarDirectory verifies the workspace archive: relative entry
// names, nested files, contents intact.
func TestTarDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "setup.py"), []byte("print('x')\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg", "mod.py"), []byte("y = 2\n"), 0o644))

	stream := TarDirectory(dir)
	defer stream.Close()

	contents, _ := readTarEntries(t, stream)
	assert.Equal(t, "print('x')\n", contents["setup.py"])
	assert.Equal(t, "y = 2\n", contents["pkg/mod.py"])

	for name := range contents {
		assert.False(t, filepath.IsAbs(name), "entry %q must be relative", name)
	}
}

// TestTarDirectory_WalkError verifies that a missing directory surfaces
// as a read error on the stream.
func TestTarDirectory_WalkError(t *testing.T) {
	stream := TarDirectory(filepath.Join(t.TempDir(), "missing"))
	defer stream.Close()

	_, err := io.ReadAll(stream)
	assert.Error(t, err)
}

// TestTarFile verifies the single-file archive used for the build
// script.
func TestTarFile(t *testing.T) {
	r, err := TarFile("build.sh", []byte("#!/bin/bash\nexit 0\n"), 0o755)
	require.NoError(t, err)

	contents, modes := readTarEntries(t, r)
	assert.Equal(t, "#!/bin/bash\nexit 0\n", contents["build.sh"])
	assert.Equal(t, int64(0o755), modes["build.sh"])
}
