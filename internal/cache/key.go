// Package cache snapshots build directories between runs, the local
// edition of the Travis directory cache. Snapshots are tar.gz files in
// the lorry data dir, keyed by a digest of the repository and the job's
// matrix coordinates, so jobs with different interpreters or cache
// settings never share archives.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"path/filepath"
	"strings"

	"github.com/lorry-ci/lorry/internal/model"
	"github.com/lorry-ci/lorry/internal/travis"
)

// Key derives the snapshot key for one job. Two jobs share a cache only
// when the repository, the os/dist/language/version coordinates, and
// the cache configuration all match.
func Key(repoDir string, job *model.Job, cache travis.CacheConfig) string {
	h := sha256.New()
	parts := []string{
		repoDir,
		string(job.OS),
		job.Dist,
		job.Language,
		job.LanguageVersion,
	}
	parts = append(parts, cache.Presets...)
	parts = append(parts, cache.Directories...)
	for _, part := range parts {
		io.WriteString(h, part)
		io.WriteString(h, "\x00")
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ResolveDirs turns configured cache directories into absolute paths:
// $HOME and ~ resolve against home, relative paths against buildDir.
// Other variables stay literal, since the cache runs outside the build
// shell.
func ResolveDirs(dirs []string, buildDir, home string) []string {
	resolved := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		switch {
		case dir == "$HOME" || dir == "~":
			dir = home
		case strings.HasPrefix(dir, "$HOME/"):
			dir = filepath.Join(home, dir[len("$HOME/"):])
		case strings.HasPrefix(dir, "~/"):
			dir = filepath.Join(home, dir[len("~/"):])
		case !filepath.IsAbs(dir):
			dir = filepath.Join(buildDir, dir)
		}
		resolved = append(resolved, filepath.Clean(dir))
	}
	return resolved
}
