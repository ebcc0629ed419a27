// store.go persists and restores cache snapshots.
package cache

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Store manages cache snapshots under a single directory.
type Store struct {
	dir string
}

// NewStore creates a snapshot store rooted at dir. The directory is
// created on first save.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the snapshot directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the snapshot file for a key.
func (s *Store) Path(key string) string {
	return filepath.Join(s.dir, key+".tar.gz")
}

// Exists reports whether a snapshot is present for the key.
func (s *Store) Exists(key string) bool {
	_, err := os.Stat(s.Path(key))
	return err == nil
}

// Save archives the given directories into the snapshot for key,
// replacing any previous snapshot atomically. Directories that do not
// exist yet are skipped, matching Travis behavior on first runs. A
// save where every directory is missing removes nothing and writes
// nothing.
//
// Archive entries are stored as "<index>/<relative path>", where index
// is the directory's position in dirs. Restore maps indexes back to the
// directories it is given, so a snapshot restores correctly even when a
// directory's absolute location changed between builds (workspace
// directories move with every job).
func (s *Store) Save(key string, dirs []string) error {
	anyPresent := false
	for _, dir := range dirs {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			anyPresent = true
			break
		}
	}
	if !anyPresent {
		return nil
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache dir %s: %w", s.dir, err)
	}

	tmp, err := os.CreateTemp(s.dir, "snapshot-*.tar.gz.tmp")
	if err != nil {
		return fmt.Errorf("failed to create cache snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeArchive(tmp, dirs); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to finish cache snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path(key)); err != nil {
		return fmt.Errorf("failed to store cache snapshot: %w", err)
	}
	return nil
}

// Restore extracts the snapshot for key into dirs, which must be in
// the same order Save received them. It reports false without error
// when no snapshot exists. Every entry restores inside its indexed
// directory, so a damaged snapshot cannot write elsewhere on the
// filesystem.
func (s *Store) Restore(key string, dirs []string) (bool, error) {
	f, err := os.Open(s.Path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to open cache snapshot: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return false, fmt.Errorf("corrupt cache snapshot %s: %w", key, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("corrupt cache snapshot %s: %w", key, err)
		}

		target, err := restoreTarget(header.Name, dirs)
		if err != nil {
			return false, err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, header.FileInfo().Mode().Perm()); err != nil {
				return false, fmt.Errorf("failed to restore %s: %w", target, err)
			}
		case tar.TypeSymlink:
			os.Remove(target)
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return false, fmt.Errorf("failed to restore %s: %w", target, err)
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return false, fmt.Errorf("failed to restore %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return false, fmt.Errorf("failed to restore %s: %w", target, err)
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, header.FileInfo().Mode().Perm())
			if err != nil {
				return false, fmt.Errorf("failed to restore %s: %w", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return false, fmt.Errorf("failed to restore %s: %w", target, err)
			}
			if err := out.Close(); err != nil {
				return false, fmt.Errorf("failed to restore %s: %w", target, err)
			}
		}
	}
}

// Prune removes snapshots older than maxAge and then, oldest first,
// until the total size fits under maxTotal bytes. A zero maxAge or
// maxTotal disables that limit. Returns the number of snapshots
// removed.
func (s *Store) Prune(maxAge time.Duration, maxTotal int64) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cache dir %s: %w", s.dir, err)
	}

	type snapshot struct {
		path    string
		size    int64
		modTime time.Time
	}

	var snapshots []snapshot
	var total int64
	now := time.Now()
	removed := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tar.gz") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		p := filepath.Join(s.dir, entry.Name())
		if maxAge > 0 && now.Sub(info.ModTime()) > maxAge {
			if err := os.Remove(p); err == nil {
				removed++
			}
			continue
		}
		snapshots = append(snapshots, snapshot{path: p, size: info.Size(), modTime: info.ModTime()})
		total += info.Size()
	}

	if maxTotal > 0 && total > maxTotal {
		sort.Slice(snapshots, func(i, j int) bool {
			return snapshots[i].modTime.Before(snapshots[j].modTime)
		})
		for _, snap := range snapshots {
			if total <= maxTotal {
				break
			}
			if err := os.Remove(snap.path); err == nil {
				total -= snap.size
				removed++
			}
		}
	}
	return removed, nil
}

// writeArchive tars the directories into w, naming entries
// "<index>/<relative path>". Missing directories contribute nothing but
// keep their index.
func writeArchive(w io.Writer, dirs []string) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for i, dir := range dirs {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		prefix := strconv.Itoa(i)
		err := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			link := ""
			if info.Mode()&os.ModeSymlink != 0 {
				if link, err = os.Readlink(p); err != nil {
					return err
				}
			}
			header, err := tar.FileInfoHeader(info, link)
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(dir, p)
			if err != nil {
				return err
			}
			header.Name = path.Join(prefix, filepath.ToSlash(rel))
			if info.IsDir() {
				header.Name += "/"
			}
			if err := tw.WriteHeader(header); err != nil {
				return err
			}
			if info.Mode().IsRegular() {
				f, err := os.Open(p)
				if err != nil {
					return err
				}
				_, err = io.Copy(tw, f)
				f.Close()
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to archive %s: %w", dir, err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to write cache archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to compress cache archive: %w", err)
	}
	return nil
}

// restoreTarget maps an archive entry to a path inside its indexed
// directory. Rooting the relative part before cleaning resolves any
// ".." elements, so the result cannot leave the directory.
func restoreTarget(name string, dirs []string) (string, error) {
	idx, rest, found := strings.Cut(name, "/")
	if !found {
		rest = ""
	}
	i, err := strconv.Atoi(idx)
	if err != nil || i < 0 || i >= len(dirs) {
		return "", fmt.Errorf("cache entry %q outside cached directories", name)
	}
	return filepath.Join(dirs[i], filepath.FromSlash(path.Clean("/"+rest))), nil
}
