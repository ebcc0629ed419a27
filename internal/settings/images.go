// images.go loads the build-image catalog for the docker backend.
package settings

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/lorry-ci/lorry/internal/model"
)

// defaultImages is the built-in catalog, kept in JSONC so the shipped
// file doubles as user documentation.
//
//go:embed images.jsonc
var defaultImages []byte

// ImageCatalog maps job coordinates to container images.
type ImageCatalog struct {
	// Default is the image used when no entry matches.
	Default string `json:"default"`

	// Images are the catalog entries, wildcard fields empty.
	Images []ImageEntry `json:"images"`
}

// ImageEntry matches jobs by os, dist, and language. Empty fields
// match anything. An image containing "{version}" requires the job to
// pin a language version, which fills the placeholder.
type ImageEntry struct {
	OS       string `json:"os,omitempty"`
	Dist     string `json:"dist,omitempty"`
	Language string `json:"language,omitempty"`
	Image    string `json:"image"`
}

// versionPlaceholder marks where a pinned language version goes in an
// image reference.
const versionPlaceholder = "{version}"

// DefaultImagesPath returns the standard user catalog location.
func DefaultImagesPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "images.jsonc"
	}
	return filepath.Join(configDir, "lorry", "images.jsonc")
}

// LoadImageCatalog reads a catalog file, stripping JSONC comments
// before parsing. An empty path falls back to the user catalog when it
// exists, otherwise the embedded defaults.
func LoadImageCatalog(path string) (*ImageCatalog, error) {
	var data []byte
	switch {
	case path != "":
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, model.WrapCLIError(
				model.ExitInvalidConfig,
				fmt.Sprintf("failed to read image catalog %s", path),
				err,
			)
		}
		data = raw
	default:
		userPath := DefaultImagesPath()
		if raw, err := os.ReadFile(userPath); err == nil {
			data, path = raw, userPath
		} else {
			data, path = defaultImages, "embedded defaults"
		}
	}

	var catalog ImageCatalog
	if err := json.Unmarshal(jsonc.ToJSON(data), &catalog); err != nil {
		return nil, model.WrapCLIError(
			model.ExitInvalidConfig,
			fmt.Sprintf("failed to parse image catalog %s", path),
			err,
		)
	}
	return &catalog, nil
}

// Resolve picks the image for a job. Specificity is weighted so a
// language match beats a dist match beats an os match; among equally
// specific entries the first in the catalog wins. Entries demanding a
// version are skipped for jobs without one, falling through to less
// specific entries and ultimately the catalog default.
func (c *ImageCatalog) Resolve(job *model.Job) (string, error) {
	bestScore := -1
	best := ""

	for _, entry := range c.Images {
		score, ok := entry.match(job)
		if !ok || score <= bestScore {
			continue
		}
		bestScore = score
		best = entry.Image
	}

	if best == "" {
		best = c.Default
	}
	if best == "" {
		return "", model.NewCLIError(
			model.ExitInvalidConfig,
			fmt.Sprintf("no build image for %s/%s jobs and the catalog has no default", job.OS, job.Language),
		)
	}
	return strings.ReplaceAll(best, versionPlaceholder, job.LanguageVersion), nil
}

// match scores an entry against a job. Higher is more specific.
func (e ImageEntry) match(job *model.Job) (int, bool) {
	if e.OS != "" && e.OS != string(job.OS) {
		return 0, false
	}
	if e.Dist != "" && e.Dist != job.Dist {
		return 0, false
	}
	if e.Language != "" && e.Language != job.Language {
		return 0, false
	}
	if strings.Contains(e.Image, versionPlaceholder) && job.LanguageVersion == "" {
		return 0, false
	}

	score := 0
	if e.OS != "" {
		score += 1
	}
	if e.Dist != "" {
		score += 2
	}
	if e.Language != "" {
		score += 4
	}
	return score, true
}
