package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorry-ci/lorry/internal/model"
)

// TestLoadImageCatalog_Embedded verifies the built-in catalog parses
// and resolves the common job shapes.
func TestLoadImageCatalog_Embedded(t *testing.T) {
	isolateUserDirs(t)

	catalog, err := LoadImageCatalog("")
	require.NoError(t, err)
	assert.Equal(t, "ubuntu:22.04", catalog.Default)
	assert.NotEmpty(t, catalog.Images)

	image, err := catalog.Resolve(&model.Job{
		OS: model.OSLinux, Dist: "focal", Language: "python", LanguageVersion: "3.8.0",
	})
	require.NoError(t, err)
	assert.Equal(t, "python:3.8.0-slim", image, "a pinned interpreter beats the dist image")

	image, err = catalog.Resolve(&model.Job{
		OS: model.OSLinux, Dist: "focal", Language: "generic",
	})
	require.NoError(t, err)
	assert.Equal(t, "ubuntu:20.04", image)
}

// TestLoadImageCatalog_UserFile verifies that a user catalog at the
// default location overrides the embedded one, comments included.
func TestLoadImageCatalog_UserFile(t *testing.T) {
	home := isolateUserDirs(t)
	catalogDir := filepath.Join(home, ".config", "lorry")
	require.NoError(t, os.MkdirAll(catalogDir, 0o755))

	content := `{
  // site-local build images
  "default": "registry.local/base:latest",
  "images": [
    { "os": "linux", "language": "python", "image": "registry.local/python:{version}" },
  ],
}`
	require.NoError(t, os.WriteFile(filepath.Join(catalogDir, "images.jsonc"), []byte(content), 0o644))

	catalog, err := LoadImageCatalog("")
	require.NoError(t, err)
	assert.Equal(t, "registry.local/base:latest", catalog.Default)

	image, err := catalog.Resolve(&model.Job{OS: model.OSLinux, Language: "python", LanguageVersion: "3.11"})
	require.NoError(t, err)
	assert.Equal(t, "registry.local/python:3.11", image)
}

// TestLoadImageCatalog_Errors verifies missing and malformed catalog
// files map to invalid-config errors.
func TestLoadImageCatalog_Errors(t *testing.T) {
	isolateUserDirs(t)

	_, err := LoadImageCatalog(filepath.Join(t.TempDir(), "missing.jsonc"))
	var cliErr *model.CLIError
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, model.ExitInvalidConfig, cliErr.Code)

	bad := filepath.Join(t.TempDir(), "bad.jsonc")
	require.NoError(t, os.WriteFile(bad, []byte("{images: [}"), 0o644))
	_, err = LoadImageCatalog(bad)
	require.ErrorAs(t, err, &cliErr)
	assert.Equal(t, model.ExitInvalidConfig, cliErr.Code)
}

// TestImageCatalog_Resolve verifies wildcard matching, specificity
// weighting, version templates, and the default fallback.
func TestImageCatalog_Resolve(t *testing.T) {
	catalog := &ImageCatalog{
		Default: "fallback:latest",
		Images: []ImageEntry{
			{OS: "linux", Image: "linux-base:latest"},
			{OS: "linux", Dist: "focal", Image: "ubuntu:20.04"},
			{OS: "linux", Language: "python", Image: "python:{version}-slim"},
		},
	}

	tests := []struct {
		name string
		job  model.Job
		want string
	}{
		{
			name: "language with version beats dist",
			job:  model.Job{OS: model.OSLinux, Dist: "focal", Language: "python", LanguageVersion: "3.8.0"},
			want: "python:3.8.0-slim",
		},
		{
			name: "versionless python falls through to dist",
			job:  model.Job{OS: model.OSLinux, Dist: "focal", Language: "python"},
			want: "ubuntu:20.04",
		},
		{
			name: "os-only match",
			job:  model.Job{OS: model.OSLinux, Dist: "jammy", Language: "generic"},
			want: "linux-base:latest",
		},
		{
			name: "no match uses default",
			job:  model.Job{OS: model.OSMacOS, Language: "generic"},
			want: "fallback:latest",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			image, err := catalog.Resolve(&tt.job)
			require.NoError(t, err)
			assert.Equal(t, tt.want, image)
		})
	}
}

// TestImageCatalog_Resolve_NoDefault verifies the error when nothing
// matches and no default exists.
func TestImageCatalog_Resolve_NoDefault(t *testing.T) {
	catalog := &ImageCatalog{
		Images: []ImageEntry{{OS: "linux", Image: "linux-base:latest"}},
	}

	_, err := catalog.Resolve(&model.Job{OS: model.OSMacOS, Language: "generic"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no build image")
}
