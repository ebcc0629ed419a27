package travis

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorry-ci/lorry/internal/model"
)

// testdataPath returns the path to a fixture configuration file.
func testdataPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

// TestLoad_SparseML parses the canonical two-job configuration: a Linux
// Python 3.8.0 job from the implicit matrix plus an osx/generic include
// row, with the full miniconda install pipeline.
func TestLoad_SparseML(t *testing.T) {
	cfg, err := Load(testdataPath(t, "sparse-ml.yml"))
	require.NoError(t, err)

	assert.Equal(t, "python", cfg.Language)
	assert.Equal(t, []model.OSName{model.OSLinux}, cfg.OSes)
	assert.Equal(t, DefaultDist, cfg.Dist)
	assert.Equal(t, []string{"3.8.0"}, cfg.Versions)

	require.Len(t, cfg.Include, 1)
	row := cfg.Include[0]
	assert.Equal(t, "osx", row.OS)
	assert.Equal(t, "generic", row.Language)
	assert.Equal(t, "xcode11.2", row.OsxImage)
	require.Len(t, row.Env, 1)
	assert.Equal(t, "PYTHON=3.7.4", row.Env[0].Raw)
	assert.False(t, row.Env[0].Secure)

	// Phase commands survive in declaration order.
	require.Len(t, cfg.Phases[model.PhaseBeforeInstall], 6)
	assert.Contains(t, cfg.Phases[model.PhaseBeforeInstall][3], "export PATH=")

	install := cfg.Phases[model.PhaseInstall]
	require.Len(t, install, 4)
	assert.Contains(t, install[0], "conda create")
	assert.Contains(t, install[0], "scikit-learn")
	assert.Equal(t, "pip install pytest coverage", install[1])
	assert.Equal(t, "python setup.py install", install[3])

	require.Len(t, cfg.Phases[model.PhaseScript], 1)
	assert.Equal(t, "python -m coverage run setup.py test", cfg.Phases[model.PhaseScript][0])

	assert.Equal(t, []string{"codecov"}, cfg.Phases[model.PhaseAfterSuccess])
	assert.Equal(t, []string{"pwd", "find ."}, cfg.Phases[model.PhaseAfterFailure])

	assert.Empty(t, cfg.Warnings)
}

// TestLoad_MatrixFull parses a configuration exercising every matrix
// feature: multiple axes, env global/jobs, cache, branches, exclude,
// allow_failures, fast_finish, and a named include row.
func TestLoad_MatrixFull(t *testing.T) {
	cfg, err := Load(testdataPath(t, "matrix-full.yml"))
	require.NoError(t, err)

	assert.Equal(t, []model.OSName{model.OSLinux, model.OSMacOS}, cfg.OSes)
	assert.Equal(t, "jammy", cfg.Dist)
	assert.Equal(t, []string{"xcode12"}, cfg.OsxImages)
	assert.Equal(t, []string{"3.9", "3.10"}, cfg.Versions)

	require.Len(t, cfg.Env.Global, 1)
	assert.Equal(t, "CI_TIER=full", cfg.Env.Global[0].Raw)
	require.Len(t, cfg.Env.Jobs, 2)
	assert.Equal(t, "BACKEND=mkl", cfg.Env.Jobs[0].Raw)

	assert.True(t, cfg.Cache.Enabled())
	assert.Equal(t, []string{"pip"}, cfg.Cache.Presets)
	assert.Equal(t, []string{"$HOME/.conda/pkgs"}, cfg.Cache.Directories)

	assert.Equal(t, []string{"main", "/^release-.*$/"}, cfg.Branches.Only)

	assert.True(t, cfg.FastFinish)
	require.Len(t, cfg.Exclude, 1)
	assert.Equal(t, "osx", cfg.Exclude[0].OS)
	assert.Equal(t, "3.9", cfg.Exclude[0].Version)
	require.Len(t, cfg.AllowFailures, 1)
	assert.Equal(t, "BACKEND=openblas", cfg.AllowFailures[0].Env)

	require.Len(t, cfg.Include, 1)
	assert.Equal(t, "lint", cfg.Include[0].Name)
	assert.Equal(t, []string{"./lint.sh"}, cfg.Include[0].Phases[model.PhaseScript])
}

// TestLoad_Minimal verifies defaults: no os means linux, no dist means
// the default dist, scalar script becomes a one-command list.
func TestLoad_Minimal(t *testing.T) {
	cfg, err := Load(testdataPath(t, "minimal.yml"))
	require.NoError(t, err)

	assert.Equal(t, "generic", cfg.Language)
	assert.Equal(t, []model.OSName{model.OSLinux}, cfg.OSes)
	assert.Equal(t, DefaultDist, cfg.Dist)
	assert.Empty(t, cfg.Versions)
	assert.Equal(t, []string{"./run-tests.sh"}, cfg.Phases[model.PhaseScript])
	assert.False(t, cfg.Cache.Enabled())
}

// TestLoad_UnknownKeys verifies that unsupported sections become
// warnings, not errors, and that numeric version scalars are formatted
// the way they were written.
func TestLoad_UnknownKeys(t *testing.T) {
	cfg, err := Load(testdataPath(t, "unknown-keys.yml"))
	require.NoError(t, err)

	assert.Equal(t, []string{"3.8"}, cfg.Versions)

	joined := ""
	for _, w := range cfg.Warnings {
		joined += w + "\n"
	}
	assert.Contains(t, joined, "notifications")
	assert.Contains(t, joined, "services")
	assert.Contains(t, joined, "sudo")
	assert.Contains(t, joined, "fancy_new_key")
}

// TestLoad_NotFound verifies the missing-file error carries
// ExitConfigNotFound for the CLI layer.
func TestLoad_NotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), ".travis.yml"))
	require.Error(t, err)

	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitConfigNotFound, cliErr.Code)
}

// TestParse_InvalidYAML verifies malformed YAML carries ExitInvalidConfig.
func TestParse_InvalidYAML(t *testing.T) {
	data, err := os.ReadFile(testdataPath(t, "invalid.yml"))
	require.NoError(t, err)

	_, err = Parse(data)
	require.Error(t, err)

	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitInvalidConfig, cliErr.Code)
}

// TestParse_EnvShapes verifies the three env shapes normalize to the
// same structures.
func TestParse_EnvShapes(t *testing.T) {
	tests := []struct {
		name       string
		yaml       string
		wantGlobal int
		wantJobs   int
	}{
		{
			name:     "scalar",
			yaml:     "language: generic\nscript: ok\nenv: FOO=1\n",
			wantJobs: 1,
		},
		{
			name:     "list",
			yaml:     "language: generic\nscript: ok\nenv:\n  - FOO=1\n  - FOO=2\n",
			wantJobs: 2,
		},
		{
			name:       "map",
			yaml:       "language: generic\nscript: ok\nenv:\n  global:\n    - G=1\n  jobs:\n    - J=1\n",
			wantGlobal: 1,
			wantJobs:   1,
		},
		{
			name:       "matrix alias",
			yaml:       "language: generic\nscript: ok\nenv:\n  global:\n    - G=1\n  matrix:\n    - J=1\n",
			wantGlobal: 1,
			wantJobs:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			require.NoError(t, err)
			assert.Len(t, cfg.Env.Global, tt.wantGlobal)
			assert.Len(t, cfg.Env.Jobs, tt.wantJobs)
		})
	}
}

// TestParse_SecureEnv verifies {secure: <blob>} entries are recognized.
func TestParse_SecureEnv(t *testing.T) {
	cfg, err := Parse([]byte("language: generic\nscript: ok\nenv:\n  global:\n    - secure: Y2lwaGVydGV4dA==\n"))
	require.NoError(t, err)

	require.Len(t, cfg.Env.Global, 1)
	assert.True(t, cfg.Env.Global[0].Secure)
	assert.Equal(t, "Y2lwaGVydGV4dA==", cfg.Env.Global[0].Raw)
}

// TestParse_CacheShapes verifies the preset-string, list, and map cache
// forms.
func TestParse_CacheShapes(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		presets  []string
		dirCount int
	}{
		{
			name:    "preset string",
			yaml:    "language: generic\nscript: ok\ncache: pip\n",
			presets: []string{"pip"},
		},
		{
			name:    "preset list",
			yaml:    "language: generic\nscript: ok\ncache:\n  - pip\n  - ccache\n",
			presets: []string{"pip", "ccache"},
		},
		{
			name:     "map with directories",
			yaml:     "language: generic\nscript: ok\ncache:\n  pip: true\n  directories:\n    - vendor\n",
			presets:  []string{"pip"},
			dirCount: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tt.yaml))
			require.NoError(t, err)
			assert.Equal(t, tt.presets, cfg.Cache.Presets)
			assert.Len(t, cfg.Cache.Directories, tt.dirCount)
		})
	}
}

// TestFindTravisYML verifies discovery from the directory itself and
// from nested subdirectories.
func TestFindTravisYML(t *testing.T) {
	root := t.TempDir()
	configPath := filepath.Join(root, ".travis.yml")
	require.NoError(t, os.WriteFile(configPath, []byte("language: generic\nscript: ok\n"), 0o644))

	nested := filepath.Join(root, "internal", "deep")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	found, err := FindTravisYML(root)
	require.NoError(t, err)
	assert.Equal(t, configPath, found)

	found, err = FindTravisYML(nested)
	require.NoError(t, err)
	assert.Equal(t, configPath, found)
}

// TestFindTravisYML_NotFound verifies the walk stops at the filesystem
// root and reports ExitConfigNotFound.
func TestFindTravisYML_NotFound(t *testing.T) {
	_, err := FindTravisYML(t.TempDir())
	require.Error(t, err)

	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitConfigNotFound, cliErr.Code)
}
