// Package settings loads runner configuration: the TOML settings file,
// LORRY_* environment overrides, the build-image catalog, and env files
// for run-time injection.
//
// Precedence, lowest to highest: built-in defaults, the settings file
// (~/.config/lorry/config.toml unless --config points elsewhere),
// environment variables, command-line flags (applied by the CLI layer).
package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/lorry-ci/lorry/internal/model"
)

// Duration wraps time.Duration so TOML values read as strings like
// "50m" or "720h".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Settings is the runner configuration.
type Settings struct {
	// WorkRoot holds the throwaway per-job build directories.
	WorkRoot string `toml:"work_root"`

	// DataDir holds build logs, reports, cache snapshots, and the
	// build history database.
	DataDir string `toml:"data_dir"`

	// Backend selects job execution: "auto", "local", or "docker".
	Backend string `toml:"backend"`

	// Concurrency is how many jobs run at once.
	Concurrency int `toml:"concurrency"`

	// JobTimeout bounds a single job, Travis-style.
	JobTimeout Duration `toml:"job_timeout"`

	// NoOutputTimeout kills a job that produces no output for this long.
	// Zero disables the check.
	NoOutputTimeout Duration `toml:"no_output_timeout"`

	// KeepWorkspaces leaves build directories behind for inspection.
	KeepWorkspaces bool `toml:"keep_workspaces"`

	Cache    CacheSettings    `toml:"cache"`
	Coverage CoverageSettings `toml:"coverage"`
	Server   ServerSettings   `toml:"server"`
	Secure   SecureSettings   `toml:"secure"`
}

// CacheSettings bounds the snapshot store.
type CacheSettings struct {
	// MaxAge evicts snapshots not written for this long.
	MaxAge Duration `toml:"max_age"`

	// MaxTotalMB caps the combined snapshot size.
	MaxTotalMB int64 `toml:"max_total_mb"`
}

// CoverageSettings configures the coverage upload client. An empty URL
// disables uploads.
type CoverageSettings struct {
	URL   string `toml:"url"`
	Token string `toml:"token"`
}

// ServerSettings configures `lorry serve`.
type ServerSettings struct {
	// Bind is the listen address.
	Bind string `toml:"bind"`

	// Token enables bearer-token auth on the API when non-empty.
	Token string `toml:"token"`

	// TriggerRPM rate-limits build triggers per minute. Zero disables
	// the limiter.
	TriggerRPM int `toml:"trigger_rpm"`
}

// SecureSettings configures encrypted env values.
type SecureSettings struct {
	// KeyFile is the passphrase file that secure env values are
	// encrypted with.
	KeyFile string `toml:"key_file"`
}

// Default returns the built-in settings, anchored at the user's
// config, cache, and data directories.
func Default() *Settings {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	cacheDir, err := os.UserCacheDir()
	if err != nil {
		cacheDir = filepath.Join(home, ".cache")
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = filepath.Join(home, ".config")
	}

	return &Settings{
		WorkRoot:        filepath.Join(cacheDir, "lorry", "workspaces"),
		DataDir:         filepath.Join(home, ".local", "share", "lorry"),
		Backend:         "auto",
		Concurrency:     2,
		JobTimeout:      Duration(50 * time.Minute),
		NoOutputTimeout: Duration(10 * time.Minute),
		Cache: CacheSettings{
			MaxAge:     Duration(30 * 24 * time.Hour),
			MaxTotalMB: 2048,
		},
		Server: ServerSettings{
			Bind:       "127.0.0.1:8080",
			TriggerRPM: 10,
		},
		Secure: SecureSettings{
			KeyFile: filepath.Join(configDir, "lorry", "secret.key"),
		},
	}
}

// DefaultPath returns the standard settings file location.
func DefaultPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		home, homeErr := os.UserHomeDir()
		if homeErr != nil {
			return "config.toml"
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "lorry", "config.toml")
}

// Load builds the effective settings: defaults, then the TOML file,
// then LORRY_* environment variables. An empty path means the default
// location, where a missing file is fine; an explicit path must exist.
func Load(path string) (*Settings, error) {
	s := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}

	if _, err := toml.DecodeFile(path, s); err != nil {
		if !(os.IsNotExist(err) && !explicit) {
			return nil, model.WrapCLIError(
				model.ExitInvalidConfig,
				fmt.Sprintf("failed to load settings from %s", path),
				err,
			)
		}
	}

	if err := s.applyEnv(); err != nil {
		return nil, err
	}
	s.expandPaths()

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// applyEnv overlays LORRY_* environment variables.
func (s *Settings) applyEnv() error {
	stringVars := map[string]*string{
		"LORRY_WORK_ROOT":       &s.WorkRoot,
		"LORRY_DATA_DIR":        &s.DataDir,
		"LORRY_BACKEND":         &s.Backend,
		"LORRY_COVERAGE_URL":    &s.Coverage.URL,
		"LORRY_COVERAGE_TOKEN":  &s.Coverage.Token,
		"LORRY_SERVER_BIND":     &s.Server.Bind,
		"LORRY_SERVER_TOKEN":    &s.Server.Token,
		"LORRY_SECURE_KEY_FILE": &s.Secure.KeyFile,
	}
	for name, target := range stringVars {
		if value, ok := os.LookupEnv(name); ok {
			*target = value
		}
	}

	if value, ok := os.LookupEnv("LORRY_CONCURRENCY"); ok {
		n, err := strconv.Atoi(value)
		if err != nil {
			return model.NewCLIError(model.ExitInvalidConfig, fmt.Sprintf("LORRY_CONCURRENCY: invalid value %q", value))
		}
		s.Concurrency = n
	}
	if value, ok := os.LookupEnv("LORRY_JOB_TIMEOUT"); ok {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return model.NewCLIError(model.ExitInvalidConfig, fmt.Sprintf("LORRY_JOB_TIMEOUT: invalid duration %q", value))
		}
		s.JobTimeout = Duration(parsed)
	}
	if value, ok := os.LookupEnv("LORRY_NO_OUTPUT_TIMEOUT"); ok {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return model.NewCLIError(model.ExitInvalidConfig, fmt.Sprintf("LORRY_NO_OUTPUT_TIMEOUT: invalid duration %q", value))
		}
		s.NoOutputTimeout = Duration(parsed)
	}
	return nil
}

// expandPaths resolves a leading ~ in the path-valued settings.
func (s *Settings) expandPaths() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	for _, target := range []*string{&s.WorkRoot, &s.DataDir, &s.Secure.KeyFile} {
		if *target == "~" {
			*target = home
		} else if strings.HasPrefix(*target, "~/") {
			*target = filepath.Join(home, (*target)[2:])
		}
	}
}

// Validate checks the settings for values the runner cannot work with.
func (s *Settings) Validate() error {
	switch s.Backend {
	case "auto", "local", "docker":
	default:
		return model.NewCLIError(
			model.ExitInvalidConfig,
			fmt.Sprintf("backend must be auto, local, or docker (got %q)", s.Backend),
		)
	}
	if s.Concurrency < 1 {
		return model.NewCLIError(
			model.ExitInvalidConfig,
			fmt.Sprintf("concurrency must be at least 1 (got %d)", s.Concurrency),
		)
	}
	if s.JobTimeout.Std() <= 0 {
		return model.NewCLIError(model.ExitInvalidConfig, "job_timeout must be positive")
	}
	if s.NoOutputTimeout.Std() < 0 {
		return model.NewCLIError(model.ExitInvalidConfig, "no_output_timeout must not be negative")
	}
	if s.Server.TriggerRPM < 0 {
		return model.NewCLIError(model.ExitInvalidConfig, "server trigger_rpm must not be negative")
	}
	return nil
}

// LoadEnvFile reads a dotenv file into sorted KEY=VALUE pairs for
// injection into jobs.
func LoadEnvFile(path string) ([]string, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
	}

	pairs := make([]string, 0, len(values))
	for key, value := range values {
		pairs = append(pairs, key+"="+value)
	}
	sort.Strings(pairs)
	return pairs, nil
}
