// Package config loads the fuzzer's runtime knobs from a JWCC
// (JSON-with-comments-and-commas) config file with defaults → global →
// project → flags precedence, the same shape and library as the teacher
// CLI this module descends from.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
)

// DiversityMode selects which diversity metric drives EdgeIndex eviction.
type DiversityMode string

const (
	DiversityNCDm        DiversityMode = "ncdm"
	DiversityLevenshtein DiversityMode = "levenshtein"
)

// Config holds every runtime-configurable knob named in SPEC_FULL.md §10.
type Config struct {
	OutDir        string        `json:"out_dir"`        //nolint:tagliatelle // snake_case for config file
	MapSize       int           `json:"map_size"`        //nolint:tagliatelle
	DiversityMode DiversityMode `json:"diversity_mode"`  //nolint:tagliatelle
	PathDiversity bool          `json:"path_diversity"`  //nolint:tagliatelle
	PartitionMode bool          `json:"partition_mode"`  //nolint:tagliatelle
	KeepUniqueHang  int         `json:"keep_unique_hang"`  //nolint:tagliatelle
	KeepUniqueCrash int         `json:"keep_unique_crash"` //nolint:tagliatelle
	HangTimeoutMS int           `json:"hang_timeout_ms"` //nolint:tagliatelle
}

// ConfigSources tracks which config files were loaded, for diagnostics.
type ConfigSources struct {
	Global  string
	Project string
}

// ConfigFileName is the default project-local config file name.
const ConfigFileName = ".corpusd.json"

// DefaultConfig returns the built-in defaults, the bottom of the
// precedence chain.
func DefaultConfig() Config {
	return Config{
		OutDir:          "out",
		MapSize:         1 << 16,
		DiversityMode:   DiversityNCDm,
		PathDiversity:   true,
		PartitionMode:   false,
		KeepUniqueHang:  0,
		KeepUniqueCrash: 0,
		HangTimeoutMS:   1000,
	}
}

var (
	errConfigFileNotFound = errors.New("config: file not found")
	errConfigFileRead     = errors.New("config: read failed")
	errConfigInvalid      = errors.New("config: invalid")
	errOutDirEmpty        = errors.New("config: out_dir must not be empty")
	errMapSizeInvalid     = errors.New("config: map_size must be a positive power of two")
)

func getGlobalConfigPath(env []string) string {
	for _, e := range env {
		if after, ok := strings.CutPrefix(e, "XDG_CONFIG_HOME="); ok {
			return filepath.Join(after, "corpusd", "config.json")
		}
	}

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "corpusd", "config.json")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "corpusd", "config.json")
	}

	return ""
}

// Load resolves the full precedence chain: defaults, then global config,
// then project/explicit config, then CLI overrides (applied by the
// caller, since pflag binding lives in cmd/corpusd).
func Load(workDir, configPath string, env []string) (Config, ConfigSources, error) {
	cfg := DefaultConfig()

	var sources ConfigSources

	globalCfg, globalPath, err := loadGlobalConfig(env)
	if err != nil {
		return Config{}, ConfigSources{}, err
	}

	sources.Global = globalPath
	cfg = mergeConfig(cfg, globalCfg)

	projectCfg, projectPath, err := loadProjectConfig(workDir, configPath)
	if err != nil {
		return Config{}, ConfigSources{}, err
	}

	sources.Project = projectPath
	cfg = mergeConfig(cfg, projectCfg)

	if err := validateConfig(cfg); err != nil {
		return Config{}, ConfigSources{}, err
	}

	return cfg, sources, nil
}

func loadGlobalConfig(env []string) (Config, string, error) {
	path := getGlobalConfigPath(env)
	if path == "" {
		return Config{}, "", nil
	}

	cfg, loaded, err := loadConfigFile(path, false)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, path, nil
}

func loadProjectConfig(workDir, configPath string) (Config, string, error) {
	var cfgFile string

	var mustExist bool

	if configPath != "" {
		cfgFile = configPath
		if !filepath.IsAbs(cfgFile) {
			cfgFile = filepath.Join(workDir, cfgFile)
		}

		mustExist = true

		if _, err := os.Stat(cfgFile); err != nil {
			return Config{}, "", fmt.Errorf("%w: %s", errConfigFileNotFound, configPath)
		}
	} else {
		cfgFile = filepath.Join(workDir, ConfigFileName)
		mustExist = false
	}

	cfg, loaded, err := loadConfigFile(cfgFile, mustExist)
	if err != nil {
		return Config{}, "", err
	}

	if !loaded {
		return Config{}, "", nil
	}

	return cfg, cfgFile, nil
}

func loadConfigFile(path string, mustExist bool) (Config, bool, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is deliberately operator-controlled
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return Config{}, false, nil
		}

		if mustExist {
			return Config{}, false, fmt.Errorf("%w: %s", errConfigFileRead, path)
		}

		return Config{}, false, nil
	}

	cfg, parseErr := parseConfig(data)
	if parseErr != nil {
		return Config{}, false, fmt.Errorf("%w %s: %w", errConfigInvalid, path, parseErr)
	}

	return cfg, true, nil
}

func parseConfig(data []byte) (Config, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JWCC: %w", err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.OutDir != "" {
		base.OutDir = overlay.OutDir
	}

	if overlay.MapSize != 0 {
		base.MapSize = overlay.MapSize
	}

	if overlay.DiversityMode != "" {
		base.DiversityMode = overlay.DiversityMode
	}

	base.PathDiversity = overlay.PathDiversity || base.PathDiversity
	base.PartitionMode = overlay.PartitionMode || base.PartitionMode

	if overlay.KeepUniqueHang != 0 {
		base.KeepUniqueHang = overlay.KeepUniqueHang
	}

	if overlay.KeepUniqueCrash != 0 {
		base.KeepUniqueCrash = overlay.KeepUniqueCrash
	}

	if overlay.HangTimeoutMS != 0 {
		base.HangTimeoutMS = overlay.HangTimeoutMS
	}

	return base
}

func validateConfig(cfg Config) error {
	if cfg.OutDir == "" {
		return errOutDirEmpty
	}

	if cfg.MapSize <= 0 || cfg.MapSize&(cfg.MapSize-1) != 0 {
		return fmt.Errorf("%w: got %d", errMapSizeInvalid, cfg.MapSize)
	}

	if cfg.DiversityMode != DiversityNCDm && cfg.DiversityMode != DiversityLevenshtein {
		return fmt.Errorf("%w: diversity_mode %q", errConfigInvalid, cfg.DiversityMode)
	}

	return nil
}

// Format returns cfg as formatted JSON, used by `corpusd status`.
func Format(cfg Config) (string, error) {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("format config: %w", err)
	}

	return string(data), nil
}
