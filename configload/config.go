// Package configload resolves and parses the YAML configuration surface for
// a ToolMesh host: provider declarations, performance tunables, dev flags,
// logging, and the socket directory.
package configload

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "toolmesh.yaml"
	homeConfigName    = "config.yaml"
)

// HostConfig is the fully resolved, validated in-memory configuration.
type HostConfig struct {
	Providers   map[string]ProviderConfig
	Performance PerformanceConfig
	Dev         DevConfig
	Log         LogConfig
	Socket      SocketConfig
}

// ProviderConfig is one entry of HostConfig.Providers.
type ProviderConfig struct {
	Name           string
	Path           string
	RuntimeCommand string
	RuntimeArgs    []string
	Config         map[string]string
	ChangeAnalysis ChangeAnalysisConfig
	Enabled        bool
}

// ChangeAnalysisConfig is the restart/reinit trigger key-path set for one
// provider's configuration-blob changes.
type ChangeAnalysisConfig struct {
	RestartTriggers []string
	ReinitTriggers  []string
}

// PerformanceConfig holds the host's timing tunables.
type PerformanceConfig struct {
	RequestTimeout              time.Duration
	ToolCallTimeout             time.Duration
	ProviderRegistrationTimeout time.Duration
	ProviderShutdownGrace       time.Duration
}

// DevConfig holds development-mode switches.
type DevConfig struct {
	HotReload bool
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level  string
	Format string
}

// SocketConfig configures the socket hub's listening directory.
type SocketConfig struct {
	Dir string
}

// defaultPerformance mirrors base spec §6's documented defaults.
func defaultPerformance() PerformanceConfig {
	return PerformanceConfig{
		RequestTimeout:              30 * time.Second,
		ToolCallTimeout:             30 * time.Second,
		ProviderRegistrationTimeout: 15 * time.Second,
		ProviderShutdownGrace:       5 * time.Second,
	}
}

func defaultLog() LogConfig {
	return LogConfig{Level: "info", Format: "text"}
}

// rawConfigFile is the direct YAML decoding target before expansion and
// validation.
type rawConfigFile struct {
	Providers   map[string]rawProviderConfig `yaml:"providers"`
	Performance rawPerformanceConfig         `yaml:"performance"`
	Dev         rawDevConfig                 `yaml:"dev"`
	Log         rawLogConfig                 `yaml:"log"`
	Socket      rawSocketConfig              `yaml:"socket"`
}

type rawProviderConfig struct {
	Type           string                  `yaml:"type"`
	Path           string                  `yaml:"path"`
	Runtime        string                  `yaml:"runtime"`
	Config         map[string]any          `yaml:"config"`
	ChangeAnalysis rawChangeAnalysisConfig `yaml:"changeAnalysis"`
	Enabled        *bool                   `yaml:"enabled"`
}

type rawChangeAnalysisConfig struct {
	RestartTriggers []string `yaml:"restartTriggers"`
	ReinitTriggers  []string `yaml:"reinitTriggers"`
}

type rawPerformanceConfig struct {
	RequestTimeout              string `yaml:"requestTimeout"`
	ToolCallTimeout             string `yaml:"toolCallTimeout"`
	ProviderRegistrationTimeout string `yaml:"providerRegistrationTimeout"`
	ProviderShutdownGrace       string `yaml:"providerShutdownGrace"`
}

type rawDevConfig struct {
	HotReload bool `yaml:"hotReload"`
}

type rawLogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type rawSocketConfig struct {
	Dir string `yaml:"dir"`
}

// DiscoverConfigPath resolves the configuration file location with
// first-match semantics: an explicit path always wins; otherwise
// toolmesh.yaml in the current directory, then ~/.toolmesh/config.yaml.
func DiscoverConfigPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("configload: resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("configload: resolve user home: %w", err)
	}
	return discoverConfigPathFrom(explicitPath, cwd, homeDir)
}

func discoverConfigPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		candidates = append(candidates, filepath.Join(homeDir, ".toolmesh", homeConfigName))
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("configload: config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("configload: checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

// Load discovers, reads, and validates the configuration surface. If no
// file is found and explicitPath is empty, it returns a HostConfig built
// entirely from defaults rather than an error.
func Load(explicitPath string) (HostConfig, error) {
	path, found, err := DiscoverConfigPath(explicitPath)
	if err != nil {
		return HostConfig{}, err
	}
	if !found {
		return HostConfig{
			Providers:   map[string]ProviderConfig{},
			Performance: defaultPerformance(),
			Log:         defaultLog(),
		}, nil
	}
	return LoadFile(path)
}

// LoadFile reads and validates a configuration file at an explicit path.
func LoadFile(path string) (HostConfig, error) {
	// #nosec G304 -- path resolved from explicit configuration discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return HostConfig{}, fmt.Errorf("configload: reading %q: %w", path, err)
	}

	var raw rawConfigFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return HostConfig{}, fmt.Errorf("configload: parsing %q: %w", path, err)
	}
	return convert(raw)
}

func convert(raw rawConfigFile) (HostConfig, error) {
	cfg := HostConfig{
		Providers: make(map[string]ProviderConfig, len(raw.Providers)),
	}

	names := make([]string, 0, len(raw.Providers))
	for name := range raw.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		provider, err := convertProvider(name, raw.Providers[name])
		if err != nil {
			return HostConfig{}, err
		}
		cfg.Providers[name] = provider
	}

	perf, err := convertPerformance(raw.Performance)
	if err != nil {
		return HostConfig{}, fmt.Errorf("configload: performance: %w", err)
	}
	cfg.Performance = perf

	cfg.Dev = DevConfig{HotReload: raw.Dev.HotReload}

	cfg.Log = LogConfig{
		Level:  firstNonEmpty(expandEnvValue(raw.Log.Level), defaultLog().Level),
		Format: firstNonEmpty(expandEnvValue(raw.Log.Format), defaultLog().Format),
	}

	cfg.Socket = SocketConfig{Dir: expandEnvValue(raw.Socket.Dir)}

	return cfg, nil
}

func convertProvider(name string, raw rawProviderConfig) (ProviderConfig, error) {
	trimmedName := strings.TrimSpace(name)
	if trimmedName == "" {
		return ProviderConfig{}, errors.New("configload: provider name must not be empty")
	}

	path := strings.TrimSpace(expandEnvValue(raw.Path))
	runtime := strings.TrimSpace(expandEnvValue(raw.Runtime))
	if path == "" {
		return ProviderConfig{}, fmt.Errorf("configload: provider %q: path is required", trimmedName)
	}

	var runtimeCommand string
	var runtimeArgs []string
	if runtime != "" {
		fields := strings.Fields(runtime)
		runtimeCommand = fields[0]
		if len(fields) > 1 {
			runtimeArgs = fields[1:]
		}
	}

	enabled := true
	if raw.Enabled != nil {
		enabled = *raw.Enabled
	}

	return ProviderConfig{
		Name:           trimmedName,
		Path:           path,
		RuntimeCommand: runtimeCommand,
		RuntimeArgs:    runtimeArgs,
		Config:         toConfigStrings(raw.Config),
		ChangeAnalysis: ChangeAnalysisConfig{
			RestartTriggers: expandStrings(raw.ChangeAnalysis.RestartTriggers),
			ReinitTriggers:  expandStrings(raw.ChangeAnalysis.ReinitTriggers),
		},
		Enabled: enabled,
	}, nil
}

func convertPerformance(raw rawPerformanceConfig) (PerformanceConfig, error) {
	cfg := defaultPerformance()

	if v, err := parseDurationIfSet(raw.RequestTimeout); err != nil {
		return cfg, err
	} else if v > 0 {
		cfg.RequestTimeout = v
	}
	if v, err := parseDurationIfSet(raw.ToolCallTimeout); err != nil {
		return cfg, err
	} else if v > 0 {
		cfg.ToolCallTimeout = v
	}
	if v, err := parseDurationIfSet(raw.ProviderRegistrationTimeout); err != nil {
		return cfg, err
	} else if v > 0 {
		cfg.ProviderRegistrationTimeout = v
	}
	if v, err := parseDurationIfSet(raw.ProviderShutdownGrace); err != nil {
		return cfg, err
	} else if v > 0 {
		cfg.ProviderShutdownGrace = v
	}
	return cfg, nil
}

func parseDurationIfSet(value string) (time.Duration, error) {
	expanded := strings.TrimSpace(expandEnvValue(value))
	if expanded == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(expanded)
	if err != nil {
		return 0, fmt.Errorf("parsing duration %q: %w", expanded, err)
	}
	return d, nil
}

func toConfigStrings(config map[string]any) map[string]string {
	if len(config) == 0 {
		return nil
	}
	out := make(map[string]string, len(config))
	for key, value := range config {
		out[strings.TrimSpace(key)] = expandEnvValue(fmt.Sprint(value))
	}
	return out
}

func expandStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = expandEnvValue(v)
	}
	return out
}

func expandEnvValue(value string) string {
	return os.ExpandEnv(value)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
