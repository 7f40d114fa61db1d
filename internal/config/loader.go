package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".goalrun"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("GOALRUN_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := resolveHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("GOALRUN_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Env files only fill variables the process does not already set.
	for _, f := range loadEnvFiles() {
		slog.Debug("Env file loaded", "path", f)
	}

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil // Use defaults if we can't find config path
	}
	if err := LoadFile(path, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	normalize(cfg)
	return cfg, nil
}

// LoadFile merges the JSON file at path (with $include and ${VAR}
// substitution) into cfg. A missing file is not an error.
func LoadFile(path string, cfg *Config) error {
	data, err := loadResolvedConfig(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides each group from GOALRUN_<GROUP>_* variables.
func applyEnv(cfg *Config) {
	envconfig.Process("GOALRUN_PATHS", &cfg.Paths)
	envconfig.Process("GOALRUN_MODEL", &cfg.Model)
	envconfig.Process("GOALRUN_MODEL", &cfg.Model.Retry)
	envconfig.Process("GOALRUN_OPENAI", &cfg.Providers.OpenAI)
	envconfig.Process("GOALRUN_GEMINI", &cfg.Providers.Gemini)
	envconfig.Process("GOALRUN_TOOLS", &cfg.Tools)
	envconfig.Process("GOALRUN_APPROVAL", &cfg.Approval)
	envconfig.Process("GOALRUN_HISTORY", &cfg.History)
	envconfig.Process("GOALRUN_TRACE", &cfg.Trace)
	envconfig.Process("GOALRUN_LOG", &cfg.Log)

	// Fallback for API keys
	if cfg.Providers.OpenAI.APIKey == "" {
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			cfg.Providers.OpenAI.APIKey = key
		} else if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
			cfg.Providers.OpenAI.APIKey = key
		}
	}
	if cfg.Providers.Gemini.APIKey == "" {
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			cfg.Providers.Gemini.APIKey = key
		} else if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
			cfg.Providers.Gemini.APIKey = key
		}
	}
}

func normalize(cfg *Config) {
	expandHome(&cfg.Paths.Workspace)
	expandHome(&cfg.Paths.StateDir)
	expandHome(&cfg.History.DBPath)
	for i := range cfg.Paths.Roots {
		expandHome(&cfg.Paths.Roots[i])
		absPath(&cfg.Paths.Roots[i])
	}
	// Session ids are root paths, so they must not depend on the cwd spelling.
	absPath(&cfg.Paths.Workspace)

	def := DefaultConfig()
	if cfg.Model.MaxSteps <= 0 {
		cfg.Model.MaxSteps = def.Model.MaxSteps
	}
	if cfg.Model.ParseRetries <= 0 {
		cfg.Model.ParseRetries = def.Model.ParseRetries
	}
	if cfg.Model.Retry.MaxRetries < 0 {
		cfg.Model.Retry.MaxRetries = 0
	}
	if cfg.Approval.TimeoutSeconds <= 0 {
		cfg.Approval.TimeoutSeconds = def.Approval.TimeoutSeconds
	}
	if cfg.History.ReloadTail <= 0 {
		cfg.History.ReloadTail = def.History.ReloadTail
	}
	if cfg.History.DBPath == "" {
		cfg.History.DBPath = filepath.Join(cfg.Paths.StateDir, "history.db")
	}
	if len(cfg.Tools.Allowed) == 0 {
		cfg.Tools.Allowed = []string{"*"}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Log.Level)) {
	case "debug", "warn", "error":
		cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	default:
		cfg.Log.Level = "info"
	}
}

func absPath(p *string) {
	if *p == "" {
		return
	}
	if abs, err := filepath.Abs(*p); err == nil {
		*p = abs
	}
}

func expandHome(p *string) {
	if strings.HasPrefix(*p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			*p = filepath.Join(home, (*p)[1:])
		}
	}
}

// WorkspaceRoots returns the configured session roots, or the workspace
// alone when none are set.
func (c *Config) WorkspaceRoots() []string {
	if len(c.Paths.Roots) > 0 {
		return append([]string(nil), c.Paths.Roots...)
	}
	if c.Paths.Workspace == "" {
		return nil
	}
	return []string{c.Paths.Workspace}
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// EnsureDir ensures a directory exists with proper permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

func loadResolvedConfig(path string) ([]byte, error) {
	obj, err := loadConfigObject(path, map[string]struct{}{})
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

func loadConfigObject(path string, visited map[string]struct{}) (map[string]any, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, seen := visited[absPath]; seen {
		return nil, fmt.Errorf("config include cycle detected at %s", absPath)
	}
	visited[absPath] = struct{}{}
	defer delete(visited, absPath)

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		raw = map[string]any{}
	}

	merged := map[string]any{}
	if includeRaw, ok := raw["$include"]; ok {
		includeFiles, err := parseIncludes(includeRaw)
		if err != nil {
			return nil, err
		}
		baseDir := filepath.Dir(absPath)
		for _, includePath := range includeFiles {
			resolvedPath := includePath
			if !filepath.IsAbs(includePath) {
				resolvedPath = filepath.Join(baseDir, includePath)
			}
			child, err := loadConfigObject(resolvedPath, visited)
			if err != nil {
				return nil, err
			}
			deepMerge(merged, child)
		}
	}
	delete(raw, "$include")
	substituteEnvValues(raw)
	deepMerge(merged, raw)
	return merged, nil
}

func parseIncludes(v any) ([]string, error) {
	switch t := v.(type) {
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		return []string{t}, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("$include entries must be strings")
			}
			if strings.TrimSpace(s) == "" {
				continue
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("$include must be a string or array of strings")
	}
}

func deepMerge(dst, src map[string]any) {
	for key, val := range src {
		srcMap, srcIsMap := val.(map[string]any)
		if !srcIsMap {
			dst[key] = val
			continue
		}

		existing, ok := dst[key]
		if !ok {
			copyMap := map[string]any{}
			deepMerge(copyMap, srcMap)
			dst[key] = copyMap
			continue
		}
		dstMap, dstIsMap := existing.(map[string]any)
		if !dstIsMap {
			copyMap := map[string]any{}
			deepMerge(copyMap, srcMap)
			dst[key] = copyMap
			continue
		}
		deepMerge(dstMap, srcMap)
	}
}

func substituteEnvValues(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = substituteEnvValues(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = substituteEnvValues(item)
		}
		return t
	case string:
		return envPattern.ReplaceAllStringFunc(t, func(match string) string {
			parts := envPattern.FindStringSubmatch(match)
			if len(parts) != 2 {
				return match
			}
			if value, ok := os.LookupEnv(parts[1]); ok {
				return value
			}
			return match
		})
	default:
		return v
	}
}
