package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func isolateEnv(t *testing.T, home string) {
	t.Helper()
	t.Setenv("HOME", home)
	t.Setenv("GOALRUN_CONFIG", "")
	t.Setenv("GOALRUN_HOME", "")
	t.Setenv("GOALRUN_ENV_FILE", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
}

func writeConfig(t *testing.T, home, name, body string) string {
	t.Helper()
	dir := filepath.Join(home, ".goalrun")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Model.MaxSteps != 12 {
		t.Errorf("expected default maxSteps 12, got %d", cfg.Model.MaxSteps)
	}
	if cfg.Model.ParseRetries != 3 {
		t.Errorf("expected default parseRetries 3, got %d", cfg.Model.ParseRetries)
	}
	if cfg.Approval.TimeoutSeconds != 120 {
		t.Errorf("expected approval timeout 120s, got %d", cfg.Approval.TimeoutSeconds)
	}
	if cfg.Tools.CommandTimeoutMs != 8000 {
		t.Errorf("expected command timeout 8000ms, got %d", cfg.Tools.CommandTimeoutMs)
	}
	if len(cfg.Tools.Allowed) != 1 || cfg.Tools.Allowed[0] != "*" {
		t.Errorf("expected allowed [*], got %v", cfg.Tools.Allowed)
	}
	if cfg.Model.Retry.MaxRetries != 2 || cfg.Model.Retry.MaxDelaySecs != 30 {
		t.Errorf("unexpected retry defaults: %+v", cfg.Model.Retry)
	}
}

func TestLoadDefaults(t *testing.T) {
	home := t.TempDir()
	isolateEnv(t, home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Model.MaxTokens != 8192 {
		t.Errorf("expected maxTokens 8192, got %d", cfg.Model.MaxTokens)
	}
	want := filepath.Join(home, ".goalrun", "history.db")
	if cfg.History.DBPath != want {
		t.Errorf("expected db path %s, got %s", want, cfg.History.DBPath)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
}

func TestLoadFromFile(t *testing.T) {
	home := t.TempDir()
	isolateEnv(t, home)
	writeConfig(t, home, "config.json", `{
		"model": {"name": "gemini/gemini-2.5-flash", "maxSteps": 5},
		"paths": {"roots": ["/w/a", "/w/b"]},
		"approval": {"runCommand": false}
	}`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Model.Name != "gemini/gemini-2.5-flash" {
		t.Errorf("expected model from file, got %s", cfg.Model.Name)
	}
	if cfg.Model.MaxSteps != 5 {
		t.Errorf("expected maxSteps 5, got %d", cfg.Model.MaxSteps)
	}
	if cfg.Approval.RunCommand {
		t.Error("expected runCommand approval disabled from file")
	}
	if !cfg.Approval.EditFile {
		t.Error("expected editFile approval default kept")
	}
	roots := cfg.WorkspaceRoots()
	if len(roots) != 2 || roots[1] != "/w/b" {
		t.Errorf("unexpected roots %v", roots)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	home := t.TempDir()
	isolateEnv(t, home)
	writeConfig(t, home, "config.json", `{"model": {"maxSteps": 5}, "tools": {"allowed": ["src"]}}`)

	t.Setenv("GOALRUN_MODEL_MAX_STEPS", "7")
	t.Setenv("GOALRUN_MODEL_RETRY_MAX", "4")
	t.Setenv("GOALRUN_TOOLS_ALLOWED", "docs,src")
	t.Setenv("GOALRUN_TRACE_ENABLED", "true")
	t.Setenv("GOALRUN_LOG_LEVEL", "DEBUG")
	t.Setenv("GEMINI_API_KEY", "g-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Model.MaxSteps != 7 {
		t.Errorf("expected env maxSteps 7, got %d", cfg.Model.MaxSteps)
	}
	if cfg.Model.Retry.MaxRetries != 4 {
		t.Errorf("expected env retry max 4, got %d", cfg.Model.Retry.MaxRetries)
	}
	if len(cfg.Tools.Allowed) != 2 || cfg.Tools.Allowed[0] != "docs" {
		t.Errorf("expected env allowed [docs src], got %v", cfg.Tools.Allowed)
	}
	if !cfg.Trace.Enabled {
		t.Error("expected trace enabled from env")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Log.Level)
	}
	if cfg.Providers.Gemini.APIKey != "g-key" {
		t.Errorf("expected gemini key fallback, got %q", cfg.Providers.Gemini.APIKey)
	}
}

func TestLoadInvalidJSONReturnsError(t *testing.T) {
	home := t.TempDir()
	isolateEnv(t, home)
	writeConfig(t, home, "config.json", `{"model":`)

	if _, err := Load(); err == nil {
		t.Fatal("expected JSON error, got nil")
	}
}

func TestLoadWithIncludeAndEnvSubstitution(t *testing.T) {
	home := t.TempDir()
	isolateEnv(t, home)
	writeConfig(t, home, "base.json", `{"model": {"name": "base-model", "maxTokens": 1024}}`)
	writeConfig(t, home, "config.json", `{"$include": "base.json", "model": {"name": "${TEST_MODEL}"}}`)
	t.Setenv("TEST_MODEL", "env-model")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Model.Name != "env-model" {
		t.Fatalf("expected env-substituted model name, got %q", cfg.Model.Name)
	}
	if cfg.Model.MaxTokens != 1024 {
		t.Fatalf("expected maxTokens from include file, got %d", cfg.Model.MaxTokens)
	}
}

func TestIncludeCycleIsRejected(t *testing.T) {
	home := t.TempDir()
	isolateEnv(t, home)
	writeConfig(t, home, "a.json", `{"$include": "config.json"}`)
	writeConfig(t, home, "config.json", `{"$include": "a.json"}`)

	if _, err := Load(); err == nil {
		t.Fatal("expected include cycle error")
	}
}

func TestConfigPathRespectsGoalrunConfigAndHome(t *testing.T) {
	t.Setenv("GOALRUN_HOME", "/srv/gr")
	t.Setenv("GOALRUN_CONFIG", "~/.goalrun/custom.json")

	path, err := ConfigPath()
	if err != nil {
		t.Fatalf("config path: %v", err)
	}
	if path != filepath.Join("/srv/gr", ".goalrun", "custom.json") {
		t.Fatalf("unexpected config path: %q", path)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	home := t.TempDir()
	isolateEnv(t, home)

	cfg := DefaultConfig()
	cfg.Model.Name = "openai/saved-model"
	if err := Save(cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if loaded.Model.Name != "openai/saved-model" {
		t.Fatalf("expected saved model, got %q", loaded.Model.Name)
	}
}

func TestEnvFileDoesNotOverrideProcessEnv(t *testing.T) {
	home := t.TempDir()
	isolateEnv(t, home)
	envDir := filepath.Join(home, ".config", "goalrun")
	if err := os.MkdirAll(envDir, 0o755); err != nil {
		t.Fatalf("mkdir env dir: %v", err)
	}
	body := "export GOALRUN_MODEL_MAX_STEPS=\"9\"\n# comment\nGOALRUN_LOG_LEVEL='warn'\n"
	if err := os.WriteFile(filepath.Join(envDir, "env"), []byte(body), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("GOALRUN_LOG_LEVEL", "error")
	t.Setenv("GOALRUN_MODEL_MAX_STEPS", "")
	os.Unsetenv("GOALRUN_MODEL_MAX_STEPS")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Model.MaxSteps != 9 {
		t.Errorf("expected maxSteps 9 from env file, got %d", cfg.Model.MaxSteps)
	}
	if cfg.Log.Level != "error" {
		t.Errorf("expected process env to win, got %s", cfg.Log.Level)
	}
}

func TestParseEnv(t *testing.T) {
	body := strings.Join([]string{
		"# comment",
		"",
		"export A=plain",
		"B = spaced # trailing comment",
		`C="line\nbreak \"quoted\""`,
		"D='literal \\n # kept'",
		"E=",
		"not a pair",
		"1BAD=x",
		`F="unterminated`,
	}, "\n")

	vars, err := parseEnv(strings.NewReader(body))
	if err == nil || !strings.Contains(err.Error(), "[8 9 10]") {
		t.Fatalf("expected malformed lines 8 9 10 reported, got %v", err)
	}
	got := map[string]string{}
	for _, kv := range vars {
		got[kv[0]] = kv[1]
	}
	want := map[string]string{
		"A": "plain",
		"B": "spaced",
		"C": "line\nbreak \"quoted\"",
		"D": `literal \n # kept`,
		"E": "",
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d vars, got %v", len(want), got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s: expected %q, got %q", k, v, got[k])
		}
	}
}

func TestEnvFilePrecedence(t *testing.T) {
	home := t.TempDir()
	isolateEnv(t, home)
	explicit := filepath.Join(home, "explicit.env")
	t.Setenv("GOALRUN_ENV_FILE", explicit)
	if err := os.WriteFile(explicit, []byte("GOALRUN_LOG_LEVEL=debug\n"), 0o600); err != nil {
		t.Fatalf("write explicit env: %v", err)
	}
	homeEnv := filepath.Join(home, ConfigDir, "env")
	if err := os.MkdirAll(filepath.Dir(homeEnv), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(homeEnv, []byte("GOALRUN_LOG_LEVEL=warn\nGOALRUN_MODEL_MAX_STEPS=4\n"), 0o600); err != nil {
		t.Fatalf("write home env: %v", err)
	}
	for _, k := range []string{"GOALRUN_LOG_LEVEL", "GOALRUN_MODEL_MAX_STEPS"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}

	loaded := loadEnvFiles()
	if len(loaded) != 2 || loaded[0] != explicit || loaded[1] != homeEnv {
		t.Fatalf("unexpected loaded files %v", loaded)
	}
	if v := os.Getenv("GOALRUN_LOG_LEVEL"); v != "debug" {
		t.Errorf("expected the explicit file to win, got %q", v)
	}
	if v := os.Getenv("GOALRUN_MODEL_MAX_STEPS"); v != "4" {
		t.Errorf("expected later files to fill gaps, got %q", v)
	}
}
