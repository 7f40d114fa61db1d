package config

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// envKeyRe matches the variable names accepted in env files.
var envKeyRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// envFileCandidates lists env files in precedence order: GOALRUN_ENV_FILE,
// the goalrun home, then the XDG location.
func envFileCandidates() []string {
	var out []string
	if explicit := strings.TrimSpace(os.Getenv("GOALRUN_ENV_FILE")); explicit != "" {
		out = append(out, explicit)
	}
	if home, err := resolveHomeDir(); err == nil {
		out = append(out, filepath.Join(home, ConfigDir, "env"), filepath.Join(home, ConfigDir, ".env"))
	}
	if base, err := os.UserHomeDir(); err == nil {
		out = append(out, filepath.Join(base, ".config", "goalrun", "env"))
	}
	return out
}

// loadEnvFiles applies every readable candidate and returns the files used.
// A variable already set, by the process or by an earlier file, is kept.
func loadEnvFiles() []string {
	var loaded []string
	seen := make(map[string]bool)
	for _, p := range envFileCandidates() {
		expandHome(&p)
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true

		f, err := os.Open(abs)
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("Env file unreadable", "path", abs, "error", err)
			}
			continue
		}
		vars, err := parseEnv(f)
		f.Close()
		if err != nil {
			slog.Warn("Env file has malformed lines", "path", abs, "error", err)
		}
		for _, kv := range vars {
			if _, exists := os.LookupEnv(kv[0]); !exists {
				_ = os.Setenv(kv[0], kv[1])
			}
		}
		loaded = append(loaded, abs)
	}
	return loaded
}

// parseEnv reads KEY=VALUE lines. Blank lines, # comments and an "export "
// prefix are allowed. Double-quoted values understand \n, \t, \" and \\;
// single-quoted values are literal; unquoted values end at " #". Malformed
// lines are skipped and reported together in the returned error.
func parseEnv(r io.Reader) ([][2]string, error) {
	var out [][2]string
	var bad []int
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, raw, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || !envKeyRe.MatchString(key) {
			bad = append(bad, n)
			continue
		}
		val, ok := envValue(strings.TrimSpace(raw))
		if !ok {
			bad = append(bad, n)
			continue
		}
		out = append(out, [2]string{key, val})
	}
	if err := sc.Err(); err != nil {
		return out, err
	}
	if len(bad) > 0 {
		return out, fmt.Errorf("lines %v", bad)
	}
	return out, nil
}

func envValue(v string) (string, bool) {
	if v == "" {
		return "", true
	}
	switch v[0] {
	case '\'':
		end := strings.IndexByte(v[1:], '\'')
		if end < 0 {
			return "", false
		}
		return v[1 : end+1], true
	case '"':
		var b strings.Builder
		for i := 1; i < len(v); i++ {
			c := v[i]
			switch {
			case c == '"':
				return b.String(), true
			case c == '\\' && i+1 < len(v):
				i++
				switch v[i] {
				case 'n':
					b.WriteByte('\n')
				case 't':
					b.WriteByte('\t')
				default:
					b.WriteByte(v[i])
				}
			default:
				b.WriteByte(c)
			}
		}
		return "", false
	}
	if i := strings.Index(v, " #"); i >= 0 {
		v = strings.TrimSpace(v[:i])
	}
	return v, true
}
