package settings

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// Load reads the settings with proper precedence:
// environment variables > settings file > defaults.
//
// The settings file is JSON (the compiler's output format); a .yaml/.yml
// path is accepted for hand-written configs. Environment variables use
// the RESTFUZZ_ prefix; a double underscore becomes a dot
// (RESTFUZZ_AUTHENTICATION__TOKEN_REFRESH_CMD ->
// authentication.token_refresh_cmd).
func Load(settingsPath string) (*Settings, error) {
	k := koanf.New(".")

	if settingsPath != "" {
		var parser koanf.Parser = json.Parser()
		if strings.HasSuffix(settingsPath, ".yaml") || strings.HasSuffix(settingsPath, ".yml") {
			parser = yaml.Parser()
		}
		if err := k.Load(file.Provider(settingsPath), parser); err != nil {
			return nil, fmt.Errorf("failed to load settings file %s: %w", settingsPath, err)
		}
	}

	err := k.Load(env.Provider("RESTFUZZ_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "RESTFUZZ_")
		s = strings.Replace(s, "__", ".", -1)
		return strings.ToLower(s)
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("settings unmarshal failed: %w", err)
	}

	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("settings validation failed: %w", err)
	}

	// Cross-field validation (cfg.Validate) is the caller's: CLI flags
	// may still override required fields after loading.
	return cfg, nil
}

// LoadCheckerOverrides reads a standalone YAML file of per-checker
// settings and merges it into cfg, the file winning per checker. Engine
// test configurations keep checker tuning out of the main settings file.
func LoadCheckerOverrides(cfg *Settings, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read checker overrides: %w", err)
	}
	var overrides map[string]CheckerSettings
	if err := yamlv3.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("failed to parse checker overrides: %w", err)
	}
	if cfg.Checkers == nil {
		cfg.Checkers = make(map[string]CheckerSettings)
	}
	for name, cs := range overrides {
		cfg.Checkers[name] = cs
	}
	return nil
}
