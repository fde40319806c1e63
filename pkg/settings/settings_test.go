package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_FileOverDefaults(t *testing.T) {
	path := writeSettings(t, `{
		"grammar_file": "grammar.json",
		"target_ip": "10.0.0.5",
		"target_port": 8888,
		"no_ssl": true,
		"time_budget": 1.5,
		"max_request_execution_time": 30,
		"fuzzing_jobs": 4,
		"max_sequence_length": 5,
		"checkers": {
			"namespace": {"enabled": true, "mode": "exhaustive"},
			"invaliddynamicobject": {"args": {"no_defaults": true, "invalid_objects": ["zzz"]}}
		},
		"per_resource_settings": {
			"/slow": {"producer_timing_delay": 2, "max_async_resource_creation_time": 45}
		}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "10.0.0.5", cfg.TargetIP)
	assert.Equal(t, 8888, cfg.TargetPort)
	assert.True(t, cfg.NoSSL)
	assert.Equal(t, 90*time.Minute, cfg.TimeBudget())
	assert.Equal(t, 30*time.Second, cfg.MaxRequestExecutionTime())
	assert.Equal(t, 4, cfg.FuzzingJobs)

	// Defaults survive under the file.
	assert.Equal(t, 20, cfg.MaxCombinations)
	assert.Equal(t, 100, cfg.MaxObjectsPerType)

	assert.Equal(t, "exhaustive", cfg.CheckerMode("namespace"))
	assert.True(t, cfg.CheckerEnabled("namespace", false))
	arg, ok := cfg.CheckerArg("invaliddynamicobject", "no_defaults")
	assert.True(t, ok)
	assert.Equal(t, true, arg)

	assert.Equal(t, 2*time.Second, cfg.ProducerTimingDelay("/slow"))
	assert.Equal(t, 45*time.Second, cfg.MaxAsyncWait("/slow"))
	assert.Equal(t, time.Duration(0), cfg.MaxAsyncWait("/fast"))
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeSettings(t, `{"grammar_file": "g.json", "target_port": 80}`)
	t.Setenv("RESTFUZZ_TARGET_PORT", "9999")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.TargetPort)
}

func TestLoad_NestedEnvKey(t *testing.T) {
	t.Setenv("RESTFUZZ_AUTHENTICATION__TOKEN_REFRESH_CMD", "get-token.sh")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "get-token.sh", cfg.Authentication.TokenCommand)
}

func TestLoad_YAMLByExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"grammar_file: g.json\ntarget_port: 7001\nno_ssl: true\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7001, cfg.TargetPort)
	assert.True(t, cfg.NoSSL)
}

func TestLoadCheckerOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"useafterfree:\n  mode: exhaustive\nnamespace:\n  enabled: true\n"), 0o644))

	cfg := Default()
	require.NoError(t, LoadCheckerOverrides(cfg, path))

	assert.Equal(t, "exhaustive", cfg.CheckerMode("useafterfree"))
	assert.True(t, cfg.CheckerEnabled("namespace", false))

	require.Error(t, LoadCheckerOverrides(cfg, "/missing.yaml"))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.json")
	require.Error(t, err)
}

func TestValidate_Rules(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Validate(), "grammar_file is required")

	cfg.GrammarFile = "g.json"
	require.NoError(t, cfg.Validate())

	cfg.Checkers = map[string]CheckerSettings{"useafterfree": {Mode: "bogus"}}
	require.Error(t, cfg.Validate())
}

func TestObjectCap_PerTypeOverride(t *testing.T) {
	cfg := Default()
	cfg.MaxObjectsPerType = 10
	cfg.ObjectCaps = map[string]int{"_put_big": 1}

	assert.Equal(t, 1, cfg.ObjectCap("_put_big"))
	assert.Equal(t, 10, cfg.ObjectCap("_put_other"))
}

func TestCheckerEnabled_Defaults(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.CheckerEnabled("useafterfree", true))
	assert.False(t, cfg.CheckerEnabled("namespace", false))

	off := false
	cfg.Checkers = map[string]CheckerSettings{"useafterfree": {Enabled: &off}}
	assert.False(t, cfg.CheckerEnabled("useafterfree", true))
}
