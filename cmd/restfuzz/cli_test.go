package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuzzCmd_Validate(t *testing.T) {
	cmd := &FuzzCmd{}
	require.Error(t, cmd.Validate(), "grammar or settings file is required")

	cmd = &FuzzCmd{GrammarFile: "g.json"}
	assert.NoError(t, cmd.Validate())

	cmd = &FuzzCmd{SettingsFile: "s.json"}
	assert.NoError(t, cmd.Validate())
}

func TestFuzzCmd_LoadSettingsFlagOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"grammar_file": "from-file.json",
		"target_ip": "10.0.0.1",
		"fuzzing_jobs": 2
	}`), 0o644))

	cmd := &FuzzCmd{
		SettingsFile: path,
		TargetIP:     "10.0.0.2",
		FuzzingJobs:  8,
	}
	cfg, err := cmd.loadSettings()
	require.NoError(t, err)

	assert.Equal(t, "from-file.json", cfg.GrammarFile)
	assert.Equal(t, "10.0.0.2", cfg.TargetIP, "CLI flag wins over the settings file")
	assert.Equal(t, 8, cfg.FuzzingJobs)
}

func TestFuzzCmd_LoadSettingsRequiresGrammar(t *testing.T) {
	cmd := &FuzzCmd{SettingsFile: ""}
	_, err := cmd.loadSettings()
	require.Error(t, err, "no grammar from flags or file")
}

func TestListCapabilities(t *testing.T) {
	// Checkers self-register via the blank imports in main.go; the list
	// command runs without error with them registered.
	assert.NoError(t, (&ListCmd{}).Run())
}
