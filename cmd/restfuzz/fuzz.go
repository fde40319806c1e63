package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/praetorian-inc/restfuzz/pkg/auth"
	"github.com/praetorian-inc/restfuzz/pkg/dictionary"
	"github.com/praetorian-inc/restfuzz/pkg/engine"
	"github.com/praetorian-inc/restfuzz/pkg/grammar"
	"github.com/praetorian-inc/restfuzz/pkg/logging"
	"github.com/praetorian-inc/restfuzz/pkg/settings"
)

// errInvalidConfig marks configuration failures that must exit with the
// configuration-error code.
var errInvalidConfig = errors.New("invalid configuration")

func (f *FuzzCmd) execute() error {
	level := logging.ParseLevel(os.Getenv("RESTFUZZ_LOG_LEVEL"))
	if CLI.Debug || f.Verbose {
		level = slog.LevelDebug
	}
	logging.Configure(level, "text", os.Stderr)

	cfg, err := f.loadSettings()
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidConfig, err)
	}

	collection, err := grammar.Load(cfg.GrammarFile)
	if err != nil {
		return fmt.Errorf("%w: %v", errInvalidConfig, err)
	}

	var dict *dictionary.Dictionary
	if cfg.DictionaryFile != "" {
		dict, err = dictionary.LoadDictionary(cfg.DictionaryFile)
		if err != nil {
			return err
		}
	}
	pool := dictionary.NewPool(dict)
	pool.PerKindBudget = cfg.MaxCombinations

	var tokenSource auth.TokenSource
	if cmd := cfg.Authentication.TokenCommand; cmd != "" {
		tokenSource = commandTokenSource(cmd)
	}

	eng, err := engine.New(cfg, collection, pool, tokenSource)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting fuzzing run",
		"target", fmt.Sprintf("%s:%d", cfg.TargetIP, cfg.TargetPort),
		"requests", collection.Size(),
		"workers", cfg.FuzzingJobs)

	if err := eng.Run(ctx); err != nil {
		return err
	}

	for origin, count := range eng.Buckets().NumBugBuckets() {
		slog.Info("bug bucket", "origin", origin, "count", count)
	}
	return nil
}

// loadSettings merges the settings file with CLI flag overrides.
func (f *FuzzCmd) loadSettings() (*settings.Settings, error) {
	cfg, err := settings.Load(f.SettingsFile)
	if err != nil {
		return nil, err
	}

	if f.GrammarFile != "" {
		cfg.GrammarFile = f.GrammarFile
	}
	if f.DictionaryFile != "" {
		cfg.DictionaryFile = f.DictionaryFile
	}
	if f.TargetIP != "" {
		cfg.TargetIP = f.TargetIP
	}
	if f.TargetPort != 0 {
		cfg.TargetPort = f.TargetPort
	}
	if f.NoSSL {
		cfg.NoSSL = true
	}
	if f.TimeBudget != 0 {
		cfg.TimeBudgetHours = f.TimeBudget
	}
	if f.FuzzingJobs != 0 {
		cfg.FuzzingJobs = f.FuzzingJobs
	}
	if f.LogsDir != "" {
		cfg.LogsDir = f.LogsDir
	}
	if f.CheckerConfig != "" {
		if err := settings.LoadCheckerOverrides(cfg, f.CheckerConfig); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// commandTokenSource runs an external command whose stdout follows the
// token source contract.
func commandTokenSource(command string) auth.TokenSource {
	return auth.TokenSourceFunc(func(ctx context.Context) (string, error) {
		parts := strings.Fields(command)
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		out, err := cmd.Output()
		if err != nil {
			return "", fmt.Errorf("token command: %w", err)
		}
		return string(out), nil
	})
}
