package main

import (
	"fmt"

	"github.com/alecthomas/kong"
)

// CLI represents the restfuzz command-line interface.
var CLI struct {
	// Global flags
	Debug   bool       `help:"Enable debug mode." short:"d" env:"RESTFUZZ_DEBUG"`
	Version VersionCmd `cmd:"" help:"Print version information."`
	Help    HelpCmd    `cmd:"" hidden:"" default:"1"`
	List    ListCmd    `cmd:"" help:"List available checkers."`
	Fuzz    FuzzCmd    `cmd:"" help:"Run the stateful fuzzer against a REST API."`
}

// VersionCmd prints version information.
type VersionCmd struct{}

func (v *VersionCmd) Run() error {
	printVersion()
	return nil
}

// HelpCmd prints help.
type HelpCmd struct{}

func (h *HelpCmd) Run(ctx *kong.Context) error {
	// Print top-level help (application help), not help for the implicit
	// Help command.
	appCtx := *ctx
	if len(appCtx.Path) > 1 {
		appCtx.Path = appCtx.Path[:1]
	}
	return appCtx.PrintUsage(false)
}

// ListCmd lists available capabilities.
type ListCmd struct{}

func (l *ListCmd) Run() error {
	listCapabilities()
	return nil
}

// FuzzCmd runs the fuzzing engine.
type FuzzCmd struct {
	// Inputs
	GrammarFile    string `help:"Grammar file path." type:"existingfile" name:"grammar-file"`
	DictionaryFile string `help:"Mutations dictionary path." type:"existingfile" name:"dictionary-file"`
	SettingsFile   string `help:"Engine settings JSON path." type:"existingfile" name:"settings-file"`
	CheckerConfig  string `help:"Standalone YAML checker overrides." type:"existingfile" name:"checker-config"`

	// Connection overrides
	TargetIP   string `help:"Target IP address." name:"target-ip"`
	TargetPort int    `help:"Target port." name:"target-port"`
	NoSSL      bool   `help:"Disable TLS." name:"no-ssl"`

	// Execution overrides
	TimeBudget  float64 `help:"Time budget in hours." name:"time-budget"`
	FuzzingJobs int     `help:"Number of parallel fuzzing workers." name:"fuzzing-jobs"`

	// Output
	LogsDir string `help:"Logs directory." type:"path" name:"logs-dir"`
	Verbose bool   `help:"Verbose output." short:"v"`
}

func (f *FuzzCmd) Run() error {
	return f.execute()
}

func (f *FuzzCmd) Validate() error {
	if f.GrammarFile == "" && f.SettingsFile == "" {
		return fmt.Errorf("either --grammar-file or --settings-file is required")
	}
	return nil
}

// printVersion prints the version string.
func printVersion() {
	fmt.Printf("restfuzz %s\n", version)
}
