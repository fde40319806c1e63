package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"

	"github.com/praetorian-inc/restfuzz/pkg/dictionary"

	// Import for side effects: register all checkers via init().
	_ "github.com/praetorian-inc/restfuzz/internal/checkers/examples"
	_ "github.com/praetorian-inc/restfuzz/internal/checkers/invaliddynamicobject"
	_ "github.com/praetorian-inc/restfuzz/internal/checkers/leakage"
	_ "github.com/praetorian-inc/restfuzz/internal/checkers/namespace"
	_ "github.com/praetorian-inc/restfuzz/internal/checkers/payloadbody"
	_ "github.com/praetorian-inc/restfuzz/internal/checkers/resourcehierarchy"
	_ "github.com/praetorian-inc/restfuzz/internal/checkers/useafterfree"
)

func main() {
	// Parse with custom exit handler to enforce proper exit codes:
	// 0 = success, 1 = engine error, -1 = configuration/dictionary
	// error, 2 = validation/usage error
	ctx := kong.Parse(&CLI,
		kong.Name("restfuzz"),
		kong.Description("restfuzz - stateful REST API fuzzer"),
		kong.UsageOnError(),
		kong.Vars{"version": version},
		kong.Exit(func(code int) {
			if code != 0 {
				os.Exit(2)
			}
			os.Exit(0)
		}),
	)

	err := ctx.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, dictionary.ErrInvalidDictionary) || errors.Is(err, errInvalidConfig) {
			os.Exit(-1)
		}
		os.Exit(1)
	}
}
