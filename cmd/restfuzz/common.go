package main

import (
	"fmt"

	"github.com/praetorian-inc/restfuzz/pkg/checkers"
)

const version = "0.1.0"

func listCapabilities() {
	fmt.Println("Registered Capabilities")
	fmt.Println("=======================")
	fmt.Println()

	fmt.Printf("Checkers (%d):\n", checkers.Registry.Count())
	for _, name := range checkers.List() {
		fmt.Printf("  - %s\n", name)
	}
}
