// The main package for the regcrawler executable.
package main

import (
	"os"

	"github.com/JakeFAU/regcrawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	os.Exit(cmd.Execute())
}
