// The main package for the changemonitor executable.
package main

import (
	"github.com/JakeFAU/webpage-change-monitor/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
