// The main package for the quarry executable.
package main

import (
	"github.com/quarrydata/quarry/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
