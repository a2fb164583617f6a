// The main package for the webspider executable.
package main

import (
	"github.com/JakeFAU/webspider/cmd"
)

// main is the entry point of the application.
// It defers all execution to the Cobra CLI library.
func main() {
	cmd.Execute()
}
