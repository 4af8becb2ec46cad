// The main package for the render-proxy executable.
package main

import (
	"github.com/JakeFAU/render-proxy/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
