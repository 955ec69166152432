// The main package for the sitemapcrawl executable.
package main

import (
	"github.com/JakeFAU/sitemap-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
