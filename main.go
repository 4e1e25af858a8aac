// The main package for the govbr-news-scraper executable.
package main

import (
	"github.com/destaquesgovbr/govbr-news-scraper/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
