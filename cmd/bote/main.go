// Command bote runs the plugin-driven chat bot and its admin tooling.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
