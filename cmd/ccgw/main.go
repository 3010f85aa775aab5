// Ccgw is a self-hosted LLM gateway that fronts Anthropic-native and
// OpenAI-compatible providers behind one local endpoint.
package main

import (
	"flag"
	"fmt"
	"os"
)

var version = "dev"

func main() {
	home := flag.String("home", "", "gateway home directory (default $CC_GW_HOME or $HOME/.cc-gw)")
	port := flag.Int("port", 0, "listen port override (default from config, env PORT)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("cc-gw", version)
		os.Exit(0)
	}

	if err := run(*home, *port); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
