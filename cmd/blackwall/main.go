package main

import (
	"flag"
	"fmt"
	"os"
)

var (
	version   = "1.0.0"
	commit    = "dev"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(0)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "config":
		cmdConfig(os.Args[2:])
	case "version", "--version", "-V":
		printVersion(os.Stdout)
	case "help", "--help", "-h":
		printUsage(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(1)
	}
}

func printVersion(w *os.File) {
	fmt.Fprintf(w, "blackwall %s (commit %s, built %s)\n", version, commit, buildDate)
}

func printUsage(w *os.File) {
	fmt.Fprint(w, `blackwall — request security decision layer

Usage:
  blackwall serve [flags]     Start the engine, admin API and demo app
  blackwall config init       Write a default config file
  blackwall version           Print version information

Run "blackwall serve -h" for serve flags.
`)
}

func errorf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func cmdConfig(args []string) {
	if len(args) < 1 || args[0] != "init" {
		fmt.Fprintln(os.Stderr, "usage: blackwall config init [-path <file>]")
		os.Exit(1)
	}

	fs := flag.NewFlagSet("config init", flag.ExitOnError)
	path := fs.String("path", "configs/blackwall.yaml", "Where to write the config file")
	fs.Parse(args[1:])

	if _, err := os.Stat(*path); err == nil {
		errorf("refusing to overwrite existing config at %s", *path)
	}
	if err := writeDefaultConfig(*path); err != nil {
		errorf("writing config: %v", err)
	}
	fmt.Printf("wrote default config to %s\n", *path)
}
