package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "validate":
		validateCmd(os.Args[2:])
	case "resume":
		resumeCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  stepmill run --machine <file.json|file.yaml> [--config <run.yaml>] [--choose <node=target>]... [--checkpoint <file>]")
	fmt.Fprintln(os.Stderr, "  stepmill validate --machine <file.json|file.yaml>")
	fmt.Fprintln(os.Stderr, "  stepmill resume --checkpoint <file> [--config <run.yaml>] [--choose <node=target>]...")
}
