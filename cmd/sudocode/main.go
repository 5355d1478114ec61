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
	case "serve":
		serve(os.Args[2:])
	case "merge":
		merge(os.Args[2:])
	case "export":
		export(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  sudocode serve [--addr :8437] [--dir <workdir>] [--local-repo <url>] [--log-level debug|info|warn|error]")
	fmt.Fprintln(os.Stderr, "  sudocode merge --base <file> --ours <file> --theirs <file> [--output <file>] [--kind issue|spec]")
	fmt.Fprintln(os.Stderr, "  sudocode export [--dir <workdir>]")
}
