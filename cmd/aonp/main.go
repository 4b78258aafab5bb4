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
		os.Exit(cmdServe(os.Args[2:]))
	case "worker":
		os.Exit(cmdWorker(os.Args[2:]))
	case "submit":
		os.Exit(cmdSubmit(os.Args[2:]))
	case "status":
		os.Exit(cmdStatus(os.Args[2:]))
	case "runs":
		os.Exit(cmdRuns(os.Args[2:]))
	case "cancel":
		os.Exit(cmdCancel(os.Args[2:]))
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  aonp serve [--addr <host:port>] [--with-worker] [--memory]")
	fmt.Fprintln(os.Stderr, "  aonp worker")
	fmt.Fprintln(os.Stderr, "  aonp submit --file <study.yaml> [--server <host:port>]")
	fmt.Fprintln(os.Stderr, "  aonp status --run <id> [--follow] [--raw] [--server <host:port>]")
	fmt.Fprintln(os.Stderr, "  aonp runs [--status <status>] [--spec-hash <hash>] [--limit <n>] [--server <host:port>]")
	fmt.Fprintln(os.Stderr, "  aonp cancel --run <id> [--server <host:port>]")
}
