package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/openneutron/aonp/internal/store"
)

// cmdRuns lists runs, optionally filtered by status or study hash.
func cmdRuns(args []string) int {
	var statusFilter string
	var specHash string
	var limit int
	var serverAddr string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--status":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--status requires a value")
				return 1
			}
			statusFilter = args[i]
		case "--spec-hash":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--spec-hash requires a value")
				return 1
			}
			specHash = args[i]
		case "--limit":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--limit requires a value")
				return 1
			}
			n, err := strconv.Atoi(args[i])
			if err != nil || n < 1 {
				fmt.Fprintf(os.Stderr, "--limit: invalid value %q\n", args[i])
				return 1
			}
			limit = n
		case "--server":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--server requires a value")
				return 1
			}
			serverAddr = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}

	q := url.Values{}
	if statusFilter != "" {
		q.Set("status", statusFilter)
	}
	if specHash != "" {
		q.Set("spec_hash", specHash)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	u := serverBase(serverAddr) + "/runs"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var out struct {
		Runs []store.Run `json:"runs"`
	}
	if err := getJSON(u, &out); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	for _, run := range out.Runs {
		fmt.Printf("%s  %-9s  %-7s  attempt=%d  %s\n",
			run.RunID, run.Status, run.Phase, run.Attempt, run.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return 0
}
