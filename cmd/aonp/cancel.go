package main

import (
	"fmt"
	"os"
)

// cmdCancel requests cooperative cancellation of a run.
func cmdCancel(args []string) int {
	var runID string
	var serverAddr string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--run":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--run requires a value")
				return 1
			}
			runID = args[i]
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
	if runID == "" {
		usage()
		return 1
	}

	var out struct {
		RunID     string `json:"run_id"`
		Requested bool   `json:"requested"`
	}
	if err := postJSON(serverBase(serverAddr)+"/runs/"+runID+"/cancel", "application/json", nil, &out); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("run_id=%s\n", out.RunID)
	fmt.Printf("requested=%t\n", out.Requested)
	return 0
}
