package main

import (
	"bytes"
	"fmt"
	"os"
)

// cmdSubmit posts a study document and prints the new run's identity.
func cmdSubmit(args []string) int {
	var filePath string
	var serverAddr string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--file":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--file requires a value")
				return 1
			}
			filePath = args[i]
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
	if filePath == "" {
		usage()
		return 1
	}

	doc, err := os.ReadFile(filePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	var out struct {
		RunID    string `json:"run_id"`
		SpecHash string `json:"spec_hash"`
		Status   string `json:"status"`
	}
	if err := postJSON(serverBase(serverAddr)+"/studies", "application/yaml", bytes.NewReader(doc), &out); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Printf("run_id=%s\n", out.RunID)
	fmt.Printf("spec_hash=%s\n", out.SpecHash)
	fmt.Printf("status=%s\n", out.Status)
	return 0
}
