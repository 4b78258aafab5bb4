package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/openneutron/aonp/internal/store"
)

// cmdStatus prints a run's current state, and with --follow streams its
// event feed until the run reaches a terminal status.
func cmdStatus(args []string) int {
	var runID string
	var serverAddr string
	var follow bool
	var raw bool

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
		case "--follow":
			follow = true
		case "--raw":
			raw = true
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}
	if runID == "" {
		usage()
		return 1
	}

	base := serverBase(serverAddr)
	var run store.Run
	if err := getJSON(base+"/runs/"+runID, &run); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	printRun(os.Stdout, run)

	if !follow || run.Status.Terminal() {
		if run.Status == store.StatusSucceeded {
			printSummary(base, runID)
		}
		return exitCodeFor(run.Status)
	}

	if code := followEvents(base, runID, os.Stdout, raw); code != 0 {
		return code
	}

	// Re-fetch the final state after the stream ends.
	if err := getJSON(base+"/runs/"+runID, &run); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	printRun(os.Stdout, run)
	if run.Status == store.StatusSucceeded {
		printSummary(base, runID)
	}
	return exitCodeFor(run.Status)
}

func printRun(w io.Writer, run store.Run) {
	fmt.Fprintf(w, "run_id=%s\n", run.RunID)
	fmt.Fprintf(w, "status=%s\n", run.Status)
	fmt.Fprintf(w, "phase=%s\n", run.Phase)
	fmt.Fprintf(w, "attempt=%d\n", run.Attempt)
	if run.Error != nil {
		fmt.Fprintf(w, "error_type=%s\n", run.Error.Type)
		fmt.Fprintf(w, "error=%s\n", run.Error.Message)
	}
}

func printSummary(base, runID string) {
	var sum store.Summary
	if err := getJSON(base+"/runs/"+runID+"/summary", &sum); err != nil {
		return
	}
	fmt.Printf("keff=%g\n", sum.Keff)
	fmt.Printf("keff_std=%g\n", sum.KeffStd)
	fmt.Printf("keff_uncertainty_pcm=%g\n", sum.KeffUncertaintyPCM)
}

func exitCodeFor(status store.Status) int {
	if status == store.StatusFailed {
		return 1
	}
	return 0
}

// followEvents consumes the run's SSE feed line by line until the server
// signals completion or the connection drops.
func followEvents(base, runID string, w io.Writer, raw bool) int {
	resp, err := http.Get(base + "/runs/" + runID + "/events")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "HTTP %d\n", resp.StatusCode)
		return 1
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "event: done":
			return 0
		case strings.HasPrefix(line, "data: "):
			printEventLine(w, strings.TrimPrefix(line, "data: "), raw)
		}
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func printEventLine(w io.Writer, data string, raw bool) {
	if raw {
		fmt.Fprintln(w, data)
		return
	}
	var ev store.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		fmt.Fprintln(w, data)
		return
	}
	formatted := formatRunEvent(ev)
	if formatted == "" {
		return
	}
	fmt.Fprintln(w, formatted)
}

// formatRunEvent renders one event for human consumption. Empty output means
// the event is suppressed in formatted mode.
func formatRunEvent(ev store.Event) string {
	ts := ev.TS.Format("15:04:05")
	switch ev.Type {
	case store.EventStdoutLine:
		stream, _ := ev.Payload["stream"].(string)
		line, _ := ev.Payload["line"].(string)
		if stream == "stderr" {
			return fmt.Sprintf("%s | solver! | %s", ts, line)
		}
		return fmt.Sprintf("%s | solver  | %s", ts, line)
	case store.EventPhaseChanged:
		phase, _ := ev.Payload["phase"].(string)
		return fmt.Sprintf("%s | %-13s | %s", ts, ev.Type, phase)
	case store.EventRunClaimed:
		worker, _ := ev.Payload["worker_id"].(string)
		return fmt.Sprintf("%s | %-13s | %s", ts, ev.Type, worker)
	case store.EventLeaseRenewed:
		return ""
	default:
		return fmt.Sprintf("%s | %s", ts, ev.Type)
	}
}
