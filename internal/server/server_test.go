package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/openneutron/aonp/internal/config"
	"github.com/openneutron/aonp/internal/core"
	"github.com/openneutron/aonp/internal/store"
	"github.com/openneutron/aonp/internal/store/memory"
)

const studyDoc = `
name: pin-cell
materials:
  fuel:
    density: 10.4
    density_units: g/cm3
    temperature: 900
    nuclides:
      - { name: U235, fraction: 0.03, fraction_type: atom }
      - { name: U238, fraction: 0.27, fraction_type: atom }
      - { name: O16, fraction: 0.70, fraction_type: atom }
geometry:
  script: { path: geometry.py, entry: build }
settings:
  batches: 120
  inactive: 20
  particles: 10000
  seed: 42
nuclear_data:
  library: endfb80
  path: /data/endfb80/cross_sections.xml
`

func newTestServer(t *testing.T) (*httptest.Server, *core.Core, *memory.Store) {
	t.Helper()
	st := memory.New()
	c := core.New(config.Config{WorkerID: "w1", LeaseTTL: time.Minute}, st, nil)
	srv := New(Config{Addr: "127.0.0.1:0"}, c, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, c, st
}

func submit(t *testing.T, ts *httptest.Server, doc string) map[string]any {
	t.Helper()
	resp, err := http.Post(ts.URL+"/studies", "application/yaml", strings.NewReader(doc))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status: %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body
}

func TestHealth(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestSubmitAndGetRun(t *testing.T) {
	ts, _, _ := newTestServer(t)
	body := submit(t, ts, studyDoc)
	runID, _ := body["run_id"].(string)
	if !strings.HasPrefix(runID, "run-") {
		t.Fatalf("run_id: %v", body)
	}
	if body["status"] != "queued" || body["phase"] != "bundle" {
		t.Fatalf("submit body: %v", body)
	}

	resp, err := http.Get(ts.URL + "/runs/" + runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get run status: %d", resp.StatusCode)
	}
	var run store.Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.RunID != runID || run.Status != store.StatusQueued {
		t.Fatalf("run: %+v", run)
	}
}

func TestSubmitInvalidStudy(t *testing.T) {
	ts, _, _ := newTestServer(t)
	bad := strings.Replace(studyDoc, "density: 10.4", "density: -1", 1)
	resp, err := http.Post(ts.URL+"/studies", "application/yaml", strings.NewReader(bad))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var body ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Issues) == 0 {
		t.Fatalf("no issues reported: %+v", body)
	}
}

func TestGetRun_NotFoundAndBadID(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/runs/run-doesnotexist")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown run status: %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/runs/..%2F..%2Fetc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusNotFound {
		t.Fatalf("bad id status: %d", resp.StatusCode)
	}
}

func TestListRuns_Filter(t *testing.T) {
	ts, _, _ := newTestServer(t)
	submit(t, ts, studyDoc)
	submit(t, ts, studyDoc)

	resp, err := http.Get(ts.URL + "/runs?status=queued")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Runs []store.Run `json:"runs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Runs) != 2 {
		t.Fatalf("want 2 queued runs, got %d", len(body.Runs))
	}

	resp, err = http.Get(ts.URL + "/runs?status=succeeded")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Runs) != 0 {
		t.Fatalf("want 0 succeeded runs, got %d", len(body.Runs))
	}
}

func TestSummary_NotFoundUntilExtracted(t *testing.T) {
	ts, _, st := newTestServer(t)
	body := submit(t, ts, studyDoc)
	runID := body["run_id"].(string)

	resp, err := http.Get(ts.URL + "/runs/" + runID + "/summary")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("summary before extract: %d", resp.StatusCode)
	}

	if _, err := st.InsertSummary(context.Background(), store.Summary{
		RunID: runID, Keff: 1.18, KeffStd: 0.001, KeffUncertaintyPCM: 100,
		NBatches: 120, NInactive: 20, NParticles: 10000,
	}); err != nil {
		t.Fatalf("insert summary: %v", err)
	}
	resp, err = http.Get(ts.URL + "/runs/" + runID + "/summary")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("summary status: %d", resp.StatusCode)
	}
	var sum store.Summary
	if err := json.NewDecoder(resp.Body).Decode(&sum); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sum.Keff != 1.18 {
		t.Fatalf("summary: %+v", sum)
	}
}

func TestCancelRun_Idempotent(t *testing.T) {
	ts, _, _ := newTestServer(t)
	body := submit(t, ts, studyDoc)
	runID := body["run_id"].(string)

	resp, err := http.Post(ts.URL+"/runs/"+runID+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("cancel status: %d", resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["requested"] != true {
		t.Fatalf("first cancel: %v", out)
	}

	resp, err = http.Post(ts.URL+"/runs/"+runID+"/cancel", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out["requested"] != false {
		t.Fatalf("second cancel: %v", out)
	}
}

func TestCSRF_RejectsCrossOriginPost(t *testing.T) {
	ts, _, _ := newTestServer(t)
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/studies", strings.NewReader(studyDoc))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-origin status: %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/studies", strings.NewReader(studyDoc))
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("localhost origin status: %d", resp.StatusCode)
	}
}

func TestRunEvents_StreamsReplayLiveAndDone(t *testing.T) {
	ts, _, st := newTestServer(t)
	body := submit(t, ts, studyDoc)
	runID := body["run_id"].(string)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/runs/"+runID+"/events", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %q", ct)
	}

	lines := make(chan string, 64)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if line := sc.Text(); line != "" {
				lines <- line
			}
		}
		close(lines)
	}()

	readLine := func() string {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed early")
			}
			return line
		case <-time.After(5 * time.Second):
			t.Fatal("timed out reading stream")
		}
		return ""
	}

	// Replayed run_created first.
	first := readLine()
	if !strings.Contains(first, store.EventRunCreated) {
		t.Fatalf("first line: %q", first)
	}

	// Drive the run to completion; the release closes the stream with "done".
	if _, err := st.ClaimNext(context.Background(), "w1", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := st.ReleaseRun(context.Background(), store.ReleaseRequest{
		RunID: runID, WorkerID: "w1", Final: store.StatusFailed,
		Error: &store.ErrorInfo{Type: store.ErrorSolver, Message: "boom"},
	}); err != nil {
		t.Fatalf("release: %v", err)
	}

	sawDone := false
	for line := range lines {
		if strings.Contains(line, "event: done") {
			sawDone = true
			break
		}
	}
	if !sawDone {
		t.Fatal("no done event")
	}
}
