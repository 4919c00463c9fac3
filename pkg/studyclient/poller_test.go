package studyclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// scriptedAPI serves a canned sequence of status snapshots; the last one
// repeats once the script runs out. Run calls are counted, not scripted.
type scriptedAPI struct {
	mu          sync.Mutex
	snapshots   []JobSnapshot
	statusCalls int
	runCalls    int
	// statusFailures makes the first N status calls return a 500.
	statusFailures int
}

func (s *scriptedAPI) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/run"):
			s.runCalls++
			w.WriteHeader(http.StatusAccepted)
			json.NewEncoder(w).Encode(s.current())
		case r.Method == http.MethodGet:
			s.statusCalls++
			if s.statusCalls <= s.statusFailures {
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"error":{"code":"internal_error","message":"boom"}}`))
				return
			}
			snap := s.current()
			if len(s.snapshots) > 1 {
				s.snapshots = s.snapshots[1:]
			}
			json.NewEncoder(w).Encode(snap)
		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"code":"not_found","message":"no such route"}}`))
		}
	}
}

func (s *scriptedAPI) current() JobSnapshot {
	if len(s.snapshots) == 0 {
		return JobSnapshot{JobID: "job-1", Status: StatusProcessing, Stage: "generating"}
	}
	return s.snapshots[0]
}

// newScriptedClient wires a Client with a recording fake sleep against the
// scripted server.
func newScriptedClient(t *testing.T, api *scriptedAPI) (*Client, *[]time.Duration) {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	var delays []time.Duration
	c := New(srv.URL, WithAdminToken("test-token"))
	c.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return c, &delays
}

func processing(stage string, progress int) JobSnapshot {
	return JobSnapshot{JobID: "job-1", Status: StatusProcessing, Stage: stage, Progress: progress}
}

func TestPollUntilDone_Completes(t *testing.T) {
	api := &scriptedAPI{snapshots: []JobSnapshot{
		processing("uploading", 20),
		processing("generating", 70),
		{JobID: "job-1", Status: StatusCompleted, Progress: 100, ResultURL: "https://signed.test/results/job-1.md"},
	}}
	c, delays := newScriptedClient(t, api)

	snap, err := c.PollUntilDone(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("PollUntilDone failed: %v", err)
	}
	if snap.Status != StatusCompleted || snap.ResultURL == "" {
		t.Errorf("snapshot = %+v, want completed with a result URL", snap)
	}

	// One initial run, no re-drives while the worker owns the job.
	if api.runCalls != 1 {
		t.Errorf("run calls = %d, want 1", api.runCalls)
	}
	want := []time.Duration{time.Second, 1500 * time.Millisecond}
	if len(*delays) != len(want) {
		t.Fatalf("delays = %v, want %v", *delays, want)
	}
	for i := range want {
		if (*delays)[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, (*delays)[i], want[i])
		}
	}
}

func TestPollUntilDone_BackoffCapsAtMax(t *testing.T) {
	script := make([]JobSnapshot, 0, 10)
	for i := 0; i < 9; i++ {
		script = append(script, processing("generating", 70))
	}
	script = append(script, JobSnapshot{JobID: "job-1", Status: StatusCompleted, Progress: 100})
	api := &scriptedAPI{snapshots: script}
	c, delays := newScriptedClient(t, api)

	if _, err := c.PollUntilDone(context.Background(), "job-1"); err != nil {
		t.Fatalf("PollUntilDone failed: %v", err)
	}

	want := []time.Duration{
		1000 * time.Millisecond,
		1500 * time.Millisecond,
		2250 * time.Millisecond,
		3375 * time.Millisecond,
		5062500 * time.Microsecond,
		7593750 * time.Microsecond,
		8 * time.Second,
		8 * time.Second,
		8 * time.Second,
	}
	if len(*delays) != len(want) {
		t.Fatalf("got %d delays (%v), want %d", len(*delays), *delays, len(want))
	}
	for i := range want {
		if (*delays)[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, (*delays)[i], want[i])
		}
	}
}

func TestPollUntilDone_RedrivesAfterDispatchFailure(t *testing.T) {
	requeued := JobSnapshot{
		JobID: "job-1", Status: StatusQueued, Stage: StageQueued,
		Error: &JobError{Code: "dispatch_failed", Message: "could not hand the job to a worker"},
	}
	api := &scriptedAPI{snapshots: []JobSnapshot{
		requeued,
		requeued,
		processing("generating", 70),
		{JobID: "job-1", Status: StatusCompleted, Progress: 100},
	}}
	c, _ := newScriptedClient(t, api)

	snap, err := c.PollUntilDone(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("PollUntilDone failed: %v", err)
	}
	if snap.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", snap.Status)
	}
	// Initial run plus one re-drive per queued snapshot.
	if api.runCalls != 3 {
		t.Errorf("run calls = %d, want 3", api.runCalls)
	}
}

func TestPollUntilDone_TransientRetryCodesKeepPolling(t *testing.T) {
	api := &scriptedAPI{snapshots: []JobSnapshot{
		{JobID: "job-1", Status: StatusQueued, Stage: StageQueued,
			Error: &JobError{Code: "overloaded_retry", Message: "provider overloaded"}},
		{JobID: "job-1", Status: StatusQueued, Stage: StageQueued,
			Error: &JobError{Code: "generation_retry", Message: "timed out"}},
		processing("generating", 70),
		{JobID: "job-1", Status: StatusCompleted, Progress: 100},
	}}
	c, _ := newScriptedClient(t, api)

	if _, err := c.PollUntilDone(context.Background(), "job-1"); err != nil {
		t.Fatalf("retryable codes must not end the poll, got %v", err)
	}
}

func TestPollUntilDone_TerminalFailure(t *testing.T) {
	api := &scriptedAPI{snapshots: []JobSnapshot{
		processing("generating", 70),
		{JobID: "job-1", Status: StatusFailed,
			Error: &JobError{Code: "transcript_missing", Message: "no transcript section"}},
	}}
	c, _ := newScriptedClient(t, api)

	snap, err := c.PollUntilDone(context.Background(), "job-1")
	var failed *JobFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("error = %v, want JobFailedError", err)
	}
	if failed.JobError.Code != "transcript_missing" {
		t.Errorf("failure code = %s, want transcript_missing", failed.JobError.Code)
	}
	if snap == nil || snap.Status != StatusFailed {
		t.Errorf("snapshot = %+v, want the failed snapshot alongside the error", snap)
	}
}

func TestPollUntilDone_NonTransientCodeEndsEarly(t *testing.T) {
	api := &scriptedAPI{snapshots: []JobSnapshot{
		{JobID: "job-1", Status: StatusQueued, Stage: StageQueued,
			Error: &JobError{Code: "internal_error", Message: "unexpected"}},
	}}
	c, delays := newScriptedClient(t, api)

	_, err := c.PollUntilDone(context.Background(), "job-1")
	var failed *JobFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("error = %v, want JobFailedError", err)
	}
	if len(*delays) != 0 {
		t.Errorf("poller slept %d times before giving up on a dead job, want 0", len(*delays))
	}
}

func TestPollUntilDone_AbsorbsStatusOutages(t *testing.T) {
	api := &scriptedAPI{
		statusFailures: 3,
		snapshots: []JobSnapshot{
			{JobID: "job-1", Status: StatusCompleted, Progress: 100},
		},
	}
	c, _ := newScriptedClient(t, api)

	snap, err := c.PollUntilDone(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("PollUntilDone failed: %v", err)
	}
	if snap.Status != StatusCompleted {
		t.Errorf("status = %s, want completed after the outage", snap.Status)
	}
	if api.statusCalls != 4 {
		t.Errorf("status calls = %d, want 4", api.statusCalls)
	}
}

func TestPollUntilDone_Timeout(t *testing.T) {
	api := &scriptedAPI{snapshots: []JobSnapshot{processing("generating", 70)}}
	c, delays := newScriptedClient(t, api)

	_, err := c.PollUntilDone(context.Background(), "job-1")
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("error = %v, want ErrPollTimeout", err)
	}
	if len(*delays) != pollMaxAttempts {
		t.Errorf("slept %d times, want %d", len(*delays), pollMaxAttempts)
	}
	if last := (*delays)[len(*delays)-1]; last != pollMaxDelay {
		t.Errorf("final delay = %v, want the %v cap", last, pollMaxDelay)
	}
}

func TestClient_ErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":"not_found","message":"Job not found"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	_, err := c.Status(context.Background(), "missing")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "not_found" || apiErr.Message != "Job not found" {
		t.Errorf("APIError = %+v", apiErr)
	}
}

func TestClient_DemoCodeInjection(t *testing.T) {
	var gotBody CreateJobRequest
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			json.NewDecoder(r.Body).Decode(&gotBody)
			json.NewEncoder(w).Encode(map[string]string{"jobId": "job-1"})
			return
		}
		gotQuery = r.URL.Query().Get("demoCode")
		json.NewEncoder(w).Encode(JobSnapshot{JobID: "job-1", Status: StatusQueued})
	}))
	defer srv.Close()

	c := New(srv.URL, WithDemoCode("CLASS2026"))

	id, err := c.CreateJob(context.Background(), &CreateJobRequest{
		Audio: &MediaRef{ObjectRef: "uploads/a.mp3", MimeType: "audio/mpeg"},
	})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if id != "job-1" {
		t.Errorf("jobId = %s", id)
	}
	if gotBody.DemoCode != "CLASS2026" {
		t.Errorf("create body demoCode = %q, want the client default", gotBody.DemoCode)
	}

	if _, err := c.Status(context.Background(), "job-1"); err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if gotQuery != "CLASS2026" {
		t.Errorf("status query demoCode = %q, want the client default", gotQuery)
	}
}
