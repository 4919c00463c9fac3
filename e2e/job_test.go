package e2e

import (
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/lecturelab/api/internal/client"
)

func audioJobBody(ta *testApp, t *testing.T) string {
	t.Helper()
	ref := ta.seedUpload(t, "uploads/lecture.mp3", "audio/mpeg")
	return fmt.Sprintf(`{"audio": {"objectRef": "%s", "mimeType": "audio/mpeg"}}`, ref)
}

func createJob(t *testing.T, ta *testApp, body string) string {
	t.Helper()
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs", body)
	if err != nil {
		t.Fatalf("create request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusCreated)
	result := parseJSON(t, resp)
	jobID, _ := result["jobId"].(string)
	if jobID == "" {
		t.Fatalf("expected 'jobId' in response, got %v", result)
	}
	if result["status"] != "queued" {
		t.Errorf("expected status 'queued', got %v", result["status"])
	}
	return jobID
}

func TestJobFlow_Completes(t *testing.T) {
	ta := setupApp(t)
	jobID := createJob(t, ta, audioJobBody(ta, t))

	// Jobs run inline in this harness, so one run call carries the job all
	// the way; the run response is the pre-dispatch snapshot.
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs/"+jobID+"/run", "")
	if err != nil {
		t.Fatalf("run request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)
	readBody(t, resp)

	resp, err = doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/"+jobID, "")
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	status := parseJSON(t, resp)
	if status["status"] != "completed" {
		t.Fatalf("expected status 'completed', got %v (error: %v)", status["status"], status["error"])
	}
	if status["progress"] != float64(100) {
		t.Errorf("expected progress 100, got %v", status["progress"])
	}
	if status["resultUrl"] == nil || status["resultUrl"] == "" {
		t.Error("expected 'resultUrl' on a completed job")
	}

	resp, err = doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/"+jobID+"/result", "")
	if err != nil {
		t.Fatalf("result request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	result := parseJSON(t, resp)
	if !strings.Contains(fmt.Sprint(result["studyGuide"]), "Key concepts") {
		t.Errorf("unexpected studyGuide: %v", result["studyGuide"])
	}
	if !strings.Contains(fmt.Sprint(result["transcript"]), "lecture transcript") {
		t.Errorf("unexpected transcript: %v", result["transcript"])
	}
}

func TestJobFlow_InlineSeparatorOutput(t *testing.T) {
	ta := setupApp(t)
	// Providers sometimes emit the separator tokens with no newlines at
	// all; the job must still complete.
	ta.generator.text = "===STUDY_GUIDE===G===TRANSCRIPT===T"
	jobID := createJob(t, ta, audioJobBody(ta, t))

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs/"+jobID+"/run", "")
	if err != nil {
		t.Fatalf("run request failed: %v", err)
	}
	readBody(t, resp)

	resp, err = doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/"+jobID, "")
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	status := parseJSON(t, resp)
	if status["status"] != "completed" {
		t.Fatalf("expected status 'completed', got %v (error: %v)", status["status"], status["error"])
	}

	resp, err = doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/"+jobID+"/result", "")
	if err != nil {
		t.Fatalf("result request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	result := parseJSON(t, resp)
	if result["studyGuide"] != "G" || result["transcript"] != "T" {
		t.Errorf("sections = %v / %v, want G / T", result["studyGuide"], result["transcript"])
	}
}

func TestJobCreate_NoCredentials(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, http.MethodPost, "/api/jobs", audioJobBody(ta, t), nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusUnauthorized)
}

func TestJobCreate_NoMedia(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs", `{}`)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestJobCreate_BadObjectRef(t *testing.T) {
	ta := setupApp(t)

	body := `{"audio": {"objectRef": "uploads/../secrets/key", "mimeType": "audio/mpeg"}}`
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestJobStatus_NotFound(t *testing.T) {
	ta := setupApp(t)

	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/no-such-job", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusNotFound)
}

func TestJobResult_NotReady(t *testing.T) {
	ta := setupApp(t)
	jobID := createJob(t, ta, audioJobBody(ta, t))

	resp, err := doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/"+jobID+"/result", "")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)
	result := parseJSON(t, resp)
	errObj, _ := result["error"].(map[string]interface{})
	if errObj["code"] != "JOB_NOT_READY" {
		t.Errorf("expected error code JOB_NOT_READY, got %v", errObj["code"])
	}
}

func TestJobFlow_OverloadThenRetrySucceeds(t *testing.T) {
	ta := setupApp(t)
	ta.generator.generateErrs = []error{
		&client.APIError{Status: 503, Message: "The model is overloaded"},
	}
	jobID := createJob(t, ta, audioJobBody(ta, t))

	// First run hits the overload; the job goes back to the queue with a
	// transient code, which is the poller's cue to run it again.
	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs/"+jobID+"/run", "")
	if err != nil {
		t.Fatalf("run request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)
	readBody(t, resp)

	resp, err = doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/"+jobID, "")
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	status := parseJSON(t, resp)
	if status["status"] != "queued" {
		t.Fatalf("expected status 'queued' after overload, got %v", status["status"])
	}
	errObj, _ := status["error"].(map[string]interface{})
	if errObj["code"] != "overloaded_retry" {
		t.Errorf("expected error code overloaded_retry, got %v", errObj["code"])
	}

	resp, err = doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs/"+jobID+"/run", "")
	if err != nil {
		t.Fatalf("second run request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)
	readBody(t, resp)

	resp, err = doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/"+jobID, "")
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	status = parseJSON(t, resp)
	if status["status"] != "completed" {
		t.Fatalf("expected status 'completed' after retry, got %v (error: %v)", status["status"], status["error"])
	}
	if status["attempts"] != float64(2) {
		t.Errorf("expected 2 attempts, got %v", status["attempts"])
	}
}

func TestJobFlow_TranscriptMissing(t *testing.T) {
	ta := setupApp(t)
	ta.generator.text = "===STUDY_GUIDE===\nguide without a transcript"
	jobID := createJob(t, ta, audioJobBody(ta, t))

	resp, err := doAuthRequest(t, ta.app, http.MethodPost, "/api/jobs/"+jobID+"/run", "")
	if err != nil {
		t.Fatalf("run request failed: %v", err)
	}
	readBody(t, resp)

	resp, err = doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/"+jobID, "")
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	status := parseJSON(t, resp)
	if status["status"] != "failed" {
		t.Fatalf("expected status 'failed', got %v", status["status"])
	}
	errObj, _ := status["error"].(map[string]interface{})
	if errObj["code"] != "transcript_missing" {
		t.Errorf("expected error code transcript_missing, got %v", errObj["code"])
	}

	resp, err = doAuthRequest(t, ta.app, http.MethodGet, "/api/jobs/"+jobID+"/result", "")
	if err != nil {
		t.Fatalf("result request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusBadRequest)
	result := parseJSON(t, resp)
	resErr, _ := result["error"].(map[string]interface{})
	if resErr["code"] != "JOB_FAILED" {
		t.Errorf("expected error code JOB_FAILED, got %v", resErr["code"])
	}
}

func TestJobFlow_DemoAccess(t *testing.T) {
	ta := setupApp(t)

	body := fmt.Sprintf(`{"audio": {"objectRef": "%s", "mimeType": "audio/mpeg"}, "demoCode": "%s"}`,
		ta.seedUpload(t, "uploads/demo.mp3", "audio/mpeg"), testDemoCode)

	// No bearer token anywhere in this flow.
	resp, err := doRequest(ta.app, http.MethodPost, "/api/jobs", body, nil)
	if err != nil {
		t.Fatalf("create request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusCreated)
	jobID, _ := parseJSON(t, resp)["jobId"].(string)
	if jobID == "" {
		t.Fatal("expected 'jobId' in response")
	}

	runBody := fmt.Sprintf(`{"demoCode": "%s"}`, testDemoCode)
	resp, err = doRequest(ta.app, http.MethodPost, "/api/jobs/"+jobID+"/run", runBody, nil)
	if err != nil {
		t.Fatalf("run request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusAccepted)
	readBody(t, resp)

	resp, err = doRequest(ta.app, http.MethodGet, "/api/jobs/"+jobID+"?demoCode="+testDemoCode, "", nil)
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusOK)
	status := parseJSON(t, resp)
	if status["status"] != "completed" {
		t.Fatalf("expected status 'completed', got %v (error: %v)", status["status"], status["error"])
	}

	// A different code cannot read someone else's job.
	resp, err = doRequest(ta.app, http.MethodGet, "/api/jobs/"+jobID+"?demoCode=OTHER", "", nil)
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusForbidden)
}

func TestJobCreate_DemoQuotaExhausted(t *testing.T) {
	ta := setupApp(t)

	body := fmt.Sprintf(`{"audio": {"objectRef": "%s", "mimeType": "audio/mpeg"}, "demoCode": "%s"}`,
		ta.seedUpload(t, "uploads/demo.mp3", "audio/mpeg"), testDemoCode)

	// The code is seeded with two uses.
	for i := 0; i < 2; i++ {
		resp, err := doRequest(ta.app, http.MethodPost, "/api/jobs", body, nil)
		if err != nil {
			t.Fatalf("create #%d failed: %v", i+1, err)
		}
		assertStatus(t, resp, http.StatusCreated)
		readBody(t, resp)
	}

	resp, err := doRequest(ta.app, http.MethodPost, "/api/jobs", body, nil)
	if err != nil {
		t.Fatalf("create request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusForbidden)
}

func TestJobCreate_UnknownDemoCode(t *testing.T) {
	ta := setupApp(t)

	body := fmt.Sprintf(`{"audio": {"objectRef": "%s", "mimeType": "audio/mpeg"}, "demoCode": "NOPE"}`,
		ta.seedUpload(t, "uploads/demo.mp3", "audio/mpeg"))

	resp, err := doRequest(ta.app, http.MethodPost, "/api/jobs", body, nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, http.StatusUnauthorized)
}
