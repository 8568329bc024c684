package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"vidatlas/internal/api"
	"vidatlas/internal/cache"
	"vidatlas/internal/config"
	"vidatlas/internal/dispatch"
	"vidatlas/internal/events"
	"vidatlas/internal/job"
	"vidatlas/internal/logging"
	"vidatlas/internal/pipeline"
	"vidatlas/internal/registry"
	"vidatlas/internal/testsupport"
)

// harness wires a real engine behind an httptest server so handler tests
// exercise the same route table production uses.
type harness struct {
	srv        *Server
	ts         *httptest.Server
	store      *registry.Store
	results    *cache.Store
	dispatcher *dispatch.Dispatcher
}

func newHarness(t *testing.T, cfg *config.Config, worker pipeline.Worker) *harness {
	t.Helper()

	store := testsupport.MustOpenStore(t, cfg)
	results := testsupport.MustOpenCache(t, cfg)
	hub := events.NewHub(cfg.Progress.SubscriberQueueSize, nil)
	t.Cleanup(hub.Shutdown)

	d, err := dispatch.NewWithNotifier(cfg, store, results, hub, worker, nil, logging.NewNop())
	if err != nil {
		t.Fatalf("dispatch.NewWithNotifier: %v", err)
	}
	t.Cleanup(d.Stop)

	srv, err := New(cfg, Deps{Dispatcher: d, Store: store, Cache: results, Hub: hub, Version: "test"}, logging.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.server.Handler)
	t.Cleanup(ts.Close)

	return &harness{srv: srv, ts: ts, store: store, results: results, dispatcher: d}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.dispatcher.Start(context.Background()); err != nil {
		t.Fatalf("dispatcher.Start: %v", err)
	}
}

func (h *harness) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := h.ts.Client().Get(h.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func (h *harness) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := h.ts.Client().Post(h.ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

// submit posts an analysis request and returns the decoded admission along
// with the HTTP status code.
func (h *harness) submit(t *testing.T, subjectID string) (api.AnalysisResponse, int) {
	t.Helper()
	resp := h.post(t, "/api/analyses", fmt.Sprintf(`{"subject_id": %q}`, subjectID))
	code := resp.StatusCode
	var adm api.AnalysisResponse
	decodeJSON(t, resp, &adm)
	return adm, code
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func errorBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body map[string]string
	decodeJSON(t, resp, &body)
	return body["error"]
}

func waitForStatus(t *testing.T, store *registry.Store, jobID string, want job.Status) *job.Job {
	t.Helper()

	var latest *job.Job
	testsupport.WaitFor(t, 5*time.Second, func() bool {
		j, err := store.GetByID(context.Background(), jobID)
		if err != nil || j == nil {
			return false
		}
		latest = j
		return j.Status == want
	}, "job "+jobID+" did not reach status "+string(want))
	return latest
}

// titleWorker completes in one phase and records the given title.
func titleWorker(title string) *testsupport.ScriptWorker {
	return &testsupport.ScriptWorker{PhaseList: []pipeline.Phase{
		{Name: "fetch", Run: func(ctx context.Context, st *pipeline.State) error {
			st.Result.Title = title
			st.Result.Places = []pipeline.Place{{Name: "Lisbon", Lat: 38.7, Lon: -9.1}}
			return nil
		}},
	}}
}

// holdWorker blocks inside its phase until release closes or the phase
// context ends.
func holdWorker(release <-chan struct{}) *testsupport.ScriptWorker {
	return &testsupport.ScriptWorker{PhaseList: []pipeline.Phase{
		{Name: "hold", Run: func(ctx context.Context, st *pipeline.State) error {
			st.Result.Title = "Held Analysis"
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}},
	}}
}

func TestSubmitAndPollLifecycle(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithWeights(map[string]int{"fetch": 100}))
	h := newHarness(t, cfg, titleWorker("Lisbon Tour"))
	h.start(t)

	adm, code := h.submit(t, "vid-100")
	if code != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202", code)
	}
	if adm.JobID == "" || adm.Cached || adm.Status != string(job.StatusQueued) {
		t.Fatalf("admission = %+v, want fresh queued job", adm)
	}

	waitForStatus(t, h.store, adm.JobID, job.StatusDone)

	resp := h.get(t, "/api/jobs/"+adm.JobID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("snapshot status = %d, want 200", resp.StatusCode)
	}
	var view api.JobView
	decodeJSON(t, resp, &view)
	if view.JobID != adm.JobID || view.SubjectID != "vid-100" {
		t.Errorf("snapshot identity = %s/%s, want %s/vid-100", view.JobID, view.SubjectID, adm.JobID)
	}
	if view.Status != string(job.StatusDone) || view.Progress != 100 {
		t.Errorf("snapshot = %s at %v%%, want done at 100%%", view.Status, view.Progress)
	}
	if view.Fingerprint == "" || !view.Cacheable {
		t.Errorf("snapshot fingerprint/cacheable = %q/%v, want populated and cacheable", view.Fingerprint, view.Cacheable)
	}
	if view.FinishedAt == "" {
		t.Error("snapshot missing finished_at timestamp")
	}
}

func TestSubmitServesCachedResult(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithWeights(map[string]int{"fetch": 100}))
	h := newHarness(t, cfg, titleWorker("Porto Walk"))
	h.start(t)

	adm, _ := h.submit(t, "vid-200")
	waitForStatus(t, h.store, adm.JobID, job.StatusDone)

	again, code := h.submit(t, "vid-200")
	if code != http.StatusOK {
		t.Fatalf("cache hit status = %d, want 200", code)
	}
	if !again.Cached || again.Status != string(job.StatusDone) {
		t.Fatalf("cache hit = %+v, want cached done", again)
	}
	if !strings.Contains(string(again.Result), "Porto Walk") {
		t.Errorf("cache hit payload = %s, want inline analysis result", again.Result)
	}
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithWeights(map[string]int{"fetch": 100}))
	h := newHarness(t, cfg, titleWorker("unused"))

	resp := h.post(t, "/api/analyses", "{not json")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", resp.StatusCode)
	}
	if msg := errorBody(t, resp); !strings.Contains(msg, "invalid request body") {
		t.Errorf("malformed body error = %q", msg)
	}

	resp = h.post(t, "/api/analyses", `{"subject_id": "   "}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank subject status = %d, want 400", resp.StatusCode)
	}
	if msg := errorBody(t, resp); !strings.Contains(msg, "subject id is required") {
		t.Errorf("blank subject error = %q", msg)
	}

	resp = h.get(t, "/api/analyses")
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET analyses status = %d, want 405", resp.StatusCode)
	}
}

func TestJobListFiltering(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithWeights(map[string]int{"fetch": 100}))
	h := newHarness(t, cfg, titleWorker("unused"))

	queued, _ := h.submit(t, "vid-list-a")
	canceled, _ := h.submit(t, "vid-list-b")
	resp := h.post(t, "/api/jobs/"+canceled.JobID+"/cancel", "")
	resp.Body.Close()

	resp = h.get(t, "/api/jobs")
	var all api.JobListResponse
	decodeJSON(t, resp, &all)
	if len(all.Jobs) != 2 {
		t.Fatalf("unfiltered list has %d jobs, want 2", len(all.Jobs))
	}

	resp = h.get(t, "/api/jobs?status=queued")
	var onlyQueued api.JobListResponse
	decodeJSON(t, resp, &onlyQueued)
	if len(onlyQueued.Jobs) != 1 || onlyQueued.Jobs[0].JobID != queued.JobID {
		t.Errorf("queued filter = %+v, want only %s", onlyQueued.Jobs, queued.JobID)
	}

	resp = h.get(t, "/api/jobs?status=canceled")
	var onlyCanceled api.JobListResponse
	decodeJSON(t, resp, &onlyCanceled)
	if len(onlyCanceled.Jobs) != 1 || onlyCanceled.Jobs[0].JobID != canceled.JobID {
		t.Errorf("canceled filter = %+v, want only %s", onlyCanceled.Jobs, canceled.JobID)
	}

	resp = h.get(t, "/api/jobs?status=bogus")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus filter status = %d, want 400", resp.StatusCode)
	}
	if msg := errorBody(t, resp); !strings.Contains(msg, `unknown status "bogus"`) {
		t.Errorf("bogus filter error = %q", msg)
	}
}

func TestSnapshotRateLimit(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithWeights(map[string]int{"fetch": 100}),
		testsupport.WithRateLimit(1, 1))
	h := newHarness(t, cfg, titleWorker("unused"))

	adm, _ := h.submit(t, "vid-limit")

	resp := h.get(t, "/api/jobs/"+adm.JobID)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first poll status = %d, want 200", resp.StatusCode)
	}

	resp = h.get(t, "/api/jobs/"+adm.JobID)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second poll status = %d, want 429", resp.StatusCode)
	}
	if retry := resp.Header.Get("Retry-After"); retry != "1" {
		t.Errorf("Retry-After = %q, want 1", retry)
	}
	if msg := errorBody(t, resp); !strings.Contains(msg, "rate limit") {
		t.Errorf("rate limit error = %q", msg)
	}
}

func TestBearerAuth(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithWeights(map[string]int{"fetch": 100}),
		testsupport.WithAPIToken("sesame"))
	h := newHarness(t, cfg, titleWorker("unused"))

	get := func(token string) int {
		req, err := http.NewRequest(http.MethodGet, h.ts.URL+"/api/status", nil)
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := h.ts.Client().Do(req)
		if err != nil {
			t.Fatalf("GET /api/status: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if code := get(""); code != http.StatusUnauthorized {
		t.Errorf("missing token status = %d, want 401", code)
	}
	if code := get("wrong"); code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", code)
	}
	if code := get("sesame"); code != http.StatusOK {
		t.Errorf("valid token status = %d, want 200", code)
	}
}

func TestResultEndpoint(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithWeights(map[string]int{"hold": 100}),
		testsupport.WithPoolSize(1))
	release := make(chan struct{})
	h := newHarness(t, cfg, holdWorker(release))
	h.start(t)

	held, _ := h.submit(t, "vid-running")
	waitForStatus(t, h.store, held.JobID, job.StatusRunning)
	queued, _ := h.submit(t, "vid-waiting")

	resp := h.get(t, "/api/jobs/"+queued.JobID+"/result")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("unsettled result status = %d, want 409", resp.StatusCode)
	}
	if msg := errorBody(t, resp); !strings.Contains(msg, "status queued") {
		t.Errorf("unsettled result error = %q", msg)
	}

	resp = h.get(t, "/api/jobs/no-such-job/result")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown job result status = %d, want 404", resp.StatusCode)
	}

	close(release)
	waitForStatus(t, h.store, held.JobID, job.StatusDone)

	resp = h.get(t, "/api/jobs/"+held.JobID+"/result")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("done result status = %d, want 200", resp.StatusCode)
	}
	var result api.ResultResponse
	decodeJSON(t, resp, &result)
	if result.JobID != held.JobID || result.Status != string(job.StatusDone) {
		t.Errorf("result identity = %s/%s, want %s/done", result.JobID, result.Status, held.JobID)
	}
	if !strings.Contains(string(result.Result), "Held Analysis") {
		t.Errorf("result payload = %s, want analysis title", result.Result)
	}
}

func TestResultFallsBackToCache(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithWeights(map[string]int{"fetch": 100}))
	h := newHarness(t, cfg, titleWorker("Kyoto Streets"))
	h.start(t)

	adm, _ := h.submit(t, "vid-cache")
	done := waitForStatus(t, h.store, adm.JobID, job.StatusDone)
	if _, ok := h.results.Get(done.Fingerprint); !ok {
		t.Fatal("settled payload never reached the cache")
	}

	// Simulate a row whose payload was lost; the cache still holds it.
	done.ResultJSON = ""
	if err := h.store.Update(context.Background(), done); err != nil {
		t.Fatalf("store.Update: %v", err)
	}

	resp := h.get(t, "/api/jobs/"+adm.JobID+"/result")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fallback result status = %d, want 200", resp.StatusCode)
	}
	var result api.ResultResponse
	decodeJSON(t, resp, &result)
	if !strings.Contains(string(result.Result), "Kyoto Streets") {
		t.Errorf("fallback payload = %s, want cached analysis", result.Result)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithWeights(map[string]int{"fetch": 100}))
	h := newHarness(t, cfg, titleWorker("unused"))

	adm, _ := h.submit(t, "vid-cancel")

	resp := h.post(t, "/api/jobs/"+adm.JobID+"/cancel", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200 for synchronous settle", resp.StatusCode)
	}
	var view api.JobView
	decodeJSON(t, resp, &view)
	if view.Status != string(job.StatusCanceled) {
		t.Errorf("canceled view status = %s, want canceled", view.Status)
	}

	// Cancel is idempotent on settled jobs.
	resp = h.post(t, "/api/jobs/"+adm.JobID+"/cancel", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("repeat cancel status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	resp = h.post(t, "/api/jobs/no-such-job/cancel", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown cancel status = %d, want 404", resp.StatusCode)
	}
}

func TestCancelRunningJobAnswersAccepted(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithWeights(map[string]int{"hold": 100}))
	release := make(chan struct{})
	defer close(release)
	h := newHarness(t, cfg, holdWorker(release))
	h.start(t)

	adm, _ := h.submit(t, "vid-cancel-running")
	waitForStatus(t, h.store, adm.JobID, job.StatusRunning)

	resp := h.post(t, "/api/jobs/"+adm.JobID+"/cancel", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("running cancel status = %d, want 202", resp.StatusCode)
	}
	resp.Body.Close()

	waitForStatus(t, h.store, adm.JobID, job.StatusCanceled)
}

func TestStatusEndpoint(t *testing.T) {
	cfg := testsupport.NewConfig(t,
		testsupport.WithWeights(map[string]int{"fetch": 100}),
		testsupport.WithPoolSize(3))
	h := newHarness(t, cfg, titleWorker("unused"))
	h.start(t)

	resp := h.get(t, "/api/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status endpoint = %d, want 200", resp.StatusCode)
	}
	var st api.EngineStatus
	decodeJSON(t, resp, &st)
	if !st.Running {
		t.Error("status running = false, want true after Start")
	}
	if st.PoolSize != 3 {
		t.Errorf("status pool_size = %d, want 3", st.PoolSize)
	}
	if st.PID != os.Getpid() {
		t.Errorf("status pid = %d, want %d", st.PID, os.Getpid())
	}
	if st.Version != "test" {
		t.Errorf("status version = %q, want test", st.Version)
	}
	if st.RegistryPath != cfg.Registry.Path || st.CachePath != cfg.Cache.Path {
		t.Errorf("status paths = %q/%q, want config paths", st.RegistryPath, st.CachePath)
	}
}

func TestJobRoutesRejectUnknownPathsAndMethods(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithWeights(map[string]int{"fetch": 100}))
	h := newHarness(t, cfg, titleWorker("unused"))

	adm, _ := h.submit(t, "vid-routes")

	for _, path := range []string{
		"/api/jobs/" + adm.JobID + "/bogus",
		"/api/jobs/" + adm.JobID + "/result/extra",
		"/api/jobs/",
	} {
		resp := h.get(t, path)
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("GET %s status = %d, want 404", path, resp.StatusCode)
		}
	}

	resp := h.post(t, "/api/jobs/"+adm.JobID, "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST snapshot status = %d, want 405", resp.StatusCode)
	}

	resp = h.get(t, "/api/jobs/"+adm.JobID+"/cancel")
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET cancel status = %d, want 405", resp.StatusCode)
	}

	resp = h.post(t, "/api/jobs", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST list status = %d, want 405", resp.StatusCode)
	}
}

func TestStartServesAndStopsOnContextCancel(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithWeights(map[string]int{"fetch": 100}))
	h := newHarness(t, cfg, titleWorker("unused"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := h.srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(h.srv.Stop)

	addr := h.srv.Addr()
	if addr == "" {
		t.Fatal("Addr is empty after Start")
	}

	resp, err := http.Get("http://" + addr + "/api/status")
	if err != nil {
		t.Fatalf("GET status on started server: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	cancel()
	testsupport.WaitFor(t, 5*time.Second, func() bool {
		_, err := http.Get("http://" + addr + "/api/status")
		return err != nil
	}, "server kept serving after context cancel")
}

func TestNewPollLimiter(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithRateLimit(0, 0))
	if limiter := newPollLimiter(cfg); limiter.Limit() != rate.Inf {
		t.Errorf("zero rate limit = %v, want Inf", limiter.Limit())
	}

	cfg = testsupport.NewConfig(t, testsupport.WithRateLimit(2, 0))
	limiter := newPollLimiter(cfg)
	if limiter.Limit() != rate.Limit(2) {
		t.Errorf("limit = %v, want 2", limiter.Limit())
	}
	if limiter.Burst() != 1 {
		t.Errorf("burst = %d, want floor of 1", limiter.Burst())
	}
}
