package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"printlegion/internal/config"
	"printlegion/internal/db"
	"printlegion/internal/domain"
	"printlegion/internal/engine"
	"printlegion/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, DevLogin: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

// login mints a token via the dev endpoint, which also creates the user.
func login(t *testing.T, srv *testServer, slackID string) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login",
		map[string]any{"slack_id": slackID}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, data)
	}
	var out DevLoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + out.Token}
}

func setLocation(t *testing.T, srv *testServer, headers map[string]string, coords string, hasPrinter bool) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/me/settings",
		map[string]any{"region_coordinates": coords, "has_printer": hasPrinter}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("settings status %d: %s", res.StatusCode, data)
	}
}

func createJob(t *testing.T, srv *testServer, headers map[string]string) domain.Job {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/jobs",
		map[string]any{"item_name": "phone stand", "item_description": "PLA, grey"}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create job status %d: %s", res.StatusCode, data)
	}
	var j domain.Job
	if err := json.Unmarshal(data, &j); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	return j
}

func TestHealthNoAuth(t *testing.T) {
	srv := newTestServer(t)
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("error code = %q", envelope.Error.Code)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil,
		map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token should 401, got %d", res.StatusCode)
	}
}

func TestLoginCreatesUser(t *testing.T) {
	srv := newTestServer(t)
	headers := login(t, srv, "U1")
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, data)
	}
	var u domain.User
	if err := json.Unmarshal(data, &u); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if u.SlackID != "U1" {
		t.Fatalf("slack id = %q", u.SlackID)
	}
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	creator := login(t, srv, "creator")
	printer := login(t, srv, "printer")
	setLocation(t, srv, creator, "48.8566,2.3522", false)
	setLocation(t, srv, printer, "48.8600,2.3600", true)

	job := createJob(t, srv, creator)
	if job.Status != "needs_printer" {
		t.Fatalf("new job status %s", job.Status)
	}

	post := func(headers map[string]string, action string, body any, wantStatus int) []byte {
		t.Helper()
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/jobs/"+job.ID+"/"+action, body, headers)
		if res.StatusCode != wantStatus {
			t.Fatalf("%s status %d, want %d: %s", action, res.StatusCode, wantStatus, data)
		}
		return data
	}

	post(printer, "claim", nil, http.StatusOK)
	post(printer, "start", nil, http.StatusOK)
	// completion without a filament value never reaches the engine
	post(printer, "complete", map[string]any{}, http.StatusUnprocessableEntity)
	data := post(printer, "complete", map[string]any{"filament_used_grams": 33.5}, http.StatusOK)
	var j domain.Job
	if err := json.Unmarshal(data, &j); err != nil {
		t.Fatalf("decode complete: %v", err)
	}
	if j.FilamentUsedGrams == nil || *j.FilamentUsedGrams != 33.5 {
		t.Fatalf("filament not persisted: %+v", j)
	}
	post(printer, "fulfil", map[string]any{"fulfilment_notes": "left at the counter"}, http.StatusOK)
	post(creator, "confirm", nil, http.StatusOK)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/jobs/"+job.ID, nil, creator)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get job %d: %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &j); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if j.Status != "finished" {
		t.Fatalf("final status %s", j.Status)
	}
}

func TestClaimErrorCodes(t *testing.T) {
	srv := newTestServer(t)
	creator := login(t, srv, "creator")
	setLocation(t, srv, creator, "48.8566,2.3522", false)
	job := createJob(t, srv, creator)

	// claiming your own job
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/jobs/"+job.ID+"/claim", nil, creator)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("self claim status %d: %s", res.StatusCode, data)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Error.Code != "self_claim" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}

	// claiming from too far away
	far := login(t, srv, "far-printer")
	setLocation(t, srv, far, "45.7640,4.8357", true)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/jobs/"+job.ID+"/claim", nil, far)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("too far status %d: %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Error.Code != "too_far" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}

	// double claim
	near := login(t, srv, "near-printer")
	setLocation(t, srv, near, "48.8600,2.3600", true)
	if res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/jobs/"+job.ID+"/claim", nil, near); res.StatusCode != http.StatusOK {
		t.Fatalf("claim %d: %s", res.StatusCode, data)
	}
	other := login(t, srv, "other-printer")
	setLocation(t, srv, other, "48.8600,2.3600", true)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/jobs/"+job.ID+"/claim", nil, other)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("double claim status %d: %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Error.Code != "already_claimed" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
}

func TestSearchEndpoint(t *testing.T) {
	srv := newTestServer(t)
	creator := login(t, srv, "creator")
	setLocation(t, srv, creator, "48.8566,2.3522", false)
	createJob(t, srv, creator)

	viewer := login(t, srv, "viewer")
	setLocation(t, srv, viewer, "48.8600,2.3600", true)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/jobs/search", nil, viewer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("search status %d: %s", res.StatusCode, data)
	}
	var results []engine.SearchResult
	if err := json.Unmarshal(data, &results); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("want 1 result, got %d", len(results))
	}
	if results[0].DistanceKm <= 0 || results[0].DistanceKm > 2 {
		t.Fatalf("distance looks wrong: %f", results[0].DistanceKm)
	}
}

func TestListJobsByRole(t *testing.T) {
	srv := newTestServer(t)
	creator := login(t, srv, "creator")
	printer := login(t, srv, "printer")
	setLocation(t, srv, creator, "48.8566,2.3522", false)
	setLocation(t, srv, printer, "48.8600,2.3600", true)
	job := createJob(t, srv, creator)
	if res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/jobs/"+job.ID+"/claim", nil, printer); res.StatusCode != http.StatusOK {
		t.Fatalf("claim %d: %s", res.StatusCode, data)
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/jobs?role=printer", nil, printer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, data)
	}
	var jobs []domain.Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		t.Fatalf("decode jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != job.ID {
		t.Fatalf("printer list wrong: %+v", jobs)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/jobs?role=creator", nil, printer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("creator list status %d: %s", res.StatusCode, data)
	}
	if err := json.Unmarshal(data, &jobs); err != nil {
		t.Fatalf("decode jobs: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("printer created no jobs, got %+v", jobs)
	}
}
