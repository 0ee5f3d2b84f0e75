package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/servicedesk/jobsync/internal/action"
	"github.com/servicedesk/jobsync/internal/backend"
	"github.com/servicedesk/jobsync/internal/config"
	"github.com/servicedesk/jobsync/internal/fetcher"
	"github.com/servicedesk/jobsync/internal/job"
	"github.com/servicedesk/jobsync/internal/queue"
	"github.com/servicedesk/jobsync/internal/refresh"
	"github.com/servicedesk/jobsync/internal/spool"
	"github.com/servicedesk/jobsync/internal/telemetry"
)

// mockPortal fakes the portal backend.
type mockPortal struct {
	mu       sync.Mutex
	server   *httptest.Server
	bodies   map[string]string
	failing  map[string]int
	posts    []string
	uploaded string
}

func newMockPortal(t *testing.T) *mockPortal {
	m := &mockPortal{bodies: map[string]string{}, failing: map[string]int{}}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockPortal) handle(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if code := m.failing[r.URL.Path]; code != 0 {
		w.WriteHeader(code)
		w.Write([]byte(`{"message":"Job already taken"}`))
		return
	}
	if r.Method == http.MethodPost {
		m.posts = append(m.posts, r.URL.Path)
		if f, hdr, err := r.FormFile("file"); err == nil {
			f.Close()
			m.uploaded = hdr.Filename
		}
		w.Write([]byte(`{"message":"ok"}`))
		return
	}
	w.Write([]byte(m.bodies[r.URL.Path]))
}

type testServer struct {
	router  http.Handler
	store   *queue.Store
	portal  *mockPortal
	actions *action.Coordinator
}

func setup(t *testing.T, opts ...func(*Deps)) *testServer {
	t.Helper()
	portal := newMockPortal(t)

	sp, err := spool.Open("")
	if err != nil {
		t.Fatalf("open spool: %v", err)
	}
	t.Cleanup(func() { sp.Close() })

	cfg := &config.Config{Backend: config.BackendConfig{URL: portal.server.URL}, Push: config.PushConfig{Transport: config.TransportNone}}
	client := backend.NewHTTPClient(portal.server.URL, backend.Options{})
	store := queue.NewStore(nil)
	metrics := telemetry.NewProvider()
	t.Cleanup(func() { metrics.Shutdown(context.Background()) })
	orch := refresh.New(fetcher.New(client, store, nil, metrics.Metrics()), store, nil)
	actions := action.New(store, client, orch, sp, nil, metrics.Metrics())

	deps := Deps{Config: cfg, Store: store, Refresh: orch, Actions: actions, Metrics: metrics}
	for _, opt := range opts {
		opt(&deps)
	}
	return &testServer{
		router:  NewRouter(deps),
		store:   store,
		portal:  portal,
		actions: actions,
	}
}

func (s *testServer) do(method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := setup(t)
	rec := s.do("GET", "/health", nil, "")

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "healthy" {
		t.Errorf("expected healthy, got %s", resp["status"])
	}
}

func TestInfo(t *testing.T) {
	s := setup(t)
	rec := s.do("GET", "/info", nil, "")

	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["push_transport"] != "none" {
		t.Errorf("expected none, got %v", resp["push_transport"])
	}
}

func TestStats(t *testing.T) {
	s := setup(t)
	s.store.Replace("jamb", job.StatusPending, []job.Job{{ID: "1"}, {ID: "2"}}, 0)
	s.store.Replace("waec", job.StatusPending, []job.Job{{ID: "1"}}, 0)

	rec := s.do("GET", "/stats", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["services"].(float64) != 2 {
		t.Errorf("expected 2 services, got %v", resp["services"])
	}
	jobs := resp["jobs"].(map[string]any)
	if jobs["pending"].(float64) != 3 {
		t.Errorf("expected 3 pending, got %v", jobs["pending"])
	}
}

func TestRefreshAndQueues(t *testing.T) {
	s := setup(t)
	s.portal.bodies["/services/jamb/pending"] = `{"data":[{"id":1,"email":"ada@example.com"},{"id":2,"email":"bob@example.com"}]}`
	s.portal.bodies["/services/jamb/my-pending-job"] = `[]`
	s.portal.bodies["/services/jamb/administrator"] = `{"data":{"data":[{"id":9}]}}`

	rec := s.do("POST", "/api/services/jamb/refresh", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = s.do("GET", "/api/services/jamb/queues/pending?q=ada", nil, "")
	var resp struct {
		Jobs  []map[string]any `json:"jobs"`
		Total int              `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 1 || resp.Jobs[0]["id"] != "1" {
		t.Errorf("expected only job 1, got %+v", resp)
	}

	rec = s.do("GET", "/api/services", nil, "")
	var list struct {
		Services []serviceSummary `json:"services"`
	}
	json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list.Services) != 1 || list.Services[0].Counts[job.StatusCompleted] != 1 {
		t.Errorf("unexpected services %+v", list.Services)
	}
}

func TestRefresh_PartialFailure(t *testing.T) {
	s := setup(t)
	s.portal.bodies["/services/jamb/pending"] = `[{"id":1}]`
	s.portal.failing["/services/jamb/administrator"] = http.StatusInternalServerError

	rec := s.do("POST", "/api/services/jamb/refresh", nil, "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	var resp struct {
		Snapshot queue.Snapshot        `json:"snapshot"`
		Errors   map[job.Status]string `json:"errors"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if _, ok := resp.Errors[job.StatusCompleted]; !ok {
		t.Errorf("expected completed error, got %v", resp.Errors)
	}
	if len(resp.Snapshot.Pending) != 1 {
		t.Errorf("expected pending refreshed, got %d", len(resp.Snapshot.Pending))
	}
}

func TestListQueue_InvalidStatus(t *testing.T) {
	s := setup(t)
	rec := s.do("GET", "/api/services/jamb/queues/archived", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestTake(t *testing.T) {
	s := setup(t)
	s.store.Replace("jamb", job.StatusPending, []job.Job{{ID: "3"}}, 0)
	s.portal.bodies["/services/jamb/my-pending-job"] = `[{"id":3}]`

	rec := s.do("POST", "/api/services/jamb/jobs/3/take", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var snap queue.Snapshot
	json.Unmarshal(rec.Body.Bytes(), &snap)
	if len(snap.Processing) != 1 || len(snap.Pending) != 0 {
		t.Errorf("expected job moved to processing, got %+v", snap)
	}
}

func TestTake_Errors(t *testing.T) {
	s := setup(t)
	s.store.Replace("jamb", job.StatusPending, []job.Job{{ID: "3"}}, 0)

	rec := s.do("POST", "/api/services/jamb/jobs/99/take", nil, "")
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409 for non-pending job, got %d", rec.Code)
	}

	s.portal.failing["/services/jamb/3/take"] = http.StatusConflict
	rec = s.do("POST", "/api/services/jamb/jobs/3/take", nil, "")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Job already taken") {
		t.Errorf("expected backend message, got %s", rec.Body.String())
	}
}

func TestComplete_Declined(t *testing.T) {
	s := setup(t)
	rec := s.do("POST", "/api/services/jamb/complete", nil, "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422, got %d", rec.Code)
	}
	if len(s.portal.posts) != 0 {
		t.Error("expected no backend call")
	}
}

func TestSelectStageComplete(t *testing.T) {
	s := setup(t)
	s.store.Replace("jamb", job.StatusProcessing, []job.Job{{ID: "5"}}, 0)
	s.portal.bodies["/services/jamb/administrator"] = `[{"id":5}]`

	rec := s.do("PUT", "/api/services/jamb/selection", strings.NewReader(`{"job_id":"5"}`), "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("select: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "result.pdf")
	fw.Write([]byte("%PDF"))
	mw.Close()
	rec = s.do("PUT", "/api/services/jamb/attachment", &buf, mw.FormDataContentType())
	if rec.Code != http.StatusCreated {
		t.Fatalf("stage: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = s.do("GET", "/api/services/jamb/selection", nil, "")
	var sel selectionResponse
	json.Unmarshal(rec.Body.Bytes(), &sel)
	if sel.JobID != "5" || sel.Attachment != "result.pdf" || sel.Size != 4 {
		t.Errorf("unexpected selection %+v", sel)
	}

	rec = s.do("POST", "/api/services/jamb/complete", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if s.portal.uploaded != "result.pdf" {
		t.Errorf("expected result.pdf uploaded, got %q", s.portal.uploaded)
	}
	if st, _ := s.store.Locate("jamb", "5"); st != job.StatusCompleted {
		t.Errorf("expected job 5 completed, got %s", st)
	}
}

func TestStageRawBodyAndClear(t *testing.T) {
	s := setup(t)

	rec := s.do("PUT", "/api/services/jamb/attachment?filename=notes.txt", strings.NewReader("hello"), "text/plain")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if a, ok := s.actions.Staged("jamb"); !ok || a.Filename != "notes.txt" {
		t.Errorf("expected notes.txt staged, got %+v", a)
	}

	rec = s.do("DELETE", "/api/services/jamb/selection", nil, "")
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if _, ok := s.actions.Staged("jamb"); ok {
		t.Error("expected attachment cleared")
	}
}

func TestStage_MissingFile(t *testing.T) {
	s := setup(t)
	rec := s.do("PUT", "/api/services/jamb/attachment", strings.NewReader("x"), "text/plain")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestStage_TooLarge(t *testing.T) {
	s := setup(t, func(d *Deps) { d.MaxUpload = 256 })
	big := bytes.Repeat([]byte("x"), 4096)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, _ := mw.CreateFormFile("file", "scan.pdf")
	part.Write(big)
	mw.Close()

	rec := s.do("PUT", "/api/services/jamb/attachment", &body, mw.FormDataContentType())
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("multipart: expected 413, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = s.do("PUT", "/api/services/jamb/attachment?filename=scan.pdf", bytes.NewReader(big), "application/pdf")
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("raw body: expected 413, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, ok := s.actions.Staged("jamb"); ok {
		t.Error("expected nothing staged")
	}
}

func TestStage_MultipartWithoutFile(t *testing.T) {
	s := setup(t)
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("note", "no file here")
	mw.Close()

	rec := s.do("PUT", "/api/services/jamb/attachment", &body, mw.FormDataContentType())
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestMetrics_CountsFetches(t *testing.T) {
	s := setup(t)
	s.portal.bodies["/services/jamb/pending"] = `[{"id":1}]`

	if rec := s.do("POST", "/api/services/jamb/refresh", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d", rec.Code)
	}

	rec := s.do("GET", "/metrics", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Metrics []telemetry.Point `json:"metrics"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	var fetches float64
	for _, pt := range resp.Metrics {
		if pt.Name == "jobsync.fetch.count" && pt.Attributes["service"] == "jamb" {
			fetches += pt.Value
		}
	}
	if fetches != 3 {
		t.Errorf("expected 3 fetches recorded, got %v", fetches)
	}
}

func TestMetrics_Disabled(t *testing.T) {
	s := setup(t, func(d *Deps) { d.Metrics = nil })
	if rec := s.do("GET", "/metrics", nil, ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestDropService(t *testing.T) {
	s := setup(t)
	s.store.Replace("jamb", job.StatusPending, []job.Job{{ID: "1"}}, 0)
	s.do("PUT", "/api/services/jamb/attachment?filename=a.txt", strings.NewReader("a"), "text/plain")

	rec := s.do("DELETE", "/api/services/jamb/", nil, "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := s.store.Services(); len(got) != 0 {
		t.Errorf("expected no services, got %v", got)
	}
	if _, ok := s.actions.Staged("jamb"); ok {
		t.Error("expected staged attachment dropped")
	}
}

func TestGetJob(t *testing.T) {
	s := setup(t)
	s.store.Replace("jamb", job.StatusProcessing, []job.Job{{ID: "4", Email: "a@b.c"}}, 0)

	rec := s.do("GET", "/api/services/jamb/jobs/4", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["status"] != "processing" || resp["email"] != "a@b.c" {
		t.Errorf("unexpected job %v", resp)
	}

	if rec := s.do("GET", "/api/services/jamb/jobs/9", nil, ""); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestGetService_NotModified(t *testing.T) {
	s := setup(t)
	s.store.Replace("jamb", job.StatusPending, []job.Job{{ID: "1"}}, 0)

	rec := s.do("GET", "/api/services/jamb/", nil, "")
	tag := rec.Header().Get("ETag")
	if tag == "" {
		t.Fatal("expected an ETag")
	}

	req := httptest.NewRequest("GET", "/api/services/jamb/", nil)
	req.Header.Set("If-None-Match", tag)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotModified {
		t.Errorf("expected 304, got %d", rec.Code)
	}

	s.store.InsertIfAbsent("jamb", job.StatusPending, job.Job{ID: "2"})
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 after a change, got %d", rec.Code)
	}
}

func TestListClaims_Empty(t *testing.T) {
	s := setup(t)
	rec := s.do("GET", "/api/claims?service=jamb", nil, "")

	var resp map[string][]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp["claims"]) != 0 {
		t.Errorf("expected no claims, got %v", resp["claims"])
	}
}

func TestStreamChanges(t *testing.T) {
	s := setup(t)
	s.store.Replace("jamb", job.StatusPending, []job.Job{{ID: "1"}}, 0)

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/changes?service=jamb"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var first ChangeMessage
	if err := wsjson.Read(ctx, conn, &first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if first.Type != "snapshot" || first.Snapshot == nil || len(first.Snapshot.Pending) != 1 {
		t.Fatalf("unexpected first message %+v", first)
	}

	s.store.InsertIfAbsent("waec", job.StatusPending, job.Job{ID: "8"})
	s.store.InsertIfAbsent("jamb", job.StatusPending, job.Job{ID: "2"})

	var next ChangeMessage
	if err := wsjson.Read(ctx, conn, &next); err != nil {
		t.Fatalf("read change: %v", err)
	}
	if next.Type != "change" || next.Change == nil {
		t.Fatalf("unexpected message %+v", next)
	}
	if next.Change.Service != "jamb" || next.Change.Kind != queue.ChangeInserted || next.Change.JobID != "2" {
		t.Errorf("unexpected change %+v", next.Change)
	}
}
