package refresh

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/servicedesk/jobsync/internal/fetcher"
	"github.com/servicedesk/jobsync/internal/job"
	"github.com/servicedesk/jobsync/internal/queue"
)

type stubReader struct {
	mu     sync.Mutex
	bodies map[string]string
	fail   map[string]bool
	calls  map[string]int
}

func newStubReader() *stubReader {
	return &stubReader{bodies: map[string]string{}, fail: map[string]bool{}, calls: map[string]int{}}
}

func (r *stubReader) Get(ctx context.Context, path string) (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[path]++
	if r.fail[path] {
		return nil, errors.New("503 service unavailable")
	}
	return json.RawMessage(r.bodies[path]), nil
}

func TestRefreshAll_PartialFailureIsIsolated(t *testing.T) {
	r := newStubReader()
	r.bodies["/services/jamb/pending"] = `[{"id":1}]`
	r.fail["/services/jamb/my-pending-job"] = true
	r.bodies["/services/jamb/administrator"] = `{"data":[{"id":3}]}`

	store := queue.NewStore(nil)
	store.Replace("jamb", job.StatusProcessing, []job.Job{{ID: "2"}}, 0)
	o := New(fetcher.New(r, store, nil, nil), store, nil)

	res := o.RefreshAll(context.Background(), "jamb")

	if res.Errors[job.StatusPending] != nil || res.Errors[job.StatusCompleted] != nil {
		t.Errorf("expected pending and completed to succeed, got %v", res.Errors)
	}
	var fe *fetcher.FetchError
	if !errors.As(res.Errors[job.StatusProcessing], &fe) {
		t.Fatalf("expected FetchError for processing, got %v", res.Errors[job.StatusProcessing])
	}
	if res.Err() == nil {
		t.Error("expected joined error")
	}

	if n := len(store.List("jamb", job.StatusPending)); n != 1 {
		t.Errorf("expected 1 pending, got %d", n)
	}
	if n := len(store.List("jamb", job.StatusProcessing)); n != 0 {
		t.Errorf("expected processing cleared, got %d", n)
	}
	if n := len(store.List("jamb", job.StatusCompleted)); n != 1 {
		t.Errorf("expected 1 completed, got %d", n)
	}
	if store.Refreshing("jamb") {
		t.Error("expected refreshing flag cleared")
	}
	for _, st := range job.Statuses {
		if store.Loading("jamb", st) {
			t.Errorf("expected %s idle", st)
		}
	}
}

func TestRefreshAll_SetsRefreshingFlag(t *testing.T) {
	store := queue.NewStore(nil)
	seen := make(chan bool, 3)
	f := fetchFunc(func(ctx context.Context, service string, status job.Status) ([]job.Job, error) {
		seen <- store.Refreshing(service)
		return nil, nil
	})

	New(f, store, nil).RefreshAll(context.Background(), "jamb")
	close(seen)

	for flag := range seen {
		if !flag {
			t.Error("expected refreshing while fetches run")
		}
	}
	if store.Refreshing("jamb") {
		t.Error("expected flag cleared after refresh")
	}
}

func TestResync_OnlyRequestedStatuses(t *testing.T) {
	r := newStubReader()
	store := queue.NewStore(nil)
	o := New(fetcher.New(r, store, nil, nil), store, nil)

	if err := o.Resync(context.Background(), "jamb", job.StatusPending, job.StatusProcessing); err != nil {
		t.Fatalf("resync: %v", err)
	}
	if r.calls["/services/jamb/pending"] != 1 || r.calls["/services/jamb/my-pending-job"] != 1 {
		t.Errorf("expected one fetch each, got %v", r.calls)
	}
	if r.calls["/services/jamb/administrator"] != 0 {
		t.Error("expected completed not to be fetched")
	}
}

func TestRefreshServices(t *testing.T) {
	r := newStubReader()
	r.bodies["/services/jamb/pending"] = `[{"id":1}]`
	r.bodies["/services/waec/pending"] = `[{"id":1},{"id":2}]`
	store := queue.NewStore(nil)
	o := New(fetcher.New(r, store, nil, nil), store, nil)

	results := o.RefreshServices(context.Background(), []string{"jamb", "waec"})
	if len(results) != 2 || results[0].Service != "jamb" || results[1].Service != "waec" {
		t.Fatalf("unexpected results %+v", results)
	}
	if n := len(store.List("waec", job.StatusPending)); n != 2 {
		t.Errorf("expected 2 waec pending, got %d", n)
	}
	if n := len(store.List("jamb", job.StatusPending)); n != 1 {
		t.Errorf("expected 1 jamb pending, got %d", n)
	}
}

type fetchFunc func(ctx context.Context, service string, status job.Status) ([]job.Job, error)

func (f fetchFunc) FetchStatus(ctx context.Context, service string, status job.Status) ([]job.Job, error) {
	return f(ctx, service, status)
}
