package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	appcache "github.com/certen-labs/merkle-snapshot/pkg/cache"
	"github.com/certen-labs/merkle-snapshot/pkg/config"
	"github.com/certen-labs/merkle-snapshot/pkg/orchestrator"
	"github.com/certen-labs/merkle-snapshot/pkg/scheduler"
	"github.com/certen-labs/merkle-snapshot/pkg/storage"
	appsync "github.com/certen-labs/merkle-snapshot/pkg/sync"
	"github.com/certen-labs/merkle-snapshot/pkg/tree"
)

type fakeBackend struct {
	mu     sync.Mutex
	roots  []storage.RootRecord
	bodies map[string]tree.Body
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{bodies: make(map[string]tree.Body)}
}

func (f *fakeBackend) GetLatestRootHash(ctx context.Context) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.roots) == 0 {
		return "", false, nil
	}
	return f.roots[len(f.roots)-1].RootHash, true, nil
}

func (f *fakeBackend) StoreTree(ctx context.Context, in storage.NewTree) (storage.RootRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record := storage.RootRecord{
		ID:         fmt.Sprintf("rec-%d", len(f.roots)+1),
		RootHash:   in.RootHash,
		ItemCount:  in.ItemCount,
		SourcePath: in.SourcePath,
		CreatedAt:  time.Now(),
	}
	f.roots = append(f.roots, record)
	f.bodies[in.RootHash] = in.Body
	return record, nil
}

func (f *fakeBackend) GetTreeByRootHash(ctx context.Context, rootHash string) (storage.FullTree, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.roots {
		if r.RootHash == rootHash {
			return storage.FullTree{RootRecord: r, Body: f.bodies[rootHash]}, true, nil
		}
	}
	return storage.FullTree{}, false, nil
}

func (f *fakeBackend) GetRecentRoots(ctx context.Context, limit int) ([]storage.RootRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]storage.RootRecord, len(f.roots))
	copy(out, f.roots)
	return out, nil
}

func (f *fakeBackend) TestConnection(ctx context.Context) storage.ConnectionStatus {
	return storage.ConnectionStatus{Connected: true, Timestamp: time.Now()}
}

func (f *fakeBackend) Stats(ctx context.Context) (storage.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return storage.Stats{TotalTrees: int64(len(f.roots))}, nil
}

func (f *fakeBackend) Close() error { return nil }

func newTestServer(t *testing.T) (*Server, *fakeBackend, string) {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a-contents"), 0o644); err != nil {
		t.Fatal(err)
	}

	backend := newFakeBackend()
	c := appcache.New(appcache.Config{Enabled: false})
	s := appsync.New(c, backend)
	orch := orchestrator.New(dir, 0, s)
	sched := scheduler.New(60, orch.BuildAndSync)

	cfg := &config.Config{Environment: "production", Backend: config.BackendRelational}

	srv := New(cfg, c, backend, sched, orch)
	return srv, backend, dir
}

func TestHandleRootServesDescriptor(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["name"] != serviceName {
		t.Fatalf("expected service name %q, got %v", serviceName, body["name"])
	}
}

func TestHandleUnknownRouteIs404JSON(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["message"] == "" {
		t.Fatal("expected a message field in the 404 body")
	}
}

func TestHandleBuildTriggersAndReturnsResult(t *testing.T) {
	srv, backend, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/health/build", nil)
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	stats, _ := backend.Stats(context.Background())
	if stats.TotalTrees != 1 {
		t.Fatalf("expected one committed tree after manual build, got %d", stats.TotalTrees)
	}
}

func TestHandleBuildRejectsGET(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health/build", nil)
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleHealthReportsOK(t *testing.T) {
	srv, _, _ := newTestServer(t)
	// An unstarted scheduler reports unhealthy, so start it first.
	srv.scheduler.Start()
	defer srv.scheduler.Stop()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleRootByHashAndProof(t *testing.T) {
	srv, _, dir := newTestServer(t)

	// Trigger a build so there is a committed root to query.
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health/build", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("build trigger failed: %d %s", rec.Code, rec.Body.String())
	}

	snap := srv.orchestrator.LastBuild()
	if snap == nil || snap.RootHash == "" {
		t.Fatal("expected a committed root hash after build")
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/roots/"+snap.RootHash, nil)
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for root lookup, got %d: %s", rec.Code, rec.Body.String())
	}

	leafPath := filepath.Join(dir, "a.txt")
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/roots/"+snap.RootHash+"/proof?leaf="+leafPath, nil)
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for proof lookup, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleRootByHashNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/roots/deadbeef", nil)
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
