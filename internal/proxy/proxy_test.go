package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nebula-sql/controlplane/internal/domain"
)

// fakeStore implements LocationResolver by returning a canned pipeline.
type fakeStore struct {
	pipeline *domain.Pipeline
	err      error
}

func (f *fakeStore) GetPipeline(_ context.Context, _ string) (*domain.Pipeline, error) {
	return f.pipeline, f.err
}

// fakeColocated implements ColocatedResolver.
type fakeColocated struct {
	locations map[string]string
}

func (f *fakeColocated) DeploymentLocation(pipelineID string) (string, bool) {
	loc, ok := f.locations[pipelineID]
	return loc, ok
}

func newRequest(t *testing.T, method, path, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	return req
}

func TestForwardStreamsResponseFromColocatedPipeline(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ingress/t1" {
			t.Errorf("unexpected downstream path: %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Upstream", "pipeline")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer upstream.Close()

	host := strings.TrimPrefix(upstream.URL, "http://")
	p := New(&fakeStore{}, &fakeColocated{locations: map[string]string{"pipe-1": host}})

	req := newRequest(t, http.MethodPost, "/v0/pipelines/pipe-1/ingress/t1", "1\n2\n3\n")
	rec := httptest.NewRecorder()

	if err := p.Forward(context.Background(), rec, req, "pipe-1", "/ingress/t1", "ingress"); err != nil {
		t.Fatalf("Forward returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Header().Get("X-Upstream") != "pipeline" {
		t.Fatalf("expected upstream header to be forwarded unmodified")
	}
	if rec.Body.String() != "1\n2\n3\n" {
		t.Fatalf("body = %q, want request body echoed back", rec.Body.String())
	}
}

func TestForwardFallsBackToStoreWhenNotColocated(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	host := strings.TrimPrefix(upstream.URL, "http://")
	store := &fakeStore{pipeline: &domain.Pipeline{
		CurrentStatus:      domain.PipelineStatusRunning,
		DeploymentLocation: host,
	}}
	p := New(store, &fakeColocated{})

	req := newRequest(t, http.MethodGet, "/v0/pipelines/pipe-1/egress/t1", "")
	rec := httptest.NewRecorder()

	if err := p.Forward(context.Background(), rec, req, "pipe-1", "/egress/t1", "egress"); err != nil {
		t.Fatalf("Forward returned error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestForwardRejectsPipelineThatIsNotServing(t *testing.T) {
	store := &fakeStore{pipeline: &domain.Pipeline{
		CurrentStatus: domain.PipelineStatusShutdown,
	}}
	p := New(store, &fakeColocated{})

	req := newRequest(t, http.MethodPost, "/v0/pipelines/pipe-1/ingress/t1", "1\n")
	rec := httptest.NewRecorder()

	err := p.Forward(context.Background(), rec, req, "pipe-1", "/ingress/t1", "ingress")
	if err != ErrPipelineNotServing {
		t.Fatalf("err = %v, want ErrPipelineNotServing", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestForwardSurfacesBadGatewayOnUnreachablePipeline(t *testing.T) {
	store := &fakeStore{pipeline: &domain.Pipeline{
		CurrentStatus:      domain.PipelineStatusRunning,
		DeploymentLocation: "127.0.0.1:1", // nothing listening
	}}
	p := New(store, &fakeColocated{})

	req := newRequest(t, http.MethodPost, "/v0/pipelines/pipe-1/ingress/t1", "1\n")
	rec := httptest.NewRecorder()

	if err := p.Forward(context.Background(), rec, req, "pipe-1", "/ingress/t1", "ingress"); err == nil {
		t.Fatalf("expected Forward to fail for an unreachable pipeline")
	}
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
}
