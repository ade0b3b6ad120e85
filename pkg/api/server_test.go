package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/revenant/revenant/internal/engine"
	rcontext "github.com/revenant/revenant/pkg/context"
	"github.com/revenant/revenant/pkg/logger"
	"github.com/revenant/revenant/pkg/types"
)

type stubController struct {
	deployed []engine.Artifact
	zombies  map[string]time.Time
	err      error
	calls    []string
	triggers []rcontext.Trigger
}

func (s *stubController) record(ctx context.Context, call string) error {
	s.calls = append(s.calls, call)
	s.triggers = append(s.triggers, rcontext.GetTrigger(ctx))
	return s.err
}

func (s *stubController) Deploy(ctx context.Context, kind types.ArtifactKind, location string) error {
	return s.record(ctx, fmt.Sprintf("deploy %s %s", kind, location))
}

func (s *stubController) Undeploy(ctx context.Context, kind types.ArtifactKind, name string) error {
	return s.record(ctx, fmt.Sprintf("undeploy %s %s", kind, name))
}

func (s *stubController) Redeploy(ctx context.Context, kind types.ArtifactKind, name string) error {
	return s.record(ctx, fmt.Sprintf("redeploy %s %s", kind, name))
}

func (s *stubController) Reconcile(ctx context.Context) error {
	return s.record(ctx, "reconcile")
}

func (s *stubController) Artifacts(kind types.ArtifactKind) []engine.Artifact {
	return append(s.deployed, engine.Artifact{Name: "broken", Kind: kind, State: types.StateFailed})
}

func (s *stubController) ListDeployed(types.ArtifactKind) []engine.Artifact {
	return s.deployed
}

func (s *stubController) Zombies(types.ArtifactKind) map[string]time.Time {
	return s.zombies
}

func newTestServer(ctrl *stubController) *Server {
	return NewServer(ctrl, logger.CreateLoggerWithOutput("", "debug", nil), true)
}

func serve(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(&stubController{})

	if rr := serve(t, s, http.MethodGet, "/health", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", rr.Code)
	}
	if rr := serve(t, s, http.MethodGet, "/metrics", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", rr.Code)
	}

	plain := NewServer(&stubController{}, logger.CreateLoggerWithOutput("", "debug", nil), false)
	if rr := serve(t, plain, http.MethodGet, "/metrics", ""); rr.Code == http.StatusOK {
		t.Error("/metrics should not be mounted without metrics")
	}
}

func TestListArtifacts(t *testing.T) {
	ctrl := &stubController{
		deployed: []engine.Artifact{{Name: "web", Kind: types.KindApplication, State: types.StateDeployed}},
	}
	s := newTestServer(ctrl)

	var body struct {
		Artifacts []engine.Artifact `json:"artifacts"`
	}

	rr := serve(t, s, http.MethodGet, "/apps", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Artifacts) != 2 {
		t.Errorf("expected every known artifact, got %+v", body.Artifacts)
	}

	rr = serve(t, s, http.MethodGet, "/applications?deployed=true", "")
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if len(body.Artifacts) != 1 || body.Artifacts[0].Name != "web" {
		t.Errorf("expected only deployed artifacts, got %+v", body.Artifacts)
	}
}

func TestZombies(t *testing.T) {
	stamp := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := newTestServer(&stubController{zombies: map[string]time.Time{"/srv/apps/bad/application.yaml": stamp}})

	rr := serve(t, s, http.MethodGet, "/domains/zombies", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body struct {
		Zombies map[string]time.Time `json:"zombies"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.Zombies["/srv/apps/bad/application.yaml"].Equal(stamp) {
		t.Errorf("unexpected zombies %v", body.Zombies)
	}
}

func TestOperations(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   string
	}{
		{"deploy", http.MethodPost, "/apps", `{"location": "/tmp/web.zip"}`, "deploy application /tmp/web.zip"},
		{"redeploy", http.MethodPost, "/domains/billing/redeploy", "", "redeploy domain billing"},
		{"undeploy", http.MethodDelete, "/app/web", "", "undeploy application web"},
		{"reconcile", http.MethodPost, "/reconcile", "", "reconcile"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := &stubController{}
			rr := serve(t, newTestServer(ctrl), tt.method, tt.path, tt.body)

			if rr.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
			}
			if len(ctrl.calls) != 1 || ctrl.calls[0] != tt.want {
				t.Errorf("expected call %q, got %v", tt.want, ctrl.calls)
			}
			if ctrl.triggers[0] != rcontext.TriggerAPI {
				t.Errorf("expected api trigger, got %q", ctrl.triggers[0])
			}
		})
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: application web", types.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: bad name", types.ErrInvalidArgument), http.StatusBadRequest},
		{fmt.Errorf("%w: web: boom", types.ErrBuild), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: web", types.ErrStart), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: billing", types.ErrDomainUnavailable), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: web.zip", types.ErrCorruptArchive), http.StatusUnprocessableEntity},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			rr := serve(t, newTestServer(&stubController{err: tt.err}), http.MethodDelete, "/apps/web", "")
			if rr.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rr.Code)
			}
			if !strings.Contains(rr.Body.String(), tt.err.Error()) {
				t.Errorf("error message missing from body %s", rr.Body.String())
			}
		})
	}
}

func TestBadRequests(t *testing.T) {
	s := newTestServer(&stubController{})

	if rr := serve(t, s, http.MethodGet, "/widgets", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown kind should be 404, got %d", rr.Code)
	}
	if rr := serve(t, s, http.MethodPost, "/apps", `{}`); rr.Code != http.StatusBadRequest {
		t.Errorf("missing location should be 400, got %d", rr.Code)
	}
}

func TestDeployRejectsNonArchives(t *testing.T) {
	for _, location := range []string{"/etc", "/srv/apps/web", "/tmp/web.tar.gz"} {
		t.Run(location, func(t *testing.T) {
			ctrl := &stubController{}
			rr := serve(t, newTestServer(ctrl), http.MethodPost, "/apps", `{"location": "`+location+`"}`)

			if rr.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d body=%s", rr.Code, rr.Body.String())
			}
			if len(ctrl.calls) != 0 {
				t.Errorf("controller must not be called, got %v", ctrl.calls)
			}
		})
	}
}

func TestStartShutdown(t *testing.T) {
	s := newTestServer(&stubController{})
	if err := s.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("failed to start: %v", err)
	}
	if err := s.Start("127.0.0.1:0"); err == nil {
		t.Error("second start should fail")
	}

	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
	if s.Addr() != "" {
		t.Error("address should be cleared after shutdown")
	}
}
