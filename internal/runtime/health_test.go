package runtime

import (
	"net/http"
	"net/http/httptest"
	"testing"

	jsoncodec "github.com/drblury/pipeguard/internal/runtime/jsoncodec"
	"github.com/drblury/pipeguard/internal/runtime/readiness"
)

func TestHealthzAlwaysOK(t *testing.T) {
	conf := testConfig()
	conf.MandatoryResources = []string{"facade"}
	svc, _ := newTestService(t, conf, ServiceDependencies{})

	rec := httptest.NewRecorder()
	svc.handleHealthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("liveness must not depend on readiness, got %d", rec.Code)
	}
}

func TestReadyzFollowsGate(t *testing.T) {
	conf := testConfig()
	conf.MandatoryResources = []string{"facade", "command-api"}
	svc, _ := newTestService(t, conf, ServiceDependencies{})

	rec := httptest.NewRecorder()
	svc.handleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before warm-up, got %d", rec.Code)
	}
	var status readiness.Status
	if err := jsoncodec.Decode(rec.Body, &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Ready || len(status.Pending) != 2 {
		t.Fatalf("unexpected status %+v", status)
	}

	for _, name := range []string{"facade", "command-api"} {
		if err := svc.Gate().MarkResourceReady(name); err != nil {
			t.Fatalf("mark %s: %v", name, err)
		}
	}
	rec = httptest.NewRecorder()
	svc.handleReadyz(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 once ready, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestStagesEndpoint(t *testing.T) {
	svc, _ := newTestService(t, testConfig(), ServiceDependencies{})
	if err := RegisterStage(svc, StageRegistration{Name: "ingress", ConsumeTopic: "in", PublishTopic: "out", Handler: echoHandler}); err != nil {
		t.Fatalf("RegisterStage: %v", err)
	}
	svc.Metrics().DeadLettered("ingress", "unprocessable")

	rec := httptest.NewRecorder()
	svc.handleStages(rec, httptest.NewRequest(http.MethodGet, "/stages", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp stagesResponse
	if err := jsoncodec.Decode(rec.Body, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Stages) != 1 || resp.Stages[0].Name != "ingress" || resp.Stages[0].Running {
		t.Fatalf("unexpected stages %+v", resp.Stages)
	}
	if resp.DeadLetters == nil || resp.DeadLetters.Total != 1 {
		t.Fatalf("expected dead-letter snapshot, got %+v", resp.DeadLetters)
	}

	rec = httptest.NewRecorder()
	svc.handleStages(rec, httptest.NewRequest(http.MethodPost, "/stages", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != http.MethodGet {
		t.Fatalf("unexpected Allow header %q", allow)
	}
}

func TestHealthHandlersAreMountedOnHealthPort(t *testing.T) {
	conf := testConfig()
	conf.HealthPort = 18086
	svc, _ := newTestService(t, conf, ServiceDependencies{})

	mux, ok := svc.httpServers[18086]
	if !ok {
		t.Fatal("expected a mux on the health port")
	}
	for _, path := range []string{"/healthz", "/readyz", "/stages"} {
		_, pattern := mux.Handler(httptest.NewRequest(http.MethodGet, path, nil))
		if pattern != path {
			t.Fatalf("%s not mounted, matched %q", path, pattern)
		}
	}
}
