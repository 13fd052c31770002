package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"ExtensionHost/internal/activation"
	"ExtensionHost/internal/auth"
	"ExtensionHost/internal/messages"
	"ExtensionHost/internal/registry"
	"ExtensionHost/internal/storage/mysql"
	"ExtensionHost/pkg/extension"
)

type fixture struct {
	handler  http.Handler
	resolver *activation.Resolver
	sink     *messages.MemorySink
	queued   []string
}

func (f *fixture) Submit(_ context.Context, event string) error {
	f.queued = append(f.queued, event)
	return nil
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	reg := registry.New()
	for _, d := range []extension.Description{
		{ID: "a", Main: "a", ActivationEvents: []string{"onCommand:a"}},
		{ID: "b", Main: "b", ExtensionDependencies: []string{"x"}, ActivationEvents: []string{"onCommand:b"}},
	} {
		if err := reg.Register(d); err != nil {
			t.Fatalf("register %s: %v", d.ID, err)
		}
	}
	reg.MarkReady()

	loader := extension.NewStaticLoader()
	loader.Register("a", func() extension.Module {
		return extension.ModuleFunc(func(*extension.ActivationContext) (any, error) { return "A", nil })
	})
	loader.Register("b", func() extension.Module {
		return extension.ModuleFunc(func(*extension.ActivationContext) (any, error) { return "B", nil })
	})

	f := &fixture{sink: messages.NewMemorySink(16)}
	f.resolver = activation.New(reg,
		activation.WithLoader(loader),
		activation.WithSink(f.sink),
		activation.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	base := []Option{WithEvents(f), WithMessages(f.sink), WithGraph(reg), WithMetrics(true)}
	f.handler = NewServer(":0", f.resolver, append(base, opts...)...).Handler()
	return f
}

func (f *fixture) do(method, target, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestActivateEndpoint(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/v1/extensions/a/activate", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: got %d want %d", rec.Code, http.StatusOK)
	}
	status := decode[activation.Status](t, rec)
	if status.State != activation.StateActivated || status.Description.ID != "a" || status.Trigger != "api:anonymous:activate:a" {
		t.Fatalf("unexpected status: %+v", status)
	}

	rec = f.do(http.MethodPost, "/api/v1/extensions/b/activate", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status %d, got %d", http.StatusUnprocessableEntity, rec.Code)
	}
	status = decode[activation.Status](t, rec)
	if status.State != activation.StateFailed || !strings.Contains(status.Error, "unknown dependency `x`") {
		t.Fatalf("unexpected failed status: %+v", status)
	}

	rec = f.do(http.MethodPost, "/api/v1/extensions/missing/activate", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
	if body := decode[errorResponse](t, rec); body.Code != string(activation.CodeUnknownExtension) {
		t.Fatalf("unexpected error body: %+v", body)
	}
}

func TestListAndDetailEndpoints(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodPost, "/api/v1/extensions/a/activate", "")

	list := decode[[]activation.Status](t, f.do(http.MethodGet, "/api/v1/extensions", ""))
	if len(list) != 2 || list[0].Description.ID != "a" || list[1].State != activation.StateKnown {
		t.Fatalf("unexpected list: %+v", list)
	}
	activated := decode[[]activation.Status](t, f.do(http.MethodGet, "/api/v1/extensions?state=activated", ""))
	if len(activated) != 1 || activated[0].Description.ID != "a" {
		t.Fatalf("unexpected filtered list: %+v", activated)
	}

	rec := f.do(http.MethodGet, "/api/v1/extensions/b", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/api/v1/extensions/nope", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
	if rec := f.do(http.MethodDelete, "/api/v1/extensions/a", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestEventEndpoint(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(http.MethodPost, "/api/v1/events/onCommand:b", ""); rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	if f.resolver.State("b") != activation.StateFailed {
		t.Fatalf("b should have failed, state=%s", f.resolver.State("b"))
	}

	msgs := decode[[]messages.Message](t, f.do(http.MethodGet, "/api/v1/messages?extension=b", ""))
	if len(msgs) != 1 || msgs[0].DependencyID != "x" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	rec := f.do(http.MethodPost, "/api/v1/events/onCommand:a?async=true", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, rec.Code)
	}
	if len(f.queued) != 1 || f.queued[0] != "onCommand:a" {
		t.Fatalf("event not queued: %v", f.queued)
	}
	if f.resolver.IsActivated("a") {
		t.Fatalf("async event must not activate inline")
	}
}

func TestGraphAndHealthEndpoints(t *testing.T) {
	f := newFixture(t)

	graph := decode[graphResponse](t, f.do(http.MethodGet, "/api/v1/graph", ""))
	if len(graph.Cycles) != 0 || len(graph.Missing["b"]) != 1 || graph.Missing["b"][0] != "x" {
		t.Fatalf("unexpected graph: %+v", graph)
	}
	if rec := f.do(http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("unexpected health status: %d", rec.Code)
	}
	rec := f.do(http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "exthost_http_requests_total") {
		t.Fatalf("unexpected metrics output: %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `handler="GET /api/v1/graph"`) {
		t.Fatalf("api requests should be labelled with their own route:\n%s", rec.Body.String())
	}
}

func TestRoutePatternPrefersInnerMux(t *testing.T) {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/extensions/{id}/activate", func(http.ResponseWriter, *http.Request) {})
	outer := http.NewServeMux()
	outer.Handle("/api/v1/", api)
	outer.HandleFunc("GET /healthz", func(http.ResponseWriter, *http.Request) {})

	cases := map[string]string{
		"POST /api/v1/extensions/acme.x/activate": "POST /api/v1/extensions/{id}/activate",
		"GET /api/v1/unknown":                     "/api/v1/",
		"GET /healthz":                            "GET /healthz",
		"GET /nowhere":                            "unmatched",
	}
	for target, want := range cases {
		method, path, _ := strings.Cut(target, " ")
		if got := routePattern(httptest.NewRequest(method, path, nil), api, outer); got != want {
			t.Fatalf("%s: expected %q, got %q", target, want, got)
		}
	}
}

func TestHistoryEndpoint(t *testing.T) {
	if rec := newFixture(t).do(http.MethodGet, "/api/v1/history", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status %d without history, got %d", http.StatusServiceUnavailable, rec.Code)
	}

	repo, err := mysql.NewFileActivationRepository(t.TempDir())
	if err != nil {
		t.Fatalf("new repository: %v", err)
	}
	for _, r := range []mysql.ActivationRecord{
		{ActivationID: "1", ExtensionID: "a", Trigger: "*", StartedAt: 1},
		{ActivationID: "2", ExtensionID: "b", Trigger: "*", Failed: true, ErrorCode: "UNKNOWN_DEPENDENCY", StartedAt: 2},
	} {
		if err := repo.Save(context.Background(), r); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	f := newFixture(t, WithHistory(repo))
	all := decode[[]mysql.ActivationRecord](t, f.do(http.MethodGet, "/api/v1/history?limit=5", ""))
	if len(all) != 2 || all[0].ActivationID != "2" {
		t.Fatalf("unexpected history: %+v", all)
	}
	onlyA := decode[[]mysql.ActivationRecord](t, f.do(http.MethodGet, "/api/v1/history?extension=a", ""))
	if len(onlyA) != 1 || onlyA[0].ExtensionID != "a" {
		t.Fatalf("unexpected filtered history: %+v", onlyA)
	}
}

func TestAuthProtectsAPI(t *testing.T) {
	svc, err := auth.NewService(auth.Config{Mode: auth.ModeToken, Tokens: []auth.TokenConfig{
		{Name: "reader", Token: "r", Permissions: []string{auth.PermissionRead}},
		{Name: "ops", Token: "o", Permissions: []string{auth.PermissionAll}},
	}})
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	f := newFixture(t, WithAuth(svc))

	if rec := f.do(http.MethodGet, "/api/v1/extensions", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
	if rec := f.do(http.MethodGet, "/api/v1/extensions", "r"); rec.Code != http.StatusOK {
		t.Fatalf("reader should list, got %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/api/v1/extensions/a/activate", "r"); rec.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, rec.Code)
	}
	if rec := f.do(http.MethodPost, "/api/v1/extensions/a/activate", "o"); rec.Code != http.StatusOK {
		t.Fatalf("ops should activate, got %d", rec.Code)
	}
	if status, _ := f.resolver.StatusOf("a"); status.Trigger != "api:ops:activate:a" {
		t.Fatalf("activation should record the caller, got trigger %q", status.Trigger)
	}
	if rec := f.do(http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("health must stay public, got %d", rec.Code)
	}
}
