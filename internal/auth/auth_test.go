package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTokenService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService(Config{Mode: ModeToken, Tokens: []TokenConfig{
		{Name: "reader", Token: "r-token", Permissions: []string{PermissionRead}},
		{Name: "ops", Token: "o-token", Permissions: []string{PermissionAll}},
		{Name: "retired", Token: "x-token", Disabled: true},
	}})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newTokenService(t)
	ctx := context.Background()

	subject, err := svc.AuthenticateRequest(ctx, "Bearer r-token")
	if err != nil || subject.Name != "reader" {
		t.Fatalf("unexpected subject %+v err %v", subject, err)
	}
	if err := subject.Authorize(PermissionActivate); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("reader must not activate, got %v", err)
	}

	cases := map[string]error{
		"":               ErrMissingToken,
		"Basic abc":      ErrMissingToken,
		"Bearer nope":    ErrInvalidToken,
		"bearer x-token": ErrSubjectRevoked,
	}
	for header, want := range cases {
		if _, err := svc.AuthenticateRequest(ctx, header); !errors.Is(err, want) {
			t.Fatalf("header %q: expected %v, got %v", header, want, err)
		}
	}
}

func TestNewServiceValidation(t *testing.T) {
	if _, err := NewService(Config{Mode: ModeToken}); err == nil {
		t.Fatalf("token mode without tokens should fail")
	}
	if _, err := NewService(Config{Mode: "oauth"}); err == nil {
		t.Fatalf("unknown mode should fail")
	}
	svc, err := NewService(Config{})
	if err != nil || svc.Mode() != ModeDisabled {
		t.Fatalf("empty config should disable auth, got %v %v", svc.Mode(), err)
	}
}

func TestMiddlewareEnforcesPermissions(t *testing.T) {
	svc := newTokenService(t)
	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{RequiredPermissions: map[string][]string{
		http.MethodGet:  {PermissionRead},
		http.MethodPost: {PermissionActivate},
	}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	do := func(method, token string) int {
		req := httptest.NewRequest(method, "/api/v1/extensions", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := do(http.MethodGet, ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
	if code := do(http.MethodPost, "r-token"); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := do(http.MethodGet, "r-token"); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	if code := do(http.MethodPost, "o-token"); code != http.StatusAccepted || seen == nil || seen.Name != "ops" {
		t.Fatalf("ops should pass, got %d subject %+v", code, seen)
	}
}

func TestMiddlewareRejectsWithJSONCode(t *testing.T) {
	svc := newTokenService(t)
	handler := svc.Middleware(MiddlewareConfig{RequiredPermissions: map[string][]string{
		"*": {PermissionActivate},
	}})(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		token  string
		status int
		code   string
	}{
		{"", http.StatusUnauthorized, "UNAUTHENTICATED"},
		{"x-token", http.StatusForbidden, "PERMISSION_DENIED"},
		{"r-token", http.StatusForbidden, "PERMISSION_DENIED"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/extensions", nil)
		if tc.token != "" {
			req.Header.Set("Authorization", "Bearer "+tc.token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Fatalf("token %q: expected %d, got %d", tc.token, tc.status, rec.Code)
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["code"] != tc.code {
			t.Fatalf("token %q: unexpected body %q (%v)", tc.token, rec.Body.String(), err)
		}
	}
}

func TestDisabledModeAttachesAnonymousCaller(t *testing.T) {
	svc, err := NewService(Config{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	var caller string
	handler := svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		caller = CallerName(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/events/x", nil))
	if caller != "anonymous" {
		t.Fatalf("expected anonymous caller, got %q", caller)
	}
	if got := CallerName(context.Background()); got != "anonymous" {
		t.Fatalf("bare context should fall back to anonymous, got %q", got)
	}
	if got := CallerName(WithSubject(context.Background(), &Subject{Name: "ops"})); got != "ops" {
		t.Fatalf("expected ops, got %q", got)
	}
}
