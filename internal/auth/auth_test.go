package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	hashed, err := HashKey("clave-admin")
	require.NoError(t, err)
	svc, err := NewService(Config{
		Mode: ModeAPIKey,
		Keys: []KeyConfig{
			{Name: "admin", Hash: hashed, Permissions: []string{"*"}},
			{Name: "lector", Key: "clave-lectura", Permissions: []string{PermissionRead}},
			{Name: "revocada", Key: "clave-vieja", Permissions: []string{PermissionRead}, Disabled: true},
		},
	})
	require.NoError(t, err)
	return svc
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	subject, err := svc.AuthenticateRequest(ctx, "Bearer clave-admin")
	require.NoError(t, err)
	assert.Equal(t, "admin", subject.Name)
	assert.True(t, subject.HasPermission(PermissionAdmin))

	subject, err = svc.AuthenticateRequest(ctx, "bearer   clave-lectura ")
	require.NoError(t, err)
	assert.Equal(t, "lector", subject.Name)
	assert.NoError(t, subject.Authorize(PermissionRead))
	assert.ErrorIs(t, subject.Authorize(PermissionRead, PermissionConsult), ErrPermissionDenied)

	_, err = svc.AuthenticateRequest(ctx, "Bearer clave-vieja")
	assert.ErrorIs(t, err, ErrSubjectRevoked)
	_, err = svc.AuthenticateRequest(ctx, "Bearer otra")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = svc.AuthenticateRequest(ctx, "Basic abc")
	assert.ErrorIs(t, err, ErrMissingToken)
	_, err = svc.AuthenticateRequest(ctx, "")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestNewServiceValidation(t *testing.T) {
	svc, err := NewService(Config{})
	require.NoError(t, err)
	assert.Equal(t, ModeDisabled, svc.Mode())
	_, err = svc.AuthenticateRequest(context.Background(), "Bearer x")
	assert.ErrorIs(t, err, ErrDisabled)

	_, err = NewService(Config{Mode: "oauth"})
	assert.Error(t, err)
	_, err = NewService(Config{Mode: ModeAPIKey})
	assert.Error(t, err)
	_, err = NewService(Config{Mode: ModeAPIKey, Keys: []KeyConfig{{Name: "vacía"}}})
	assert.Error(t, err)
	_, err = NewService(Config{Mode: ModeAPIKey, Keys: []KeyConfig{{Hash: "sin-separador"}}})
	assert.Error(t, err)

	_, err = HashKey("  ")
	assert.Error(t, err)
	a, err := HashKey("misma")
	require.NoError(t, err)
	b, err := HashKey("misma")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "salted hashes differ")
}

func TestMiddleware(t *testing.T) {
	svc := newTestService(t)
	var seen *Subject
	handler := svc.Middleware(MiddlewareConfig{
		RequiredPermissions: map[string][]string{
			http.MethodGet: {PermissionRead},
			"*":            {PermissionAdmin},
		},
		Skip: func(r *http.Request) bool { return r.URL.Path == "/health" },
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		status int
	}{
		{"health skips auth", http.MethodGet, "/health", "", http.StatusNoContent},
		{"missing token", http.MethodGet, "/api/v1/metricas", "", http.StatusUnauthorized},
		{"unknown token", http.MethodGet, "/api/v1/metricas", "nope", http.StatusUnauthorized},
		{"revoked key", http.MethodGet, "/api/v1/metricas", "clave-vieja", http.StatusForbidden},
		{"reader can read", http.MethodGet, "/api/v1/metricas", "clave-lectura", http.StatusNoContent},
		{"reader cannot write", http.MethodPut, "/api/v1/config/llm_model", "clave-lectura", http.StatusForbidden},
		{"admin can write", http.MethodPut, "/api/v1/config/llm_model", "clave-admin", http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusUnauthorized {
				assert.Contains(t, rec.Body.String(), "UNAUTHENTICATED")
			}
			if tc.status == http.StatusNoContent && tc.token != "" {
				require.NotNil(t, seen)
			}
		})
	}
}

func TestDisabledMiddlewarePassesThrough(t *testing.T) {
	var svc *Service
	called := false
	handler := svc.Middleware(MiddlewareConfig{})(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
	assert.Nil(t, SubjectFromContext(context.Background()))
}
