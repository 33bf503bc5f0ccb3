package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbinitiative/zencond/internal/config"
	"github.com/pbinitiative/zencond/internal/identity"
	"github.com/pbinitiative/zencond/internal/rest/public"
	"github.com/pbinitiative/zencond/pkg/bpmn/runtime"
)

func okHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestStripEmptyQueryParams(t *testing.T) {
	var seen string
	handler := StripEmptyQueryParams()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.RawQuery
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/records?after=&limit=5&tenantId=", nil))

	assert.Equal(t, "limit=5", seen)
}

func TestCorsPreflight(t *testing.T) {
	handler := Cors([]string{"https://ui.example.com"})(http.HandlerFunc(okHandler))
	req := httptest.NewRequest(http.MethodOptions, "/v1/process-definitions", nil)
	req.Header.Set("Origin", "https://ui.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	assert.Equal(t, "https://ui.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}

func TestOpenApiValidator(t *testing.T) {
	doc, err := public.Load()
	require.NoError(t, err)
	validator, err := OpenApiValidator(doc)
	require.NoError(t, err)
	handler := validator(http.HandlerFunc(okHandler))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"valid evaluate", http.MethodPost, "/v1/conditionals/evaluate", `{"variables":{"x":1}}`, http.StatusOK},
		{"evaluate without variables", http.MethodPost, "/v1/conditionals/evaluate", `{}`, http.StatusBadRequest},
		{"key of wrong type", http.MethodGet, "/v1/process-instances/abc", "", http.StatusBadRequest},
		{"limit out of range", http.MethodGet, "/v1/records?limit=0", "", http.StatusBadRequest},
		{"undocumented path", http.MethodGet, "/system/status", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestIdentityMiddleware(t *testing.T) {
	conf := config.Identity{Enabled: true, JwtSecret: "middleware-secret"}
	var user string
	handler := Identity(conf)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resolved, _ := identity.FromContext(r.Context())
		user = resolved.Username
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/records", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	token, err := identity.Sign(conf, runtime.Identity{Username: "carol"}, time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/v1/records", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "carol", user)
}

func TestOpentelemetryCorrelationId(t *testing.T) {
	handler := Opentelemetry(config.Tracing{Name: "zencond-test"}, nil)(http.HandlerFunc(okHandler))

	generated := httptest.NewRecorder()
	handler.ServeHTTP(generated, httptest.NewRequest(http.MethodGet, "/v1/records", nil))

	req := httptest.NewRequest(http.MethodGet, "/v1/records", nil)
	req.Header.Set(CorrelationIdHeader, "abc-123")
	echoed := httptest.NewRecorder()
	handler.ServeHTTP(echoed, req)

	assert.Equal(t, http.StatusOK, generated.Code)
	assert.Len(t, generated.Header().Get(CorrelationIdHeader), 36)
	assert.Equal(t, "abc-123", echoed.Header().Get(CorrelationIdHeader))
}
