package middleware

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldcrm/fieldsync/internal/logging"
)

type staticVerifier map[string]string

func (v staticVerifier) Verify(token string) (string, error) {
	if subject, ok := v[token]; ok {
		return subject, nil
	}
	return "", errors.New("unknown token")
}

func echoSubject() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(Subject(r)))
	})
}

func TestAuth(t *testing.T) {
	h := Auth(staticVerifier{"good": "rep-1"})(echoSubject())

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"missing", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, ""},
		{"unknown token", "Bearer bad", http.StatusUnauthorized, ""},
		{"valid", "Bearer good", http.StatusOK, "rep-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			if tt.body != "" {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestSubject_Anonymous(t *testing.T) {
	assert.Empty(t, Subject(httptest.NewRequest(http.MethodGet, "/", nil)))
}

func TestLogger_RecordsSubjectFromAuth(t *testing.T) {
	var buf bytes.Buffer
	prev := logging.SetGlobal(logging.New(&buf, logging.LevelDebug))
	t.Cleanup(func() { logging.SetGlobal(prev) })

	h := Logger()(Auth(staticVerifier{"good": "rep-1"})(echoSubject()))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/interactions", nil)
	req.Header.Set("Authorization", "Bearer good")
	h.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	assert.Contains(t, out, `"subject":"rep-1"`)
	assert.Contains(t, out, `"path":"/api/v1/interactions"`)
	assert.Contains(t, out, `"status":200`)
}

func TestRecover(t *testing.T) {
	h := Recover()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	require.NotPanics(t, func() { h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil)) })
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestCORS(t *testing.T) {
	h := CORS("https://a.example.com, https://b.example.com", "GET,POST", "Content-Type")(echoSubject())

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://b.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://b.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET,POST", rec.Header().Get("Access-Control-Allow-Methods"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
