package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ── helpers ───────────────────────────────────────────────────────────────────

const secret = "s3cret"

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

func adminRequest(token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/admin/system-metrics", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

// ── tests ─────────────────────────────────────────────────────────────────────

func TestAdminOnly_AcceptsMintedToken(t *testing.T) {
	tok, err := MintAdminToken(secret, time.Hour, time.Now())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	AdminOnly(secret)(ok).ServeHTTP(rec, adminRequest(tok))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAdminOnly_Rejects(t *testing.T) {
	expired, err := MintAdminToken(secret, time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	foreign, err := MintAdminToken("other", time.Hour, time.Now())
	require.NoError(t, err)
	notAdmin, err := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{
		Role:             "reader",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"missing":   "",
		"garbage":   "not-a-jwt",
		"expired":   expired,
		"foreign":   foreign,
		"wrongRole": notAdmin,
	} {
		t.Run(name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			AdminOnly(secret)(ok).ServeHTTP(rec, adminRequest(tok))
			assert.Equal(t, http.StatusUnauthorized, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "unauthorized", body["kind"])
		})
	}
}

func TestAdminOnly_EmptySecretDisablesCheck(t *testing.T) {
	rec := httptest.NewRecorder()
	AdminOnly("")(ok).ServeHTTP(rec, adminRequest(""))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMintAdminToken_RequiresSecret(t *testing.T) {
	_, err := MintAdminToken("", time.Hour, time.Now())
	assert.Error(t, err)
}

func TestMaxBodySize(t *testing.T) {
	var readErr error
	h := MaxBodySize(4)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789")))
	var tooLarge *http.MaxBytesError
	assert.True(t, errors.As(readErr, &tooLarge))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", strings.NewReader("012")))
	assert.NoError(t, readErr)
}

func TestRequestLogger_RecordsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	rec := httptest.NewRecorder()
	RequestLogger(logger)(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/user-schedule/u1", nil))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "/user-schedule/u1", line["path"])
	assert.EqualValues(t, http.StatusNoContent, line["status"])
}

func TestRequestLogger_HealthAtDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	RequestLogger(logger)(ok).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Zero(t, buf.Len())
}
