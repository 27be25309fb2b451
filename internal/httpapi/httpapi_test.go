package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthCheck(t *testing.T) {
	s := New("")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusReflectsLastPush(t *testing.T) {
	s := New("")
	s.Push(Status{Zone: 3, Iteration: 7, Objective: 42.5, Infeasibility: 0.01, Mode: "qp"})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"iteration":7`)
	assert.Contains(t, rec.Body.String(), `"mode":"qp"`)
}

func TestAdminCancelRequiresBearerToken(t *testing.T) {
	s := New("a-secret-at-least-32-bytes-long!")

	req := httptest.NewRequest(http.MethodPost, "/admin/cancel", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, s.CancelRequested())
}

func TestAdminCancelWithoutSecretConfiguredIsAlwaysUnauthorized(t *testing.T) {
	s := New("")
	token, err := SignAdminToken("anything", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/admin/cancel", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminCancelAcceptsValidToken(t *testing.T) {
	secret := "a-secret-at-least-32-bytes-long!"
	s := New(secret)
	token, err := SignAdminToken(secret, time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/admin/cancel", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, s.CancelRequested())
}

func TestAdminCancelRejectsTokenSignedWithWrongSecret(t *testing.T) {
	s := New("correct-secret-at-least-32-bytes")
	token, err := SignAdminToken("wrong-secret-at-least-32-bytes!!", time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/admin/cancel", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, s.CancelRequested())
}

func TestAdminCancelRejectsExpiredToken(t *testing.T) {
	secret := "a-secret-at-least-32-bytes-long!"
	s := New(secret)
	token, err := SignAdminToken(secret, -time.Minute)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/admin/cancel", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
