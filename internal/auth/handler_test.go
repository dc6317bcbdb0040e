package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubVerifier struct {
	profile OAuthProfile
	err     error
}

func (s stubVerifier) Verify(context.Context, string) (OAuthProfile, error) {
	return s.profile, s.err
}

func newTestMux(t *testing.T, env *testEnv, google OAuthVerifier) *http.ServeMux {
	t.Helper()
	handler := NewHandler(env.sessions, env.resets, google, nil)
	handler.now = env.clock.Now
	mux := http.NewServeMux()
	handler.Routes(mux, nil)
	return mux
}

func doJSON(t *testing.T, mux http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHandlerSessionFlow(t *testing.T) {
	env := newTestEnv(t)
	mux := newTestMux(t, env, nil)

	rec := doJSON(t, mux, http.MethodPost, "/auth/register", `{
		"username":"alice","email":"alice@example.com",
		"password":"pw123456789012","confirm_password":"pw123456789012",
		"first_name":"Alice","last_name":"Liddell"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	registered := decodeBody[map[string]any](t, rec)
	assert.NotEmpty(t, registered["access_token"])
	assert.NotContains(t, rec.Body.String(), "password_hash")

	rec = doJSON(t, mux, http.MethodPost, "/auth/login", `{"username":"alice","password":"pw123456789012"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	tokens := decodeBody[Tokens](t, rec)

	rec = doJSON(t, mux, http.MethodGet, "/auth/me", "", map[string]string{"Authorization": "Bearer " + tokens.AccessToken})
	require.Equal(t, http.StatusOK, rec.Code)
	me := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "alice", me["username"])

	rec = doJSON(t, mux, http.MethodPost, "/auth/refresh", `{"refresh_token":"`+tokens.RefreshToken+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rotated := decodeBody[Tokens](t, rec)

	rec = doJSON(t, mux, http.MethodPost, "/auth/refresh", `{"refresh_token":"`+tokens.RefreshToken+`"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "token_revoked", decodeBody[map[string]string](t, rec)["code"])

	rec = doJSON(t, mux, http.MethodPost, "/auth/logout", `{"refresh_token":"`+rotated.RefreshToken+`"}`, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/auth/refresh", `{"refresh_token":"`+rotated.RefreshToken+`"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandlerLoginErrors(t *testing.T) {
	env := newTestEnv(t)
	env.registerAlice(t)
	mux := newTestMux(t, env, nil)

	rec := doJSON(t, mux, http.MethodPost, "/auth/login", `{"username":"alice"`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/auth/login", `{"username":"alice","password":"x","extra":1}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	for i := 0; i < 2; i++ {
		rec = doJSON(t, mux, http.MethodPost, "/auth/login", `{"username":"alice","password":"wrong-password-1"}`, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec = doJSON(t, mux, http.MethodPost, "/auth/login", `{"username":"alice","password":"wrong-password-1"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "900", rec.Header().Get("Retry-After"))
}

func TestHandlerLogoutNeverFails(t *testing.T) {
	env := newTestEnv(t)
	mux := newTestMux(t, env, nil)

	rec := doJSON(t, mux, http.MethodPost, "/auth/logout", `{"refresh_token":"garbage"}`, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/auth/logout", `{"refresh_token":""}`, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandlerRegisterConflict(t *testing.T) {
	env := newTestEnv(t)
	env.registerAlice(t)
	mux := newTestMux(t, env, nil)

	rec := doJSON(t, mux, http.MethodPost, "/auth/register", `{
		"username":"alice","email":"a2@example.com",
		"password":"pw123456789012","confirm_password":"pw123456789012"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandlerPasswordResetFlow(t *testing.T) {
	env := newTestEnv(t)
	env.registerAlice(t)
	mux := newTestMux(t, env, nil)

	rec := doJSON(t, mux, http.MethodPost, "/auth/password/forgot", `{"email":"alice@example.com"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "sent", decodeBody[map[string]string](t, rec)["status"])
	code := env.lastCode(t)

	rec = doJSON(t, mux, http.MethodPost, "/auth/password/reset", `{"email":"alice@example.com","otp":"`+code+`","new_password":"newpw1234567890","confirm_password":"newpw1234567890"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "otp_not_verified", decodeBody[map[string]string](t, rec)["code"])

	rec = doJSON(t, mux, http.MethodPost, "/auth/password/verify", `{"email":"alice@example.com","otp":"000000"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_otp", decodeBody[map[string]string](t, rec)["code"])

	rec = doJSON(t, mux, http.MethodPost, "/auth/password/verify", `{"email":"alice@example.com","otp":"`+code+`"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/auth/password/reset", `{"email":"alice@example.com","otp":"`+code+`","new_password":"newpw1234567890","confirm_password":"nope"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "password_mismatch", decodeBody[map[string]string](t, rec)["code"])

	rec = doJSON(t, mux, http.MethodPost, "/auth/password/reset", `{"email":"alice@example.com","otp":"`+code+`","new_password":"newpw1234567890","confirm_password":"newpw1234567890"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/auth/login", `{"username":"alice","password":"newpw1234567890"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerForgotPasswordHidesUnknownEmail(t *testing.T) {
	env := newTestEnv(t)
	mux := newTestMux(t, env, nil)

	rec := doJSON(t, mux, http.MethodPost, "/auth/password/forgot", `{"email":"ghost@example.com"}`, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "sent", decodeBody[map[string]string](t, rec)["status"])
}

func TestHandlerForgotPasswordReportsDeliveryFailure(t *testing.T) {
	env := newTestEnv(t)
	env.registerAlice(t)
	env.notifier.err = errors.New("smtp down")
	mux := newTestMux(t, env, nil)

	rec := doJSON(t, mux, http.MethodPost, "/auth/password/forgot", `{"email":"alice@example.com"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "failed", body["delivery"])
}

func TestHandlerOTPExpired(t *testing.T) {
	env := newTestEnv(t)
	env.registerAlice(t)
	mux := newTestMux(t, env, nil)

	rec := doJSON(t, mux, http.MethodPost, "/auth/password/forgot", `{"email":"alice@example.com"}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	env.clock.Advance(61 * time.Second)
	rec = doJSON(t, mux, http.MethodPost, "/auth/password/verify", `{"email":"alice@example.com","otp":"`+env.lastCode(t)+`"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "otp_expired", decodeBody[map[string]string](t, rec)["code"])
}

func TestHandlerGoogleLogin(t *testing.T) {
	env := newTestEnv(t)

	t.Run("not configured", func(t *testing.T) {
		mux := newTestMux(t, env, nil)
		rec := doJSON(t, mux, http.MethodPost, "/auth/oauth/google", `{"id_token":"x"}`, nil)
		assert.Equal(t, http.StatusNotImplemented, rec.Code)
	})

	t.Run("rejected credential", func(t *testing.T) {
		mux := newTestMux(t, env, stubVerifier{err: ErrInvalidIDToken})
		rec := doJSON(t, mux, http.MethodPost, "/auth/oauth/google", `{"id_token":"x"}`, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("verified identity", func(t *testing.T) {
		mux := newTestMux(t, env, stubVerifier{profile: OAuthProfile{Provider: ProviderGoogle, Email: "dana@example.com", FirstName: "Dana"}})
		rec := doJSON(t, mux, http.MethodPost, "/auth/oauth/google", `{"id_token":"x"}`, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		tokens := decodeBody[Tokens](t, rec)
		claims, err := env.codec.VerifyAccessToken(tokens.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, "dana@example.com", claims.Email)
		assert.True(t, claims.OAuth)
	})
}

func TestHandlerStoreOutageIsServiceUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.registerAlice(t)
	mux := newTestMux(t, env, nil)

	rec := doJSON(t, mux, http.MethodPost, "/auth/login", `{"username":"alice","password":"pw123456789012"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tokens := decodeBody[Tokens](t, rec)

	env.refresh.err = storeError("read refresh token", errors.New("timeout"))
	rec = doJSON(t, mux, http.MethodPost, "/auth/refresh", `{"refresh_token":"`+tokens.RefreshToken+`"}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
