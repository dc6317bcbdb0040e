package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"timenest-backend/internal/observability"
)

const maxJSONBodyBytes = 1 << 20

// OAuthVerifier turns a provider credential into a verified identity.
type OAuthVerifier interface {
	Verify(ctx context.Context, credential string) (OAuthProfile, error)
}

type Handler struct {
	sessions *Service
	resets   *PasswordResetService
	google   OAuthVerifier
	logger   *observability.Logger
	now      func() time.Time
}

func NewHandler(sessions *Service, resets *PasswordResetService, google OAuthVerifier, logger *observability.Logger) *Handler {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Handler{sessions: sessions, resets: resets, google: google, logger: logger, now: time.Now}
}

// Routes mounts the auth routes on mux. Unauthenticated endpoints that
// take credentials sit behind limiter.
func (h *Handler) Routes(mux *http.ServeMux, limiter *LoginRateLimiter) {
	throttle := func(next http.HandlerFunc) http.Handler {
		if limiter == nil {
			return next
		}
		return limiter.Middleware(next)
	}

	mux.Handle("POST /auth/register", throttle(h.SignUp))
	mux.Handle("POST /auth/login", throttle(h.Login))
	mux.Handle("POST /auth/oauth/google", throttle(h.GoogleLogin))
	mux.HandleFunc("POST /auth/refresh", h.Refresh)
	mux.HandleFunc("POST /auth/logout", h.Logout)
	mux.Handle("GET /auth/me", Middleware(h.sessions, http.HandlerFunc(h.Me)))
	mux.Handle("POST /auth/password/forgot", throttle(h.ForgotPassword))
	mux.Handle("POST /auth/password/verify", throttle(h.VerifyOTP))
	mux.Handle("POST /auth/password/reset", throttle(h.ResetPassword))
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type googleLoginRequest struct {
	IDToken string `json:"id_token"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type verifyOTPRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

type resetPasswordRequest struct {
	Email           string `json:"email"`
	OTP             string `json:"otp"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

type registerResponse struct {
	Tokens
	User User `json:"user"`
}

func (h *Handler) SignUp(w http.ResponseWriter, r *http.Request) {
	var body RegisterInput
	if !decodeJSON(w, r, &body) {
		return
	}

	tokens, user, err := h.sessions.Register(r.Context(), body)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to register")
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{Tokens: tokens, User: user})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	body.Username = strings.TrimSpace(body.Username)
	if body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}
	if len(body.Password) > maxPasswordBytes {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	tokens, err := h.sessions.Login(r.Context(), body.Username, body.Password)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to login")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	var body googleLoginRequest
	if !decodeJSON(w, r, &body) {
		return
	}
	if h.google == nil {
		writeError(w, http.StatusNotImplemented, "google sign-in is not configured")
		return
	}

	body.IDToken = strings.TrimSpace(body.IDToken)
	if body.IDToken == "" {
		writeError(w, http.StatusBadRequest, "id_token is required")
		return
	}

	profile, err := h.google.Verify(r.Context(), body.IDToken)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to verify google identity")
		return
	}

	tokens, err := h.sessions.LoginWithOAuth(r.Context(), profile)
	if err != nil {
		h.writeServiceError(w, r, err, "failed to login")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	tokens, err := h.sessions.Refresh(r.Context(), strings.TrimSpace(body.RefreshToken))
	if err != nil {
		h.writeServiceError(w, r, err, "failed to refresh token")
		return
	}

	writeJSON(w, http.StatusOK, tokens)
}

// Logout always answers 204 once the body parses; an unknown or already
// revoked token is not reported back.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	h.sessions.Logout(r.Context(), strings.TrimSpace(body.RefreshToken))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeUnauthorized(w, ErrMissingAuthorization)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *Handler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var body forgotPasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	issue, err := h.resets.ForgotPassword(r.Context(), body.Email)
	switch {
	case errors.Is(err, ErrUserNotFound):
		// Same answer as a real account; registered emails are not disclosed.
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
		return
	case err != nil:
		h.writeServiceError(w, r, err, "failed to start password reset")
		return
	}

	response := map[string]string{
		"status":     "sent",
		"expires_at": issue.ExpiresAt.Format(time.RFC3339),
	}
	if !issue.Delivered {
		response["status"] = "pending"
		response["delivery"] = "failed"
	}
	writeJSON(w, http.StatusAccepted, response)
}

func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var body verifyOTPRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.resets.VerifyOTP(r.Context(), body.Email, body.OTP); err != nil {
		h.writeServiceError(w, r, err, "failed to verify otp")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetPasswordRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	err := h.resets.ResetPassword(r.Context(), body.Email, body.OTP, body.NewPassword, body.ConfirmPassword)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			err = ErrOTPNotVerified
		}
		h.writeServiceError(w, r, err, "failed to reset password")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "password_reset"})
}

// writeServiceError maps the error taxonomy to HTTP responses. Anything it
// does not recognise is logged and reported as a 500.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	var locked ErrLoginLocked
	switch {
	case errors.As(err, &locked):
		retryAfter := int(locked.Until.Sub(h.now()).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeErrorCode(w, http.StatusTooManyRequests, "login_locked", "login temporarily locked")
	case errors.Is(err, ErrInvalidCredentials):
		writeErrorCode(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
	case errors.Is(err, ErrRevokedToken):
		writeErrorCode(w, http.StatusUnauthorized, "token_revoked", "refresh token revoked")
	case errors.Is(err, ErrInvalidRefreshToken):
		writeErrorCode(w, http.StatusUnauthorized, "invalid_refresh_token", "invalid or expired refresh token")
	case errors.Is(err, ErrInvalidIDToken):
		writeErrorCode(w, http.StatusUnauthorized, "invalid_id_token", "invalid google credential")
	case errors.Is(err, ErrOAuthNotConfigured):
		writeErrorCode(w, http.StatusNotImplemented, "oauth_not_configured", "google sign-in is not configured")
	case errors.Is(err, ErrInvalidOTP):
		writeErrorCode(w, http.StatusBadRequest, "invalid_otp", "invalid otp")
	case errors.Is(err, ErrOTPExpired):
		writeErrorCode(w, http.StatusBadRequest, "otp_expired", "otp expired")
	case errors.Is(err, ErrOTPNotVerified):
		writeErrorCode(w, http.StatusBadRequest, "otp_not_verified", "otp not verified")
	case errors.Is(err, ErrPasswordMismatch):
		writeErrorCode(w, http.StatusBadRequest, "password_mismatch", "passwords do not match")
	case errors.Is(err, ErrWeakPassword):
		writeErrorCode(w, http.StatusBadRequest, "weak_password", err.Error())
	case errors.Is(err, ErrInvalidInput):
		writeErrorCode(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, ErrIdentityTaken):
		writeErrorCode(w, http.StatusConflict, "identity_taken", "username or email already registered")
	case errors.Is(err, ErrUserNotFound):
		writeErrorCode(w, http.StatusNotFound, "user_not_found", "user not found")
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, context.DeadlineExceeded):
		h.logger.Error("auth_store_unavailable", map[string]any{"path": r.URL.Path, "error": err})
		observability.CaptureError(err, map[string]string{"path": r.URL.Path})
		writeErrorCode(w, http.StatusServiceUnavailable, "store_unavailable", "service temporarily unavailable")
	default:
		h.logger.Error("auth_request_failed", map[string]any{"path": r.URL.Path, "error": err})
		observability.CaptureError(err, map[string]string{"path": r.URL.Path})
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
