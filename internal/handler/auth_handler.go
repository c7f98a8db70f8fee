package handler

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"blog-auth-service/internal/apperror"
	"blog-auth-service/internal/config"
	"blog-auth-service/internal/service"
	"blog-auth-service/internal/util"
)

// AuthHandler handles HTTP requests for the auth flows
type AuthHandler struct {
	auth   *service.AuthService
	cookie config.CookieConfig
	responder
}

func NewAuthHandler(auth *service.AuthService, cookie config.CookieConfig, production bool, logger *zap.Logger) *AuthHandler {
	if cookie.Name == "" {
		cookie.Name = "refreshToken"
	}
	if cookie.Path == "" {
		cookie.Path = "/"
	}
	return &AuthHandler{
		auth:      auth,
		cookie:    cookie,
		responder: responder{logger: logger, production: production},
	}
}

type emailRequest struct {
	Email string `json:"email"`
}

type otpRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type resendRequest struct {
	Email string `json:"email"`
	Type  string `json:"type"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type passwordUpdateRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

type passwordResetRequest struct {
	Token           string `json:"token"`
	NewPassword     string `json:"newPassword"`
	ConfirmPassword string `json:"confirmPassword"`
}

// sessionResponse is the body of a completed login or registration. The
// refresh token only travels in the cookie.
type sessionResponse struct {
	AccessToken string      `json:"accessToken"`
	User        interface{} `json:"user"`
}

func (h *AuthHandler) setRefreshCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    token,
		Path:     h.cookie.Path,
		Domain:   h.cookie.Domain,
		Expires:  expires,
		MaxAge:   int(time.Until(expires).Seconds()),
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *AuthHandler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     h.cookie.Path,
		Domain:   h.cookie.Domain,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// refreshTokenFrom prefers the cookie and falls back to the JSON body.
func (h *AuthHandler) refreshTokenFrom(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(h.cookie.Name); err == nil && c.Value != "" {
		return c.Value
	}
	if r.ContentLength == 0 {
		return ""
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return ""
	}
	return req.RefreshToken
}

func (h *AuthHandler) respondWithSession(w http.ResponseWriter, sess *service.Session, message string) {
	h.setRefreshCookie(w, sess.RefreshToken, sess.RefreshExpiresAt)
	h.respondWithJSON(w, http.StatusOK, successResponse(sessionResponse{
		AccessToken: sess.AccessToken,
		User:        sess.Account,
	}, message))
}

// Register handles POST /register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterInput
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	if util.ContainsSuspicious(req.Name) {
		h.respondWithError(w, r, apperror.Validation("name", "name contains invalid characters"))
		return
	}

	pending, err := h.auth.Register(r.Context(), roleFrom(r.Context()), req)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(pending, "OTP sent to your email, please verify to complete registration"))
}

// VerifyRegistration handles POST /register/verify-otp
func (h *AuthHandler) VerifyRegistration(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	sess, err := h.auth.VerifyRegistration(r.Context(), roleFrom(r.Context()), req.Email, req.OTP)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondWithSession(w, sess, "Registration completed successfully")
}

// RegistrationStatus handles GET /register/status?email=
func (h *AuthHandler) RegistrationStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.auth.CheckRegistrationStatus(r.Context(), roleFrom(r.Context()), r.URL.Query().Get("email"))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(status, ""))
}

// Login handles POST /login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	pending, err := h.auth.Login(r.Context(), roleFrom(r.Context()), req.Email, req.Password)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(pending, "OTP sent to your email, please verify to complete login"))
}

// VerifyLogin handles POST /login/verify-otp
func (h *AuthHandler) VerifyLogin(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	sess, err := h.auth.VerifyLogin(r.Context(), roleFrom(r.Context()), req.Email, req.OTP)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondWithSession(w, sess, "Login successful")
}

// Logout handles POST /login/logout. The cookie is cleared only once the
// token is revoked.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.Logout(r.Context(), h.refreshTokenFrom(w, r)); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.clearRefreshCookie(w)
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Logged out successfully"))
}

// RefreshToken handles POST /refresh-token
func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	access, err := h.auth.RefreshAccessToken(r.Context(), h.refreshTokenFrom(w, r))
	if err != nil {
		if apperror.As(err).Kind() != apperror.KindDependencyFailure {
			h.clearRefreshCookie(w)
		}
		h.respondWithError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]string{"accessToken": access}, ""))
}

// ResendRegistrationOTP handles POST /registration-otp/resend for callers
// without a session. Only the pre-session purposes are accepted here.
func (h *AuthHandler) ResendRegistrationOTP(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	if req.Type == "" {
		req.Type = "registration"
	}
	if req.Type != "registration" && req.Type != "login" {
		h.respondWithError(w, r, apperror.ErrForbiddenRole.WithMessage("this OTP type requires an authenticated session"))
		return
	}
	h.resend(w, r, req.Email, req.Type)
}

// RegistrationOTPStatus handles GET /registration-otp/status?email=&type=
func (h *AuthHandler) RegistrationOTPStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	purpose := q.Get("type")
	if purpose == "" {
		purpose = "registration"
	}
	h.otpStatus(w, r, q.Get("email"), purpose)
}

// ResendOTP handles POST /otp/resend for signed-in callers. The email is
// taken from the account except for email updates, where the code goes to
// the pending address.
func (h *AuthHandler) ResendOTP(w http.ResponseWriter, r *http.Request) {
	var req resendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	email, err := h.sessionEmail(r, req.Type, req.Email)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.resend(w, r, email, req.Type)
}

// OTPStatus handles GET /otp/status?type=&email=
func (h *AuthHandler) OTPStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	email, err := h.sessionEmail(r, q.Get("type"), q.Get("email"))
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.otpStatus(w, r, email, q.Get("type"))
}

func (h *AuthHandler) sessionEmail(r *http.Request, purpose, requested string) (string, error) {
	if purpose == "email_update" {
		return requested, nil
	}
	p, _ := principalFrom(r.Context())
	me, err := h.auth.Me(r.Context(), p)
	if err != nil {
		return "", err
	}
	return me.Email, nil
}

func (h *AuthHandler) resend(w http.ResponseWriter, r *http.Request, email, purpose string) {
	pending, err := h.auth.ResendOTP(r.Context(), roleFrom(r.Context()), email, purpose)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(pending, "OTP resent successfully"))
}

func (h *AuthHandler) otpStatus(w http.ResponseWriter, r *http.Request, email, purpose string) {
	status, err := h.auth.CheckOTPStatus(r.Context(), roleFrom(r.Context()), email, purpose)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(status, ""))
}

// ForgotPassword handles POST /password/forgot. The answer is the same
// whether or not the email is registered.
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	if err := h.auth.RequestPasswordReset(r.Context(), roleFrom(r.Context()), req.Email); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "If an account exists for this email, a reset link has been sent"))
}

// ResetPassword handles POST /password/reset
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req passwordResetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	if req.Token == "" {
		req.Token = r.URL.Query().Get("token")
	}
	if err := h.auth.VerifyPasswordReset(r.Context(), roleFrom(r.Context()), req.Token, req.NewPassword, req.ConfirmPassword); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Password has been reset, please log in"))
}

// Me handles GET /me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	me, err := h.auth.Me(r.Context(), p)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(me, ""))
}

// UpdatePassword handles POST /password/update
func (h *AuthHandler) UpdatePassword(w http.ResponseWriter, r *http.Request) {
	var req passwordUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	p, _ := principalFrom(r.Context())
	pending, err := h.auth.RequestPasswordUpdate(r.Context(), p, req.OldPassword, req.NewPassword)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(pending, "OTP sent to your email, please verify to change your password"))
}

// VerifyPasswordUpdate handles POST /password/update/verify-otp
func (h *AuthHandler) VerifyPasswordUpdate(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	p, _ := principalFrom(r.Context())
	if err := h.auth.VerifyPasswordUpdate(r.Context(), p, req.OTP); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Password updated successfully"))
}

// UpdateEmail handles POST /email/update
func (h *AuthHandler) UpdateEmail(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	p, _ := principalFrom(r.Context())
	pending, err := h.auth.RequestEmailUpdate(r.Context(), p, req.Email)
	if err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(pending, "OTP sent to the new email address"))
}

// VerifyEmailUpdate handles POST /email/update/verify-otp
func (h *AuthHandler) VerifyEmailUpdate(w http.ResponseWriter, r *http.Request) {
	var req otpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	p, _ := principalFrom(r.Context())
	if err := h.auth.VerifyEmailUpdate(r.Context(), p, req.Email, req.OTP); err != nil {
		h.respondWithError(w, r, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Email updated successfully"))
}
