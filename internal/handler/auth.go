package handler

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/techize/batchivo-sub001/pkg/backend"
)

var authCookies = []string{"access_token", "refresh_token", "user_id"}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// login authenticates against the backend and sets session cookies on success.
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	if h.tokens == nil {
		writeError(w, http.StatusNotImplemented, "login is not configured")
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	tr, err := h.tokens.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.logger.Info("login failed", zap.String("email", req.Email), zap.Error(err))
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	h.setSessionCookies(w, r, tr)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": tr.AccessToken,
		"expires_in":   tr.ExpiresIn,
		"user_id":      tr.User.ID,
		"tenant_id":    tr.User.TenantID,
	})
}

// refresh trades the refresh_token cookie for a new access token.
func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	if h.tokens == nil {
		writeError(w, http.StatusNotImplemented, "login is not configured")
		return
	}
	c, err := r.Cookie("refresh_token")
	if err != nil || c.Value == "" {
		writeError(w, http.StatusUnauthorized, "missing refresh token")
		return
	}

	tr, err := h.tokens.RefreshToken(r.Context(), c.Value)
	if err != nil {
		h.logger.Info("token refresh failed", zap.Error(err))
		for _, n := range authCookies {
			h.cookies.Clear(w, r, n)
		}
		writeError(w, http.StatusUnauthorized, "refresh token rejected")
		return
	}

	h.setSessionCookies(w, r, tr)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": tr.AccessToken,
		"expires_in":   tr.ExpiresIn,
	})
}

func (h *Handler) setSessionCookies(w http.ResponseWriter, r *http.Request, tr *backend.TokenResponse) {
	expires := time.Now().Add(time.Hour)
	if tr.ExpiresIn > 0 {
		expires = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	h.cookies.Set(w, r, "access_token", tr.AccessToken, expires)
	if tr.RefreshToken != "" {
		h.cookies.Set(w, r, "refresh_token", tr.RefreshToken, time.Now().Add(30*24*time.Hour))
	}
	if tr.User.ID != "" {
		h.cookies.Set(w, r, "user_id", tr.User.ID, expires)
	}
}

// logout clears auth cookies.
func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	for _, n := range authCookies {
		h.cookies.Clear(w, r, n)
	}
	w.WriteHeader(http.StatusNoContent)
}
