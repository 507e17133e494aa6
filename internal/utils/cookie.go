package utils

import (
	"net/http"
	"strings"
	"time"
)

// CookiePolicy holds the attributes shared by the auth cookies. The zero value scopes
// cookies to "/" on the request host with SameSite=Lax.
type CookiePolicy struct {
	Domain   string
	Path     string
	SameSite http.SameSite
}

// ParseSameSite maps "strict", "lax" or "none" to its mode; anything else is Lax.
func ParseSameSite(v string) http.SameSite {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

func (p CookiePolicy) cookie(r *http.Request, name, value string) *http.Cookie {
	path := p.Path
	if path == "" {
		path = "/"
	}
	sameSite := p.SameSite
	if sameSite == 0 {
		sameSite = http.SameSiteLaxMode
	}
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   p.Domain,
		HttpOnly: true,
		// browsers drop SameSite=None cookies that are not Secure
		Secure:   IsSecureRequest(r) || sameSite == http.SameSiteNoneMode,
		SameSite: sameSite,
	}
}

// Set writes an HttpOnly cookie that expires at expires.
func (p CookiePolicy) Set(w http.ResponseWriter, r *http.Request, name, value string, expires time.Time) {
	c := p.cookie(r, name, value)
	c.Expires = expires
	http.SetCookie(w, c)
}

// Clear expires a cookie set with the same policy.
func (p CookiePolicy) Clear(w http.ResponseWriter, r *http.Request, name string) {
	c := p.cookie(r, name, "")
	c.Expires = time.Unix(0, 0)
	c.MaxAge = -1
	http.SetCookie(w, c)
}

// IsSecureRequest reports whether the request reached us over TLS, directly or behind a proxy.
func IsSecureRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
