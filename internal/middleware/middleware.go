package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/techize/batchivo-sub001/internal/metrics"
	authpkg "github.com/techize/batchivo-sub001/pkg/auth"
)

type contextKey string

const (
	ctxUserID   contextKey = "userID"
	ctxTenantID contextKey = "tenantID"
	ctxClaims   contextKey = "claims"
)

// RequireAuth validates the bearer JWT (or the access_token cookie) and puts the
// claims, user id and tenant id in the request context. The tenant comes from the
// tenant_id claim and falls back to sub.
func RequireAuth(auth authpkg.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				if c, err := r.Cookie("access_token"); err == nil && c.Value != "" {
					r.Header.Set("Authorization", "Bearer "+c.Value)
				}
			}
			claims, ok := auth.Authenticate(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			uid := authpkg.StringClaim(claims, "sub", "user_id")
			tenantID := authpkg.StringClaim(claims, "tenant_id", "sub")
			if tenantID == "" {
				writeError(w, http.StatusUnauthorized, "token has no tenant")
				return
			}
			ctx := context.WithValue(r.Context(), ctxClaims, claims)
			ctx = context.WithValue(ctx, ctxUserID, uid)
			ctx = context.WithValue(ctx, ctxTenantID, tenantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole returns middleware that requires a role claim (exact match).
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := Claims(r.Context())
			if claims == nil {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			if rRole, ok := claims["role"].(string); !ok || rRole != role {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PlatformAdminClaim marks operators allowed to act on tenants other than their own.
const PlatformAdminClaim = "platform_admin"

// IsPlatformAdmin reports whether the authenticated claims carry platform_admin=true.
func IsPlatformAdmin(ctx context.Context) bool {
	v, _ := Claims(ctx)[PlatformAdminClaim].(bool)
	return v
}

// RequestLogger logs one line per request and observes the request duration.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			elapsed := time.Since(start)
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())

			fields := []zap.Field{
				zap.String("request_id", chimw.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", elapsed),
			}
			if tenantID := TenantID(r.Context()); tenantID != "" {
				fields = append(fields, zap.String("tenant_id", tenantID))
			}
			switch {
			case status >= 500:
				logger.Error("request", fields...)
			case status >= 400:
				logger.Warn("request", fields...)
			default:
				logger.Info("request", fields...)
			}
		})
	}
}

// TenantID returns the authenticated tenant, or "" outside RequireAuth.
func TenantID(ctx context.Context) string {
	v, _ := ctx.Value(ctxTenantID).(string)
	return v
}

// UserID returns the authenticated user, or "".
func UserID(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// Claims returns the raw token claims, or nil.
func Claims(ctx context.Context) map[string]interface{} {
	v, _ := ctx.Value(ctxClaims).(map[string]interface{})
	return v
}

// WithTenant returns ctx carrying tenantID, as RequireAuth would set it.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ctxTenantID, tenantID)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
