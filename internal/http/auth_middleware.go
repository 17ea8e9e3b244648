package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/MohamedRoshdi/devflow-sub019/pkg/jwt"
)

type authContextKey string

type authInfo struct {
	UserID string
	Name   string
}

const contextKeyAuth authContextKey = "devflow-auth-info"

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth ensures the request has a valid bearer token before invoking the handler.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, _, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// requirePermission wraps next with a global permission check.
func (r *Router) requirePermission(permission string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		info, ok := authInfoFromContext(req.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		allowed, err := r.permissions.Can(req.Context(), info.UserID, permission)
		if err != nil {
			r.writeServiceError(w, req, err)
			return
		}
		if !allowed {
			r.logger.Warn("permission denied", "user_id", info.UserID, "permission", permission, "path", req.URL.Path)
			writeError(w, http.StatusForbidden, "You do not have permission to perform this action")
			return
		}
		next(w, req)
	}
}

// ensureAuth validates the Authorization header and enriches the context.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request) (context.Context, authInfo, bool) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil {
		// Browsers cannot set headers on EventSource or WebSocket requests.
		token = strings.TrimSpace(req.URL.Query().Get("access_token"))
		if token == "" {
			r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return req.Context(), authInfo{}, false
		}
	}
	claims, err := jwt.Parse(token, r.jwtSecret)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return req.Context(), authInfo{}, false
	}
	info := authInfo{UserID: claims.UserID, Name: claims.Name}
	ctx := context.WithValue(req.Context(), contextKeyAuth, info)
	return ctx, info, true
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	return info, ok
}

func userID(req *http.Request) string {
	info, _ := authInfoFromContext(req.Context())
	return info.UserID
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
