package rbac

import (
	"net/http"
	"strconv"
	"strings"

	"log/slog"

	"github.com/odyssey-erp/corebank/internal/platform/httpx"
	"github.com/odyssey-erp/corebank/internal/shared"
)

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Logger *slog.Logger
}

// Identify turns the gateway identity headers into a shared.Actor on the context.
// Requests without a valid actor id continue anonymously and fail permission checks.
func (m Middleware) Identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := m.actorFromHeaders(r)
		if ok {
			r = r.WithContext(shared.ContextWithActor(r.Context(), actor))
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAny ensures the current actor has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok || actor.ID == 0 {
				httpx.RespondError(w, shared.ErrForbidden)
				return
			}
			if hasAnyPermission(actor.Permissions, normalized) {
				next.ServeHTTP(w, r)
				return
			}
			m.deny(r, actor, normalized)
			httpx.RespondError(w, shared.ErrForbidden)
		})
	}
}

// RequireAll ensures the current actor has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(normalized) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			actor, ok := shared.ActorFromContext(r.Context())
			if !ok || actor.ID == 0 {
				httpx.RespondError(w, shared.ErrForbidden)
				return
			}
			if hasAllPermissions(actor.Permissions, normalized) {
				next.ServeHTTP(w, r)
				return
			}
			m.deny(r, actor, normalized)
			httpx.RespondError(w, shared.ErrForbidden)
		})
	}
}

func (m Middleware) deny(r *http.Request, actor shared.Actor, required []string) {
	if m.Logger != nil {
		m.Logger.Warn("rbac denied", slog.Int64("actor", actor.ID), slog.String("path", r.URL.Path), slog.Any("required", required))
	}
}

func (m Middleware) actorFromHeaders(r *http.Request) (shared.Actor, bool) {
	raw := strings.TrimSpace(r.Header.Get(HeaderActorID))
	if raw == "" {
		return shared.Actor{}, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		if m.Logger != nil {
			m.Logger.Error("rbac parse actor id", slog.String("value", raw))
		}
		return shared.Actor{}, false
	}
	var perms []string
	for _, p := range strings.Split(r.Header.Get(HeaderPermissions), ",") {
		if p = strings.TrimSpace(p); p != "" {
			perms = append(perms, p)
		}
	}
	return shared.Actor{
		ID:          id,
		BranchCode:  strings.ToUpper(strings.TrimSpace(r.Header.Get(HeaderBranchCode))),
		Permissions: normalizePermissions(perms),
	}, true
}

func normalizePermissions(perms []string) []string {
	unique := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		p = strings.TrimSpace(strings.ToLower(p))
		if p == "" {
			continue
		}
		unique[p] = struct{}{}
	}
	normalized := make([]string, 0, len(unique))
	for p := range unique {
		normalized = append(normalized, p)
	}
	return normalized
}

func hasAnyPermission(granted []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(granted))
	for _, p := range granted {
		set[strings.ToLower(p)] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; ok {
			return true
		}
	}
	return false
}

func hasAllPermissions(granted []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(granted))
	for _, p := range granted {
		set[strings.ToLower(p)] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}
