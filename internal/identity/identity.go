// Package identity resolves who is acting on a request. It does not
// authenticate; an upstream gateway is trusted to have done that.
package identity

import (
	"context"
	"net/http"
	"strings"

	"github.com/p-n-ai/pai-arena/internal/apperr"
)

// Role is a platform role.
type Role string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleStudent || r == RoleTeacher
}

// Actor is the resolved caller.
type Actor struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}

// IsTeacher reports whether the actor may read class-wide data.
func (a Actor) IsTeacher() bool {
	return a.Role == RoleTeacher
}

// Provider resolves the actor for an HTTP request.
type Provider interface {
	Resolve(r *http.Request) (Actor, error)
}

// Gateway header names read by HeaderProvider.
const (
	HeaderUserID   = "X-User-ID"
	HeaderUserName = "X-User-Name"
	HeaderUserRole = "X-User-Role"
)

// HeaderProvider trusts identity headers set by an authenticating gateway.
type HeaderProvider struct {
	// DefaultRole applies when the role header is absent.
	DefaultRole Role
}

func (p HeaderProvider) Resolve(r *http.Request) (Actor, error) {
	a := Actor{
		ID:          strings.TrimSpace(r.Header.Get(HeaderUserID)),
		DisplayName: strings.TrimSpace(r.Header.Get(HeaderUserName)),
		Role:        Role(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderUserRole)))),
	}
	if a.ID == "" {
		return Actor{}, apperr.Invalid(HeaderUserID, "header is required")
	}
	if a.Role == "" {
		a.Role = p.DefaultRole
		if a.Role == "" {
			a.Role = RoleStudent
		}
	}
	if !a.Role.Valid() {
		return Actor{}, apperr.Invalid(HeaderUserRole, "unknown role %q", a.Role)
	}
	if a.DisplayName == "" {
		a.DisplayName = a.ID
	}
	return a, nil
}

type ctxKey struct{}

// WithActor returns a copy of ctx carrying a.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// FromContext returns the actor stored by WithActor.
func FromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ctxKey{}).(Actor)
	return a, ok
}
