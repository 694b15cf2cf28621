/*Package access provides utilities for access control
 */
package access

import (
	"context"

	"github.com/google/uuid"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

// the predefined context keys
const (
	contextKeyAuthorization contextKey = "_authorization_"
	contextKeyIdentity      contextKey = "_identity_"
)

/*
Authorization is a context object which stores who the requester is.

For session requests it carries the user id, the username as identity
and the superuser flag. For the edge ingestion path it carries the
"edge" role and the id of the user owning the presented API key.

Authorizations are added to a request context with

	ctx = access.ContextWithAuthorization(ctx, auth)

and retrieved with

	auth := access.AuthorizationFromContext(ctx)

Authorization objects are added to the context by different middleware
implementations, depending on the credential in the HTTP request: a
JWT bearer token or an X-Api-Key header.
*/
type Authorization struct {
	UserID    uuid.UUID `json:"user_id"`
	Identity  string    `json:"identity,omitempty"`
	Superuser bool      `json:"superuser,omitempty"`
	Roles     []string  `json:"roles,omitempty"`
}

// HasRole returns true if the authorization contains the requested role;
// otherwise it returns false.
func (a *Authorization) HasRole(role string) bool {
	if a == nil || a.Roles == nil {
		return false
	}
	for _, hasRole := range a.Roles {
		if role == hasRole {
			return true
		}
	}
	return false
}

// IsSuperuser returns true if the authorization belongs to a superuser
func (a *Authorization) IsSuperuser() bool {
	return a != nil && a.Superuser
}

// ContextWithAuthorization returns a new context with this authorization added to it
func ContextWithAuthorization(ctx context.Context, a *Authorization) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, a)
}

// AuthorizationFromContext retrieves an authorization from the context
func AuthorizationFromContext(ctx context.Context) *Authorization {
	a, ok := ctx.Value(contextKeyAuthorization).(*Authorization)
	if ok {
		return a
	}
	return nil
}

// SessionAuthorization retrieves an authorization from the context,
// ignoring API key authorizations. An API key opens the edge ingestion
// path only; everywhere else the holder of a key is anonymous.
func SessionAuthorization(ctx context.Context) *Authorization {
	auth := AuthorizationFromContext(ctx)
	if auth.HasRole(RoleEdge) {
		return nil
	}
	return auth
}

// ContextWithIdentity returns a new context with the authenticated identity added to it
func ContextWithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, contextKeyIdentity, identity)
}

// IdentityFromContext retrieves the authenticated identity from the context
func IdentityFromContext(ctx context.Context) string {
	identity, ok := ctx.Value(contextKeyIdentity).(string)
	if ok {
		return identity
	}
	return ""
}
