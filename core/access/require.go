package access

import (
	"net/http"

	"github.com/agrisense-io/agrisense/core/errs"
)

// RequireAuthorization returns the session authorization from the
// request context. If the request is anonymous or authorized by API
// key only, it writes an unauthorized error and returns false.
func RequireAuthorization(w http.ResponseWriter, r *http.Request) (*Authorization, bool) {
	auth := SessionAuthorization(r.Context())
	if auth == nil {
		errs.WriteError(w, errs.Unauthorized("authentication required"))
		return nil, false
	}
	return auth, true
}

// RequireSuperuser is RequireAuthorization plus a superuser check. A
// non superuser gets a forbidden error.
func RequireSuperuser(w http.ResponseWriter, r *http.Request) (*Authorization, bool) {
	auth, ok := RequireAuthorization(w, r)
	if !ok {
		return nil, false
	}
	if !auth.IsSuperuser() {
		errs.WriteError(w, errs.Forbidden("you are not allowed to do this"))
		return nil, false
	}
	return auth, true
}
