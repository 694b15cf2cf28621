package access

import (
	"database/sql"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/agrisense-io/agrisense/core/csql"
	"github.com/agrisense-io/agrisense/core/errs"
	"github.com/agrisense-io/agrisense/core/logger"
)

// RoleEdge is the role carried by requests authorized with an API key.
// Key existence alone grants it; edge handlers do not consult the
// membership relation. The role opens nothing but the edge ingestion
// path: SessionAuthorization treats a key-authorized request as
// anonymous.
const RoleEdge = "edge"

// APIKeyMiddlewareBuilder is a helper builder for the API key middleware
type APIKeyMiddlewareBuilder struct {
	// DB is the postgres database. Must have the api_key relation
	// created by the users API. This is mandatory.
	DB *csql.DB
}

// NewAPIKeyMiddleware returns a middleware handler that authorizes
// requests carrying a valid key in the X-Api-Key header.
//
// A valid key yields an authorization with the "edge" role and the id
// of the user owning the key. An invalid key terminates the request
// with status unauthorized. Requests without the header pass through.
func NewAPIKeyMiddleware(b *APIKeyMiddlewareBuilder) mux.MiddlewareFunc {
	if b.DB == nil {
		panic("DB is missing")
	}

	keyQuery := fmt.Sprintf("SELECT user_id FROM %s.api_key WHERE key=$1;", b.DB.Schema)

	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := AuthorizationFromContext(r.Context())
			if auth != nil { // already authorized?
				h.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("X-Api-Key")
			if len(key) == 0 {
				h.ServeHTTP(w, r)
				return
			}

			var userID uuid.UUID
			err := b.DB.QueryRow(keyQuery, key).Scan(&userID)
			if err == sql.ErrNoRows {
				errs.WriteError(w, errs.Unauthorized("invalid api key"))
				return
			}
			if err != nil {
				logger.FromContext(r.Context()).WithError(err).Errorln("cannot query api key")
				errs.WriteError(w, errs.Internal("cannot query api key"))
				return
			}

			auth = &Authorization{
				UserID: userID,
				Roles:  []string{RoleEdge},
			}
			ctx := ContextWithAuthorization(r.Context(), auth)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
