package access_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/agrisense-io/agrisense/core/access"
)

func TestSessionAuthorizationIgnoresAPIKeys(t *testing.T) {
	session := &access.Authorization{UserID: uuid.New(), Identity: "maria"}
	ctx := access.ContextWithAuthorization(context.Background(), session)
	assert.Equal(t, session, access.SessionAuthorization(ctx))

	// a key-authorized request is anonymous outside the edge path
	edge := &access.Authorization{UserID: uuid.New(), Roles: []string{access.RoleEdge}}
	ctx = access.ContextWithAuthorization(context.Background(), edge)
	assert.Nil(t, access.SessionAuthorization(ctx))
	assert.Equal(t, edge, access.AuthorizationFromContext(ctx))

	assert.Nil(t, access.SessionAuthorization(context.Background()))
}
