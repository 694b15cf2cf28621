package access_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrisense-io/agrisense/core/access"
)

func TestTokenPairRoundtrip(t *testing.T) {
	issuer := access.MustNewTokenIssuer(&access.TokenIssuerBuilder{Secret: "test-secret"})

	userID := uuid.New()
	pair, err := issuer.IssuePair(&access.Authorization{
		UserID:    userID,
		Identity:  "maria",
		Superuser: true,
	})
	require.NoError(t, err)

	claims, err := issuer.Validate(pair.Access, access.TokenTypeAccess)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "maria", claims.Username)
	assert.True(t, claims.Superuser)

	// token types are not interchangeable
	_, err = issuer.Validate(pair.Access, access.TokenTypeRefresh)
	assert.Error(t, err)
	_, err = issuer.Validate(pair.Refresh, access.TokenTypeAccess)
	assert.Error(t, err)
}

func TestTokenRejectsWrongSecret(t *testing.T) {
	issuer := access.MustNewTokenIssuer(&access.TokenIssuerBuilder{Secret: "test-secret"})
	other := access.MustNewTokenIssuer(&access.TokenIssuerBuilder{Secret: "another-secret"})

	pair, err := issuer.IssuePair(&access.Authorization{UserID: uuid.New(), Identity: "maria"})
	require.NoError(t, err)

	_, err = other.Validate(pair.Access, access.TokenTypeAccess)
	assert.Error(t, err)
}

func TestTokenExpiry(t *testing.T) {
	issuer := access.MustNewTokenIssuer(&access.TokenIssuerBuilder{
		Secret:    "test-secret",
		AccessTTL: -time.Minute, // already expired
	})
	pair, err := issuer.IssuePair(&access.Authorization{UserID: uuid.New(), Identity: "maria"})
	require.NoError(t, err)

	_, err = issuer.Validate(pair.Access, access.TokenTypeAccess)
	assert.Error(t, err)
}
