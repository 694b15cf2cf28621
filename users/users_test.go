package users_test

import (
	"net/http"
	"os"
	"testing"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrisense-io/agrisense/core/access"
	"github.com/agrisense-io/agrisense/core/client"
	"github.com/agrisense-io/agrisense/core/csql"
	"github.com/agrisense-io/agrisense/users"
)

// TestService holds the configuration for this test
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type TestService struct {
	Postgres         string `env:"POSTGRES,optional" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	issuer           *access.TokenIssuer
	client           client.Client
}

var testService TestService

func TestMain(m *testing.M) {
	envdecode.Decode(&testService)
	if testService.Postgres == "" {
		// no database configured, nothing to test here
		os.Exit(0)
	}

	db := csql.OpenWithSchema(testService.Postgres, testService.PostgresPassword, "_users_unit_test_")
	defer db.Close()
	db.ClearSchema()

	testService.issuer = access.MustNewTokenIssuer(&access.TokenIssuerBuilder{Secret: "test-secret"})

	router := mux.NewRouter()
	router.Use(access.NewJwtMiddleware(testService.issuer))
	users.MustNewAPI(&users.Builder{
		DB:     db,
		Router: router,
		Issuer: testService.issuer,
	})
	testService.client = client.NewWithRouter(router)

	os.Exit(m.Run())
}

type registerResponse struct {
	User    users.User `json:"user"`
	Access  string     `json:"access"`
	Refresh string     `json:"refresh"`
}

func register(t *testing.T, username, password string) registerResponse {
	t.Helper()
	response := registerResponse{}
	_, err := testService.client.RawPost("/users", map[string]string{
		"username": username,
		"password": password,
	}, &response)
	require.NoError(t, err)
	require.NotEmpty(t, response.Access)
	require.NotEmpty(t, response.Refresh)
	return response
}

func TestRegisterLoginRefresh(t *testing.T) {
	registered := register(t, "maria", "grapevine1")

	// the access token authenticates requests
	authenticated := testService.client.WithHeader("Authorization", "Bearer "+registered.Access)
	details := users.User{}
	_, err := authenticated.RawGet("/users/details", &details)
	require.NoError(t, err)
	assert.Equal(t, registered.User.UserID, details.UserID)
	assert.Equal(t, "maria", details.Username)
	assert.False(t, details.Superuser)

	pair := access.TokenPair{}
	_, err = testService.client.RawPost("/login", map[string]string{
		"username": "maria",
		"password": "grapevine1",
	}, &pair)
	require.NoError(t, err)

	refreshed := access.TokenPair{}
	_, err = testService.client.RawPost("/refresh", map[string]string{
		"refresh": pair.Refresh,
	}, &refreshed)
	require.NoError(t, err)
	assert.NotEmpty(t, refreshed.Access)

	// an access token is not a refresh token
	status, _ := testService.client.RawPost("/refresh", map[string]string{
		"refresh": pair.Access,
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestLoginWrongPassword(t *testing.T) {
	register(t, "pedro", "grapevine1")

	status, _ := testService.client.RawPost("/login", map[string]string{
		"username": "pedro",
		"password": "not the password",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	// unknown users get the identical answer
	status, _ = testService.client.RawPost("/login", map[string]string{
		"username": "nobody",
		"password": "not the password",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestRegisterDuplicateUsername(t *testing.T) {
	register(t, "ana", "grapevine1")
	status, _ := testService.client.RawPost("/users", map[string]string{
		"username": "ana",
		"password": "grapevine2",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestDetailsRequiresAuthentication(t *testing.T) {
	status, _ := testService.client.RawGet("/users/details", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestSelfUpdateRehashesPassword(t *testing.T) {
	registered := register(t, "joao", "grapevine1")
	authenticated := testService.client.WithAuthorization(&access.Authorization{
		UserID:   registered.User.UserID,
		Identity: "joao",
	})

	updated := users.User{}
	_, err := authenticated.RawPut("/users", map[string]string{
		"email":    "joao@example.com",
		"password": "grapevine2",
	}, &updated)
	require.NoError(t, err)
	assert.Equal(t, "joao@example.com", updated.Email)

	status, _ := testService.client.RawPost("/login", map[string]string{
		"username": "joao",
		"password": "grapevine1",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	_, err = testService.client.RawPost("/login", map[string]string{
		"username": "joao",
		"password": "grapevine2",
	}, nil)
	assert.NoError(t, err)
}

func TestUserListIsSuperuserOnly(t *testing.T) {
	registered := register(t, "carla", "grapevine1")
	authenticated := testService.client.WithAuthorization(&access.Authorization{
		UserID:   registered.User.UserID,
		Identity: "carla",
	})

	status, _ := authenticated.RawGet("/users", nil)
	assert.Equal(t, http.StatusForbidden, status)

	all := []users.User{}
	_, err := authenticated.WithSuperuserAuthorization().RawGet("/users", &all)
	require.NoError(t, err)
	assert.NotEmpty(t, all)

	one := users.User{}
	_, err = authenticated.WithSuperuserAuthorization().RawGet("/users/"+registered.User.UserID.String()+"/admin", &one)
	require.NoError(t, err)
	assert.Equal(t, "carla", one.Username)
}

func TestAPIKeyLifecycle(t *testing.T) {
	registered := register(t, "rui", "grapevine1")
	authenticated := testService.client.WithAuthorization(&access.Authorization{
		UserID:   registered.User.UserID,
		Identity: "rui",
	})

	created := users.APIKey{}
	_, err := authenticated.RawPost("/api-keys", map[string]string{"name": "gateway"}, &created)
	require.NoError(t, err)
	assert.Len(t, created.Key, 64) // 32 random bytes, hex encoded

	// the key material is only revealed at creation
	list := []users.APIKey{}
	_, err = authenticated.RawGet("/api-keys", &list)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Empty(t, list[0].Key)
	assert.Equal(t, "gateway", list[0].Name)

	_, err = authenticated.RawDelete("/api-keys/" + created.APIKeyID.String())
	require.NoError(t, err)
	_, err = authenticated.RawGet("/api-keys", &list)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDeleteUserIsSuperuserOnly(t *testing.T) {
	registered := register(t, "tiago", "grapevine1")
	other := register(t, "sofia", "grapevine1")
	authenticated := testService.client.WithAuthorization(&access.Authorization{
		UserID:   registered.User.UserID,
		Identity: "tiago",
	})

	status, _ := authenticated.RawDelete("/users/" + other.User.UserID.String())
	assert.Equal(t, http.StatusForbidden, status)

	// not even the account owner, account removal is administrative
	status, _ = authenticated.RawDelete("/users/" + registered.User.UserID.String())
	assert.Equal(t, http.StatusForbidden, status)

	_, err := authenticated.WithSuperuserAuthorization().RawDelete("/users/" + registered.User.UserID.String())
	require.NoError(t, err)

	status, _ = testService.client.RawPost("/login", map[string]string{
		"username": "tiago",
		"password": "grapevine1",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}
