package qgis_test

import (
	"net/http"
	"os"
	"testing"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrisense-io/agrisense/core"
	"github.com/agrisense-io/agrisense/core/access"
	"github.com/agrisense-io/agrisense/core/client"
	"github.com/agrisense-io/agrisense/core/csql"
	"github.com/agrisense-io/agrisense/core/kss"
	"github.com/agrisense-io/agrisense/devices"
	"github.com/agrisense-io/agrisense/qgis"
	"github.com/agrisense-io/agrisense/users"
)

// TestService holds the configuration for this test
//
// use POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type TestService struct {
	Postgres         string `env:"POSTGRES,optional" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	client           client.Client
}

var testService TestService

func TestMain(m *testing.M) {
	envdecode.Decode(&testService)
	if testService.Postgres == "" {
		// no database configured, nothing to test here
		os.Exit(0)
	}

	db := csql.OpenWithSchema(testService.Postgres, testService.PostgresPassword, "_qgis_unit_test_")
	defer db.Close()
	db.ClearSchema()

	blobDir, err := os.MkdirTemp("", "qgis-test-blobs")
	if err != nil {
		panic(err)
	}
	defer os.RemoveAll(blobDir)
	blobs, err := kss.NewLocalFilesystem(kss.LocalConfiguration{BasePath: blobDir})
	if err != nil {
		panic(err)
	}

	issuer := access.MustNewTokenIssuer(&access.TokenIssuerBuilder{Secret: "test-secret"})
	router := mux.NewRouter()
	router.Use(access.NewJwtMiddleware(issuer))
	users.MustNewAPI(&users.Builder{
		DB:     db,
		Router: router,
		Issuer: issuer,
	})
	devicesAPI := devices.MustNewAPI(&devices.Builder{
		DB:     db,
		Router: router,
		Blobs:  blobs,
	})
	qgis.MustNewAPI(&qgis.Builder{
		DB:      db,
		Router:  router,
		Checker: devicesAPI.Checker(),
	})
	testService.client = client.NewWithRouter(router)

	os.Exit(m.Run())
}

func newUser(t *testing.T, username string) client.Client {
	t.Helper()
	response := struct {
		User users.User `json:"user"`
	}{}
	_, err := testService.client.RawPost("/users", map[string]string{
		"username": username,
		"password": "grapevine1",
	}, &response)
	require.NoError(t, err)
	return testService.client.WithAuthorization(&access.Authorization{
		UserID:   response.User.UserID,
		Identity: username,
	})
}

func TestQgisReadingLifecycle(t *testing.T) {
	alice := newUser(t, "alice")
	d := devices.Device{}
	_, err := alice.RawPost("/devices", map[string]interface{}{
		"name": "field scanner",
		"type": core.DeviceTypeQGIS.String(),
	}, &d)
	require.NoError(t, err)

	reading := qgis.Reading{}
	_, err = alice.RawPost("/qgis", map[string]interface{}{
		"device": d.DeviceID.String(),
		"ndvi":   0.71,
		"gndvi":  0.55,
		"lai":    2.9,
		"msavi":  0.62,
	}, &reading)
	require.NoError(t, err)
	require.NotNil(t, reading.NDVI)
	assert.Equal(t, 0.71, *reading.NDVI)

	patched := qgis.Reading{}
	_, err = alice.RawPatch("/qgis/"+reading.QgisID.String(),
		map[string]interface{}{"ndvi": 0.74}, &patched)
	require.NoError(t, err)
	assert.Equal(t, 0.74, *patched.NDVI)
	assert.Equal(t, 0.55, *patched.GNDVI)

	mine := []qgis.Reading{}
	_, err = alice.RawGet("/qgis/mapped-to-user", &mine)
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}

func TestQgisRequiresMatchingDeviceType(t *testing.T) {
	alice := newUser(t, "type_alice")
	d := devices.Device{}
	_, err := alice.RawPost("/devices", map[string]interface{}{
		"name": "handheld",
		"type": core.DeviceTypeMobile.String(),
	}, &d)
	require.NoError(t, err)

	status, _ := alice.RawPost("/qgis", map[string]interface{}{
		"device": d.DeviceID.String(),
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}
