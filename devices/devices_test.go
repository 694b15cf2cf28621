package devices_test

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

	db := csql.OpenWithSchema(testService.Postgres, testService.PostgresPassword, "_devices_unit_test_")
	defer db.Close()
	db.ClearSchema()

	blobDir, err := os.MkdirTemp("", "devices-test-blobs")
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
	devices.MustNewAPI(&devices.Builder{
		DB:     db,
		Router: router,
		Blobs:  blobs,
	})
	testService.client = client.NewWithRouter(router)

	os.Exit(m.Run())
}

// newUser registers a user and returns a client acting as that user
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

func newDevice(t *testing.T, owner client.Client, name string, deviceType core.DeviceType) devices.Device {
	t.Helper()
	d := devices.Device{}
	_, err := owner.RawPost("/devices", map[string]interface{}{
		"name": name,
		"type": deviceType.String(),
	}, &d)
	require.NoError(t, err)
	return d
}

func TestDeviceCreateMapsCreator(t *testing.T) {
	alice := newUser(t, "alice")
	bob := newUser(t, "bob")

	d := newDevice(t, alice, "field sensor", core.DeviceTypeMobile)
	assert.Equal(t, core.DeviceTypeMobile, d.Type)

	mine := []devices.Device{}
	_, err := alice.RawGet("/devices", &mine)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, d.DeviceID, mine[0].DeviceID)

	// bob is not mapped and gets nothing
	theirs := []devices.Device{}
	_, err = bob.RawGet("/devices", &theirs)
	require.NoError(t, err)
	assert.Empty(t, theirs)

	status, _ := bob.RawGet("/devices/"+d.DeviceID.String(), nil)
	assert.Equal(t, http.StatusForbidden, status)

	// superusers see everything
	got := devices.Device{}
	_, err = bob.WithSuperuserAuthorization().RawGet("/devices/"+d.DeviceID.String(), &got)
	require.NoError(t, err)
	assert.Equal(t, "field sensor", got.Name)
}

func TestMapUnmapIsIdempotent(t *testing.T) {
	alice := newUser(t, "map_alice")
	bob := newUser(t, "map_bob")
	d := newDevice(t, alice, "shared station", core.DeviceTypeWeather)

	statusResponse := struct {
		Status string `json:"status"`
	}{}

	_, err := bob.RawPost("/devices/"+d.DeviceID.String()+"/map_user", nil, &statusResponse)
	require.NoError(t, err)
	assert.Equal(t, "user added to device", statusResponse.Status)

	// mapping twice is not an error
	_, err = bob.RawPost("/devices/"+d.DeviceID.String()+"/map_user", nil, &statusResponse)
	require.NoError(t, err)
	assert.Equal(t, "user already mapped to device", statusResponse.Status)

	// bob now has access
	_, err = bob.RawGet("/devices/"+d.DeviceID.String(), nil)
	require.NoError(t, err)

	_, err = bob.RawPost("/devices/"+d.DeviceID.String()+"/unmap_user", nil, &statusResponse)
	require.NoError(t, err)
	assert.Equal(t, "device unmapped from user", statusResponse.Status)

	// unmapping twice is not an error either
	_, err = bob.RawPost("/devices/"+d.DeviceID.String()+"/unmap_user", nil, &statusResponse)
	require.NoError(t, err)
	assert.Equal(t, "user not mapped to device", statusResponse.Status)

	status, _ := bob.RawGet("/devices/"+d.DeviceID.String(), nil)
	assert.Equal(t, http.StatusForbidden, status)
}

func TestMapUnknownDevice(t *testing.T) {
	alice := newUser(t, "unknown_alice")
	status, _ := alice.RawPost("/devices/11111111-2222-3333-4444-555555555555/map_user", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAdminMapRequiresSuperuser(t *testing.T) {
	alice := newUser(t, "admin_alice")
	bob := newUser(t, "admin_bob")
	d := newDevice(t, alice, "admin station", core.DeviceTypeWeather)

	bobID := struct {
		UserID string `json:"user_id"`
	}{}
	_, err := bob.RawGet("/users/details", &bobID)
	require.NoError(t, err)

	// a regular user cannot map others, and no mapping happens
	status, _ := alice.RawPost("/devices/"+d.DeviceID.String()+"/map_user/admin",
		map[string]string{"user_id": bobID.UserID}, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = bob.RawGet("/devices/"+d.DeviceID.String(), nil)
	assert.Equal(t, http.StatusForbidden, status)

	statusResponse := struct {
		Status string `json:"status"`
	}{}
	_, err = alice.WithSuperuserAuthorization().RawPost("/devices/"+d.DeviceID.String()+"/map_user/admin",
		map[string]string{"user_id": bobID.UserID}, &statusResponse)
	require.NoError(t, err)
	assert.Equal(t, "user added to device", statusResponse.Status)

	_, err = bob.RawGet("/devices/"+d.DeviceID.String(), nil)
	assert.NoError(t, err)
}

func TestDeviceUpdateAndDelete(t *testing.T) {
	alice := newUser(t, "update_alice")
	d := newDevice(t, alice, "old name", core.DeviceTypeQGIS)

	updated := devices.Device{}
	_, err := alice.RawPut("/devices/"+d.DeviceID.String(),
		map[string]string{"name": "new name", "location": "vineyard"}, &updated)
	require.NoError(t, err)
	assert.Equal(t, "new name", updated.Name)
	assert.Equal(t, "vineyard", updated.Location)
	assert.Equal(t, core.DeviceTypeQGIS, updated.Type)

	_, err = alice.RawDelete("/devices/" + d.DeviceID.String())
	require.NoError(t, err)
	status, _ := alice.WithSuperuserAuthorization().RawGet("/devices/"+d.DeviceID.String(), nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestDeviceImages(t *testing.T) {
	alice := newUser(t, "image_alice")
	bob := newUser(t, "image_bob")
	d := newDevice(t, alice, "camera rig", core.DeviceTypeMobile)

	uploaded := []devices.Image{}
	_, err := alice.RawPostMultipart("/devices/"+d.DeviceID.String()+"/images", "images",
		map[string][]byte{
			"one.jpg": []byte("jpeg bytes one"),
			"two.jpg": []byte("jpeg bytes two"),
		}, &uploaded)
	require.NoError(t, err)
	require.Len(t, uploaded, 2)

	list := []devices.Image{}
	_, err = alice.RawGet("/devices/"+d.DeviceID.String()+"/images", &list)
	require.NoError(t, err)
	require.Len(t, list, 2)

	var one devices.Image
	for _, img := range list {
		if img.Filename == "one.jpg" {
			one = img
		}
	}
	require.NotEmpty(t, one.ImageID)

	blob := []byte{}
	_, _, err = alice.RawGetBlobWithHeader("/devices/"+d.DeviceID.String()+"/images/"+one.ImageID.String(), &blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg bytes one"), blob)

	// images are gated by the same ownership rule
	status, _ := bob.RawGet("/devices/"+d.DeviceID.String()+"/images", nil)
	assert.Equal(t, http.StatusForbidden, status)

	_, err = alice.RawDelete("/devices/" + d.DeviceID.String() + "/images/" + one.ImageID.String())
	require.NoError(t, err)
	_, err = alice.RawGet("/devices/"+d.DeviceID.String()+"/images", &list)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
