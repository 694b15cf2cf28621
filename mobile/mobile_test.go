package mobile_test

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
	"github.com/agrisense-io/agrisense/mobile"
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

	db := csql.OpenWithSchema(testService.Postgres, testService.PostgresPassword, "_mobile_unit_test_")
	defer db.Close()
	db.ClearSchema()

	blobDir, err := os.MkdirTemp("", "mobile-test-blobs")
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
	mobile.MustNewAPI(&mobile.Builder{
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

func postReading(t *testing.T, c client.Client, body map[string]interface{}) mobile.Reading {
	t.Helper()
	reading := mobile.Reading{}
	_, err := c.RawPost("/mobiles", body, &reading)
	require.NoError(t, err)
	return reading
}

func TestMobileReadingLifecycle(t *testing.T) {
	alice := newUser(t, "alice")
	d := newDevice(t, alice, "handheld", core.DeviceTypeMobile)

	reading := postReading(t, alice, map[string]interface{}{
		"device":            d.DeviceID.String(),
		"geo_location_lat":  38.7,
		"geo_location_long": -9.1,
		"qr_code":           "vine-0042",
	})
	require.NotNil(t, reading.DeviceID)
	assert.Equal(t, d.DeviceID, *reading.DeviceID)
	assert.Equal(t, "vine-0042", reading.QRCode)

	byDevice := []mobile.Reading{}
	_, err := alice.RawGet("/mobiles/by-device?device_id="+d.DeviceID.String(), &byDevice)
	require.NoError(t, err)
	require.Len(t, byDevice, 1)

	mine := []mobile.Reading{}
	_, err = alice.RawGet("/mobiles/mapped-to-user", &mine)
	require.NoError(t, err)
	require.Len(t, mine, 1)

	patched := mobile.Reading{}
	_, err = alice.RawPatch("/mobiles/"+reading.MobileID.String(),
		map[string]string{"qr_code": "vine-0043"}, &patched)
	require.NoError(t, err)
	assert.Equal(t, "vine-0043", patched.QRCode)
	require.NotNil(t, patched.Lat)
	assert.Equal(t, 38.7, *patched.Lat)
}

func TestMobileRejectsNonMember(t *testing.T) {
	alice := newUser(t, "member_alice")
	bob := newUser(t, "member_bob")
	d := newDevice(t, alice, "handheld", core.DeviceTypeMobile)

	status, _ := bob.RawPost("/mobiles", map[string]interface{}{
		"device":  d.DeviceID.String(),
		"qr_code": "vine-0001",
	}, nil)
	assert.Equal(t, http.StatusForbidden, status)

	// superusers pass the membership check
	reading := mobile.Reading{}
	_, err := bob.WithSuperuserAuthorization().RawPost("/mobiles", map[string]interface{}{
		"device":  d.DeviceID.String(),
		"qr_code": "vine-0002",
	}, &reading)
	assert.NoError(t, err)
}

func TestMobileTypeMismatchBeatsSuperuser(t *testing.T) {
	alice := newUser(t, "type_alice")
	station := newDevice(t, alice, "station", core.DeviceTypeWeather)

	status, _ := alice.RawPost("/mobiles", map[string]interface{}{
		"device": station.DeviceID.String(),
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	// the type check applies to superusers as well
	status, _ = alice.WithSuperuserAuthorization().RawPost("/mobiles", map[string]interface{}{
		"device": station.DeviceID.String(),
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestMobileUnknownDevice(t *testing.T) {
	alice := newUser(t, "unknown_alice")
	status, _ := alice.RawPost("/mobiles", map[string]interface{}{
		"device": "11111111-2222-3333-4444-555555555555",
	}, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestMobileByLocationMatchesExactly(t *testing.T) {
	alice := newUser(t, "location_alice")
	bob := newUser(t, "location_bob")
	d := newDevice(t, alice, "handheld", core.DeviceTypeMobile)

	postReading(t, alice, map[string]interface{}{
		"device":            d.DeviceID.String(),
		"geo_location_lat":  10.0,
		"geo_location_long": 20.0,
	})
	postReading(t, alice, map[string]interface{}{
		"device":            d.DeviceID.String(),
		"geo_location_lat":  10.0001,
		"geo_location_long": 20.0,
	})

	// only the exact coordinate matches, no proximity
	found := []mobile.Reading{}
	_, err := alice.RawGet("/mobiles/by-location?lat=10.0&long=20.0", &found)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, 10.0, *found[0].Lat)

	// the non-admin listing is restricted to the caller's devices
	foundByBob := []mobile.Reading{}
	_, err = bob.RawGet("/mobiles/by-location?lat=10.0&long=20.0", &foundByBob)
	require.NoError(t, err)
	assert.Empty(t, foundByBob)

	// the admin listing is not
	foundByAdmin := []mobile.Reading{}
	_, err = bob.WithSuperuserAuthorization().RawGet("/mobiles/by-location/admin?lat=10.0&long=20.0", &foundByAdmin)
	require.NoError(t, err)
	assert.Len(t, foundByAdmin, 1)

	status, _ := bob.RawGet("/mobiles/by-location/admin?lat=10.0&long=20.0", nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = alice.RawGet("/mobiles/by-location?lat=abc&long=20.0", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}
