package ownership_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/agrisense-io/agrisense/core"
	"github.com/agrisense-io/agrisense/core/access"
	"github.com/agrisense-io/agrisense/core/errs"
	"github.com/agrisense-io/agrisense/core/ownership"
)

type fakeDevices map[uuid.UUID]core.DeviceType

func (f fakeDevices) Device(ctx context.Context, deviceID uuid.UUID) (ownership.Device, error) {
	t, ok := f[deviceID]
	if !ok {
		return ownership.Device{}, errs.NotFound("no such device")
	}
	return ownership.Device{ID: deviceID, Type: t}, nil
}

type fakeMemberships map[uuid.UUID]map[uuid.UUID]bool

func (f fakeMemberships) IsMember(ctx context.Context, userID, deviceID uuid.UUID) (bool, error) {
	return f[userID][deviceID], nil
}

func newTestChecker(devices fakeDevices, memberships fakeMemberships) *ownership.Checker {
	return ownership.MustNewChecker(&ownership.CheckerBuilder{
		Devices:     devices,
		Memberships: memberships,
	})
}

func TestAuthorizeMember(t *testing.T) {
	userID := uuid.New()
	deviceID := uuid.New()
	checker := newTestChecker(
		fakeDevices{deviceID: core.DeviceTypeMobile},
		fakeMemberships{userID: {deviceID: true}},
	)

	auth := &access.Authorization{UserID: userID}
	assert.NoError(t, checker.Authorize(context.Background(), auth, deviceID, core.DeviceTypeMobile))
	assert.NoError(t, checker.Authorize(context.Background(), auth, deviceID, core.DeviceTypeAny))
}

func TestAuthorizeNonMemberForbidden(t *testing.T) {
	deviceID := uuid.New()
	checker := newTestChecker(
		fakeDevices{deviceID: core.DeviceTypeMobile},
		fakeMemberships{},
	)

	auth := &access.Authorization{UserID: uuid.New()}
	err := checker.Authorize(context.Background(), auth, deviceID, core.DeviceTypeMobile)
	assert.Equal(t, errs.KindForbidden, errs.KindOf(err))
}

func TestAuthorizeSuperuserBypassesMembership(t *testing.T) {
	deviceID := uuid.New()
	checker := newTestChecker(
		fakeDevices{deviceID: core.DeviceTypeQGIS},
		fakeMemberships{},
	)

	auth := &access.Authorization{UserID: uuid.New(), Superuser: true}
	assert.NoError(t, checker.Authorize(context.Background(), auth, deviceID, core.DeviceTypeQGIS))
	assert.NoError(t, checker.Authorize(context.Background(), auth, deviceID, core.DeviceTypeAny))
}

func TestAuthorizeTypeMismatchBeatsSuperuser(t *testing.T) {
	deviceID := uuid.New()
	checker := newTestChecker(
		fakeDevices{deviceID: core.DeviceTypeMobile},
		fakeMemberships{},
	)

	auth := &access.Authorization{UserID: uuid.New(), Superuser: true}
	err := checker.Authorize(context.Background(), auth, deviceID, core.DeviceTypeWeather)
	assert.Equal(t, errs.KindTypeMismatch, errs.KindOf(err))
}

func TestAuthorizeUnknownDeviceNotFound(t *testing.T) {
	userID := uuid.New()
	unknownID := uuid.New()
	checker := newTestChecker(
		fakeDevices{},
		fakeMemberships{userID: {unknownID: true}},
	)

	// not_found wins over membership and over type_mismatch
	auth := &access.Authorization{UserID: userID, Superuser: true}
	err := checker.Authorize(context.Background(), auth, unknownID, core.DeviceTypeWeather)
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestAuthorizeAnonymousUnauthorized(t *testing.T) {
	deviceID := uuid.New()
	checker := newTestChecker(
		fakeDevices{deviceID: core.DeviceTypeMobile},
		fakeMemberships{},
	)

	err := checker.Authorize(context.Background(), nil, deviceID, core.DeviceTypeAny)
	assert.Equal(t, errs.KindUnauthorized, errs.KindOf(err))
}
