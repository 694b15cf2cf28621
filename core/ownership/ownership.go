/*
Package ownership implements the access decision shared by all
resource verticals.

A user may read or write a device's data iff a membership edge exists
for (user, device) or the user is a superuser. Writes additionally
require that the device has the type expected by the vertical. The
decision is applied in one canonical order everywhere:

 1. the device does not exist        -> not_found
 2. a required type does not match   -> type_mismatch (superusers too)
 3. the requester is a superuser     -> allow
 4. a membership edge exists         -> allow
 5. otherwise                        -> forbidden

The checker is a pure decision function over the current store state;
it performs no writes.
*/
package ownership

import (
	"context"

	"github.com/google/uuid"

	"github.com/agrisense-io/agrisense/core"
	"github.com/agrisense-io/agrisense/core/access"
	"github.com/agrisense-io/agrisense/core/errs"
)

// Device is the narrow device view the checker needs
type Device struct {
	ID   uuid.UUID
	Type core.DeviceType
}

// DeviceSource resolves a device id to its type. Implementations
// return an errs not_found error when the device does not exist.
type DeviceSource interface {
	Device(ctx context.Context, deviceID uuid.UUID) (Device, error)
}

// MembershipSource answers whether a membership edge exists
type MembershipSource interface {
	IsMember(ctx context.Context, userID, deviceID uuid.UUID) (bool, error)
}

// Checker applies the canonical ownership rule
type Checker struct {
	devices     DeviceSource
	memberships MembershipSource
}

// CheckerBuilder is a builder helper for the Checker
type CheckerBuilder struct {
	// Devices resolves devices. This is mandatory.
	Devices DeviceSource
	// Memberships resolves membership edges. This is mandatory.
	Memberships MembershipSource
}

// MustNewChecker realizes the actual checker
func MustNewChecker(b *CheckerBuilder) *Checker {
	if b.Devices == nil {
		panic("Devices is missing")
	}
	if b.Memberships == nil {
		panic("Memberships is missing")
	}
	return &Checker{devices: b.Devices, memberships: b.Memberships}
}

// Authorize decides whether auth may act on the device. Pass
// core.DeviceTypeAny as required when the operation is not bound to a
// vertical. A nil authorization is denied as unauthorized.
func (c *Checker) Authorize(ctx context.Context, auth *access.Authorization, deviceID uuid.UUID, required core.DeviceType) error {
	if auth == nil {
		return errs.Unauthorized("authentication required")
	}

	device, err := c.devices.Device(ctx, deviceID)
	if err != nil {
		return err
	}

	if required != core.DeviceTypeAny && device.Type != required {
		return errs.TypeMismatch("device is not of type %s", required)
	}

	if auth.Superuser {
		return nil
	}

	isMember, err := c.memberships.IsMember(ctx, auth.UserID, deviceID)
	if err != nil {
		return err
	}
	if isMember {
		return nil
	}

	return errs.Forbidden("device is not associated with the authenticated user")
}
