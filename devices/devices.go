/*
Package devices manages registered devices, their user memberships
and their images.

A device belongs to the users mapped to it. The user who registers a
device is mapped automatically; further users map themselves or are
mapped by a superuser. Memberships gate all access to device data
through the ownership checker.
*/
package devices

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/agrisense-io/agrisense/core"
	"github.com/agrisense-io/agrisense/core/csql"
	"github.com/agrisense-io/agrisense/core/errs"
	"github.com/agrisense-io/agrisense/core/ownership"
)

// Device is a registered device
type Device struct {
	DeviceID   uuid.UUID       `json:"device_id"`
	Name       string          `json:"name"`
	Location   string          `json:"location"`
	MacAddress string          `json:"macaddress"`
	Type       core.DeviceType `json:"type"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Store provides access to the device and membership relations. It
// implements ownership.DeviceSource and ownership.MembershipSource.
type Store struct {
	db *csql.DB

	insertQuery      string
	readQuery        string
	listForUserQuery string
	listAllQuery     string
	deleteQuery      string
	mapQuery         string
	unmapQuery       string
	memberQuery      string
	typeQuery        string
}

// StoreBuilder is a builder helper for the Store
type StoreBuilder struct {
	// DB is a postgres database. This is mandatory. The user relation
	// must exist already, memberships reference it.
	DB *csql.DB
}

// MustNewStore realizes the actual store. It creates the sql relations
// (if they do not exist).
func MustNewStore(b *StoreBuilder) *Store {
	if b.DB == nil {
		panic("DB is missing")
	}
	schema := b.DB.Schema

	createQuery := fmt.Sprintf(`CREATE table IF NOT EXISTS %s.device (
device_id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
name varchar NOT NULL,
location varchar NOT NULL DEFAULT '',
macaddress varchar NOT NULL DEFAULT '',
device_type integer NOT NULL,
created_at timestamp NOT NULL DEFAULT now()
);
CREATE table IF NOT EXISTS %s.device_user (
serial SERIAL,
device_id uuid NOT NULL REFERENCES %s.device(device_id) ON DELETE CASCADE,
user_id uuid NOT NULL REFERENCES %s."user"(user_id) ON DELETE CASCADE,
created_at timestamp NOT NULL DEFAULT now(),
UNIQUE (device_id, user_id)
);`, schema, schema, schema, schema)
	if _, err := b.DB.Exec(createQuery); err != nil {
		panic(err)
	}

	columns := "device_id, name, location, macaddress, device_type, created_at"
	return &Store{
		db: b.DB,
		insertQuery: fmt.Sprintf(`INSERT INTO %s.device (name, location, macaddress, device_type)
VALUES($1,$2,$3,$4) RETURNING device_id, created_at;`, schema),
		readQuery: fmt.Sprintf(`SELECT %s FROM %s.device WHERE device_id=$1;`, columns, schema),
		listForUserQuery: fmt.Sprintf(`SELECT %s FROM %s.device
WHERE device_id IN (SELECT device_id FROM %s.device_user WHERE user_id=$1)
ORDER BY created_at;`, columns, schema, schema),
		listAllQuery: fmt.Sprintf(`SELECT %s FROM %s.device ORDER BY created_at;`, columns, schema),
		deleteQuery:  fmt.Sprintf(`DELETE FROM %s.device WHERE device_id=$1;`, schema),
		mapQuery:     fmt.Sprintf(`INSERT INTO %s.device_user (device_id, user_id) VALUES($1,$2);`, schema),
		unmapQuery:   fmt.Sprintf(`DELETE FROM %s.device_user WHERE device_id=$1 AND user_id=$2;`, schema),
		memberQuery:  fmt.Sprintf(`SELECT 1 FROM %s.device_user WHERE user_id=$1 AND device_id=$2;`, schema),
		typeQuery:    fmt.Sprintf(`SELECT device_type FROM %s.device WHERE device_id=$1;`, schema),
	}
}

func scanDevice(row interface{ Scan(...interface{}) error }) (Device, error) {
	var d Device
	err := row.Scan(&d.DeviceID, &d.Name, &d.Location, &d.MacAddress, &d.Type, &d.CreatedAt)
	return d, err
}

// Create creates a device and maps the creating user to it, in one
// transaction. A failed mapping leaves no orphaned device behind.
func (s *Store) Create(ctx context.Context, d *Device, creator uuid.UUID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	err = tx.QueryRowContext(ctx, s.insertQuery, d.Name, d.Location, d.MacAddress, d.Type).
		Scan(&d.DeviceID, &d.CreatedAt)
	if err == nil {
		_, err = tx.ExecContext(ctx, s.mapQuery, d.DeviceID, creator)
	}
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("cannot create device: %w", err)
	}
	return tx.Commit()
}

// Get returns a device by id
func (s *Store) Get(ctx context.Context, deviceID uuid.UUID) (Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, s.readQuery, deviceID))
	if err == sql.ErrNoRows {
		return Device{}, errs.NotFound("no such device")
	}
	if err != nil {
		return Device{}, fmt.Errorf("cannot read device: %w", err)
	}
	return d, nil
}

// DeviceUpdate carries the changeable device fields, nil means keep
type DeviceUpdate struct {
	Name       *string          `json:"name"`
	Location   *string          `json:"location"`
	MacAddress *string          `json:"macaddress"`
	Type       *core.DeviceType `json:"type"`
}

// Patch applies an update to a device and returns the updated device
func (s *Store) Patch(ctx context.Context, deviceID uuid.UUID, update DeviceUpdate) (Device, error) {
	sets := []string{}
	values := []interface{}{deviceID}
	addSet := func(column string, value interface{}) {
		values = append(values, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(values)))
	}
	if update.Name != nil {
		addSet("name", *update.Name)
	}
	if update.Location != nil {
		addSet("location", *update.Location)
	}
	if update.MacAddress != nil {
		addSet("macaddress", *update.MacAddress)
	}
	if update.Type != nil {
		addSet("device_type", *update.Type)
	}
	if len(sets) == 0 {
		return s.Get(ctx, deviceID)
	}

	query := fmt.Sprintf("UPDATE %s.device SET ", s.db.Schema)
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE device_id = $1;"

	result, err := s.db.ExecContext(ctx, query, values...)
	if err != nil {
		return Device{}, fmt.Errorf("cannot update device: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return Device{}, err
	}
	if count == 0 {
		return Device{}, errs.NotFound("no such device")
	}
	return s.Get(ctx, deviceID)
}

// Delete deletes a device. Memberships cascade, readings keep their
// rows with the device reference cleared.
func (s *Store) Delete(ctx context.Context, deviceID uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, s.deleteQuery, deviceID)
	if err != nil {
		return fmt.Errorf("cannot delete device: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return errs.NotFound("no such device")
	}
	return nil
}

// ListForUser returns the devices the user is mapped to
func (s *Store) ListForUser(ctx context.Context, userID uuid.UUID) ([]Device, error) {
	return s.list(ctx, s.listForUserQuery, userID)
}

// ListAll returns all devices
func (s *Store) ListAll(ctx context.Context) ([]Device, error) {
	return s.list(ctx, s.listAllQuery)
}

func (s *Store) list(ctx context.Context, query string, args ...interface{}) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cannot list devices: %w", err)
	}
	defer rows.Close()
	response := []Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		response = append(response, d)
	}
	return response, rows.Err()
}

// Map maps a user to a device. Mapping an already mapped user is not
// an error; the boolean return tells whether a mapping was added.
func (s *Store) Map(ctx context.Context, userID, deviceID uuid.UUID) (bool, error) {
	_, err := s.db.ExecContext(ctx, s.mapQuery, deviceID, userID)
	if err != nil {
		if err, ok := err.(*pq.Error); ok {
			switch err.Code {
			case "23505": // already mapped
				return false, nil
			case "23503":
				return false, errs.NotFound("no such device or user")
			}
		}
		return false, fmt.Errorf("cannot map user to device: %w", err)
	}
	return true, nil
}

// Unmap removes a user's mapping to a device. Unmapping an unmapped
// user is not an error; the boolean return tells whether a mapping was
// removed.
func (s *Store) Unmap(ctx context.Context, userID, deviceID uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.unmapQuery, deviceID, userID)
	if err != nil {
		return false, fmt.Errorf("cannot unmap user from device: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// IsMember implements ownership.MembershipSource
func (s *Store) IsMember(ctx context.Context, userID, deviceID uuid.UUID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.memberQuery, userID, deviceID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cannot check membership: %w", err)
	}
	return true, nil
}

// Device implements ownership.DeviceSource
func (s *Store) Device(ctx context.Context, deviceID uuid.UUID) (ownership.Device, error) {
	var deviceType core.DeviceType
	err := s.db.QueryRowContext(ctx, s.typeQuery, deviceID).Scan(&deviceType)
	if err == sql.ErrNoRows {
		return ownership.Device{}, errs.NotFound("no such device")
	}
	if err != nil {
		return ownership.Device{}, fmt.Errorf("cannot read device: %w", err)
	}
	return ownership.Device{ID: deviceID, Type: deviceType}, nil
}
