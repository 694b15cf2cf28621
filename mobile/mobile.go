/*
Package mobile implements the reading vertical for handheld mobile
devices.

Mobile readings carry a geo location and a scanned QR code. Writes are
only accepted for devices of type MOBILE; reads go through the shared
ownership rule.
*/
package mobile

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agrisense-io/agrisense/core/csql"
	"github.com/agrisense-io/agrisense/core/errs"
)

// Reading is a single mobile reading. The device reference survives
// device deletion as null.
type Reading struct {
	MobileID      uuid.UUID  `json:"mobile_id"`
	Lat           *float64   `json:"geo_location_lat"`
	Long          *float64   `json:"geo_location_long"`
	QRCode        string     `json:"qr_code"`
	RecordingTime *time.Time `json:"recording_time"`
	DeviceID      *uuid.UUID `json:"device"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Update carries the changeable reading fields, nil means keep
type Update struct {
	Lat           *float64   `json:"geo_location_lat"`
	Long          *float64   `json:"geo_location_long"`
	QRCode        *string    `json:"qr_code"`
	RecordingTime *time.Time `json:"recording_time"`
	DeviceID      *uuid.UUID `json:"device"`
}

// Store provides access to the mobile relation
type Store struct {
	db *csql.DB

	insertQuery        string
	readQuery          string
	byDeviceQuery      string
	forUserQuery       string
	byLocationQuery    string
	byLocationAllQuery string
}

// StoreBuilder is a builder helper for the Store
type StoreBuilder struct {
	// DB is a postgres database. This is mandatory. The device relation
	// must exist already.
	DB *csql.DB
}

// MustNewStore realizes the actual store. It creates the sql relation
// (if it does not exist).
func MustNewStore(b *StoreBuilder) *Store {
	if b.DB == nil {
		panic("DB is missing")
	}
	schema := b.DB.Schema

	createQuery := fmt.Sprintf(`CREATE table IF NOT EXISTS %s.mobile (
mobile_id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
geo_location_lat double precision,
geo_location_long double precision,
qr_code text NOT NULL DEFAULT '',
recording_time timestamp,
device_id uuid REFERENCES %s.device(device_id) ON DELETE SET NULL,
created_at timestamp NOT NULL DEFAULT now()
);`, schema, schema)
	if _, err := b.DB.Exec(createQuery); err != nil {
		panic(err)
	}

	columns := "mobile_id, geo_location_lat, geo_location_long, qr_code, recording_time, device_id, created_at"
	return &Store{
		db: b.DB,
		insertQuery: fmt.Sprintf(`INSERT INTO %s.mobile (geo_location_lat, geo_location_long, qr_code, recording_time, device_id)
VALUES($1,$2,$3,$4,$5) RETURNING mobile_id, created_at;`, schema),
		readQuery:     fmt.Sprintf(`SELECT %s FROM %s.mobile WHERE mobile_id=$1;`, columns, schema),
		byDeviceQuery: fmt.Sprintf(`SELECT %s FROM %s.mobile WHERE device_id=$1 ORDER BY created_at;`, columns, schema),
		forUserQuery: fmt.Sprintf(`SELECT %s FROM %s.mobile
WHERE device_id IN (SELECT device_id FROM %s.device_user WHERE user_id=$1)
ORDER BY created_at;`, columns, schema, schema),
		byLocationQuery: fmt.Sprintf(`SELECT %s FROM %s.mobile
WHERE geo_location_lat=$1 AND geo_location_long=$2
AND device_id IN (SELECT device_id FROM %s.device_user WHERE user_id=$3)
ORDER BY created_at;`, columns, schema, schema),
		byLocationAllQuery: fmt.Sprintf(`SELECT %s FROM %s.mobile
WHERE geo_location_lat=$1 AND geo_location_long=$2
ORDER BY created_at;`, columns, schema),
	}
}

func scanReading(row interface{ Scan(...interface{}) error }) (Reading, error) {
	var r Reading
	var device uuid.NullUUID
	err := row.Scan(&r.MobileID, &r.Lat, &r.Long, &r.QRCode, &r.RecordingTime, &device, &r.CreatedAt)
	if device.Valid {
		r.DeviceID = &device.UUID
	}
	return r, err
}

// Insert stores a new reading and fills in its id and creation time
func (s *Store) Insert(ctx context.Context, r *Reading) error {
	err := s.db.QueryRowContext(ctx, s.insertQuery, r.Lat, r.Long, r.QRCode, r.RecordingTime, r.DeviceID).
		Scan(&r.MobileID, &r.CreatedAt)
	if err != nil {
		return fmt.Errorf("cannot create mobile reading: %w", err)
	}
	return nil
}

// Get returns a reading by id
func (s *Store) Get(ctx context.Context, mobileID uuid.UUID) (Reading, error) {
	r, err := scanReading(s.db.QueryRowContext(ctx, s.readQuery, mobileID))
	if err == sql.ErrNoRows {
		return Reading{}, errs.NotFound("no such mobile reading")
	}
	if err != nil {
		return Reading{}, fmt.Errorf("cannot read mobile reading: %w", err)
	}
	return r, nil
}

// Patch applies an update to a reading and returns the updated reading
func (s *Store) Patch(ctx context.Context, mobileID uuid.UUID, update Update) (Reading, error) {
	sets := []string{}
	values := []interface{}{mobileID}
	addSet := func(column string, value interface{}) {
		values = append(values, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(values)))
	}
	if update.Lat != nil {
		addSet("geo_location_lat", *update.Lat)
	}
	if update.Long != nil {
		addSet("geo_location_long", *update.Long)
	}
	if update.QRCode != nil {
		addSet("qr_code", *update.QRCode)
	}
	if update.RecordingTime != nil {
		addSet("recording_time", *update.RecordingTime)
	}
	if update.DeviceID != nil {
		addSet("device_id", *update.DeviceID)
	}
	if len(sets) == 0 {
		return s.Get(ctx, mobileID)
	}

	query := fmt.Sprintf("UPDATE %s.mobile SET ", s.db.Schema)
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE mobile_id = $1;"

	result, err := s.db.ExecContext(ctx, query, values...)
	if err != nil {
		return Reading{}, fmt.Errorf("cannot update mobile reading: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return Reading{}, err
	}
	if count == 0 {
		return Reading{}, errs.NotFound("no such mobile reading")
	}
	return s.Get(ctx, mobileID)
}

// ListByDevice returns the readings reported by a device
func (s *Store) ListByDevice(ctx context.Context, deviceID uuid.UUID) ([]Reading, error) {
	return s.list(ctx, s.byDeviceQuery, deviceID)
}

// ListForUser returns the readings of all devices mapped to the user
func (s *Store) ListForUser(ctx context.Context, userID uuid.UUID) ([]Reading, error) {
	return s.list(ctx, s.forUserQuery, userID)
}

// ListByLocation returns the readings recorded exactly at (lat, long).
// A non-nil userID restricts the result to the user's devices.
func (s *Store) ListByLocation(ctx context.Context, lat, long float64, userID *uuid.UUID) ([]Reading, error) {
	if userID != nil {
		return s.list(ctx, s.byLocationQuery, lat, long, *userID)
	}
	return s.list(ctx, s.byLocationAllQuery, lat, long)
}

func (s *Store) list(ctx context.Context, query string, args ...interface{}) ([]Reading, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("cannot list mobile readings: %w", err)
	}
	defer rows.Close()
	response := []Reading{}
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		response = append(response, r)
	}
	return response, rows.Err()
}
