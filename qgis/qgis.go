/*
Package qgis implements the reading vertical for QGIS field sensors.

QGIS readings carry a geo location and a set of vegetation indices.
Writes are only accepted for devices of type QGIS; reads go through the
shared ownership rule.
*/
package qgis

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agrisense-io/agrisense/core/csql"
	"github.com/agrisense-io/agrisense/core/errs"
)

// Reading is a single QGIS reading. The device reference survives
// device deletion as null.
type Reading struct {
	QgisID        uuid.UUID  `json:"qgis_id"`
	Lat           *float64   `json:"geo_location_lat"`
	Long          *float64   `json:"geo_location_long"`
	NDVI          *float64   `json:"ndvi"`
	GNDVI         *float64   `json:"gndvi"`
	LAI           *float64   `json:"lai"`
	MSAVI         *float64   `json:"msavi"`
	RecordingTime *time.Time `json:"recording_time"`
	DeviceID      *uuid.UUID `json:"device"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Update carries the changeable reading fields, nil means keep
type Update struct {
	Lat           *float64   `json:"geo_location_lat"`
	Long          *float64   `json:"geo_location_long"`
	NDVI          *float64   `json:"ndvi"`
	GNDVI         *float64   `json:"gndvi"`
	LAI           *float64   `json:"lai"`
	MSAVI         *float64   `json:"msavi"`
	RecordingTime *time.Time `json:"recording_time"`
	DeviceID      *uuid.UUID `json:"device"`
}

// Store provides access to the qgis relation
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

	createQuery := fmt.Sprintf(`CREATE table IF NOT EXISTS %s.qgis (
qgis_id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
geo_location_lat double precision,
geo_location_long double precision,
ndvi double precision,
gndvi double precision,
lai double precision,
msavi double precision,
recording_time timestamp,
device_id uuid REFERENCES %s.device(device_id) ON DELETE SET NULL,
created_at timestamp NOT NULL DEFAULT now()
);`, schema, schema)
	if _, err := b.DB.Exec(createQuery); err != nil {
		panic(err)
	}

	columns := "qgis_id, geo_location_lat, geo_location_long, ndvi, gndvi, lai, msavi, recording_time, device_id, created_at"
	return &Store{
		db: b.DB,
		insertQuery: fmt.Sprintf(`INSERT INTO %s.qgis (geo_location_lat, geo_location_long, ndvi, gndvi, lai, msavi, recording_time, device_id)
VALUES($1,$2,$3,$4,$5,$6,$7,$8) RETURNING qgis_id, created_at;`, schema),
		readQuery:     fmt.Sprintf(`SELECT %s FROM %s.qgis WHERE qgis_id=$1;`, columns, schema),
		byDeviceQuery: fmt.Sprintf(`SELECT %s FROM %s.qgis WHERE device_id=$1 ORDER BY created_at;`, columns, schema),
		forUserQuery: fmt.Sprintf(`SELECT %s FROM %s.qgis
WHERE device_id IN (SELECT device_id FROM %s.device_user WHERE user_id=$1)
ORDER BY created_at;`, columns, schema, schema),
		byLocationQuery: fmt.Sprintf(`SELECT %s FROM %s.qgis
WHERE geo_location_lat=$1 AND geo_location_long=$2
AND device_id IN (SELECT device_id FROM %s.device_user WHERE user_id=$3)
ORDER BY created_at;`, columns, schema, schema),
		byLocationAllQuery: fmt.Sprintf(`SELECT %s FROM %s.qgis
WHERE geo_location_lat=$1 AND geo_location_long=$2
ORDER BY created_at;`, columns, schema),
	}
}

func scanReading(row interface{ Scan(...interface{}) error }) (Reading, error) {
	var r Reading
	var device uuid.NullUUID
	err := row.Scan(&r.QgisID, &r.Lat, &r.Long, &r.NDVI, &r.GNDVI, &r.LAI, &r.MSAVI,
		&r.RecordingTime, &device, &r.CreatedAt)
	if device.Valid {
		r.DeviceID = &device.UUID
	}
	return r, err
}

// Insert stores a new reading and fills in its id and creation time
func (s *Store) Insert(ctx context.Context, r *Reading) error {
	err := s.db.QueryRowContext(ctx, s.insertQuery,
		r.Lat, r.Long, r.NDVI, r.GNDVI, r.LAI, r.MSAVI, r.RecordingTime, r.DeviceID).
		Scan(&r.QgisID, &r.CreatedAt)
	if err != nil {
		return fmt.Errorf("cannot create qgis reading: %w", err)
	}
	return nil
}

// Get returns a reading by id
func (s *Store) Get(ctx context.Context, qgisID uuid.UUID) (Reading, error) {
	r, err := scanReading(s.db.QueryRowContext(ctx, s.readQuery, qgisID))
	if err == sql.ErrNoRows {
		return Reading{}, errs.NotFound("no such qgis reading")
	}
	if err != nil {
		return Reading{}, fmt.Errorf("cannot read qgis reading: %w", err)
	}
	return r, nil
}

// Patch applies an update to a reading and returns the updated reading
func (s *Store) Patch(ctx context.Context, qgisID uuid.UUID, update Update) (Reading, error) {
	sets := []string{}
	values := []interface{}{qgisID}
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
	if update.NDVI != nil {
		addSet("ndvi", *update.NDVI)
	}
	if update.GNDVI != nil {
		addSet("gndvi", *update.GNDVI)
	}
	if update.LAI != nil {
		addSet("lai", *update.LAI)
	}
	if update.MSAVI != nil {
		addSet("msavi", *update.MSAVI)
	}
	if update.RecordingTime != nil {
		addSet("recording_time", *update.RecordingTime)
	}
	if update.DeviceID != nil {
		addSet("device_id", *update.DeviceID)
	}
	if len(sets) == 0 {
		return s.Get(ctx, qgisID)
	}

	query := fmt.Sprintf("UPDATE %s.qgis SET ", s.db.Schema)
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE qgis_id = $1;"

	result, err := s.db.ExecContext(ctx, query, values...)
	if err != nil {
		return Reading{}, fmt.Errorf("cannot update qgis reading: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return Reading{}, err
	}
	if count == 0 {
		return Reading{}, errs.NotFound("no such qgis reading")
	}
	return s.Get(ctx, qgisID)
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
		return nil, fmt.Errorf("cannot list qgis readings: %w", err)
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
