/*
Package weather implements the reading vertical for weather
stations.

Weather readings carry a geo location and the station's telemetry
values. Besides the session based API shared with the other verticals
there is an edge ingestion endpoint that accepts telemetry authorized
by an API key alone; it is meant for unattended gateways that forward
data for stations they do not own.
*/
package weather

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agrisense-io/agrisense/core/csql"
	"github.com/agrisense-io/agrisense/core/errs"
)

// Reading is a single weather reading. Telemetry values are kept as
// the strings the stations report, unit handling is up to the
// consumers. The device reference survives device deletion as null.
type Reading struct {
	WeatherID     uuid.UUID  `json:"weather_id"`
	Lat           *float64   `json:"geo_location_lat"`
	Long          *float64   `json:"geo_location_long"`
	WindDirection string     `json:"wind_direction"`
	WindSpeed     string     `json:"wind_speed"`
	Rainfall      string     `json:"rainfall"`
	Sunshine      string     `json:"sunshine"`
	Temperature   string     `json:"temperature"`
	Humidity      string     `json:"humidity"`
	RecordingTime *time.Time `json:"recording_time"`
	DeviceID      *uuid.UUID `json:"device"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Update carries the changeable reading fields, nil means keep
type Update struct {
	Lat           *float64   `json:"geo_location_lat"`
	Long          *float64   `json:"geo_location_long"`
	WindDirection *string    `json:"wind_direction"`
	WindSpeed     *string    `json:"wind_speed"`
	Rainfall      *string    `json:"rainfall"`
	Sunshine      *string    `json:"sunshine"`
	Temperature   *string    `json:"temperature"`
	Humidity      *string    `json:"humidity"`
	RecordingTime *time.Time `json:"recording_time"`
	DeviceID      *uuid.UUID `json:"device"`
}

// Store provides access to the weather relation
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

	createQuery := fmt.Sprintf(`CREATE table IF NOT EXISTS %s.weather (
weather_id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
geo_location_lat double precision,
geo_location_long double precision,
wind_direction varchar NOT NULL DEFAULT '',
wind_speed varchar NOT NULL DEFAULT '',
rainfall varchar NOT NULL DEFAULT '',
sunshine varchar NOT NULL DEFAULT '',
temperature varchar NOT NULL DEFAULT '',
humidity varchar NOT NULL DEFAULT '',
recording_time timestamp,
device_id uuid REFERENCES %s.device(device_id) ON DELETE SET NULL,
created_at timestamp NOT NULL DEFAULT now()
);`, schema, schema)
	if _, err := b.DB.Exec(createQuery); err != nil {
		panic(err)
	}

	columns := "weather_id, geo_location_lat, geo_location_long, wind_direction, wind_speed, rainfall, sunshine, temperature, humidity, recording_time, device_id, created_at"
	return &Store{
		db: b.DB,
		insertQuery: fmt.Sprintf(`INSERT INTO %s.weather (geo_location_lat, geo_location_long, wind_direction, wind_speed, rainfall, sunshine, temperature, humidity, recording_time, device_id)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING weather_id, created_at;`, schema),
		readQuery:     fmt.Sprintf(`SELECT %s FROM %s.weather WHERE weather_id=$1;`, columns, schema),
		byDeviceQuery: fmt.Sprintf(`SELECT %s FROM %s.weather WHERE device_id=$1 ORDER BY created_at;`, columns, schema),
		forUserQuery: fmt.Sprintf(`SELECT %s FROM %s.weather
WHERE device_id IN (SELECT device_id FROM %s.device_user WHERE user_id=$1)
ORDER BY created_at;`, columns, schema, schema),
		byLocationQuery: fmt.Sprintf(`SELECT %s FROM %s.weather
WHERE geo_location_lat=$1 AND geo_location_long=$2
AND device_id IN (SELECT device_id FROM %s.device_user WHERE user_id=$3)
ORDER BY created_at;`, columns, schema, schema),
		byLocationAllQuery: fmt.Sprintf(`SELECT %s FROM %s.weather
WHERE geo_location_lat=$1 AND geo_location_long=$2
ORDER BY created_at;`, columns, schema),
	}
}

func scanReading(row interface{ Scan(...interface{}) error }) (Reading, error) {
	var r Reading
	var device uuid.NullUUID
	err := row.Scan(&r.WeatherID, &r.Lat, &r.Long,
		&r.WindDirection, &r.WindSpeed, &r.Rainfall, &r.Sunshine, &r.Temperature, &r.Humidity,
		&r.RecordingTime, &device, &r.CreatedAt)
	if device.Valid {
		r.DeviceID = &device.UUID
	}
	return r, err
}

// Insert stores a new reading and fills in its id and creation time
func (s *Store) Insert(ctx context.Context, r *Reading) error {
	err := s.db.QueryRowContext(ctx, s.insertQuery,
		r.Lat, r.Long, r.WindDirection, r.WindSpeed, r.Rainfall, r.Sunshine, r.Temperature, r.Humidity,
		r.RecordingTime, r.DeviceID).
		Scan(&r.WeatherID, &r.CreatedAt)
	if err != nil {
		return fmt.Errorf("cannot create weather reading: %w", err)
	}
	return nil
}

// Get returns a reading by id
func (s *Store) Get(ctx context.Context, weatherID uuid.UUID) (Reading, error) {
	r, err := scanReading(s.db.QueryRowContext(ctx, s.readQuery, weatherID))
	if err == sql.ErrNoRows {
		return Reading{}, errs.NotFound("no such weather reading")
	}
	if err != nil {
		return Reading{}, fmt.Errorf("cannot read weather reading: %w", err)
	}
	return r, nil
}

// Patch applies an update to a reading and returns the updated reading
func (s *Store) Patch(ctx context.Context, weatherID uuid.UUID, update Update) (Reading, error) {
	sets := []string{}
	values := []interface{}{weatherID}
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
	if update.WindDirection != nil {
		addSet("wind_direction", *update.WindDirection)
	}
	if update.WindSpeed != nil {
		addSet("wind_speed", *update.WindSpeed)
	}
	if update.Rainfall != nil {
		addSet("rainfall", *update.Rainfall)
	}
	if update.Sunshine != nil {
		addSet("sunshine", *update.Sunshine)
	}
	if update.Temperature != nil {
		addSet("temperature", *update.Temperature)
	}
	if update.Humidity != nil {
		addSet("humidity", *update.Humidity)
	}
	if update.RecordingTime != nil {
		addSet("recording_time", *update.RecordingTime)
	}
	if update.DeviceID != nil {
		addSet("device_id", *update.DeviceID)
	}
	if len(sets) == 0 {
		return s.Get(ctx, weatherID)
	}

	query := fmt.Sprintf("UPDATE %s.weather SET ", s.db.Schema)
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE weather_id = $1;"

	result, err := s.db.ExecContext(ctx, query, values...)
	if err != nil {
		return Reading{}, fmt.Errorf("cannot update weather reading: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return Reading{}, err
	}
	if count == 0 {
		return Reading{}, errs.NotFound("no such weather reading")
	}
	return s.Get(ctx, weatherID)
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
		return nil, fmt.Errorf("cannot list weather readings: %w", err)
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
