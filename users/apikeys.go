package users

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agrisense-io/agrisense/core/csql"
	"github.com/agrisense-io/agrisense/core/errs"
)

// APIKey authenticates unattended clients, such as the edge gateways
// that forward weather station telemetry. The clear text key is
// returned once at creation and never again.
type APIKey struct {
	APIKeyID  uuid.UUID `json:"api_key_id"`
	UserID    uuid.UUID `json:"user_id"`
	Name      string    `json:"name"`
	Key       string    `json:"key,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// APIKeyStore provides access to the api_key relation
type APIKeyStore struct {
	db *csql.DB

	insertQuery string
	listQuery   string
}

func mustNewAPIKeyStore(db *csql.DB) *APIKeyStore {
	schema := db.Schema
	createQuery := fmt.Sprintf(`CREATE table IF NOT EXISTS %s.api_key (
api_key_id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
user_id uuid NOT NULL REFERENCES %s."user"(user_id) ON DELETE CASCADE,
name varchar NOT NULL,
key varchar NOT NULL UNIQUE,
created_at timestamp NOT NULL DEFAULT now()
);`, schema, schema)
	if _, err := db.Exec(createQuery); err != nil {
		panic(err)
	}
	return &APIKeyStore{
		db: db,
		insertQuery: fmt.Sprintf(`INSERT INTO %s.api_key (user_id, name, key)
VALUES($1,$2,$3) RETURNING api_key_id, created_at;`, schema),
		listQuery: fmt.Sprintf(`SELECT api_key_id, user_id, name, created_at FROM %s.api_key
WHERE user_id=$1 ORDER BY created_at;`, schema),
	}
}

// Create creates a new key for the user. The returned APIKey carries
// the clear text key.
func (s *APIKeyStore) Create(ctx context.Context, userID uuid.UUID, name string) (APIKey, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return APIKey{}, err
	}
	key := APIKey{
		UserID: userID,
		Name:   name,
		Key:    hex.EncodeToString(raw),
	}
	err := s.db.QueryRowContext(ctx, s.insertQuery, userID, name, key.Key).
		Scan(&key.APIKeyID, &key.CreatedAt)
	if err != nil {
		return APIKey{}, fmt.Errorf("cannot create api key: %w", err)
	}
	return key, nil
}

// ListForUser returns the user's keys, without the key material
func (s *APIKeyStore) ListForUser(ctx context.Context, userID uuid.UUID) ([]APIKey, error) {
	rows, err := s.db.QueryContext(ctx, s.listQuery, userID)
	if err != nil {
		return nil, fmt.Errorf("cannot list api keys: %w", err)
	}
	defer rows.Close()
	response := []APIKey{}
	for rows.Next() {
		var key APIKey
		if err := rows.Scan(&key.APIKeyID, &key.UserID, &key.Name, &key.CreatedAt); err != nil {
			return nil, err
		}
		response = append(response, key)
	}
	return response, rows.Err()
}

// Delete deletes a key. With owner set to uuid.Nil the key is deleted
// regardless of who owns it.
func (s *APIKeyStore) Delete(ctx context.Context, keyID, owner uuid.UUID) error {
	query := fmt.Sprintf("DELETE FROM %s.api_key WHERE api_key_id=$1;", s.db.Schema)
	args := []interface{}{keyID}
	if owner != uuid.Nil {
		query = fmt.Sprintf("DELETE FROM %s.api_key WHERE api_key_id=$1 AND user_id=$2;", s.db.Schema)
		args = append(args, owner)
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("cannot delete api key: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return errs.NotFound("no such api key")
	}
	return nil
}
