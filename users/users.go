/*
Package users manages user accounts and their API keys.

Users register with username and password and authenticate with JWT
bearer tokens. Superusers are exempt from the ownership checks that
gate device data; they are created out of band (service bootstrap),
never through the public registration endpoint.
*/
package users

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/agrisense-io/agrisense/core/csql"
	"github.com/agrisense-io/agrisense/core/errs"
)

// User is a registered account
type User struct {
	UserID    uuid.UUID `json:"user_id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Contact   string    `json:"contact"`
	Superuser bool      `json:"superuser"`
	CreatedAt time.Time `json:"created_at"`

	passwordHash string
}

// Store provides access to the user relation
type Store struct {
	db *csql.DB

	insertQuery     string
	readQuery       string
	byUsernameQuery string
	listQuery       string
	deleteQuery     string
}

// StoreBuilder is a builder helper for the Store
type StoreBuilder struct {
	// DB is a postgres database. This is mandatory.
	DB *csql.DB
}

// MustNewStore realizes the actual store. It creates the sql relation
// (if it does not exist).
func MustNewStore(b *StoreBuilder) *Store {
	if b.DB == nil {
		panic("DB is missing")
	}
	schema := b.DB.Schema

	createQuery := fmt.Sprintf(`CREATE table IF NOT EXISTS %s."user" (
user_id uuid NOT NULL DEFAULT uuid_generate_v4() PRIMARY KEY,
username varchar NOT NULL UNIQUE,
email varchar NOT NULL DEFAULT '',
contact varchar NOT NULL DEFAULT '',
password_hash varchar NOT NULL,
superuser boolean NOT NULL DEFAULT false,
created_at timestamp NOT NULL DEFAULT now()
);`, schema)
	if _, err := b.DB.Exec(createQuery); err != nil {
		panic(err)
	}

	columns := "user_id, username, email, contact, password_hash, superuser, created_at"
	return &Store{
		db: b.DB,
		insertQuery: fmt.Sprintf(`INSERT INTO %s."user" (username, email, contact, password_hash, superuser)
VALUES($1,$2,$3,$4,$5) RETURNING user_id, created_at;`, schema),
		readQuery:       fmt.Sprintf(`SELECT %s FROM %s."user" WHERE user_id=$1;`, columns, schema),
		byUsernameQuery: fmt.Sprintf(`SELECT %s FROM %s."user" WHERE username=$1;`, columns, schema),
		listQuery:       fmt.Sprintf(`SELECT %s FROM %s."user" ORDER BY created_at;`, columns, schema),
		deleteQuery:     fmt.Sprintf(`DELETE FROM %s."user" WHERE user_id=$1;`, schema),
	}
}

func scanUser(row interface{ Scan(...interface{}) error }) (User, error) {
	var u User
	err := row.Scan(&u.UserID, &u.Username, &u.Email, &u.Contact, &u.passwordHash, &u.Superuser, &u.CreatedAt)
	return u, err
}

// Create creates a new user with a hashed password
func (s *Store) Create(ctx context.Context, username, email, contact, password string, superuser bool) (User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, err
	}
	u := User{
		Username:  username,
		Email:     email,
		Contact:   contact,
		Superuser: superuser,
	}
	err = s.db.QueryRowContext(ctx, s.insertQuery, username, email, contact, string(hash), superuser).
		Scan(&u.UserID, &u.CreatedAt)
	if err != nil {
		if err, ok := err.(*pq.Error); ok && err.Code == "23505" {
			return User{}, errs.Validation("username already taken")
		}
		return User{}, fmt.Errorf("cannot create user: %w", err)
	}
	return u, nil
}

// Get returns a user by id
func (s *Store) Get(ctx context.Context, userID uuid.UUID) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, s.readQuery, userID))
	if err == sql.ErrNoRows {
		return User{}, errs.NotFound("no such user")
	}
	if err != nil {
		return User{}, fmt.Errorf("cannot read user: %w", err)
	}
	return u, nil
}

// GetByUsername returns a user by username
func (s *Store) GetByUsername(ctx context.Context, username string) (User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, s.byUsernameQuery, username))
	if err == sql.ErrNoRows {
		return User{}, errs.NotFound("no such user")
	}
	if err != nil {
		return User{}, fmt.Errorf("cannot read user: %w", err)
	}
	return u, nil
}

// List returns all users
func (s *Store) List(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, s.listQuery)
	if err != nil {
		return nil, fmt.Errorf("cannot list users: %w", err)
	}
	defer rows.Close()
	response := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		response = append(response, u)
	}
	return response, rows.Err()
}

// Update applies the non-nil fields of patch to the user. A new
// password is re-hashed.
type Update struct {
	Email    *string `json:"email"`
	Contact  *string `json:"contact"`
	Password *string `json:"password"`
}

// Patch applies an update to a user and returns the updated user
func (s *Store) Patch(ctx context.Context, userID uuid.UUID, update Update) (User, error) {
	sets := []string{}
	values := []interface{}{userID}
	addSet := func(column string, value interface{}) {
		values = append(values, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(values)))
	}
	if update.Email != nil {
		addSet("email", *update.Email)
	}
	if update.Contact != nil {
		addSet("contact", *update.Contact)
	}
	if update.Password != nil {
		hash, err := bcrypt.GenerateFromPassword([]byte(*update.Password), bcrypt.DefaultCost)
		if err != nil {
			return User{}, err
		}
		addSet("password_hash", string(hash))
	}
	if len(sets) == 0 {
		return s.Get(ctx, userID)
	}

	query := fmt.Sprintf(`UPDATE %s."user" SET `, s.db.Schema)
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE user_id = $1;"

	result, err := s.db.ExecContext(ctx, query, values...)
	if err != nil {
		return User{}, fmt.Errorf("cannot update user: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return User{}, err
	}
	if count == 0 {
		return User{}, errs.NotFound("no such user")
	}
	return s.Get(ctx, userID)
}

// Delete deletes a user. Device memberships cascade; devices and
// readings survive.
func (s *Store) Delete(ctx context.Context, userID uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, s.deleteQuery, userID)
	if err != nil {
		return fmt.Errorf("cannot delete user: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return errs.NotFound("no such user")
	}
	return nil
}

// VerifyPassword checks a clear text password against the stored hash
func (u *User) VerifyPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.passwordHash), []byte(password)) == nil
}

// EnsureSuperuser creates the named superuser if it does not exist
// yet. It is called at service startup for bootstrapping.
func (s *Store) EnsureSuperuser(ctx context.Context, username, password string) (User, error) {
	u, err := s.GetByUsername(ctx, username)
	if err == nil {
		return u, nil
	}
	if errs.KindOf(err) != errs.KindNotFound {
		return User{}, err
	}
	return s.Create(ctx, username, "", "", password, true)
}
