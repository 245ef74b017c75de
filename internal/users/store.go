// Package users provides PostgreSQL-backed storage for user accounts, friend
// relationships, and the durable side of presence (online flag plus last-seen
// timestamp).
package users

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when no user matches the lookup.
var ErrNotFound = errors.New("users: not found")

// ErrEmailTaken is returned by Create when the email is already registered.
var ErrEmailTaken = errors.New("users: email already registered")

// User is one account row. The chat identity of a user is its id rendered in
// decimal.
type User struct {
	ID           int64
	Email        string
	Name         string
	PasswordHash string
	Avatar       string
	Bio          string
	Location     string
	IsOnline     bool
	LastSeen     time.Time
	CreatedAt    time.Time
}

// Identity returns the user's chat identity string.
func (u *User) Identity() string {
	return strconv.FormatInt(u.ID, 10)
}

// Store manages accounts and friendships in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL, verifies the connection, and runs pending
// migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("users: open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("users: ping database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle without running migrations.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("users: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("users: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("users: migration setup: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("users: run migrations: %w", err)
	}
	return nil
}

const userColumns = `id, email, name, password_hash, avatar, bio, location, is_online, last_seen, created_at`

func scanUser(row interface{ Scan(...interface{}) error }) (User, error) {
	var u User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash,
		&u.Avatar, &u.Bio, &u.Location, &u.IsOnline, &u.LastSeen, &u.CreatedAt)
	return u, err
}

// Create inserts a new account and returns it with the assigned id.
func (s *Store) Create(ctx context.Context, email, name, passwordHash string) (User, error) {
	const query = `
		INSERT INTO users (email, name, password_hash)
		VALUES ($1, $2, $3)
		RETURNING ` + userColumns

	u, err := scanUser(s.db.QueryRowContext(ctx, query, email, name, passwordHash))
	if err != nil {
		// 23505 is unique_violation; lib/pq error strings carry the code.
		if isUniqueViolation(err) {
			return User{}, ErrEmailTaken
		}
		return User{}, fmt.Errorf("users: insert: %w", err)
	}
	return u, nil
}

// GetByEmail returns the account with the given email, or ErrNotFound.
func (s *Store) GetByEmail(ctx context.Context, email string) (User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE email = $1`

	u, err := scanUser(s.db.QueryRowContext(ctx, query, email))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("users: get by email: %w", err)
	}
	return u, nil
}

// GetByID returns the account with the given id, or ErrNotFound.
func (s *Store) GetByID(ctx context.Context, id int64) (User, error) {
	const query = `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	u, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("users: get by id: %w", err)
	}
	return u, nil
}

// Exists reports whether the identity denotes a registered account. Non-numeric
// identities never match.
func (s *Store) Exists(ctx context.Context, identity string) (bool, error) {
	id, err := strconv.ParseInt(identity, 10, 64)
	if err != nil {
		return false, nil
	}

	const query = `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`
	var exists bool
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("users: exists: %w", err)
	}
	return exists, nil
}

// Friends returns the accounts linked to userID through the friendships table,
// ordered by name.
func (s *Store) Friends(ctx context.Context, userID int64) ([]User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users u
		JOIN friendships f ON f.friend_id = u.id
		WHERE f.user_id = $1
		ORDER BY u.name`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("users: friends: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("users: scan friend: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("users: friends rows: %w", err)
	}
	return out, nil
}

// AddFriend links the two users in both directions so each sees the other in
// their contact list. Duplicate links are ignored.
func (s *Store) AddFriend(ctx context.Context, userID, friendID int64) error {
	const query = `
		INSERT INTO friendships (user_id, friend_id)
		VALUES ($1, $2), ($2, $1)
		ON CONFLICT DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, userID, friendID); err != nil {
		return fmt.Errorf("users: add friend: %w", err)
	}
	return nil
}

// SetPresence records the presence transition for the identity. Going offline
// also stamps last_seen. Non-numeric identities are ignored.
func (s *Store) SetPresence(ctx context.Context, identity string, online bool) error {
	id, err := strconv.ParseInt(identity, 10, 64)
	if err != nil {
		return nil
	}

	const query = `
		UPDATE users
		SET is_online = $2,
		    last_seen = CASE WHEN $2 THEN last_seen ELSE NOW() END
		WHERE id = $1`

	if _, err := s.db.ExecContext(ctx, query, id, online); err != nil {
		return fmt.Errorf("users: set presence: %w", err)
	}
	return nil
}

// isUniqueViolation detects the Postgres unique_violation error class without
// depending on the driver's concrete error type.
func isUniqueViolation(err error) bool {
	type coder interface{ SQLState() string }
	var c coder
	if errors.As(err, &c) {
		return c.SQLState() == "23505"
	}
	return false
}
