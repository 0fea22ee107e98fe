package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"
)

// CreateUser stores a new user with a bcrypt-hashed password.
func (s *SQLite) CreateUser(ctx context.Context, username, password, avatarColor string) (User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return User{}, errors.Wrap(err, "hash password")
	}

	u := User{
		ID:          uuid.NewString(),
		Username:    username,
		AvatarColor: avatarColor,
		CreatedAt:   fromMillis(millis(s.now())),
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users WHERE username = ?`, username).Scan(&exists)
	if err != nil {
		return User{}, errors.Wrap(err, "check username")
	}
	if exists > 0 {
		return User{}, ErrUsernameTaken
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password, avatar_color, created_at) VALUES (?, ?, ?, ?, ?)`,
		u.ID, u.Username, string(hash), u.AvatarColor, millis(u.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return User{}, ErrUsernameTaken
		}
		return User{}, errors.Wrap(err, "insert user")
	}
	return u, nil
}

// FindUserByCredentials returns the user when password matches its stored
// hash. Unknown users and wrong passwords yield the same error.
func (s *SQLite) FindUserByCredentials(ctx context.Context, username, password string) (User, error) {
	var (
		u    User
		hash string
		ts   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password, avatar_color, created_at FROM users WHERE username = ?`, username).
		Scan(&u.ID, &u.Username, &hash, &u.AvatarColor, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, errors.Wrap(err, "find user by name")
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return User{}, ErrInvalidCredentials
	}
	u.CreatedAt = fromMillis(ts)
	return u, nil
}

func (s *SQLite) FindUserByID(ctx context.Context, id string) (User, error) {
	var (
		u  User
		ts int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, avatar_color, created_at FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Username, &u.AvatarColor, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, errors.Wrapf(ErrNotFound, "user %s", id)
	}
	if err != nil {
		return User{}, errors.Wrap(err, "find user by id")
	}
	u.CreatedAt = fromMillis(ts)
	return u, nil
}

// ListUsers returns every user ordered by username.
func (s *SQLite) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, avatar_color, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, errors.Wrap(err, "list users")
	}
	defer rows.Close()
	return scanUsers(rows)
}

func scanUsers(rows *sql.Rows) ([]User, error) {
	users := []User{}
	for rows.Next() {
		var (
			u  User
			ts int64
		)
		if err := rows.Scan(&u.ID, &u.Username, &u.AvatarColor, &ts); err != nil {
			return nil, errors.Wrap(err, "scan user")
		}
		u.CreatedAt = fromMillis(ts)
		users = append(users, u)
	}
	return users, errors.Wrap(rows.Err(), "iterate users")
}
