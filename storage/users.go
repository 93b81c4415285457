package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// InsertUser creates a new account row.
func (s *Store) InsertUser(user UserRecord) error {
	if user.User == "" {
		return errors.New("user is required")
	}
	if user.PasswordHash == "" {
		return errors.New("password_hash is required")
	}
	if user.CaselessUser == "" {
		user.CaselessUser = strings.ToLower(user.User)
	}
	if user.CreatedAt == 0 {
		user.CreatedAt = nowUnixSeconds()
	}

	_, err := s.db.Exec(
		`INSERT INTO users (
			user,
			caseless_user,
			password_hash,
			created_at
		) VALUES (?, ?, ?, ?)`,
		user.User,
		user.CaselessUser,
		user.PasswordHash,
		user.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicate
		}
		return fmt.Errorf("insert user %q: %w", user.User, err)
	}

	return nil
}

// FindUser fetches an account by case-insensitive username.
func (s *Store) FindUser(name string) (*UserRecord, error) {
	if name == "" {
		return nil, errors.New("user is required")
	}

	row := s.db.QueryRow(
		`SELECT
			user,
			caseless_user,
			password_hash,
			created_at
		FROM users
		WHERE caseless_user = ?`,
		strings.ToLower(name),
	)

	var user UserRecord
	if err := row.Scan(
		&user.User,
		&user.CaselessUser,
		&user.PasswordHash,
		&user.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user %q: %w", name, err)
	}

	return &user, nil
}

// AppendNotification stores one notification for a user.
func (s *Store) AppendNotification(user, content string) error {
	if user == "" {
		return errors.New("user is required")
	}
	if content == "" {
		return errors.New("content is required")
	}

	_, err := s.db.Exec(
		`INSERT INTO notifications (user, content, created_at) VALUES (?, ?, ?)`,
		user,
		content,
		nowUnixSeconds(),
	)
	if err != nil {
		return fmt.Errorf("append notification for %q: %w", user, err)
	}
	return nil
}

// ListNotifications returns queued notifications for a user, newest first.
func (s *Store) ListNotifications(user string) ([]Notification, error) {
	if user == "" {
		return nil, errors.New("user is required")
	}

	rows, err := s.db.Query(
		`SELECT id, user, content, created_at
		FROM notifications
		WHERE user = ?
		ORDER BY created_at DESC, id DESC`,
		user,
	)
	if err != nil {
		return nil, fmt.Errorf("list notifications for %q: %w", user, err)
	}
	defer rows.Close()

	notifications := make([]Notification, 0)
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.User, &n.Content, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification row: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification rows: %w", err)
	}
	return notifications, nil
}
