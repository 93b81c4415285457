package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
	// ErrDuplicate indicates a unique constraint rejected an insert.
	ErrDuplicate = errors.New("storage: record already exists")
)

// FileRecord is the SQLite representation of a committed upload.
type FileRecord struct {
	FileID    string `json:"id"`
	Filename  string `json:"fileName"`
	Owner     string `json:"user"`
	Filesize  int64  `json:"size"`
	Mimetype  string `json:"mimetype"`
	CreatedAt int64  `json:"createdAt"`
}

// UserRecord is the SQLite representation of an account.
type UserRecord struct {
	User         string `json:"user"`
	CaselessUser string `json:"caselessUser"`
	PasswordHash string `json:"-"`
	CreatedAt    int64  `json:"createdAt"`
}

// Notification is one queued notification for a user.
type Notification struct {
	ID        int64  `json:"id"`
	User      string `json:"user"`
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
}

type scanner interface {
	Scan(dest ...any) error
}

func nowUnixSeconds() int64 {
	return time.Now().Unix()
}
