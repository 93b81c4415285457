package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// InsertFile commits metadata for a finalized upload.
func (s *Store) InsertFile(file FileRecord) error {
	if file.FileID == "" {
		return errors.New("file_id is required")
	}
	if file.Filename == "" {
		return errors.New("filename is required")
	}
	if file.Owner == "" {
		return errors.New("owner is required")
	}
	if file.CreatedAt == 0 {
		file.CreatedAt = nowUnixSeconds()
	}

	_, err := s.db.Exec(
		`INSERT INTO files (
			file_id,
			filename,
			owner,
			filesize,
			mimetype,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		file.FileID,
		file.Filename,
		file.Owner,
		file.Filesize,
		file.Mimetype,
		file.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicate
		}
		return fmt.Errorf("insert file record %q: %w", file.FileID, err)
	}

	return nil
}

// FindFile fetches file metadata by file ID.
func (s *Store) FindFile(fileID string) (*FileRecord, error) {
	if fileID == "" {
		return nil, errors.New("file_id is required")
	}

	row := s.db.QueryRow(
		`SELECT
			file_id,
			filename,
			owner,
			filesize,
			mimetype,
			created_at
		FROM files
		WHERE file_id = ?`,
		fileID,
	)

	file, err := scanFileRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get file record %q: %w", fileID, err)
	}

	return file, nil
}

// ListFilesByOwner returns all committed files for one owner, newest first.
func (s *Store) ListFilesByOwner(owner string) ([]FileRecord, error) {
	if owner == "" {
		return nil, errors.New("owner is required")
	}

	rows, err := s.db.Query(
		`SELECT
			file_id,
			filename,
			owner,
			filesize,
			mimetype,
			created_at
		FROM files
		WHERE owner = ?
		ORDER BY created_at DESC, file_id`,
		owner,
	)
	if err != nil {
		return nil, fmt.Errorf("list files for %q: %w", owner, err)
	}
	defer rows.Close()

	files := make([]FileRecord, 0)
	for rows.Next() {
		file, scanErr := scanFileRecord(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan file row: %w", scanErr)
		}
		files = append(files, *file)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate file rows: %w", err)
	}
	return files, nil
}

// DeleteFile removes one file record.
func (s *Store) DeleteFile(fileID string) error {
	if fileID == "" {
		return errors.New("file_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM files WHERE file_id = ?`, fileID)
	if err != nil {
		return fmt.Errorf("delete file record %q: %w", fileID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for file %q: %w", fileID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

func scanFileRecord(row scanner) (*FileRecord, error) {
	var (
		file     FileRecord
		mimetype sql.NullString
	)

	if err := row.Scan(
		&file.FileID,
		&file.Filename,
		&file.Owner,
		&file.Filesize,
		&mimetype,
		&file.CreatedAt,
	); err != nil {
		return nil, err
	}

	if mimetype.Valid {
		file.Mimetype = mimetype.String
	}

	return &file, nil
}
