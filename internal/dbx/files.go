package dbx

import (
	"database/sql"
	"fmt"
	"time"
)

// FileRow is the raw row shape for the files table.
type FileRow struct {
	SessionID   string
	FileID      string
	Name        string
	SizeBytes   int64
	ContentType sql.NullString
	CreatedAt   time.Time
}

func (db *DB) CreateFile(sessionID, fileID, name string, size int64, contentType string) error {
	_, err := db.Exec(
		`INSERT INTO files (session_id, file_id, name, size_bytes, content_type)
		 VALUES ($1, $2, $3, $4, $5)`,
		sessionID, fileID, name, size, nullIfEmpty(contentType),
	)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	return nil
}

func (db *DB) GetFile(sessionID, fileID string) (*FileRow, error) {
	f := &FileRow{}
	err := db.QueryRow(
		`SELECT session_id, file_id, name, size_bytes, content_type, created_at
		 FROM files WHERE session_id = $1 AND file_id = $2`,
		sessionID, fileID,
	).Scan(&f.SessionID, &f.FileID, &f.Name, &f.SizeBytes, &f.ContentType, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	return f, nil
}

func (db *DB) ListFiles(sessionID string) ([]*FileRow, error) {
	rows, err := db.Query(
		`SELECT session_id, file_id, name, size_bytes, content_type, created_at
		 FROM files WHERE session_id = $1 ORDER BY created_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	var out []*FileRow
	for rows.Next() {
		f := &FileRow{}
		if err := rows.Scan(&f.SessionID, &f.FileID, &f.Name, &f.SizeBytes, &f.ContentType, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (db *DB) CountFiles(sessionID string) (int, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM files WHERE session_id = $1`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count files: %w", err)
	}
	return count, nil
}

func (db *DB) TotalFileSize(sessionID string) (int64, error) {
	var total sql.NullInt64
	err := db.QueryRow(`SELECT SUM(size_bytes) FROM files WHERE session_id = $1`, sessionID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum file size: %w", err)
	}
	return total.Int64, nil
}

func (db *DB) DeleteFile(sessionID, fileID string) error {
	_, err := db.Exec(`DELETE FROM files WHERE session_id = $1 AND file_id = $2`, sessionID, fileID)
	if err != nil {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}
