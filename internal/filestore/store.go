// Package filestore implements session file storage: metadata in
// Postgres via internal/dbx, binary payloads in S3-compatible object
// storage, adapted from the teacher's PVC-backed persistent user drives:
// a per-user long-lived directory tree becomes per-session upload and
// harvested-output objects, with their metadata kept in SQL.
package filestore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/kubecoderun/kubecoderun/internal/dbx"
	"github.com/kubecoderun/kubecoderun/internal/model"
)

// hasPathTraversalBytes rejects filenames that could escape the
// session-scoped object key namespace: path separators, any ".."
// sequence (not only a whole ".." segment), and NUL bytes.
func hasPathTraversalBytes(name string) bool {
	if strings.ContainsAny(name, "/\\\x00") {
		return true
	}
	return strings.Contains(name, "..")
}

// Config is the store's slice of the process configuration surface.
type Config struct {
	Bucket              string
	MaxFileSizeBytes    int64
	MaxTotalSizeBytes   int64
	MaxFilesPerSession  int
	MaxFilenameLength   int
}

// Store is the session file repository.
type Store struct {
	cfg Config
	db  *dbx.DB
	s3  *s3.Client
}

func New(cfg Config, db *dbx.DB, s3Client *s3.Client) *Store {
	return &Store{cfg: cfg, db: db, s3: s3Client}
}

func objectKey(sessionID, fileID string) string {
	return fmt.Sprintf("files/%s/%s", sessionID, fileID)
}

// Put validates and stores one uploaded or harvested file, returning
// its metadata, including its generated file id.
func (s *Store) Put(ctx context.Context, sessionID, name, contentType string, content []byte) (*model.StoredFile, error) {
	if len(name) == 0 || len(name) > s.cfg.MaxFilenameLength {
		return nil, fmt.Errorf("%w: filename length", model.ErrInvalidRequest)
	}
	if hasPathTraversalBytes(name) {
		return nil, fmt.Errorf("%w: filename contains path-traversal bytes", model.ErrInvalidRequest)
	}
	if int64(len(content)) > s.cfg.MaxFileSizeBytes {
		return nil, fmt.Errorf("%w: file exceeds max size of %d bytes", model.ErrInvalidRequest, s.cfg.MaxFileSizeBytes)
	}

	count, err := s.db.CountFiles(sessionID)
	if err != nil {
		return nil, fmt.Errorf("count session files: %w", err)
	}
	if count >= s.cfg.MaxFilesPerSession {
		return nil, fmt.Errorf("%w: session already holds %d files", model.ErrInvalidRequest, count)
	}

	total, err := s.db.TotalFileSize(sessionID)
	if err != nil {
		return nil, fmt.Errorf("total session file size: %w", err)
	}
	if total+int64(len(content)) > s.cfg.MaxTotalSizeBytes {
		return nil, fmt.Errorf("%w: session file quota exceeded", model.ErrInvalidRequest)
	}

	fileID := uuid.NewString()
	if _, err := s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(objectKey(sessionID, fileID)),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(contentType),
	}); err != nil {
		return nil, fmt.Errorf("put file object: %w", err)
	}

	if err := s.db.CreateFile(sessionID, fileID, name, int64(len(content)), contentType); err != nil {
		_, _ = s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(objectKey(sessionID, fileID))})
		return nil, fmt.Errorf("create file record: %w", err)
	}

	return &model.StoredFile{
		SessionID:   sessionID,
		FileID:      fileID,
		Name:        name,
		Size:        int64(len(content)),
		ContentType: contentType,
		CreatedAt:   time.Now(),
	}, nil
}

// List returns metadata for every file attached to a session.
func (s *Store) List(sessionID string) ([]model.StoredFile, error) {
	rows, err := s.db.ListFiles(sessionID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	out := make([]model.StoredFile, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.StoredFile{
			SessionID:   r.SessionID,
			FileID:      r.FileID,
			Name:        r.Name,
			Size:        r.SizeBytes,
			ContentType: r.ContentType.String,
			CreatedAt:   r.CreatedAt,
		})
	}
	return out, nil
}

// Get fetches one file's bytes, or model.ErrFileNotFound if absent.
func (s *Store) Get(ctx context.Context, sessionID, fileID string) (*model.StoredFile, []byte, error) {
	row, err := s.db.GetFile(sessionID, fileID)
	if err != nil {
		return nil, nil, fmt.Errorf("get file record: %w", err)
	}
	if row == nil {
		return nil, nil, model.ErrFileNotFound
	}

	obj, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(objectKey(sessionID, fileID)),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("get file object: %w", err)
	}
	defer obj.Body.Close()

	content, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read file object: %w", err)
	}

	return &model.StoredFile{
		SessionID:   row.SessionID,
		FileID:      row.FileID,
		Name:        row.Name,
		Size:        row.SizeBytes,
		ContentType: row.ContentType.String,
		CreatedAt:   row.CreatedAt,
	}, content, nil
}

// Delete removes one file's metadata and payload.
func (s *Store) Delete(ctx context.Context, sessionID, fileID string) error {
	if err := s.db.DeleteFile(sessionID, fileID); err != nil {
		return fmt.Errorf("delete file record: %w", err)
	}
	if _, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(objectKey(sessionID, fileID)),
	}); err != nil {
		return fmt.Errorf("delete file object: %w", err)
	}
	return nil
}
