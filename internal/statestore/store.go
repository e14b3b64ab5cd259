// Package statestore implements the StateStore (C5): a two-tier cache
// for opaque, per-session interpreter state. Hot state lives in Redis
// for fast round trips between executions on the same session; state
// that has gone cold is migrated to S3-compatible object storage and
// restored on demand. The store never deserializes the payload bytes —
// only their length and a content hash are ever inspected, mirroring
// how the rest of this codebase treats sandbox-produced artifacts as
// opaque blobs to move, not data to interpret.
package statestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"github.com/kubecoderun/kubecoderun/internal/model"
)

// Config is the store's slice of the process configuration surface.
type Config struct {
	Enabled           bool
	TTL               time.Duration
	MaxSizeBytes      int64
	ArchiveEnabled    bool
	ArchiveAfter      time.Duration
	ArchiveTTL        time.Duration
	RestoreGrace      time.Duration
	Bucket            string
}

// Store is the StateStore (C5).
type Store struct {
	cfg   Config
	redis *redis.Client
	s3    *s3.Client
}

func New(cfg Config, redisClient *redis.Client, s3Client *s3.Client) *Store {
	return &Store{cfg: cfg, redis: redisClient, s3: s3Client}
}

// MaxSizeBytes exposes the configured state-blob size ceiling so the HTTP
// edge can bound the request body before it ever reaches Save.
func (s *Store) MaxSizeBytes() int64 { return s.cfg.MaxSizeBytes }

func hotKey(sessionID string) string      { return "state:hot:" + sessionID }
func metaKey(sessionID string) string     { return "state:meta:" + sessionID }
func coldMetaKey(sessionID string) string { return "state:cold:" + sessionID }
func restoreKey(sessionID string) string  { return "state:restoring:" + sessionID }
func objectKey(sessionID string) string   { return "state-archive/" + sessionID }

// parseStateMeta splits the "hash|size|createdUnix|lastAccessUnix" meta
// value written by Save and refreshed by touchMeta. Deliberately not
// fmt.Sscanf: %s is greedy past non-space delimiters like "|", so it
// would consume the whole value and fail to match the literal separators
// that follow.
func parseStateMeta(meta string) (hash string, size, createdUnix, lastAccessUnix int64, err error) {
	parts := strings.SplitN(meta, "|", 4)
	if len(parts) != 4 {
		return "", 0, 0, 0, fmt.Errorf("malformed entry %q", meta)
	}
	size, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, 0, 0, fmt.Errorf("size: %w", err)
	}
	createdUnix, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", 0, 0, 0, fmt.Errorf("created_at: %w", err)
	}
	lastAccessUnix, err = strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return "", 0, 0, 0, fmt.Errorf("last_accessed_at: %w", err)
	}
	return parts[0], size, createdUnix, lastAccessUnix, nil
}

func formatStateMeta(hash string, size, createdUnix, lastAccessUnix int64) string {
	return fmt.Sprintf("%s|%d|%d|%d", hash, size, createdUnix, lastAccessUnix)
}

// Save stores a new or updated interpreter state blob, rejecting
// payloads over the configured size ceiling without ever looking at
// their contents.
func (s *Store) Save(ctx context.Context, sessionID string, payload []byte) (*model.StateBlob, error) {
	if !s.cfg.Enabled {
		return nil, nil
	}
	if int64(len(payload)) > s.cfg.MaxSizeBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", model.ErrStateTooLarge, len(payload), s.cfg.MaxSizeBytes)
	}

	sum := sha256.Sum256(payload)
	hash := hex.EncodeToString(sum[:])
	now := time.Now()

	if err := s.redis.Set(ctx, hotKey(sessionID), payload, s.cfg.TTL).Err(); err != nil {
		return nil, fmt.Errorf("save hot state: %w", err)
	}
	meta := formatStateMeta(hash, int64(len(payload)), now.Unix(), now.Unix())
	if err := s.redis.Set(ctx, metaKey(sessionID), meta, s.cfg.TTL).Err(); err != nil {
		return nil, fmt.Errorf("save state meta: %w", err)
	}

	return &model.StateBlob{
		SessionID:      sessionID,
		ContentHash:    hash,
		Size:           int64(len(payload)),
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(s.cfg.TTL),
		Tier:           "hot",
	}, nil
}

// Load returns the raw state bytes for a session, transparently
// promoting from cold storage if the hot tier has expired and the blob
// was archived. Returns (nil, nil) if the session has no stored state.
func (s *Store) Load(ctx context.Context, sessionID string) ([]byte, error) {
	if !s.cfg.Enabled {
		return nil, nil
	}

	payload, err := s.redis.Get(ctx, hotKey(sessionID)).Bytes()
	if err == nil {
		s.redis.Expire(ctx, hotKey(sessionID), s.cfg.TTL)
		s.touchMeta(ctx, sessionID)
		return payload, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load hot state: %w", err)
	}

	if !s.cfg.ArchiveEnabled {
		return nil, nil
	}
	return s.restoreFromCold(ctx, sessionID)
}

// touchMeta records the current time as the session's last access,
// independent of the Save-time creation timestamp. The archiver ages
// state by time-since-last-access, not time-since-write, so a session
// kept alive only by reads must not go cold while still in active use.
func (s *Store) touchMeta(ctx context.Context, sessionID string) {
	meta, err := s.redis.Get(ctx, metaKey(sessionID)).Result()
	if err != nil {
		return
	}
	hash, size, createdUnix, _, err := parseStateMeta(meta)
	if err != nil {
		return
	}
	updated := formatStateMeta(hash, size, createdUnix, time.Now().Unix())
	s.redis.Set(ctx, metaKey(sessionID), updated, s.cfg.TTL)
}

// restoreFromCold pulls an archived blob back from S3 and repopulates
// the hot tier, so the next Load for the same session is fast again.
// A short-lived "restoring" marker prevents two concurrent executions
// from both paying the S3 round trip.
func (s *Store) restoreFromCold(ctx context.Context, sessionID string) ([]byte, error) {
	acquired, err := s.redis.SetNX(ctx, restoreKey(sessionID), "1", s.cfg.RestoreGrace).Result()
	if err != nil {
		return nil, fmt.Errorf("restore lock: %w", err)
	}
	if !acquired {
		// Another execution is already restoring this session's state;
		// wait out the grace window and retry the hot read once.
		time.Sleep(s.cfg.RestoreGrace)
		payload, err := s.redis.Get(ctx, hotKey(sessionID)).Bytes()
		if err == nil {
			return payload, nil
		}
		return nil, nil
	}
	defer s.redis.Del(ctx, restoreKey(sessionID))

	coldMeta, err := s.redis.Get(ctx, coldMetaKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cold state meta: %w", err)
	}
	hash, size, createdUnix, _, err := parseStateMeta(coldMeta)
	if err != nil {
		return nil, fmt.Errorf("parse cold state meta: %w", err)
	}

	out, err := s.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(objectKey(sessionID)),
	})
	if err != nil {
		var nsk s3NoSuchKey
		if errors.As(err, &nsk) {
			return nil, nil
		}
		return nil, fmt.Errorf("get archived state: %w", err)
	}
	defer out.Body.Close()

	payload, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("read archived state: %w", err)
	}

	now := time.Now()
	if err := s.redis.Set(ctx, hotKey(sessionID), payload, s.cfg.TTL).Err(); err != nil {
		return nil, fmt.Errorf("repromote state: %w", err)
	}
	meta := formatStateMeta(hash, size, createdUnix, now.Unix())
	if err := s.redis.Set(ctx, metaKey(sessionID), meta, s.cfg.TTL).Err(); err != nil {
		return nil, fmt.Errorf("repromote state meta: %w", err)
	}
	return payload, nil
}

// s3NoSuchKey lets restoreFromCold type-assert the AWS SDK's NoSuchKey
// error without importing its generated type directly into the
// errors.As target at the call site.
type s3NoSuchKey interface {
	error
	ErrorCode() string
}

// Info reports metadata about a session's stored state without
// returning the payload, for the /state/{session_id}/info endpoint.
func (s *Store) Info(ctx context.Context, sessionID string) (*model.StateBlob, error) {
	meta, err := s.redis.Get(ctx, metaKey(sessionID)).Result()
	if err == nil {
		hash, size, createdUnix, _, err := parseStateMeta(meta)
		if err != nil {
			return nil, fmt.Errorf("parse state meta: %w", err)
		}
		createdAt := time.Unix(createdUnix, 0)
		return &model.StateBlob{
			SessionID:   sessionID,
			ContentHash: hash,
			Size:        size,
			CreatedAt:   createdAt,
			ExpiresAt:   createdAt.Add(s.cfg.TTL),
			Tier:        "hot",
		}, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get state meta: %w", err)
	}

	// The hot meta key has expired or was never set (e.g. right after
	// archival). Before declaring the session gone, check the durable
	// cold-tier marker the archiver writes alongside the S3 object — a
	// session archived long enough ago that its hot meta aged out is
	// still readable via Load's restoreFromCold, so Info must keep
	// reporting it rather than 404 on state that is actually present.
	if !s.cfg.ArchiveEnabled {
		return nil, model.ErrSessionNotFound
	}
	coldMeta, err := s.redis.Get(ctx, coldMetaKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get cold state meta: %w", err)
	}
	hash, size, createdUnix, _, err := parseStateMeta(coldMeta)
	if err != nil {
		return nil, fmt.Errorf("parse cold state meta: %w", err)
	}
	createdAt := time.Unix(createdUnix, 0)
	return &model.StateBlob{
		SessionID:   sessionID,
		ContentHash: hash,
		Size:        size,
		CreatedAt:   createdAt,
		ExpiresAt:   createdAt.Add(s.cfg.ArchiveTTL),
		Tier:        "cold",
	}, nil
}

// Delete removes a session's state from both tiers. Safe to call for a
// session with no stored state.
func (s *Store) Delete(sessionID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.redis.Del(ctx, hotKey(sessionID), metaKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("delete hot state: %w", err)
	}
	if s.cfg.ArchiveEnabled {
		if err := s.redis.Del(ctx, coldMetaKey(sessionID)).Err(); err != nil {
			return fmt.Errorf("delete cold state meta: %w", err)
		}
		if _, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(objectKey(sessionID)),
		}); err != nil {
			return fmt.Errorf("delete archived state: %w", err)
		}
	}
	return nil
}
