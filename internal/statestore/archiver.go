package statestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
)

// Archiver periodically migrates state that has gone cold (untouched
// past ArchiveAfter) from the hot Redis tier into S3, then lets the
// Redis key expire naturally rather than deleting it early — a session
// resumed in the narrow window between archival and TTL expiry still
// gets the fast hot-tier read.
type Archiver struct {
	store         *Store
	checkInterval time.Duration
	archiveAfter  time.Duration
	stop          chan struct{}
}

func NewArchiver(store *Store, checkInterval, archiveAfter time.Duration) *Archiver {
	return &Archiver{store: store, checkInterval: checkInterval, archiveAfter: archiveAfter, stop: make(chan struct{})}
}

func (a *Archiver) Start() {
	if !a.store.cfg.ArchiveEnabled {
		return
	}
	go a.loop()
}

func (a *Archiver) Stop() {
	close(a.stop)
}

func (a *Archiver) loop() {
	ticker := time.NewTicker(a.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

// sweep scans Redis for hot-state keys whose last access is older than
// archiveAfter and copies them into S3. It uses SCAN rather than KEYS to
// avoid blocking Redis on a large keyspace.
func (a *Archiver) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	iter := a.store.redis.Scan(ctx, 0, "state:meta:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		sessionID := key[len("state:meta:"):]

		meta, err := a.store.redis.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		_, _, _, lastAccessUnix, err := parseStateMeta(meta)
		if err != nil {
			continue
		}
		if time.Since(time.Unix(lastAccessUnix, 0)) < a.archiveAfter {
			continue
		}

		if err := a.archiveOne(ctx, sessionID, meta); err != nil {
			continue
		}
	}
}

// archiveOne copies the hot payload to S3 and, on success, writes a
// durable cold-tier marker carrying the same hash/size/timestamps as the
// hot meta it is superseding. The marker's TTL is ArchiveTTL rather than
// the (shorter-lived) hot TTL, so Info and Load can still answer for the
// session long after its hot meta key has expired.
func (a *Archiver) archiveOne(ctx context.Context, sessionID, meta string) error {
	payload, err := a.store.redis.Get(ctx, hotKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read hot state for archive: %w", err)
	}

	_, err = a.store.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.store.cfg.Bucket),
		Key:    aws.String(objectKey(sessionID)),
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		return fmt.Errorf("archive to s3: %w", err)
	}

	if err := a.store.redis.Set(ctx, coldMetaKey(sessionID), meta, a.store.cfg.ArchiveTTL).Err(); err != nil {
		return fmt.Errorf("persist cold state meta: %w", err)
	}
	return nil
}
