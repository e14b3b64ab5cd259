package statestore

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/kubecoderun/kubecoderun/internal/model"
)

func testStore(t *testing.T) *Store {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := Config{
		Enabled:      true,
		TTL:          time.Hour,
		MaxSizeBytes: 1024,
	}
	return New(cfg, client, nil)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()

	blob, err := s.Save(ctx, "sess-1", []byte("namespace bytes"))
	require.NoError(t, err)
	require.NotEmpty(t, blob.ContentHash)

	payload, err := s.Load(ctx, "sess-1")
	require.NoError(t, err)
	require.Equal(t, "namespace bytes", string(payload))
}

func TestSaveRejectsOversizedPayload(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()

	_, err := s.Save(ctx, "sess-1", make([]byte, 2048))
	require.ErrorIs(t, err, model.ErrStateTooLarge)
}

func TestLoadOnUnknownSessionReturnsNilNotError(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()

	payload, err := s.Load(ctx, "never-seen")
	require.NoError(t, err)
	require.Nil(t, payload)
}

func TestDeleteClearsHotState(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()

	_, err := s.Save(ctx, "sess-1", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, s.Delete("sess-1"))

	payload, err := s.Load(ctx, "sess-1")
	require.NoError(t, err)
	require.Nil(t, payload)
}

func TestInfoReturnsHashWithoutPayload(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()

	_, err := s.Save(ctx, "sess-1", []byte("abc"))
	require.NoError(t, err)

	info, err := s.Info(ctx, "sess-1")
	require.NoError(t, err)
	require.NotEmpty(t, info.ContentHash)
}

func TestInfoOnUnknownSessionReturnsSessionNotFound(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()

	_, err := s.Info(ctx, "never-seen")
	require.ErrorIs(t, err, model.ErrSessionNotFound)
}

func TestInfoReportsSizeAndExpiry(t *testing.T) {
	s := testStore(t)
	ctx := t.Context()

	_, err := s.Save(ctx, "sess-1", []byte("abcde"))
	require.NoError(t, err)

	info, err := s.Info(ctx, "sess-1")
	require.NoError(t, err)
	require.EqualValues(t, 5, info.Size)
	require.True(t, info.ExpiresAt.After(info.CreatedAt))
}

func TestMaxSizeBytesExposesConfiguredLimit(t *testing.T) {
	s := testStore(t)
	require.EqualValues(t, 1024, s.MaxSizeBytes())
}
