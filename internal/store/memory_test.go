package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whisp.exchange/internal/models"
)

func testWhisp(id string, ttl time.Duration) *models.Whisp {
	now := time.Now().UTC()
	return &models.Whisp{
		ID:        id,
		Payload:   "payload-" + id,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
}

func TestMemorySaveGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	w := testWhisp("a", time.Hour)
	require.NoError(t, s.Save(ctx, w))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, w.Payload, got.Payload)

	// The store hands back copies, not its internal row.
	got.Payload = "mutated"
	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, w.Payload, again.Payload)
}

func TestMemoryGetMissing(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryConsumeOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Save(ctx, testWhisp("a", time.Hour)))

	got, err := s.Consume(ctx, "a", now)
	require.NoError(t, err)
	assert.Equal(t, "payload-a", got.Payload)

	_, err = s.Consume(ctx, "a", now)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryConsumeExpired(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, testWhisp("a", -time.Minute)))

	_, err := s.Consume(ctx, "a", time.Now().UTC())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryDeleteIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, testWhisp("a", time.Hour)))
	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Delete(ctx, "a"))
}

func TestMemoryPurgeExpired(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	live := testWhisp("live", time.Hour)
	dead := testWhisp("dead", -time.Minute)
	deadFile := testWhisp("deadfile", -time.Minute)
	deadFile.IsFile = true
	deadFile.FileRef = "deadfile_x.enc"

	for _, w := range []*models.Whisp{live, dead, deadFile} {
		require.NoError(t, s.Save(ctx, w))
	}

	count, refs, err := s.PurgeExpired(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, []string{"deadfile_x.enc"}, refs)

	_, err = s.Get(ctx, "live")
	assert.NoError(t, err)
	_, err = s.Get(ctx, "dead")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryConcurrentConsume(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, testWhisp("race", time.Hour)))

	const n = 32
	var wg sync.WaitGroup
	results := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Consume(ctx, "race", time.Now().UTC())
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, ErrNotFound)
		}
	}
	assert.Equal(t, 1, successes, "exactly one consumer may win")
}
