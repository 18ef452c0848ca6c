package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"whisp.exchange/internal/blob"
	"whisp.exchange/internal/crypto"
	"whisp.exchange/internal/models"
	"whisp.exchange/internal/store"
)

type testEnv struct {
	engine  *Engine
	records *store.MemoryStore
	blobDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	blobs, err := blob.NewFSStore(dir, DefaultMaxFileSize+crypto.Overhead)
	require.NoError(t, err)

	records := store.NewMemoryStore()
	// Long interval so tests drive sweeps explicitly.
	e := New(records, blobs, Config{
		SweepInterval: time.Hour,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(e.Close)

	return &testEnv{engine: e, records: records, blobDir: dir}
}

func (env *testEnv) blobCount(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(env.blobDir)
	require.NoError(t, err)
	return len(entries)
}

func TestCreateInvalidTTL(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, ttl := range []int{0, -5, 10081} {
		_, err := env.engine.Create(ctx, CreateParams{
			Payload:    "file.txt",
			TTLMinutes: ttl,
			File:       []byte("content"),
		})
		assert.ErrorIs(t, err, ErrInvalidTTL, "ttl %d", ttl)
	}

	assert.Zero(t, env.blobCount(t), "validation failures must not create blobs")
}

func TestCreateSetsExpiry(t *testing.T) {
	env := newTestEnv(t)

	before := time.Now().UTC()
	w, err := env.engine.Create(context.Background(), CreateParams{
		Payload:    "ciphertext",
		TTLMinutes: 120,
	})
	require.NoError(t, err)

	assert.WithinDuration(t, before.Add(120*time.Minute), w.ExpiresAt, 5*time.Second)
	assert.NotEmpty(t, w.ID)
	assert.False(t, w.IsFile)
}

func TestTextRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	w, err := env.engine.Create(ctx, CreateParams{
		Payload:    "client-encrypted-text",
		TTLMinutes: 60,
	})
	require.NoError(t, err)

	got, err := env.engine.FetchMetadata(ctx, w.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "client-encrypted-text", got.Payload)

	// The first read is the one-and-only redemption.
	_, err = env.engine.FetchMetadata(ctx, w.ID, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	content := []byte("the bytes of the file")
	w, err := env.engine.Create(ctx, CreateParams{
		Payload:    "notes.txt",
		TTLMinutes: 60,
		File:       content,
	})
	require.NoError(t, err)
	assert.True(t, w.IsFile)
	assert.Equal(t, 1, env.blobCount(t))

	// Metadata reads do not consume file whisps.
	for i := 0; i < 3; i++ {
		meta, err := env.engine.FetchMetadata(ctx, w.ID, "")
		require.NoError(t, err)
		assert.True(t, meta.IsFile)
	}

	got, filename, err := env.engine.FetchFile(ctx, w.ID, "")
	require.NoError(t, err)
	assert.Equal(t, content, got)
	assert.Equal(t, "notes.txt", filename)

	_, _, err = env.engine.FetchFile(ctx, w.ID, "")
	assert.ErrorIs(t, err, ErrNotFound)

	// Blob deletion is deferred to the reaper but must happen.
	assert.Eventually(t, func() bool { return env.blobCount(t) == 0 },
		2*time.Second, 20*time.Millisecond)
}

func TestPasswordGateText(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	w, err := env.engine.Create(ctx, CreateParams{
		Payload:    "gated",
		TTLMinutes: 60,
		Password:   "s3cret",
	})
	require.NoError(t, err)

	_, err = env.engine.FetchMetadata(ctx, w.ID, "")
	assert.ErrorIs(t, err, ErrUnauthorized)
	_, err = env.engine.FetchMetadata(ctx, w.ID, "wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)

	// Failed attempts must not consume the whisp.
	got, err := env.engine.FetchMetadata(ctx, w.ID, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "gated", got.Payload)
}

func TestPasswordGateFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	w, err := env.engine.Create(ctx, CreateParams{
		Payload:    "file.bin",
		TTLMinutes: 60,
		Password:   "s3cret",
		File:       []byte("bytes"),
	})
	require.NoError(t, err)

	_, _, err = env.engine.FetchFile(ctx, w.ID, "wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)

	got, _, err := env.engine.FetchFile(ctx, w.ID, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, []byte("bytes"), got)
}

func TestExpiredUnreachable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Plant an expired-but-unswept row directly.
	expired := &models.Whisp{
		ID:        "expired-id",
		Payload:   "stale",
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, env.records.Save(ctx, expired))

	_, err := env.engine.FetchMetadata(ctx, "expired-id", "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = env.engine.FetchFile(ctx, "expired-id", "")
	assert.ErrorIs(t, err, ErrNotFound)

	count, err := env.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = env.records.Get(ctx, "expired-id")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepReapsOrphanedBlobs(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Expired file whisp whose blob is still on disk.
	ref := "expired-file_x.enc"
	require.NoError(t, os.WriteFile(filepath.Join(env.blobDir, ref), []byte("x"), 0o600))
	require.NoError(t, env.records.Save(ctx, &models.Whisp{
		ID:        "expired-file",
		Payload:   `{"filename":"x","key":""}`,
		IsFile:    true,
		FileRef:   ref,
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}))

	count, err := env.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	assert.Eventually(t, func() bool { return env.blobCount(t) == 0 },
		2*time.Second, 20*time.Millisecond)
}

func TestConcurrentTextRedemption(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	w, err := env.engine.Create(ctx, CreateParams{Payload: "raced", TTLMinutes: 60})
	require.NoError(t, err)

	const n = 32
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.FetchMetadata(ctx, w.ID, "")
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
	assert.Equal(t, 1, successes)
}

func TestConcurrentFileRedemption(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	w, err := env.engine.Create(ctx, CreateParams{
		Payload:    "raced.bin",
		TTLMinutes: 60,
		File:       []byte("raced bytes"),
	})
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := env.engine.FetchFile(ctx, w.ID, "")
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
	assert.Equal(t, 1, successes)
}

func TestOversizedFile(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.engine.Create(context.Background(), CreateParams{
		Payload:    "huge.bin",
		TTLMinutes: 60,
		File:       make([]byte, DefaultMaxFileSize+1),
	})
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
	assert.Zero(t, env.blobCount(t), "oversized upload must leave no blob")
}

func TestTamperedBlob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	w, err := env.engine.Create(ctx, CreateParams{
		Payload:    "doc.pdf",
		TTLMinutes: 60,
		File:       []byte("original bytes"),
	})
	require.NoError(t, err)

	path := filepath.Join(env.blobDir, w.FileRef)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, _, err = env.engine.FetchFile(ctx, w.ID, "")
	assert.ErrorIs(t, err, ErrDecryption)

	// The row survives a decryption failure.
	_, err = env.records.Get(ctx, w.ID)
	assert.NoError(t, err)
}

func TestMissingBlobSelfHeal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	w, err := env.engine.Create(ctx, CreateParams{
		Payload:    "gone.bin",
		TTLMinutes: 60,
		File:       []byte("bytes"),
	})
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(env.blobDir, w.FileRef)))

	_, _, err = env.engine.FetchFile(ctx, w.ID, "")
	assert.ErrorIs(t, err, ErrNotFound)

	// Self-heal removed the now-useless row.
	_, err = env.records.Get(ctx, w.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreateHashesPassword(t *testing.T) {
	env := newTestEnv(t)

	w, err := env.engine.Create(context.Background(), CreateParams{
		Payload:    "text",
		TTLMinutes: 60,
		Password:   "p",
	})
	require.NoError(t, err)
	assert.NotEqual(t, "p", w.PasswordHash)
	assert.True(t, crypto.VerifyPassword("p", w.PasswordHash))
}
