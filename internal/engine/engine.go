// Package engine implements the whisp lifecycle: creation, at-most-once
// redemption, expiry, passphrase gating, and coordinated deletion of the
// metadata row and the encrypted blob. It is the only component that
// sequences destructive operations across the record and blob stores.
package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"whisp.exchange/internal/blob"
	"whisp.exchange/internal/crypto"
	"whisp.exchange/internal/models"
	"whisp.exchange/internal/store"
)

const (
	MinTTLMinutes     = 1
	MaxTTLMinutes     = 10080 // one week
	DefaultTTLMinutes = 60

	DefaultMaxFileSize = 10 << 20
)

var (
	ErrInvalidTTL      = errors.New("ttl must be between 1 minute and 1 week")
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size")
	ErrUnauthorized    = errors.New("invalid password")
	ErrDecryption      = errors.New("stored content failed authentication")

	// ErrNotFound covers absent, expired, already-redeemed and
	// self-healed whisps alike; callers learn nothing beyond absence.
	ErrNotFound = store.ErrNotFound
)

type Config struct {
	MaxFileSize   int64
	SweepInterval time.Duration
	Logger        *slog.Logger
}

type Engine struct {
	records store.RecordStore
	blobs   blob.Store
	log     *slog.Logger

	maxFileSize int64

	reaper  chan string
	sweepCh chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(records store.RecordStore, blobs blob.Store, cfg Config) *Engine {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		records:     records,
		blobs:       blobs,
		log:         cfg.Logger.With("component", "engine"),
		maxFileSize: cfg.MaxFileSize,
		reaper:      make(chan string, 256),
		sweepCh:     make(chan struct{}, 1),
		cancel:      cancel,
	}

	e.wg.Add(2)
	go e.reapLoop(ctx)
	go e.sweepLoop(ctx, cfg.SweepInterval)

	return e
}

// Close stops the background loops. It does not close the underlying
// stores; their lifecycle belongs to the caller that opened them.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

type CreateParams struct {
	// Payload is the client-encrypted message for text whisps. When File
	// is set it carries the display filename instead.
	Payload    string
	TTLMinutes int
	Password   string
	File       []byte
}

// Create validates params, stores the blob for file whisps and inserts the
// metadata row. Validation happens before any mutation, and a failed file
// create leaves no partial blob behind.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*models.Whisp, error) {
	if p.TTLMinutes < MinTTLMinutes || p.TTLMinutes > MaxTTLMinutes {
		return nil, ErrInvalidTTL
	}

	now := time.Now().UTC()
	whisp := &models.Whisp{
		ID:        uuid.NewString(),
		Payload:   p.Payload,
		ExpiresAt: now.Add(time.Duration(p.TTLMinutes) * time.Minute),
		CreatedAt: now,
	}

	if p.Password != "" {
		hash, err := crypto.HashPassword(p.Password)
		if err != nil {
			return nil, fmt.Errorf("hashing password: %w", err)
		}
		whisp.PasswordHash = hash
	}

	if p.File != nil {
		if err := e.attachFile(ctx, whisp, p.Payload, p.File); err != nil {
			return nil, err
		}
	}

	if err := e.records.Save(ctx, whisp); err != nil {
		if whisp.FileRef != "" {
			_ = e.blobs.Delete(ctx, whisp.FileRef)
		}
		return nil, fmt.Errorf("saving whisp: %w", err)
	}

	e.triggerSweep()
	return whisp, nil
}

// attachFile encrypts content under a fresh per-file key, stores the blob
// and rewrites the payload as filename+key metadata.
func (e *Engine) attachFile(ctx context.Context, whisp *models.Whisp, filename string, content []byte) error {
	if int64(len(content)) > e.maxFileSize {
		return ErrPayloadTooLarge
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return fmt.Errorf("generating file key: %w", err)
	}

	ciphertext, err := crypto.Encrypt(key, content)
	if err != nil {
		return fmt.Errorf("encrypting file: %w", err)
	}

	ref, err := e.blobs.Put(ctx, whisp.ID, filename, ciphertext)
	if err != nil {
		if errors.Is(err, blob.ErrTooLarge) {
			return ErrPayloadTooLarge
		}
		return fmt.Errorf("storing blob: %w", err)
	}

	meta := &models.FileMeta{
		Filename: blob.SanitizeName(filename),
		Key:      base64.StdEncoding.EncodeToString(key),
	}
	if err := whisp.SetFileMeta(meta); err != nil {
		_ = e.blobs.Delete(ctx, ref)
		return fmt.Errorf("encoding file metadata: %w", err)
	}

	whisp.IsFile = true
	whisp.FileRef = ref
	return nil
}

// FetchMetadata returns a whisp's metadata. Text whisps are consumed by
// this call: the row is deleted atomically, so of N concurrent readers
// exactly one gets the payload and the rest see ErrNotFound. File whisps
// survive metadata reads and are consumed by FetchFile.
func (e *Engine) FetchMetadata(ctx context.Context, id, password string) (*models.Whisp, error) {
	whisp, err := e.get(ctx, id)
	if err != nil {
		return nil, err
	}

	if !authorized(whisp, password) {
		return nil, ErrUnauthorized
	}

	if whisp.IsFile {
		return whisp, nil
	}

	whisp, err = e.records.Consume(ctx, id, time.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("consuming whisp: %w", err)
	}

	// A text whisp should never carry a file reference; reap any stray.
	if whisp.FileRef != "" {
		e.enqueueBlobDelete(whisp.FileRef)
	}
	return whisp, nil
}

// FetchFile redeems a file whisp: it decrypts the blob with the key
// embedded in the row, then consumes the row. Row deletion always
// happens-before blob deletion; the blob itself is removed by the
// background reaper after the row is gone.
func (e *Engine) FetchFile(ctx context.Context, id, password string) ([]byte, string, error) {
	whisp, err := e.get(ctx, id)
	if err != nil {
		return nil, "", err
	}

	if !whisp.IsFile || whisp.FileRef == "" {
		return nil, "", ErrNotFound
	}

	ok, err := e.blobs.Exists(ctx, whisp.FileRef)
	if err != nil {
		return nil, "", fmt.Errorf("checking blob: %w", err)
	}
	if !ok {
		// Self-heal: the row references a blob that no longer exists.
		e.log.Warn("blob missing for whisp, removing row", "id", id)
		_ = e.records.Delete(ctx, id)
		return nil, "", ErrNotFound
	}

	if !authorized(whisp, password) {
		return nil, "", ErrUnauthorized
	}

	meta, err := whisp.FileMeta()
	if err != nil {
		return nil, "", fmt.Errorf("decoding file metadata: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(meta.Key)
	if err != nil {
		return nil, "", fmt.Errorf("decoding file key: %w", err)
	}

	ciphertext, err := e.blobs.Get(ctx, whisp.FileRef)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			_ = e.records.Delete(ctx, id)
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("reading blob: %w", err)
	}

	content, err := crypto.Decrypt(key, ciphertext)
	if err != nil {
		// Tampered or corrupt ciphertext. The row is kept so the
		// failure stays observable; it is never auto-evicted.
		return nil, "", ErrDecryption
	}

	if _, err := e.records.Consume(ctx, id, time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Lost the redemption race.
			return nil, "", ErrNotFound
		}
		return nil, "", fmt.Errorf("consuming whisp: %w", err)
	}

	e.enqueueBlobDelete(whisp.FileRef)
	return content, meta.Filename, nil
}

// get treats expired-but-unswept rows as not found.
func (e *Engine) get(ctx context.Context, id string) (*models.Whisp, error) {
	whisp, err := e.records.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading whisp: %w", err)
	}
	if whisp.Expired(time.Now().UTC()) {
		return nil, ErrNotFound
	}
	return whisp, nil
}

func authorized(whisp *models.Whisp, password string) bool {
	if !whisp.Protected() {
		return true
	}
	return password != "" && crypto.VerifyPassword(password, whisp.PasswordHash)
}

// Sweep purges expired rows and hands their blob references to the reaper.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	count, refs, err := e.records.PurgeExpired(ctx, time.Now().UTC())
	for _, ref := range refs {
		e.enqueueBlobDelete(ref)
	}
	if err != nil {
		return count, fmt.Errorf("purging expired whisps: %w", err)
	}
	if count > 0 {
		e.log.Info("purged expired whisps", "count", count)
	}
	return count, nil
}

func (e *Engine) triggerSweep() {
	select {
	case e.sweepCh <- struct{}{}:
	default:
	}
}

func (e *Engine) sweepLoop(ctx context.Context, interval time.Duration) {
	defer e.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.sweepCh:
		}
		if _, err := e.Sweep(ctx); err != nil {
			e.log.Error("sweep failed", "error", err)
		}
	}
}

// enqueueBlobDelete hands a blob to the reaper without ever blocking the
// response path. If the queue is full the delete runs in its own goroutine.
func (e *Engine) enqueueBlobDelete(ref string) {
	select {
	case e.reaper <- ref:
	default:
		go e.deleteBlob(ref)
	}
}

func (e *Engine) reapLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ref := <-e.reaper:
			e.deleteBlob(ref)
		}
	}
}

// deleteBlob is best-effort with bounded retries. A blob that outlives its
// row is a storage-hygiene issue, not a security one: the key died with
// the row.
func (e *Engine) deleteBlob(ref string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		if err = e.blobs.Delete(ctx, ref); err == nil {
			return
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	e.log.Warn("blob deletion failed", "ref", ref, "error", err)
}
