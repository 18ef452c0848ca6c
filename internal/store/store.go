package store

import (
	"context"
	"errors"
	"time"

	"whisp.exchange/internal/models"
)

var ErrNotFound = errors.New("whisp not found")

// RecordStore is the durable mapping from whisp id to metadata. Consume is
// the serialization point for one-time access: it atomically removes and
// returns the row, so concurrent redeemers racing on the same id see
// exactly one success.
type RecordStore interface {
	Save(ctx context.Context, whisp *models.Whisp) error
	Get(ctx context.Context, id string) (*models.Whisp, error)
	// Consume atomically deletes the row and returns it. Rows at or past
	// expiry are not consumable; ErrNotFound covers absent and expired.
	Consume(ctx context.Context, id string, now time.Time) (*models.Whisp, error)
	// Delete is idempotent.
	Delete(ctx context.Context, id string) error
	// PurgeExpired removes rows whose expires_at is before now and reports
	// the count plus the blob references of purged file whisps, so the
	// caller can clean up blobs the sweep would otherwise orphan.
	PurgeExpired(ctx context.Context, now time.Time) (int, []string, error)
	Close() error
}
