// redis.go
package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"whisp.exchange/internal/models"
)

var _ RecordStore = (*RedisStore)(nil)

// RedisStore keeps whisp rows as redis values with a TTL matching the
// whisp expiry, so redis evicts expired rows on its own.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(options *redis.Options) (*RedisStore, error) {
	client := redis.NewClient(options)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Save(ctx context.Context, whisp *models.Whisp) error {
	data, err := encode(whisp)
	if err != nil {
		return err
	}

	ttl := time.Until(whisp.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("whisp already expired")
	}

	return r.client.Set(ctx, whispKey(whisp.ID), data, ttl).Err()
}

func (r *RedisStore) Get(ctx context.Context, id string) (*models.Whisp, error) {
	data, err := r.client.Get(ctx, whispKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return decode(data)
}

// consumeScript removes the row and hands back its last value in one step,
// so only one of several racing redeemers gets it.
var consumeScript = redis.NewScript(`
	local data = redis.call('GET', KEYS[1])
	if not data then
		return false
	end
	redis.call('DEL', KEYS[1])
	return data
`)

func (r *RedisStore) Consume(ctx context.Context, id string, now time.Time) (*models.Whisp, error) {
	val, err := consumeScript.Run(ctx, r.client, []string{whispKey(id)}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var data []byte
	switch v := val.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return nil, errors.New("unexpected data type from script")
	}

	whisp, err := decode(data)
	if err != nil {
		return nil, err
	}

	// The key TTL normally evicts expired rows before this point; the
	// explicit check only matters in the instant around expiry.
	if whisp.Expired(now) {
		return nil, ErrNotFound
	}
	return whisp, nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, whispKey(id)).Err()
}

// PurgeExpired is a no-op for redis: the per-key TTL already removes
// expired rows, but redis cannot report which blob references it evicted.
// Blobs of expired file whisps stay behind until reconciled out of band;
// the decryption key died with the row, so they are only a hygiene issue.
func (r *RedisStore) PurgeExpired(ctx context.Context, now time.Time) (int, []string, error) {
	return 0, nil, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Helpers

func whispKey(id string) string {
	return "whisp:" + id
}

func encode(whisp *models.Whisp) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(whisp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte) (*models.Whisp, error) {
	var whisp models.Whisp
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&whisp); err != nil {
		return nil, err
	}
	return &whisp, nil
}
