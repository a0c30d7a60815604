package cache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"crewd/internal/domain"
)

const boltPollInterval = 50 * time.Millisecond

var (
	bucketKV      = []byte("kv")
	bucketStreams = []byte("streams")
)

// Bolt is a file-backed TenantStore for single-node deployments without an
// external cache. TTLs are stored alongside values and enforced lazily on
// read; streams are sequence-keyed sub-buckets trimmed on append.
type Bolt struct {
	db *bolt.DB
}

type boltValue struct {
	Value     []byte `json:"value"`
	ExpiresAt int64  `json:"expiresAt,omitempty"` // unix millis, 0 = no expiry
}

// OpenBolt opens or creates the store file.
func OpenBolt(path string) (*Bolt, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("bolt path is required")
	}
	if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
		return nil, fmt.Errorf("ensure cache dir: %w", err)
	}
	db, err := bolt.Open(trimmed, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketKV); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketStreams)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure cache schema: %w", err)
	}
	return &Bolt{db: db}, nil
}

// Close closes the underlying database file.
func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) Get(_ context.Context, tenantID string, dataType domain.DataType, identifier string) ([]byte, error) {
	key := []byte(domain.CacheKey(tenantID, dataType, identifier))

	var value []byte
	expired := false
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketKV).Get(key)
		if raw == nil {
			return domain.ErrCacheMiss
		}
		var stored boltValue
		if err := json.Unmarshal(raw, &stored); err != nil {
			return domain.ErrCacheMiss
		}
		if stored.ExpiresAt > 0 && time.Now().UnixMilli() > stored.ExpiresAt {
			expired = true
			return domain.ErrCacheMiss
		}
		value = append([]byte(nil), stored.Value...)
		return nil
	})
	if expired {
		// Reclaim outside the read transaction.
		_ = b.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketKV).Delete(key)
		})
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (b *Bolt) Set(_ context.Context, tenantID string, dataType domain.DataType, identifier string, value []byte, ttl time.Duration) error {
	key := []byte(domain.CacheKey(tenantID, dataType, identifier))

	stored := boltValue{Value: value}
	if ttl > 0 {
		stored.ExpiresAt = time.Now().Add(ttl).UnixMilli()
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return domain.E(domain.CodeInternal, "cache.set", "encode value", err)
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put(key, raw)
	})
	if err != nil {
		return domain.E(domain.CodeUnavailable, "cache.set", "", domain.ErrCacheUnavailable)
	}
	return nil
}

func (b *Bolt) Delete(_ context.Context, tenantID string, dataType domain.DataType, identifier string) error {
	key := []byte(domain.CacheKey(tenantID, dataType, identifier))
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Delete(key)
	})
	if err != nil {
		return domain.E(domain.CodeUnavailable, "cache.delete", "", domain.ErrCacheUnavailable)
	}
	return nil
}

func (b *Bolt) Append(_ context.Context, stream string, fields map[string]string, maxLen int64) (string, error) {
	encoded, err := json.Marshal(fields)
	if err != nil {
		return "", domain.E(domain.CodeInternal, "log.append", "encode fields", err)
	}

	var id string
	err = b.db.Update(func(tx *bolt.Tx) error {
		streams := tx.Bucket(bucketStreams)
		bucket, err := streams.CreateBucketIfNotExists([]byte(stream))
		if err != nil {
			return err
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		id = strconv.FormatUint(seq, 10)
		if err := bucket.Put(seqKey(seq), encoded); err != nil {
			return err
		}
		if maxLen > 0 {
			return trimStream(bucket, maxLen)
		}
		return nil
	})
	if err != nil {
		return "", domain.E(domain.CodeUnavailable, "log.append", "", domain.ErrCacheUnavailable)
	}
	return id, nil
}

func (b *Bolt) Read(ctx context.Context, stream, fromID string, count int64, block time.Duration) ([]domain.StreamMessage, error) {
	deadline := time.Now().Add(block)
	for {
		messages, err := b.readAfter(stream, fromID, count)
		if err != nil {
			return nil, err
		}
		if len(messages) > 0 || block <= 0 || time.Now().After(deadline) {
			return messages, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(boltPollInterval):
		}
	}
}

func (b *Bolt) readAfter(stream, fromID string, count int64) ([]domain.StreamMessage, error) {
	idPart := fromID
	if i := strings.IndexByte(fromID, '-'); i >= 0 {
		idPart = fromID[:i]
	}
	from, _ := strconv.ParseUint(idPart, 10, 64)

	var out []domain.StreamMessage
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketStreams).Bucket([]byte(stream))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for k, v := cursor.Seek(seqKey(from + 1)); k != nil; k, v = cursor.Next() {
			if count > 0 && int64(len(out)) >= count {
				break
			}
			var fields map[string]string
			if err := json.Unmarshal(v, &fields); err != nil {
				continue
			}
			seq := binary.BigEndian.Uint64(k)
			out = append(out, domain.StreamMessage{
				ID:     strconv.FormatUint(seq, 10),
				Fields: fields,
			})
		}
		return nil
	})
	if err != nil {
		return nil, domain.E(domain.CodeUnavailable, "log.read", "", domain.ErrCacheUnavailable)
	}
	return out, nil
}

func trimStream(bucket *bolt.Bucket, maxLen int64) error {
	var total int64
	cursorCount := bucket.Cursor()
	for k, _ := cursorCount.First(); k != nil; k, _ = cursorCount.Next() {
		total++
	}
	excess := total - maxLen
	if excess <= 0 {
		return nil
	}
	cursor := bucket.Cursor()
	for k, _ := cursor.First(); k != nil && excess > 0; k, _ = cursor.First() {
		if err := bucket.Delete(k); err != nil {
			return err
		}
		excess--
	}
	return nil
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

var _ domain.TenantStore = (*Bolt)(nil)
