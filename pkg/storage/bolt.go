package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketKV    = []byte("kv")
	bucketSets  = []byte("sets")
	bucketZSets = []byte("zsets")
)

// BoltStore implements Store on a local bbolt database file. It trades the
// shared external endpoint for single-node durability; useful for
// single-process deployments without a Redis endpoint.
type BoltStore struct {
	db *bolt.DB
}

type boltEntry struct {
	Value     string `json:"v"`
	ExpiresAt int64  `json:"exp,omitempty"` // unix nanos; 0 means no expiry
}

func (e boltEntry) expired() bool {
	return e.ExpiresAt != 0 && time.Now().UnixNano() > e.ExpiresAt
}

// NewBoltStore opens (or creates) the database file at path
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketKV, bucketSets, bucketZSets} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.Update(func(tx *bolt.Tx) error {
		if otherType(tx, key, "string") {
			return ErrWrongType
		}
		b := tx.Bucket(bucketKV)
		data := b.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		var entry boltEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			return err
		}
		if entry.expired() {
			_ = b.Delete([]byte(key))
			return ErrNotFound
		}
		value = entry.Value
		return nil
	})
	return value, err
}

func (s *BoltStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		entry := boltEntry{Value: value}
		if ttl > 0 {
			entry.ExpiresAt = time.Now().Add(ttl).UnixNano()
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		_ = tx.Bucket(bucketSets).DeleteBucket([]byte(key))
		_ = tx.Bucket(bucketZSets).DeleteBucket([]byte(key))
		return tx.Bucket(bucketKV).Put([]byte(key), data)
	})
}

func (s *BoltStore) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketKV).Delete([]byte(key)); err != nil {
			return err
		}
		_ = tx.Bucket(bucketSets).DeleteBucket([]byte(key))
		_ = tx.Bucket(bucketZSets).DeleteBucket([]byte(key))
		return nil
	})
}

func (s *BoltStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	var acquired bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		if data := b.Get([]byte(key)); data != nil {
			var entry boltEntry
			if err := json.Unmarshal(data, &entry); err == nil && !entry.expired() {
				return nil
			}
		}
		entry := boltEntry{Value: value}
		if ttl > 0 {
			entry.ExpiresAt = time.Now().Add(ttl).UnixNano()
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(key), data); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	return acquired, err
}

func (s *BoltStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		pfx := []byte(prefix)
		c := tx.Bucket(bucketKV).Cursor()
		for k, v := c.Seek(pfx); k != nil && bytes.HasPrefix(k, pfx); k, v = c.Next() {
			var entry boltEntry
			if err := json.Unmarshal(v, &entry); err == nil && entry.expired() {
				continue
			}
			keys = append(keys, string(k))
		}
		for _, bucket := range [][]byte{bucketSets, bucketZSets} {
			c := tx.Bucket(bucket).Cursor()
			for k, _ := c.Seek(pfx); k != nil && bytes.HasPrefix(k, pfx); k, _ = c.Next() {
				keys = append(keys, string(k))
			}
		}
		return nil
	})
	sort.Strings(keys)
	return keys, err
}

func (s *BoltStore) Type(ctx context.Context, key string) (string, error) {
	typ := "none"
	err := s.db.View(func(tx *bolt.Tx) error {
		if data := tx.Bucket(bucketKV).Get([]byte(key)); data != nil {
			var entry boltEntry
			if err := json.Unmarshal(data, &entry); err == nil && !entry.expired() {
				typ = "string"
				return nil
			}
		}
		if tx.Bucket(bucketSets).Bucket([]byte(key)) != nil {
			typ = "set"
			return nil
		}
		if tx.Bucket(bucketZSets).Bucket([]byte(key)) != nil {
			typ = "zset"
		}
		return nil
	})
	return typ, err
}

func (s *BoltStore) SAdd(ctx context.Context, key, member string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if otherType(tx, key, "set") {
			return ErrWrongType
		}
		b, err := tx.Bucket(bucketSets).CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return err
		}
		return b.Put([]byte(member), []byte{1})
	})
}

func (s *BoltStore) SRem(ctx context.Context, key, member string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSets).Bucket([]byte(key))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(member))
	})
}

func (s *BoltStore) SMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := s.db.View(func(tx *bolt.Tx) error {
		if otherType(tx, key, "set") {
			return ErrWrongType
		}
		b := tx.Bucket(bucketSets).Bucket([]byte(key))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			members = append(members, string(k))
			return nil
		})
	})
	return members, err
}

func (s *BoltStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if otherType(tx, key, "zset") {
			return ErrWrongType
		}
		b, err := tx.Bucket(bucketZSets).CreateBucketIfNotExists([]byte(key))
		if err != nil {
			return err
		}
		data, err := json.Marshal(score)
		if err != nil {
			return err
		}
		return b.Put([]byte(member), data)
	})
}

func (s *BoltStore) ZCard(ctx context.Context, key string) (int64, error) {
	var count int64
	err := s.db.View(func(tx *bolt.Tx) error {
		if otherType(tx, key, "zset") {
			return ErrWrongType
		}
		b := tx.Bucket(bucketZSets).Bucket([]byte(key))
		if b == nil {
			return nil
		}
		count = int64(b.Stats().KeyN)
		return nil
	})
	return count, err
}

func (s *BoltStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	ranked, err := s.zsetSorted(key)
	if err != nil {
		return nil, err
	}
	var members []string
	for _, entry := range ranked {
		if entry.score >= min && entry.score <= max {
			members = append(members, entry.member)
		}
	}
	return members, nil
}

func (s *BoltStore) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	ranked, err := s.zsetSorted(key)
	if err != nil {
		return err
	}
	n := int64(len(ranked))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketZSets).Bucket([]byte(key))
		if b == nil {
			return nil
		}
		for i := start; i <= stop && i >= 0 && i < n; i++ {
			if err := b.Delete([]byte(ranked[i].member)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) Pipeline(ctx context.Context, ops []Op) ([]Result, error) {
	results := make([]Result, len(ops))
	for i, op := range ops {
		switch op.Kind {
		case OpGet:
			val, err := s.Get(ctx, op.Key)
			results[i] = Result{Value: val, Err: err}
		case OpSet:
			results[i] = Result{Err: s.Set(ctx, op.Key, op.Value, op.TTL)}
		case OpDel:
			results[i] = Result{Err: s.Delete(ctx, op.Key)}
		}
	}
	return results, nil
}

func (s *BoltStore) Ping(ctx context.Context) error { return nil }

func (s *BoltStore) Name() string { return "bolt" }

func (s *BoltStore) Close() error {
	return s.db.Close()
}

type zsetEntry struct {
	member string
	score  float64
}

func (s *BoltStore) zsetSorted(key string) ([]zsetEntry, error) {
	var ranked []zsetEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		if otherType(tx, key, "zset") {
			return ErrWrongType
		}
		b := tx.Bucket(bucketZSets).Bucket([]byte(key))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var score float64
			if err := json.Unmarshal(v, &score); err != nil {
				return err
			}
			ranked = append(ranked, zsetEntry{member: string(k), score: score})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score < ranked[j].score
		}
		return ranked[i].member < ranked[j].member
	})
	return ranked, nil
}

// otherType reports whether key already exists under a different kind
func otherType(tx *bolt.Tx, key, want string) bool {
	if want != "string" {
		if data := tx.Bucket(bucketKV).Get([]byte(key)); data != nil {
			var entry boltEntry
			if err := json.Unmarshal(data, &entry); err == nil && !entry.expired() {
				return true
			}
		}
	}
	if want != "set" && tx.Bucket(bucketSets).Bucket([]byte(key)) != nil {
		return true
	}
	if want != "zset" && tx.Bucket(bucketZSets).Bucket([]byte(key)) != nil {
		return true
	}
	return false
}
