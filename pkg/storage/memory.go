package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the in-process fallback implementation of Store. It has
// the same semantics as the Redis backend but no durability; it is used
// when the external store is unreachable and fallback is enabled.
type MemoryStore struct {
	mu      sync.RWMutex
	strings map[string]memoryEntry
	sets    map[string]map[string]struct{}
	zsets   map[string]map[string]float64
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) expired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]memoryEntry),
		sets:    make(map[string]map[string]struct{}),
		zsets:   make(map[string]map[string]float64),
	}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holdsOtherType(key, "string") {
		return "", ErrWrongType
	}
	entry, ok := m.strings[key]
	if !ok {
		return "", ErrNotFound
	}
	if entry.expired() {
		delete(m.strings, key)
		return "", ErrNotFound
	}
	return entry.value, nil
}

func (m *MemoryStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	delete(m.sets, key)
	delete(m.zsets, key)
	m.strings[key] = entry
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.strings, key)
	delete(m.sets, key)
	delete(m.zsets, key)
	return nil
}

func (m *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.strings[key]; ok && !entry.expired() {
		return false, nil
	}
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.strings[key] = entry
	return true, nil
}

func (m *MemoryStore) Scan(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for key, entry := range m.strings {
		if entry.expired() {
			delete(m.strings, key)
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	for key := range m.sets {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	for key := range m.zsets {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryStore) Type(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if entry, ok := m.strings[key]; ok && !entry.expired() {
		return "string", nil
	}
	if _, ok := m.sets[key]; ok {
		return "set", nil
	}
	if _, ok := m.zsets[key]; ok {
		return "zset", nil
	}
	return "none", nil
}

func (m *MemoryStore) SAdd(ctx context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holdsOtherType(key, "set") {
		return ErrWrongType
	}
	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	set[member] = struct{}{}
	return nil
}

func (m *MemoryStore) SRem(ctx context.Context, key, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if set, ok := m.sets[key]; ok {
		delete(set, member)
		if len(set) == 0 {
			delete(m.sets, key)
		}
	}
	return nil
}

func (m *MemoryStore) SMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.holdsOtherType(key, "set") {
		return nil, ErrWrongType
	}
	set, ok := m.sets[key]
	if !ok {
		return nil, nil
	}
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

func (m *MemoryStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.holdsOtherType(key, "zset") {
		return ErrWrongType
	}
	zset, ok := m.zsets[key]
	if !ok {
		zset = make(map[string]float64)
		m.zsets[key] = zset
	}
	zset[member] = score
	return nil
}

func (m *MemoryStore) ZCard(ctx context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.holdsOtherType(key, "zset") {
		return 0, ErrWrongType
	}
	return int64(len(m.zsets[key])), nil
}

func (m *MemoryStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.holdsOtherType(key, "zset") {
		return nil, ErrWrongType
	}
	type scored struct {
		member string
		score  float64
	}
	var matched []scored
	for member, score := range m.zsets[key] {
		if score >= min && score <= max {
			matched = append(matched, scored{member, score})
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].score != matched[j].score {
			return matched[i].score < matched[j].score
		}
		return matched[i].member < matched[j].member
	})
	members := make([]string, len(matched))
	for i, s := range matched {
		members[i] = s.member
	}
	return members, nil
}

func (m *MemoryStore) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	zset, ok := m.zsets[key]
	if !ok {
		return nil
	}

	type scored struct {
		member string
		score  float64
	}
	ranked := make([]scored, 0, len(zset))
	for member, score := range zset {
		ranked = append(ranked, scored{member, score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score < ranked[j].score
		}
		return ranked[i].member < ranked[j].member
	})

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
	for i := start; i <= stop && i >= 0 && i < n; i++ {
		delete(zset, ranked[i].member)
	}
	if len(zset) == 0 {
		delete(m.zsets, key)
	}
	return nil
}

func (m *MemoryStore) Pipeline(ctx context.Context, ops []Op) ([]Result, error) {
	// Executed serially; per-op errors land in the result slot.
	results := make([]Result, len(ops))
	for i, op := range ops {
		switch op.Kind {
		case OpGet:
			val, err := m.Get(ctx, op.Key)
			results[i] = Result{Value: val, Err: err}
		case OpSet:
			results[i] = Result{Err: m.Set(ctx, op.Key, op.Value, op.TTL)}
		case OpDel:
			results[i] = Result{Err: m.Delete(ctx, op.Key)}
		}
	}
	return results, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Name() string { return "memory" }

func (m *MemoryStore) Close() error { return nil }

// holdsOtherType reports whether key exists with a type other than want.
// Callers must hold at least a read lock.
func (m *MemoryStore) holdsOtherType(key, want string) bool {
	if want != "string" {
		if entry, ok := m.strings[key]; ok && !entry.expired() {
			return true
		}
	}
	if want != "set" {
		if _, ok := m.sets[key]; ok {
			return true
		}
	}
	if want != "zset" {
		if _, ok := m.zsets[key]; ok {
			return true
		}
	}
	return false
}
