package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var _ Store = (*Memory)(nil)

// ErrInjected is the default error returned by Memory operations armed with
// FailNext.
var ErrInjected = errors.New("store: injected failure")

// Operation names accepted by FailNext.
const (
	OpSetNX         = "setnx"
	OpDel           = "del"
	OpHSet          = "hset"
	OpHGetAll       = "hgetall"
	OpZAdd          = "zadd"
	OpZRangeByScore = "zrangebyscore"
	OpZRem          = "zrem"
	OpZCard         = "zcard"
	OpSchedule      = "schedule"
	OpComplete      = "complete"
	OpPing          = "ping"
)

// Memory is an in-process Store with Redis semantics for expiring keys and
// scored sets. Its clock is injectable so TTL expiry can be driven from
// tests, and individual operations can be armed to fail.
type Memory struct {
	mu       sync.Mutex
	now      func() time.Time
	strings  map[string]memValue
	hashes   map[string]map[string]string
	zsets    map[string]map[string]float64
	failures map[string][]error
	calls    map[string]int
}

type memValue struct {
	value     string
	expiresAt time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock sets the clock used for TTL expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		now:      time.Now,
		strings:  make(map[string]memValue),
		hashes:   make(map[string]map[string]string),
		zsets:    make(map[string]map[string]float64),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FailNext makes the next n calls of op return err (ErrInjected when nil).
func (m *Memory) FailNext(op string, n int, err error) {
	if err == nil {
		err = ErrInjected
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.failures[op] = append(m.failures[op], err)
	}
}

// Calls reports how many times op has been invoked, failed calls included.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Exists reports whether key holds any live value.
func (m *Memory) Exists(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.liveString(key); ok {
		return true
	}
	if _, ok := m.hashes[key]; ok {
		return true
	}
	_, ok := m.zsets[key]
	return ok
}

// Score returns member's score in the set at key.
func (m *Memory) Score(key, member string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.zsets[key][member]
	return s, ok
}

// enter records the call and pops an armed failure. Caller holds mu.
func (m *Memory) enter(op string) error {
	m.calls[op]++
	queue := m.failures[op]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	m.failures[op] = queue[1:]
	return err
}

func (m *Memory) liveString(key string) (memValue, bool) {
	v, ok := m.strings[key]
	if !ok {
		return memValue{}, false
	}
	if !v.expiresAt.IsZero() && !m.now().Before(v.expiresAt) {
		delete(m.strings, key)
		return memValue{}, false
	}
	return v, true
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpSetNX); err != nil {
		return false, err
	}
	if _, ok := m.liveString(key); ok {
		return false, nil
	}
	v := memValue{value: value}
	if ttl > 0 {
		v.expiresAt = m.now().Add(ttl)
	}
	m.strings[key] = v
	return true, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpDel); err != nil {
		return err
	}
	for _, k := range keys {
		delete(m.strings, k)
		delete(m.hashes, k)
		delete(m.zsets, k)
	}
	return nil
}

func (m *Memory) HSet(_ context.Context, key string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpHSet); err != nil {
		return err
	}
	m.hset(key, fields)
	return nil
}

func (m *Memory) hset(key string, fields map[string]string) {
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		m.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
}

func (m *Memory) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpHGetAll); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) ZAdd(_ context.Context, key, member string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpZAdd); err != nil {
		return err
	}
	m.zadd(key, member, score)
	return nil
}

func (m *Memory) zadd(key, member string, score float64) {
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
}

func (m *Memory) ZRangeByScore(_ context.Context, key string, max float64, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpZRangeByScore); err != nil {
		return nil, err
	}
	type entry struct {
		member string
		score  float64
	}
	var due []entry
	for member, score := range m.zsets[key] {
		if score <= max {
			due = append(due, entry{member, score})
		}
	}
	// Redis orders equal scores lexicographically by member.
	sort.Slice(due, func(i, j int) bool {
		if due[i].score != due[j].score {
			return due[i].score < due[j].score
		}
		return due[i].member < due[j].member
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]string, len(due))
	for i, e := range due {
		out[i] = e.member
	}
	return out, nil
}

func (m *Memory) ZRem(_ context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpZRem); err != nil {
		return err
	}
	m.zrem(key, members...)
	return nil
}

func (m *Memory) zrem(key string, members ...string) {
	z := m.zsets[key]
	for _, member := range members {
		delete(z, member)
	}
	if len(z) == 0 {
		delete(m.zsets, key)
	}
}

func (m *Memory) ZCard(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpZCard); err != nil {
		return 0, err
	}
	return int64(len(m.zsets[key])), nil
}

func (m *Memory) Schedule(_ context.Context, queueKey, member string, score float64, recordKey string, fields map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpSchedule); err != nil {
		return err
	}
	m.zadd(queueKey, member, score)
	m.hset(recordKey, fields)
	return nil
}

func (m *Memory) Complete(_ context.Context, queueKey, member, recordKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpComplete); err != nil {
		return err
	}
	delete(m.hashes, recordKey)
	m.zrem(queueKey, member)
	return nil
}

func (m *Memory) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter(OpPing)
}
