package store

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests and local development. Expiry
// is evaluated lazily against the injectable clock.
type Memory struct {
	mu     sync.Mutex
	values map[string]memEntry
	lists  map[string]*memList
	Now    func() time.Time
}

type memEntry struct {
	val string
	exp time.Time // zero means no expiry
}

type memList struct {
	items []string
	exp   time.Time
}

func NewMemory() *Memory {
	return &Memory{
		values: make(map[string]memEntry),
		lists:  make(map[string]*memList),
		Now:    time.Now,
	}
}

func (m *Memory) expired(exp time.Time) bool {
	return !exp.IsZero() && !m.Now().Before(exp)
}

// live returns the entry if present and unexpired, dropping it otherwise.
// Callers hold the mutex.
func (m *Memory) live(key string) (memEntry, bool) {
	e, ok := m.values[key]
	if !ok {
		return memEntry{}, false
	}
	if m.expired(e.exp) {
		delete(m.values, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) liveList(key string) (*memList, bool) {
	l, ok := m.lists[key]
	if !ok {
		return nil, false
	}
	if m.expired(l.exp) {
		delete(m.lists, key)
		return nil, false
	}
	return l, true
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return "", ErrNotFound
	}
	return e.val, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = m.Now().Add(ttl)
	}
	m.values[key] = memEntry{val: value, exp: exp}
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = m.Now().Add(ttl)
	}
	m.values[key] = memEntry{val: value, exp: exp}
	return true, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := m.live(k); ok {
			delete(m.values, k)
			n++
			continue
		}
		if _, ok := m.liveList(k); ok {
			delete(m.lists, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Scan(_ context.Context, _ uint64, pattern string, _ int64) ([]string, uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.values {
		if _, ok := m.live(k); !ok {
			continue
		}
		if match, _ := path.Match(pattern, k); match {
			keys = append(keys, k)
		}
	}
	for k, l := range m.lists {
		if m.expired(l.exp) {
			continue
		}
		if match, _ := path.Match(pattern, k); match {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, 0, nil
}

func (m *Memory) LPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.liveList(key)
	if !ok {
		l = &memList{}
		m.lists[key] = l
	}
	for _, v := range values {
		l.items = append([]string{v}, l.items...)
	}
	return nil
}

// bounds normalizes redis-style start/stop indices onto the slice.
func bounds(n int, start, stop int64) (int, int, bool) {
	s, e := int(start), int(stop)
	if s < 0 {
		s += n
	}
	if e < 0 {
		e += n
	}
	if s < 0 {
		s = 0
	}
	if e >= n {
		e = n - 1
	}
	if n == 0 || s > e || s >= n {
		return 0, 0, false
	}
	return s, e, true
}

func (m *Memory) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.liveList(key)
	if !ok {
		return nil, nil
	}
	s, e, ok := bounds(len(l.items), start, stop)
	if !ok {
		return nil, nil
	}
	out := make([]string, e-s+1)
	copy(out, l.items[s:e+1])
	return out, nil
}

func (m *Memory) LRangeBulk(ctx context.Context, keys []string, start, stop int64) (map[string][]string, error) {
	out := make(map[string][]string, len(keys))
	for _, k := range keys {
		items, err := m.LRange(ctx, k, start, stop)
		if err != nil {
			return nil, err
		}
		out[k] = items
	}
	return out, nil
}

func (m *Memory) LTrim(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.liveList(key)
	if !ok {
		return nil
	}
	s, e, ok := bounds(len(l.items), start, stop)
	if !ok {
		l.items = nil
		return nil
	}
	l.items = l.items[s : e+1]
	return nil
}

func (m *Memory) LRem(_ context.Context, key string, count int64, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.liveList(key)
	if !ok {
		return nil
	}
	removed := int64(0)
	kept := l.items[:0]
	for _, v := range l.items {
		if v == value && (count == 0 || removed < count) {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	l.items = kept
	return nil
}

func (m *Memory) Incr(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	n := int64(0)
	if ok {
		parsed, err := strconv.ParseInt(e.val, 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n++
	m.values[key] = memEntry{val: strconv.FormatInt(n, 10), exp: e.exp}
	return n, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.live(key); ok {
		e.exp = m.Now().Add(ttl)
		m.values[key] = e
		return nil
	}
	if l, ok := m.liveList(key); ok {
		l.exp = m.Now().Add(ttl)
	}
	return nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.live(key); ok {
		if e.exp.IsZero() {
			return -1, nil
		}
		return e.exp.Sub(m.Now()), nil
	}
	if l, ok := m.liveList(key); ok {
		if l.exp.IsZero() {
			return -1, nil
		}
		return l.exp.Sub(m.Now()), nil
	}
	return -2, nil
}
