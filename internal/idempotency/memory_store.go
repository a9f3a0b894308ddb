package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const (
	defaultMemoryEntries = 10000
	sweepInterval        = 5 * time.Minute
)

// MemoryStore keeps keys in process, bounded by an LRU list.
// Suitable for a single instance only.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List
	maxSize int

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

type memoryEntry struct {
	key       string
	response  *Response // nil while the key is claimed
	expiresAt time.Time
}

func (e *memoryEntry) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithSize(defaultMemoryEntries)
}

func NewMemoryStoreWithSize(maxSize int) *MemoryStore {
	if maxSize <= 0 {
		maxSize = defaultMemoryEntries
	}
	s := &MemoryStore{
		entries: make(map[string]*list.Element),
		lru:     list.New(),
		maxSize: maxSize,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// lookup returns the live entry for key, dropping it if it has expired.
// Caller must hold mu.
func (s *MemoryStore) lookup(key string, now time.Time) *memoryEntry {
	el, ok := s.entries[key]
	if !ok {
		return nil
	}
	entry := el.Value.(*memoryEntry)
	if entry.expired(now) {
		s.removeElement(el)
		return nil
	}
	return entry
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Response, bool) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.lookup(key, now)
	if entry == nil || entry.response == nil {
		return nil, false
	}
	s.lru.MoveToFront(s.entries[key])
	return entry.response, true
}

func (s *MemoryStore) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lookup(key, now) != nil {
		return false, nil
	}
	s.insert(&memoryEntry{key: key, expiresAt: now.Add(ttl)})
	return true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, response *Response, ttl time.Duration) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		entry := el.Value.(*memoryEntry)
		entry.response = response
		entry.expiresAt = now.Add(ttl)
		s.lru.MoveToFront(el)
		return nil
	}
	s.insert(&memoryEntry{key: key, response: response, expiresAt: now.Add(ttl)})
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		s.removeElement(el)
	}
	return nil
}

// insert adds a new entry, evicting the oldest first when full. Caller must hold mu.
func (s *MemoryStore) insert(entry *memoryEntry) {
	if len(s.entries) >= s.maxSize {
		if oldest := s.lru.Back(); oldest != nil {
			s.removeElement(oldest)
		}
	}
	s.entries[entry.key] = s.lru.PushFront(entry)
}

func (s *MemoryStore) removeElement(el *list.Element) {
	s.lru.Remove(el)
	delete(s.entries, el.Value.(*memoryEntry).key)
}

func (s *MemoryStore) sweepLoop() {
	defer close(s.done)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// sweep drops expired entries. Walks from the LRU tail.
func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for el := s.lru.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*memoryEntry).expired(now) {
			s.removeElement(el)
		}
		el = prev
	}
}

func (s *MemoryStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop ends the background sweep and waits for it to exit.
func (s *MemoryStore) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *MemoryStore) Close() error {
	s.Stop()
	return nil
}
