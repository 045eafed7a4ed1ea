package license

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var errInjected = errors.New("injected store failure")

// memStore is an in-memory Store. A transaction holds the store mutex for
// its whole lifetime and works on a copy that is swapped in on commit.
type memStore struct {
	mu       sync.Mutex
	licenses map[string]*License
	order    []string
	audit    []*AuditEntry
	nextID   int64

	// failures
	failBegin  bool
	failGet    bool
	failInsert int // fail on the nth insert of a transaction (1-based)
	failUpdate bool
	failAudit  func(e *AuditEntry) bool
}

func newMemStore() *memStore {
	return &memStore{licenses: make(map[string]*License)}
}

func (s *memStore) GetLicense(_ context.Context, key string) (*License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet {
		return nil, errInjected
	}
	l, ok := s.licenses[key]
	if !ok {
		return nil, ErrNotFound
	}
	return l.Clone(), nil
}

func (s *memStore) ListLicenses(_ context.Context, filter ListFilter) ([]*License, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGet {
		return nil, errInjected
	}
	var out []*License
	for _, k := range s.order {
		if l := s.licenses[k]; filter.Matches(l) {
			out = append(out, l.Clone())
		}
	}
	return out, nil
}

func (s *memStore) AuditHistory(_ context.Context, key string) ([]*AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*AuditEntry
	for _, e := range s.audit {
		if e.LicenseKey == key {
			c := *e
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

func (s *memStore) InTx(_ context.Context, fn func(tx StoreTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failBegin {
		return errors.Join(ErrRepositoryUnavailable, errInjected)
	}

	tx := &memTx{
		s:        s,
		licenses: make(map[string]*License, len(s.licenses)),
		order:    append([]string(nil), s.order...),
		nextID:   s.nextID,
	}
	for k, l := range s.licenses {
		tx.licenses[k] = l.Clone()
	}

	if err := fn(tx); err != nil {
		return err
	}

	s.licenses = tx.licenses
	s.order = tx.order
	s.audit = append(s.audit, tx.audit...)
	s.nextID = tx.nextID
	return nil
}

func (s *memStore) auditCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.audit {
		if e.LicenseKey == key {
			n++
		}
	}
	return n
}

func (s *memStore) totalAudit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audit)
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.licenses)
}

// put stores l directly, bypassing the manager.
func (s *memStore) put(l *License) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.licenses[l.Key]; !ok {
		s.order = append(s.order, l.Key)
	}
	s.licenses[l.Key] = l.Clone()
}

type memTx struct {
	s        *memStore
	licenses map[string]*License
	order    []string
	audit    []*AuditEntry
	nextID   int64
	inserts  int
}

func (t *memTx) GetLicenseForUpdate(_ context.Context, key string) (*License, error) {
	if t.s.failGet {
		return nil, errInjected
	}
	l, ok := t.licenses[key]
	if !ok {
		return nil, ErrNotFound
	}
	return l.Clone(), nil
}

func (t *memTx) InsertLicense(_ context.Context, l *License) error {
	t.inserts++
	if t.s.failInsert > 0 && t.inserts == t.s.failInsert {
		return errInjected
	}
	if _, ok := t.licenses[l.Key]; ok {
		return ErrDuplicateKey
	}
	t.licenses[l.Key] = l.Clone()
	t.order = append(t.order, l.Key)
	return nil
}

func (t *memTx) UpdateLicense(_ context.Context, l *License) (bool, error) {
	if t.s.failUpdate {
		return false, errInjected
	}
	if _, ok := t.licenses[l.Key]; !ok {
		return false, nil
	}
	t.licenses[l.Key] = l.Clone()
	return true, nil
}

func (t *memTx) AppendAudit(_ context.Context, e *AuditEntry) error {
	if t.s.failAudit != nil && t.s.failAudit(e) {
		return errInjected
	}
	t.nextID++
	e.ID = t.nextID
	c := *e
	c.Details = e.Details.Clone()
	t.audit = append(t.audit, &c)
	return nil
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
