package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/token-issuance/internal/model"
	"github.com/iliyamo/token-issuance/internal/repository"
)

// memStore is an in-memory Store.  Each token has its own mutex standing
// in for the row lock; transactional writes are buffered in memTx and
// applied only when the callback succeeds.
type memStore struct {
	mu      sync.Mutex
	tokens  map[string]model.Token
	byCode  map[string]string
	usages  map[string][]model.UsageRecord
	rowLock map[string]*sync.Mutex
	users   map[uint64]string

	createCalls     int
	dupCreates      int   // Create calls that still report ErrDuplicate
	failInsertUsage error // returned by InsertUsage when set
	failIncrement   error // returned by IncrementUsage when set
}

func newMemStore() *memStore {
	return &memStore{
		tokens:  map[string]model.Token{},
		byCode:  map[string]string{},
		usages:  map[string][]model.UsageRecord{},
		rowLock: map[string]*sync.Mutex{},
		users:   map[uint64]string{},
	}
}

func (s *memStore) Create(_ context.Context, t *model.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	if s.dupCreates > 0 {
		s.dupCreates--
		return repository.ErrDuplicate
	}
	if _, ok := s.byCode[t.Code]; ok {
		return repository.ErrDuplicate
	}
	now := time.Now().UTC()
	t.UsageCount = 0
	t.CreatedAt, t.UpdatedAt = now, now
	s.tokens[t.ID] = *t
	s.byCode[t.Code] = t.ID
	s.rowLock[t.ID] = &sync.Mutex{}
	return nil
}

func (s *memStore) GetByCode(_ context.Context, code string) (model.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCode[code]
	if !ok {
		return model.Token{}, repository.ErrNotFound
	}
	return s.tokens[id], nil
}

func (s *memStore) List(_ context.Context) ([]model.TokenListItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.TokenListItem, 0, len(s.tokens))
	for _, t := range s.tokens {
		item := model.TokenListItem{Token: t}
		if t.CreatorID != nil {
			if name, ok := s.users[*t.CreatorID]; ok {
				item.CreatorUsername = &name
			}
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *memStore) ListUsage(_ context.Context, tokenID string) ([]model.UsageRecordDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.UsageRecordDetail, 0, len(s.usages[tokenID]))
	for _, u := range s.usages[tokenID] {
		out = append(out, model.UsageRecordDetail{UsageRecord: u})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UsedAt.Equal(out[j].UsedAt) {
			return out[i].UsedAt.After(out[j].UsedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *memStore) WithinTx(_ context.Context, fn func(repository.TokenTx) error) error {
	tx := &memTx{
		s:          s,
		locked:     map[string]*model.Token{},
		dropUsages: map[string]bool{},
		dropTokens: map[string]bool{},
	}
	defer tx.release()
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// usageCount and usageRows read committed state for assertions.
func (s *memStore) usageCount(code string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[s.byCode[code]].UsageCount
}

func (s *memStore) usageRows(tokenID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.usages[tokenID])
}

type memTx struct {
	s          *memStore
	locked     map[string]*model.Token
	order      []*sync.Mutex
	inserted   []model.UsageRecord
	dropUsages map[string]bool
	dropTokens map[string]bool
}

func (x *memTx) LockByCode(_ context.Context, code string) (model.Token, error) {
	x.s.mu.Lock()
	id, ok := x.s.byCode[code]
	lock := x.s.rowLock[id]
	x.s.mu.Unlock()
	if !ok {
		return model.Token{}, repository.ErrNotFound
	}
	if t, held := x.locked[id]; held {
		return *t, nil
	}
	lock.Lock()
	x.order = append(x.order, lock)

	x.s.mu.Lock()
	t, ok := x.s.tokens[id]
	x.s.mu.Unlock()
	if !ok {
		// deleted while we waited for the lock
		return model.Token{}, repository.ErrNotFound
	}
	x.locked[id] = &t
	return t, nil
}

func (x *memTx) GetByID(_ context.Context, id string) (model.Token, error) {
	if t, ok := x.locked[id]; ok && !x.dropTokens[id] {
		return *t, nil
	}
	x.s.mu.Lock()
	defer x.s.mu.Unlock()
	t, ok := x.s.tokens[id]
	if !ok || x.dropTokens[id] {
		return model.Token{}, repository.ErrNotFound
	}
	return t, nil
}

func (x *memTx) InsertUsage(_ context.Context, u *model.UsageRecord) error {
	if x.s.failInsertUsage != nil {
		return x.s.failInsertUsage
	}
	u.UsedAt = time.Now().UTC()
	x.inserted = append(x.inserted, *u)
	return nil
}

func (x *memTx) IncrementUsage(_ context.Context, id string) error {
	if x.s.failIncrement != nil {
		return x.s.failIncrement
	}
	t, ok := x.locked[id]
	if !ok {
		return errors.New("memstore: increment without row lock")
	}
	if t.UsageCount >= t.UsageLimit {
		return repository.ErrConflict
	}
	t.UsageCount++
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (x *memTx) SetActive(_ context.Context, id string, active bool) error {
	t, ok := x.locked[id]
	if !ok {
		return errors.New("memstore: update without row lock")
	}
	t.IsActive = active
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (x *memTx) DeleteUsage(_ context.Context, id string) (int64, error) {
	x.s.mu.Lock()
	n := len(x.s.usages[id])
	x.s.mu.Unlock()
	for _, u := range x.inserted {
		if u.TokenID == id {
			n++
		}
	}
	x.dropUsages[id] = true
	return int64(n), nil
}

func (x *memTx) Delete(_ context.Context, id string) error {
	if _, ok := x.locked[id]; !ok {
		return repository.ErrNotFound
	}
	x.dropTokens[id] = true
	return nil
}

func (x *memTx) commit() {
	x.s.mu.Lock()
	defer x.s.mu.Unlock()
	for id := range x.dropUsages {
		delete(x.s.usages, id)
	}
	for _, u := range x.inserted {
		if !x.dropUsages[u.TokenID] {
			x.s.usages[u.TokenID] = append(x.s.usages[u.TokenID], u)
		}
	}
	for id, t := range x.locked {
		if x.dropTokens[id] {
			delete(x.s.tokens, id)
			delete(x.s.byCode, t.Code)
			continue
		}
		x.s.tokens[id] = *t
	}
}

func (x *memTx) release() {
	for _, l := range x.order {
		l.Unlock()
	}
}
