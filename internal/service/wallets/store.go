package wallets

import (
	"fmt"
	"sync"
	"time"

	"relay-core/internal/model"
	"relay-core/pkg/errno"

	"github.com/gagliardetto/solana-go"
)

type userWallets struct {
	order   []solana.PublicKey
	records map[solana.PublicKey]*model.WalletRecord
	tracked *model.TrackedToken
}

// Store 每个用户的钱包登记表，由签名端同步，余额由轮询回写
type Store struct {
	mu    sync.RWMutex
	users map[string]*userWallets
}

func NewStore() *Store {
	return &Store{users: make(map[string]*userWallets)}
}

func (s *Store) user(userID string) *userWallets {
	u, ok := s.users[userID]
	if !ok {
		u = &userWallets{records: make(map[solana.PublicKey]*model.WalletRecord)}
		s.users[userID] = u
	}
	return u
}

// Replace 用签名端的完整列表替换，已有钱包保留缓存余额
func (s *Store) Replace(userID string, entries []model.WalletRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(userID)
	next := make(map[solana.PublicKey]*model.WalletRecord, len(entries))
	order := make([]solana.PublicKey, 0, len(entries))
	for _, e := range entries {
		if _, dup := next[e.PublicKey]; dup {
			continue
		}
		rec := e
		if old, ok := u.records[e.PublicKey]; ok {
			rec.Balances = old.Balances
			rec.UpdatedAt = old.UpdatedAt
		}
		next[e.PublicKey] = &rec
		order = append(order, e.PublicKey)
	}
	u.records = next
	u.order = order
}

// Upsert 新增或更新单个钱包的标签
func (s *Store) Upsert(userID string, entry model.WalletRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.user(userID)
	if rec, ok := u.records[entry.PublicKey]; ok {
		rec.Label = entry.Label
		return
	}
	rec := entry
	u.records[entry.PublicKey] = &rec
	u.order = append(u.order, entry.PublicKey)
}

func (s *Store) Remove(userID string, pk solana.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return
	}
	if _, ok := u.records[pk]; !ok {
		return
	}
	delete(u.records, pk)
	for i, k := range u.order {
		if k.Equals(pk) {
			u.order = append(u.order[:i:i], u.order[i+1:]...)
			break
		}
	}
}

// List 按登记顺序返回钱包副本
func (s *Store) List(userID string) []model.WalletRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	out := make([]model.WalletRecord, 0, len(u.order))
	for _, k := range u.order {
		out = append(out, *u.records[k])
	}
	return out
}

// Keys 按登记顺序返回公钥
func (s *Store) Keys(userID string) []solana.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil
	}
	return append([]solana.PublicKey(nil), u.order...)
}

// Authorize 确认所有钱包都属于该用户
func (s *Store) Authorize(userID string, keys ...solana.PublicKey) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	for _, k := range keys {
		if !ok {
			return errno.ErrAuthorization.WithMessage(fmt.Sprintf("wallet %s does not belong to this user", k))
		}
		if _, owned := u.records[k]; !owned {
			return errno.ErrAuthorization.WithMessage(fmt.Sprintf("wallet %s does not belong to this user", k))
		}
	}
	return nil
}

// UpdateBalances 轮询结果回写
func (s *Store) UpdateBalances(userID string, balances map[solana.PublicKey]model.Balances, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return
	}
	for k, b := range balances {
		if rec, ok := u.records[k]; ok {
			rec.Balances = b
			rec.UpdatedAt = at
		}
	}
}

func (s *Store) SetTracked(userID string, t model.TrackedToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tt := t
	s.user(userID).tracked = &tt
}

// Tracked 返回用户关注的代币，未设置时为 nil
func (s *Store) Tracked(userID string) *model.TrackedToken {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok || u.tracked == nil {
		return nil
	}
	t := *u.tracked
	return &t
}
