package tip

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"relay-core/pkg/safe_random"

	"github.com/gagliardetto/solana-go"
)

// State 全局最近一次观测到的 relay tip 下限
type State struct {
	mu        sync.RWMutex
	lamports  uint64
	updatedAt time.Time

	fallback uint64
	accounts []solana.PublicKey
}

// ParseAccounts 解析配置中的 tip 收款账户。列表不能为空，也不能包含系统程序等零值地址。
func ParseAccounts(addrs []string) ([]solana.PublicKey, error) {
	if len(addrs) == 0 {
		return nil, errors.New("tip.accounts is empty")
	}
	out := make([]solana.PublicKey, 0, len(addrs))
	for _, a := range addrs {
		pk, err := solana.PublicKeyFromBase58(a)
		if err != nil {
			return nil, fmt.Errorf("tip account %q: %w", a, err)
		}
		if pk.IsZero() {
			return nil, fmt.Errorf("tip account %q is the system program", a)
		}
		out = append(out, pk)
	}
	return out, nil
}

func NewState(fallback uint64, accounts []solana.PublicKey) *State {
	return &State{fallback: fallback, accounts: accounts}
}

// Lamports 返回当前 tip，未观测到时使用默认值
func (s *State) Lamports() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lamports == 0 {
		return s.fallback
	}
	return s.lamports
}

func (s *State) Set(lamports uint64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lamports = lamports
	s.updatedAt = at
}

func (s *State) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// Account 随机选择一个 tip 收款账户，分散写锁竞争
func (s *State) Account() solana.PublicKey {
	if len(s.accounts) == 0 {
		return solana.PublicKey{}
	}
	return s.accounts[safe_random.PickIndex(len(s.accounts))]
}
