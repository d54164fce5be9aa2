// Package chaintest 提供内存版的链和 relay 实现，供各 service 的单元测试使用
package chaintest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"relay-core/internal/chain"

	"github.com/gagliardetto/solana-go"
)

// Chain 内存账本
type Chain struct {
	mu        sync.Mutex
	accounts  map[solana.PublicKey]*chain.AccountInfo
	statuses  map[solana.Signature]*chain.SignatureStatus
	blockhash solana.Hash

	Sent      []*solana.Transaction
	Calls     int // GetMultipleAccounts 调用次数
	SendErr   func(tx *solana.Transaction) error
	ReadErr   error
	AutoFinal bool // 发送成功后立即标记为已确认
	// BeforeRead 在每次 GetMultipleAccounts 前调用 (可用于模拟余额到账)
	BeforeRead func(call int)
}

func NewChain() *Chain {
	return &Chain{
		accounts:  make(map[solana.PublicKey]*chain.AccountInfo),
		statuses:  make(map[solana.Signature]*chain.SignatureStatus),
		blockhash: solana.Hash{1, 2, 3},
		AutoFinal: true,
	}
}

func (c *Chain) SetLamports(pk solana.PublicKey, lamports uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if acc, ok := c.accounts[pk]; ok {
		acc.Lamports = lamports
		return
	}
	c.accounts[pk] = &chain.AccountInfo{Lamports: lamports}
}

// SetTokenBalance 在 owner 的关联代币账户写入余额
func (c *Chain) SetTokenBalance(t testing.TB, owner, mint, program solana.PublicKey, amount uint64) {
	t.Helper()
	ata, err := chain.AssociatedTokenAddress(owner, mint, program)
	if err != nil {
		t.Fatalf("derive ata: %v", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accounts[ata] = &chain.AccountInfo{Lamports: 2039280, Data: chain.EncodeTokenAccount(mint, owner, amount)}
}

func (c *Chain) RemoveAccount(pk solana.PublicKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.accounts, pk)
}

func (c *Chain) SetStatus(sig solana.Signature, st *chain.SignatureStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[sig] = st
}

func (c *Chain) SentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Sent)
}

// ReadCount 并发安全地读取 GetMultipleAccounts 调用次数
func (c *Chain) ReadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Calls
}

func (c *Chain) GetMultipleAccounts(_ context.Context, keys []solana.PublicKey) ([]*chain.AccountInfo, error) {
	c.mu.Lock()
	c.Calls++
	call := c.Calls
	hook := c.BeforeRead
	c.mu.Unlock()
	if hook != nil {
		hook(call)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ReadErr != nil {
		return nil, c.ReadErr
	}
	out := make([]*chain.AccountInfo, len(keys))
	for i, k := range keys {
		if acc, ok := c.accounts[k]; ok {
			cp := *acc
			out[i] = &cp
		}
	}
	return out, nil
}

func (c *Chain) LatestBlockhash(context.Context) (solana.Hash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blockhash, nil
}

func (c *Chain) SendTransaction(_ context.Context, tx *solana.Transaction) (solana.Signature, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		if err := c.SendErr(tx); err != nil {
			return solana.Signature{}, err
		}
	}
	if len(tx.Signatures) == 0 {
		return solana.Signature{}, errors.New("transaction is not signed")
	}
	c.Sent = append(c.Sent, tx)
	sig := tx.Signatures[0]
	if c.AutoFinal {
		c.statuses[sig] = &chain.SignatureStatus{Confirmed: true}
	}
	return sig, nil
}

func (c *Chain) SignatureStatus(_ context.Context, sig solana.Signature) (*chain.SignatureStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.statuses[sig]; ok {
		cp := *st
		return &cp, nil
	}
	return &chain.SignatureStatus{}, nil
}

// RelayCall 一次 relay 调用记录
type RelayCall struct {
	Endpoint string
	Method   string
	Txs      []string
}

// Relay 可编程的 relay
type Relay struct {
	mu    sync.Mutex
	Calls []RelayCall
	// Respond 决定每次调用的结果，默认全部成功
	Respond func(call RelayCall, n int) (string, error)
}

func (r *Relay) record(call RelayCall) (string, error) {
	r.mu.Lock()
	r.Calls = append(r.Calls, call)
	n := len(r.Calls)
	respond := r.Respond
	r.mu.Unlock()
	if respond == nil {
		return "bundle-" + call.Endpoint, nil
	}
	return respond(call, n)
}

func (r *Relay) SendBundle(_ context.Context, endpoint string, txs []string) (string, error) {
	return r.record(RelayCall{Endpoint: endpoint, Method: "sendBundle", Txs: txs})
}

func (r *Relay) SendTransaction(_ context.Context, endpoint string, tx string) (string, error) {
	return r.record(RelayCall{Endpoint: endpoint, Method: "sendTransaction", Txs: []string{tx}})
}

func (r *Relay) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Calls)
}

// Keys 生成 n 个测试钱包
func Keys(t testing.TB, n int) ([]solana.PrivateKey, []solana.PublicKey) {
	t.Helper()
	privs := make([]solana.PrivateKey, n)
	pubs := make([]solana.PublicKey, n)
	for i := range privs {
		k, err := solana.NewRandomPrivateKey()
		if err != nil {
			t.Fatalf("new key: %v", err)
		}
		privs[i] = k
		pubs[i] = k.PublicKey()
	}
	return privs, pubs
}

// SignAll 用给定私钥为交易补齐签名，模拟签名端
func SignAll(t testing.TB, tx *solana.Transaction, keys ...solana.PrivateKey) {
	t.Helper()
	byPub := make(map[solana.PublicKey]solana.PrivateKey, len(keys))
	for _, k := range keys {
		byPub[k.PublicKey()] = k
	}
	tx.Signatures = nil
	if _, err := tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if k, ok := byPub[pk]; ok {
			return &k
		}
		return nil
	}); err != nil {
		t.Fatalf("sign: %v", err)
	}
}
