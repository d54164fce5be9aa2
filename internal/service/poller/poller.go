package poller

import (
	"context"
	"sync"
	"time"

	"relay-core/internal/chain"
	"relay-core/internal/hub"
	"relay-core/internal/model"
	"relay-core/internal/protocol"
	"relay-core/pkg/logger"
	"relay-core/pkg/monitor"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// epsilon 余额比较的容差
var epsilon = decimal.New(1, -6)

// Registry 钱包登记表
type Registry interface {
	List(userID string) []model.WalletRecord
	Keys(userID string) []solana.PublicKey
	Tracked(userID string) *model.TrackedToken
	UpdateBalances(userID string, balances map[solana.PublicKey]model.Balances, at time.Time)
}

type Options struct {
	Interval   time.Duration
	RetryDelay time.Duration
	Decimals   int
}

type session struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Poller 每个已配对用户一个轮询 goroutine，快照只由该 goroutine 持有
type Poller struct {
	mu       sync.Mutex
	sessions map[string]*session

	chain    chain.Client
	peers    hub.Messenger
	registry Registry
	opts     Options
	log      *zap.Logger
}

func New(c chain.Client, peers hub.Messenger, registry Registry, opts Options) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 3 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	return &Poller{
		sessions: make(map[string]*session),
		chain:    c,
		peers:    peers,
		registry: registry,
		opts:     opts,
		log:      logger.Named("poller"),
	}
}

// Start 开始轮询；已在运行时用新的钱包集合重启
func (p *Poller) Start(userID string, wallets []solana.PublicKey, tracked *model.TrackedToken) {
	p.restart(userID, wallets, tracked, false)
}

// restart 在同一个临界区内替换 session，旧 session 在锁外取消并等待退出。
// onlyIfActive 为 true 时，没有正在运行的 session 则什么都不做。
func (p *Poller) restart(userID string, wallets []solana.PublicKey, tracked *model.TrackedToken, onlyIfActive bool) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	old, ok := p.sessions[userID]
	if onlyIfActive && !ok {
		p.mu.Unlock()
		cancel()
		return
	}
	p.sessions[userID] = s
	p.mu.Unlock()

	if ok {
		old.cancel()
		<-old.done
	}

	go func() {
		defer close(s.done)
		p.run(ctx, userID, wallets, tracked)
	}()
	p.log.Info("[Poller] 开始轮询", zap.String("user_id", userID), zap.Int("wallets", len(wallets)))
}

// Stop 停止轮询并丢弃快照，等待 goroutine 退出
func (p *Poller) Stop(userID string) {
	p.mu.Lock()
	s, ok := p.sessions[userID]
	delete(p.sessions, userID)
	p.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	<-s.done
	p.log.Info("[Poller] 停止轮询", zap.String("user_id", userID))
}

// Active 是否正在轮询
func (p *Poller) Active(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[userID]
	return ok
}

// Refresh 钱包集合或关注代币变化后，正在轮询的用户按登记表重启
func (p *Poller) Refresh(userID string) {
	p.restart(userID, p.registry.Keys(userID), p.registry.Tracked(userID), true)
}

// PairFormed 控制端与签名端同时在线
func (p *Poller) PairFormed(userID string) {
	p.Start(userID, p.registry.Keys(userID), p.registry.Tracked(userID))
}

// PairBroken 任意一端断开
func (p *Poller) PairBroken(userID string) {
	p.Stop(userID)
}

// Shutdown 停止所有轮询
func (p *Poller) Shutdown() {
	p.mu.Lock()
	users := make([]string, 0, len(p.sessions))
	for u := range p.sessions {
		users = append(users, u)
	}
	p.mu.Unlock()
	for _, u := range users {
		p.Stop(u)
	}
}

func (p *Poller) run(ctx context.Context, userID string, wallets []solana.PublicKey, tracked *model.TrackedToken) {
	snapshot := make(map[solana.PublicKey]model.Balances, len(wallets))
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	first := true
	for {
		// 启动前可能已被更新的 session 顶替
		if ctx.Err() != nil {
			return
		}
		if p.cycle(ctx, userID, wallets, tracked, snapshot, first) {
			first = false
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// cycle 一次轮询，成功返回 true
func (p *Poller) cycle(ctx context.Context, userID string, wallets []solana.PublicKey, tracked *model.TrackedToken, snapshot map[solana.PublicKey]model.Balances, first bool) bool {
	balances, err := p.fetch(ctx, wallets, tracked)
	if err != nil {
		if ctx.Err() == nil {
			monitor.Business.PollCyclesTotal.WithLabelValues("error").Inc()
			p.log.Warn("[Poller] 读取余额失败", zap.String("user_id", userID), zap.Error(err))
		}
		return false
	}

	changed := 0
	for _, w := range wallets {
		next := balances[w]
		prev, seen := snapshot[w]
		if first || !seen || differs(prev.Native, next.Native) || differs(prev.Token, next.Token) {
			changed++
		}
		snapshot[w] = next
	}

	now := time.Now()
	p.registry.UpdateBalances(userID, balances, now)

	labels := make(map[solana.PublicKey]string)
	for _, r := range p.registry.List(userID) {
		labels[r.PublicKey] = r.Label
	}
	records := make([]model.WalletRecord, 0, len(wallets))
	for _, w := range wallets {
		records = append(records, model.WalletRecord{PublicKey: w, Label: labels[w], Balances: balances[w], UpdatedAt: now})
	}

	// 每轮都推送完整余额，变化检测只用于日志
	if err := p.peers.SendToController(userID, protocol.NewBalanceUpdate(records, changed)); err != nil {
		p.log.Debug("[Poller] 推送余额失败", zap.String("user_id", userID), zap.Error(err))
	}
	monitor.Business.PollCyclesTotal.WithLabelValues("ok").Inc()
	if changed > 0 {
		p.log.Debug("[Poller] 余额变化", zap.String("user_id", userID), zap.Int("changed", changed))
	}
	return true
}

func differs(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().GreaterThan(epsilon)
}

func (p *Poller) fetch(ctx context.Context, wallets []solana.PublicKey, tracked *model.TrackedToken) (map[solana.PublicKey]model.Balances, error) {
	out := make(map[solana.PublicKey]model.Balances, len(wallets))
	if len(wallets) == 0 {
		return out, nil
	}

	// 1. 原生余额一次批量读取
	accounts, err := p.chain.GetMultipleAccounts(ctx, wallets)
	if err != nil {
		return nil, err
	}
	for i, w := range wallets {
		b := model.Balances{Native: decimal.Zero, Token: decimal.Zero}
		if acc := accounts[i]; acc != nil {
			b.Native = chain.LamportsToSOL(acc.Lamports)
		}
		out[w] = b
	}
	if tracked == nil {
		return out, nil
	}

	// 2. 代币账户第二次批量读取；新建账户可能尚未被索引，缺失时延迟重试一次
	program := tracked.TokenProgram
	if program.IsZero() {
		program = solana.TokenProgramID
	}
	atas := make([]solana.PublicKey, len(wallets))
	for i, w := range wallets {
		ata, err := chain.AssociatedTokenAddress(w, tracked.Mint, program)
		if err != nil {
			return nil, err
		}
		atas[i] = ata
	}

	tokens, err := p.chain.GetMultipleAccounts(ctx, atas)
	if err != nil {
		return nil, err
	}
	if anyMissing(tokens) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.opts.RetryDelay):
		}
		if retry, err := p.chain.GetMultipleAccounts(ctx, atas); err == nil {
			tokens = retry
		}
	}

	for i, w := range wallets {
		acc := tokens[i]
		if acc == nil {
			continue
		}
		amount, err := chain.TokenAmount(acc.Data)
		if err != nil {
			continue
		}
		b := out[w]
		b.Token = chain.UIAmount(amount, p.opts.Decimals)
		out[w] = b
	}
	return out, nil
}

func anyMissing(accounts []*chain.AccountInfo) bool {
	for _, a := range accounts {
		if a == nil {
			return true
		}
	}
	return false
}
