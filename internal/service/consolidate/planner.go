package consolidate

import (
	"context"
	"errors"
	"fmt"

	"relay-core/internal/chain"
	"relay-core/internal/model"
	"relay-core/internal/service/tip"

	"github.com/gagliardetto/solana-go"
)

const (
	TransactionsPerBundle = chain.MaxBundleSize
	WalletsPerTransaction = 7
	MaxWalletsPerBundle   = TransactionsPerBundle * WalletsPerTransaction
)

// ErrNoBalance 没有任何钱包持有该代币，或只有一个 (无需归集)
var ErrNoBalance = errors.New("no source wallet holds a balance of this token")

// Plan 归集计划及验证所需的元数据
type Plan struct {
	model.BundlePlan

	Mint         solana.PublicKey
	TokenProgram solana.PublicKey

	Destination      solana.PublicKey
	DestinationATA   solana.PublicKey
	BalanceBefore    uint64
	ExpectedIncrease uint64
	Sources          int
}

type source struct {
	wallet  solana.PublicKey
	ata     solana.PublicKey
	balance uint64
}

// Planner 把多个钱包的代币打包成若干 bundle 转到同一个目标钱包
type Planner struct {
	chain chain.Client
	tips  *tip.State
}

func NewPlanner(c chain.Client, tips *tip.State) *Planner {
	return &Planner{chain: c, tips: tips}
}

// Plan 生成归集计划。
// 目标是第一个有余额的钱包；每个 bundle 的最后一个钱包负责手续费和 tip。
func (p *Planner) Plan(ctx context.Context, wallets []solana.PublicKey, mint, tokenProgram solana.PublicKey) (*Plan, error) {
	if tokenProgram.IsZero() {
		tokenProgram = solana.TokenProgramID
	}

	// 1. 批量读取各钱包的代币余额，丢弃零余额
	holders, err := p.balances(ctx, wallets, mint, tokenProgram)
	if err != nil {
		return nil, err
	}
	if len(holders) < 2 {
		return nil, ErrNoBalance
	}

	// 2. 第一个有余额的钱包作为目标，不给自己转账
	dest := holders[0]
	sources := holders[1:]

	plan := &Plan{
		Mint:           mint,
		TokenProgram:   tokenProgram,
		Destination:    dest.wallet,
		DestinationATA: dest.ata,
		BalanceBefore:  dest.balance,
		Sources:        len(sources),
	}
	for _, s := range sources {
		plan.ExpectedIncrease += s.balance
	}

	blockhash, err := p.chain.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}

	// 3. 按输入顺序每 35 个钱包一个 bundle
	for start := 0; start < len(sources); start += MaxWalletsPerBundle {
		end := start + MaxWalletsPerBundle
		if end > len(sources) {
			end = len(sources)
		}
		b, err := p.bundle(sources[start:end], plan, blockhash)
		if err != nil {
			return nil, err
		}
		plan.Bundles = append(plan.Bundles, b)
	}
	return plan, nil
}

func (p *Planner) balances(ctx context.Context, wallets []solana.PublicKey, mint, tokenProgram solana.PublicKey) ([]source, error) {
	atas := make([]solana.PublicKey, len(wallets))
	for i, w := range wallets {
		ata, err := chain.AssociatedTokenAddress(w, mint, tokenProgram)
		if err != nil {
			return nil, fmt.Errorf("derive token account for %s: %w", w, err)
		}
		atas[i] = ata
	}

	accounts, err := p.chain.GetMultipleAccounts(ctx, atas)
	if err != nil {
		return nil, err
	}

	var out []source
	seen := make(map[solana.PublicKey]bool, len(wallets))
	for i, acc := range accounts {
		if acc == nil || seen[wallets[i]] {
			continue
		}
		amount, err := chain.TokenAmount(acc.Data)
		if err != nil || amount == 0 {
			continue
		}
		seen[wallets[i]] = true
		out = append(out, source{wallet: wallets[i], ata: atas[i], balance: amount})
	}
	return out, nil
}

// bundle 4. 每笔交易最多 7 个转账；5. fee payer 固定为 tip payer；6. tip 只加在最后一笔
func (p *Planner) bundle(senders []source, plan *Plan, blockhash solana.Hash) (model.Bundle, error) {
	tipPayer := senders[len(senders)-1].wallet

	var b model.Bundle
	for start := 0; start < len(senders); start += WalletsPerTransaction {
		end := start + WalletsPerTransaction
		if end > len(senders) {
			end = len(senders)
		}
		group := senders[start:end]

		instrs := make([]solana.Instruction, 0, len(group)+1)
		signers := []solana.PublicKey{tipPayer}
		for _, s := range group {
			instrs = append(instrs, chain.NewTokenTransferInstruction(plan.TokenProgram, s.ata, plan.DestinationATA, s.wallet, s.balance))
			if !s.wallet.Equals(tipPayer) {
				signers = append(signers, s.wallet)
			}
		}
		if end == len(senders) {
			instrs = append(instrs, chain.NewSOLTransferInstruction(tipPayer, p.tips.Account(), p.tips.Lamports()))
		}

		tx, err := solana.NewTransaction(instrs, blockhash, solana.TransactionPayer(tipPayer))
		if err != nil {
			return model.Bundle{}, fmt.Errorf("build consolidation transaction: %w", err)
		}
		b.Transactions = append(b.Transactions, model.UnsignedTx{Tx: tx, Signers: signers})
	}
	return b, nil
}
