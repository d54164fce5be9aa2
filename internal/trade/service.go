package trade

import (
	"context"
	"fmt"

	"relay-core/internal/chain"
	"relay-core/internal/model"
	"relay-core/internal/service/sign"
	"relay-core/internal/service/tip"
	"relay-core/pkg/errno"
	"relay-core/pkg/logger"
	"relay-core/pkg/safe_random"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	ActionBuy  = "buy"
	ActionSell = "sell"
)

// SignRequester 单笔签名
type SignRequester interface {
	RequestSignature(userID string, tx *solana.Transaction, meta sign.Metadata) (string, error)
}

// JobSender bundle 任务下发
type JobSender interface {
	SendBundleJob(userID string, plan model.BundlePlan, jobID string, jobType model.JobType, meta interface{}) error
}

// Params 单笔交易参数
type Params struct {
	Action       string
	Wallet       solana.PublicKey
	Mint         solana.PublicKey
	TokenProgram solana.PublicKey
	Amount       decimal.Decimal
	UseRelay     bool
}

// Service 把高层交易请求编译成交易并交给签名流程
type Service struct {
	builder Builder
	chain   chain.Client
	signer  SignRequester
	jobs    JobSender
	tips    *tip.State
	log     *zap.Logger

	decimals int
}

func NewService(builder Builder, c chain.Client, signer SignRequester, jobs JobSender, tips *tip.State, decimals int) *Service {
	return &Service{
		builder:  builder,
		chain:    c,
		signer:   signer,
		jobs:     jobs,
		tips:     tips,
		decimals: decimals,
		log:      logger.Named("trade"),
	}
}

// Trade 构造并下发单笔交易签名请求，返回请求 id
func (s *Service) Trade(ctx context.Context, userID string, p Params) (string, error) {
	if !p.Amount.IsPositive() {
		return "", errno.ErrValidation.WithMessage("amount must be positive")
	}

	blockhash, err := s.chain.LatestBlockhash(ctx)
	if err != nil {
		return "", err
	}
	tx, err := s.compile(ctx, p, blockhash, p.UseRelay)
	if err != nil {
		return "", err
	}

	id, err := s.signer.RequestSignature(userID, tx, sign.Metadata{
		Kind:        p.Action,
		Wallet:      p.Wallet.String(),
		Description: fmt.Sprintf("%s %s %s", p.Action, p.Amount.String(), p.Mint.String()),
		UseRelay:    p.UseRelay,
	})
	if err != nil {
		return "", err
	}
	s.log.Info("[Trade] 交易已下发签名", zap.String("user_id", userID), zap.String("request_id", id), zap.String("action", p.Action))
	return id, nil
}

// BundleTrade 每个钱包一笔交易，每 5 笔一个 bundle，作为通用 bundle 任务下发
func (s *Service) BundleTrade(ctx context.Context, userID, action string, wallets []solana.PublicKey, mint solana.PublicKey, amount decimal.Decimal) (string, int, error) {
	if len(wallets) == 0 {
		return "", 0, errno.ErrValidation.WithMessage("wallets must not be empty")
	}
	if !amount.IsPositive() {
		return "", 0, errno.ErrValidation.WithMessage("amount must be positive")
	}

	blockhash, err := s.chain.LatestBlockhash(ctx)
	if err != nil {
		return "", 0, err
	}

	var plan model.BundlePlan
	for start := 0; start < len(wallets); start += chain.MaxBundleSize {
		end := start + chain.MaxBundleSize
		if end > len(wallets) {
			end = len(wallets)
		}
		var b model.Bundle
		for i, w := range wallets[start:end] {
			// bundle 的 tip 由最后一笔交易的钱包支付
			last := start+i == end-1
			tx, err := s.compile(ctx, Params{Action: action, Wallet: w, Mint: mint, Amount: amount}, blockhash, last)
			if err != nil {
				return "", 0, fmt.Errorf("wallet %s: %w", w, err)
			}
			b.Transactions = append(b.Transactions, model.UnsignedTx{Tx: tx, Signers: chain.RequiredSigners(tx)})
		}
		plan.Bundles = append(plan.Bundles, b)
	}

	jobID := safe_random.NewID("bundle")
	if err := s.jobs.SendBundleJob(userID, plan, jobID, model.JobGeneric, nil); err != nil {
		return "", 0, err
	}
	s.log.Info("[Trade] bundle 交易已下发", zap.String("user_id", userID), zap.String("job_id", jobID), zap.Int("wallets", len(wallets)))
	return jobID, len(plan.Bundles), nil
}

// Sell 以原始数量卖出钱包里的代币 (归集后的自动卖出)
func (s *Service) Sell(ctx context.Context, userID string, wallet, mint, tokenProgram solana.PublicKey, amount uint64) (string, error) {
	return s.Trade(ctx, userID, Params{
		Action:       ActionSell,
		Wallet:       wallet,
		Mint:         mint,
		TokenProgram: tokenProgram,
		Amount:       chain.UIAmount(amount, s.decimals),
	})
}

func (s *Service) compile(ctx context.Context, p Params, blockhash solana.Hash, withTip bool) (*solana.Transaction, error) {
	req := BuildRequest{
		Action: p.Action,
		Wallet: p.Wallet.String(),
		Mint:   p.Mint.String(),
		Amount: p.Amount.String(),
	}
	if !p.TokenProgram.IsZero() {
		req.TokenProgram = p.TokenProgram.String()
	}
	instrs, err := s.builder.Build(ctx, req)
	if err != nil {
		return nil, err
	}
	if withTip && s.tips != nil {
		instrs = append(instrs, chain.NewSOLTransferInstruction(p.Wallet, s.tips.Account(), s.tips.Lamports()))
	}

	tx, err := solana.NewTransaction(instrs, blockhash, solana.TransactionPayer(p.Wallet))
	if err != nil {
		return nil, fmt.Errorf("compile transaction: %w", err)
	}
	return tx, nil
}
