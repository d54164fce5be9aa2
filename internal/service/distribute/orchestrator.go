package distribute

import (
	"context"
	"fmt"
	"time"

	"relay-core/internal/chain"
	"relay-core/internal/hub"
	"relay-core/internal/model"
	"relay-core/internal/protocol"
	"relay-core/pkg/errno"
	"relay-core/pkg/logger"
	"relay-core/pkg/safe_random"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

// BundleAwaiter 同步等待签名端签完
type BundleAwaiter interface {
	AwaitBundleSignature(ctx context.Context, userID string, plan model.BundlePlan, jobID string, jobType model.JobType) ([]*solana.Transaction, error)
}

// Submitter 单笔交易提交
type Submitter interface {
	Submit(ctx context.Context, tx *solana.Transaction, useRelay bool) (string, error)
}

// Transfer 一个收款方
type Transfer struct {
	Recipient solana.PublicKey
	Lamports  uint64
}

// Summary 分发结果汇总
type Summary struct {
	JobID     string
	Succeeded int
	Failed    int
}

type Options struct {
	ConfirmInterval time.Duration
	ConfirmAttempts int
}

// Orchestrator 按顺序逐个转账，每个收款方先转账再确认，确认完成前不会开始下一个
type Orchestrator struct {
	signer    BundleAwaiter
	submitter Submitter
	chain     chain.Client
	peers     hub.Messenger
	opts      Options
	log       *zap.Logger
}

func NewOrchestrator(signer BundleAwaiter, submitter Submitter, c chain.Client, peers hub.Messenger, opts Options) *Orchestrator {
	if opts.ConfirmInterval <= 0 {
		opts.ConfirmInterval = time.Second
	}
	if opts.ConfirmAttempts <= 0 {
		opts.ConfirmAttempts = 60
	}
	return &Orchestrator{
		signer:    signer,
		submitter: submitter,
		chain:     c,
		peers:     peers,
		opts:      opts,
		log:       logger.Named("distribute"),
	}
}

// Distribute 单个收款方失败只记为该收款方的结果，继续处理后续收款方
func (o *Orchestrator) Distribute(ctx context.Context, userID string, sender solana.PublicKey, transfers []Transfer) Summary {
	sum := Summary{JobID: safe_random.NewID("dist")}
	o.emit(userID, protocol.NewDistributeUpdate(sum.JobID, 0, "", protocol.DistributeStarted))

	for i, t := range transfers {
		txID, err := o.transfer(ctx, userID, sum.JobID, i, sender, t)
		if err == nil {
			err = o.confirm(ctx, txID)
		}

		if err != nil {
			sum.Failed++
			_, reason := errno.Decode(err)
			o.log.Warn("[Distribute] 收款方处理失败", zap.String("job_id", sum.JobID), zap.Int("index", i), zap.Error(err))
			u := protocol.NewDistributeUpdate(sum.JobID, i, t.Recipient.String(), protocol.DistributeFailed)
			u.TxID = txID
			u.Reason = reason
			o.emit(userID, u)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		sum.Succeeded++
		u := protocol.NewDistributeUpdate(sum.JobID, i, t.Recipient.String(), protocol.DistributeConfirmed)
		u.TxID = txID
		o.emit(userID, u)
	}

	done := protocol.NewDistributeUpdate(sum.JobID, len(transfers), "", protocol.DistributeComplete)
	done.Succeeded = sum.Succeeded
	done.Failed = sum.Failed
	o.emit(userID, done)

	o.log.Info("[Distribute] 分发完成",
		zap.String("job_id", sum.JobID),
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("failed", sum.Failed),
	)
	return sum
}

// transfer 阶段一: 构造转账、等待签名、直连提交
func (o *Orchestrator) transfer(ctx context.Context, userID, jobID string, index int, sender solana.PublicKey, t Transfer) (string, error) {
	if t.Lamports == 0 {
		return "", errno.ErrValidation.WithMessage("amount must be positive")
	}

	blockhash, err := o.chain.LatestBlockhash(ctx)
	if err != nil {
		return "", err
	}
	tx, err := solana.NewTransaction(
		[]solana.Instruction{chain.NewSOLTransferInstruction(sender, t.Recipient, t.Lamports)},
		blockhash,
		solana.TransactionPayer(sender),
	)
	if err != nil {
		return "", fmt.Errorf("build transfer: %w", err)
	}

	o.emit(userID, protocol.NewDistributeUpdate(jobID, index, t.Recipient.String(), protocol.DistributeSigning))

	plan := model.BundlePlan{Bundles: []model.Bundle{{Transactions: []model.UnsignedTx{{Tx: tx, Signers: []solana.PublicKey{sender}}}}}}
	signed, err := o.signer.AwaitBundleSignature(ctx, userID, plan, fmt.Sprintf("%s_%d", jobID, index), model.JobDistribution)
	if err != nil {
		return "", err
	}

	txID, err := o.submitter.Submit(ctx, signed[0], false)
	if err != nil {
		return "", err
	}

	u := protocol.NewDistributeUpdate(jobID, index, t.Recipient.String(), protocol.DistributeSubmitted)
	u.TxID = txID
	o.emit(userID, u)
	return txID, nil
}

// confirm 阶段二: 轮询签名状态直到确认
func (o *Orchestrator) confirm(ctx context.Context, txID string) error {
	sig, err := solana.SignatureFromBase58(txID)
	if err != nil {
		return errno.ErrValidation.WithMessage(fmt.Sprintf("invalid transaction id %q", txID))
	}

	ticker := time.NewTicker(o.opts.ConfirmInterval)
	defer ticker.Stop()
	for attempt := 0; attempt < o.opts.ConfirmAttempts; attempt++ {
		st, err := o.chain.SignatureStatus(ctx, sig)
		if err == nil {
			if st.Err != "" {
				return fmt.Errorf("transaction failed: %s", st.Err)
			}
			if st.Confirmed {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return errno.ErrSettlementTimeout.WithMessage("transfer not confirmed in time")
}

func (o *Orchestrator) emit(userID string, u protocol.DistributeSolUpdate) {
	if err := o.peers.SendToController(userID, u); err != nil {
		o.log.Debug("[Distribute] 控制端不在线，丢弃进度", zap.String("status", u.Status))
	}
}
