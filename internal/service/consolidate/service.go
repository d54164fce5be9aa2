package consolidate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relay-core/internal/chain"
	"relay-core/internal/hub"
	"relay-core/internal/model"
	"relay-core/internal/protocol"
	"relay-core/internal/service/bundle"
	"relay-core/pkg/errno"
	"relay-core/pkg/logger"
	"relay-core/pkg/monitor"
	"relay-core/pkg/safe_random"
	"relay-core/pkg/utils/lock"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

// Seller 归集完成后的卖出出口，返回签名请求 id
type Seller interface {
	Sell(ctx context.Context, userID string, wallet, mint, tokenProgram solana.PublicKey, amount uint64) (string, error)
}

// JobSender bundle 任务下发
type JobSender interface {
	SendBundleJob(userID string, plan model.BundlePlan, jobID string, jobType model.JobType, meta interface{}) error
}

// Options 验证与锁参数
type Options struct {
	VerifyInterval time.Duration
	VerifyAttempts int
	// LockTTL 规划阶段的锁有效期，规划完成后按 bundle 数量延长
	LockTTL time.Duration
	// BundleTimeout 单个 bundle 的签名超时
	BundleTimeout time.Duration
	Decimals      int
}

type jobMeta struct {
	plan      *Plan
	lockKey   string
	lockToken string
	started   time.Time
}

// Service 归集任务: 加锁 -> 规划 -> bundle 签名 -> relay 提交 -> 余额验证 -> 卖出
type Service struct {
	planner   *Planner
	jobs      JobSender
	submitter bundle.BundleSubmitter
	chain     chain.Client
	seller    Seller
	locker    lock.DistributedLock
	peers     hub.Messenger
	opts      Options
	log       *zap.Logger
}

func NewService(planner *Planner, jobs JobSender, submitter bundle.BundleSubmitter, c chain.Client, seller Seller, locker lock.DistributedLock, peers hub.Messenger, opts Options) *Service {
	if opts.VerifyInterval <= 0 {
		opts.VerifyInterval = time.Second
	}
	if opts.VerifyAttempts <= 0 {
		opts.VerifyAttempts = 60
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Minute
	}
	if opts.BundleTimeout <= 0 {
		opts.BundleTimeout = 60 * time.Second
	}
	return &Service{
		planner:   planner,
		jobs:      jobs,
		submitter: submitter,
		chain:     c,
		seller:    seller,
		locker:    locker,
		peers:     peers,
		opts:      opts,
		log:       logger.Named("consolidate"),
	}
}

func lockKey(userID string) string {
	return "nuke:" + userID
}

// jobTTL bundle 顺序签名，每个都可能用满超时，之后还有提交与余额验证
func (s *Service) jobTTL(bundles int) time.Duration {
	return s.opts.LockTTL +
		time.Duration(bundles)*s.opts.BundleTimeout +
		time.Duration(s.opts.VerifyAttempts)*s.opts.VerifyInterval
}

// Start 处理 nuke_request，返回 job id。没有可归集余额时返回空 id 且不报错。
func (s *Service) Start(ctx context.Context, userID string, wallets []solana.PublicKey, mint, tokenProgram solana.PublicKey) (string, error) {
	// 1. 同一用户同时只能有一个归集任务
	key := lockKey(userID)
	token, ok, err := s.locker.Acquire(ctx, key, s.opts.LockTTL)
	if err != nil {
		return "", errno.ErrUpstream.WithMessage(fmt.Sprintf("acquire lock: %v", err))
	}
	if !ok {
		return "", errno.ErrJobInProgress
	}

	jobID := safe_random.NewID("nuke")
	release := func() { s.release(key, token) }

	// 2. 规划
	plan, err := s.planner.Plan(ctx, wallets, mint, tokenProgram)
	if errors.Is(err, ErrNoBalance) {
		release()
		_ = s.peers.SendToController(userID, protocol.NewNukeResponse(jobID, protocol.NukeNoBalance, err.Error()))
		return "", nil
	}
	if err != nil {
		release()
		return "", err
	}

	// 3. 锁覆盖整个任务周期
	if err := s.locker.Extend(ctx, key, token, s.jobTTL(len(plan.Bundles))); err != nil {
		release()
		return "", errno.ErrUpstream.WithMessage(fmt.Sprintf("extend lock: %v", err))
	}

	// 4. 下发签名
	meta := &jobMeta{plan: plan, lockKey: key, lockToken: token, started: time.Now()}
	if err := s.jobs.SendBundleJob(userID, plan.BundlePlan, jobID, model.JobConsolidation, meta); err != nil {
		release()
		return "", err
	}

	s.log.Info("[Consolidate] 归集任务已下发",
		zap.String("job_id", jobID),
		zap.String("user_id", userID),
		zap.String("destination", plan.Destination.String()),
		zap.Int("sources", plan.Sources),
		zap.Int("bundles", len(plan.Bundles)),
		zap.Uint64("expected", plan.ExpectedIncrease),
	)
	resp := protocol.NewNukeResponse(jobID, protocol.NukeDispatched, "")
	resp.Destination = plan.Destination.String()
	_ = s.peers.SendToController(userID, resp)
	return jobID, nil
}

func (s *Service) release(key, token string) {
	// 锁的生命周期长于单次请求，不复用请求 ctx
	if err := s.locker.Release(context.Background(), key, token); err != nil {
		s.log.Warn("[Consolidate] 释放锁失败", zap.String("key", key), zap.Error(err))
	}
}

// OnComplete bundle 全部签名后的后续处理
func (s *Service) OnComplete(ctx context.Context, job *bundle.Job, signed []*solana.Transaction) {
	meta, ok := job.Meta.(*jobMeta)
	if !ok {
		s.log.Error("[Consolidate] 任务元数据缺失", zap.String("job_id", job.ID))
		return
	}
	defer s.release(meta.lockKey, meta.lockToken)
	plan := meta.plan

	// 1. relay 提交
	res, err := s.submitter.SubmitBundles(ctx, signed)
	if err != nil || len(res.BundleIDs) == 0 {
		reason := errno.ErrRelayExhausted.Message
		if err != nil {
			_, reason = errno.Decode(err)
		}
		monitor.Business.ConsolidationDuration.WithLabelValues("failed").Observe(time.Since(meta.started).Seconds())
		_ = s.peers.SendToController(job.UserID, protocol.NewNukeResponse(job.ID, protocol.NukeFailed, reason))
		return
	}
	if res.AnyFailed {
		s.log.Warn("[Consolidate] 部分 bundle 提交失败", zap.String("job_id", job.ID), zap.Error(errno.ErrPartialSubmission))
	}

	// 2. 余额验证
	received, current, err := s.verify(ctx, plan)
	if err != nil {
		monitor.Business.ConsolidationDuration.WithLabelValues("inconclusive").Observe(time.Since(meta.started).Seconds())
		s.log.Warn("[Consolidate] 未能确认归集完成", zap.String("job_id", job.ID), zap.Uint64("received", received), zap.Error(err))
		resp := protocol.NewNukeResponse(job.ID, protocol.NukeInconclusive, errno.ErrVerificationTimeout.Message)
		resp.Destination = plan.Destination.String()
		resp.BundleIDs = res.BundleIDs
		_ = s.peers.SendToController(job.UserID, resp)
		return
	}
	monitor.Business.ConsolidationDuration.WithLabelValues("verified").Observe(time.Since(meta.started).Seconds())

	_ = s.peers.SendToController(job.UserID, protocol.NewNukeGatherComplete(
		job.ID,
		plan.Destination.String(),
		chain.UIAmount(received, s.opts.Decimals).String(),
		chain.UIAmount(plan.ExpectedIncrease, s.opts.Decimals).String(),
	))

	// 3. 以目标钱包的实时余额卖出
	requestID, err := s.seller.Sell(ctx, job.UserID, plan.Destination, plan.Mint, plan.TokenProgram, current)
	if err != nil {
		_, reason := errno.Decode(err)
		s.log.Error("[Consolidate] 卖出下发失败", zap.String("job_id", job.ID), zap.Error(err))
		_ = s.peers.SendToController(job.UserID, protocol.NewNukeResponse(job.ID, protocol.NukeSellFailed, reason))
		return
	}

	resp := protocol.NewNukeResponse(job.ID, protocol.NukeSellDispatched, "")
	resp.Destination = plan.Destination.String()
	resp.BundleIDs = res.BundleIDs
	resp.RequestID = requestID
	_ = s.peers.SendToController(job.UserID, resp)
}

// OnFailure 签名失败或超时，控制端已收到 bundle_failed
func (s *Service) OnFailure(_ context.Context, job *bundle.Job, reason string) {
	if meta, ok := job.Meta.(*jobMeta); ok {
		s.release(meta.lockKey, meta.lockToken)
	}
	_ = s.peers.SendToController(job.UserID, protocol.NewNukeResponse(job.ID, protocol.NukeFailed, reason))
}

// verify 轮询目标代币账户，增量达到预期即成功。返回已观测增量和当前余额。
func (s *Service) verify(ctx context.Context, plan *Plan) (uint64, uint64, error) {
	var received, current uint64
	ticker := time.NewTicker(s.opts.VerifyInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= s.opts.VerifyAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return received, current, ctx.Err()
		case <-ticker.C:
		}

		accounts, err := s.chain.GetMultipleAccounts(ctx, []solana.PublicKey{plan.DestinationATA})
		if err != nil || len(accounts) == 0 || accounts[0] == nil {
			continue
		}
		amount, err := chain.TokenAmount(accounts[0].Data)
		if err != nil {
			continue
		}
		current = amount
		if amount > plan.BalanceBefore {
			received = amount - plan.BalanceBefore
		}
		if received >= plan.ExpectedIncrease {
			return received, current, nil
		}
	}
	return received, current, errno.ErrVerificationTimeout
}
