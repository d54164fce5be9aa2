package bundle

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"relay-core/internal/chain"
	"relay-core/internal/hub"
	"relay-core/internal/model"
	"relay-core/internal/protocol"
	"relay-core/pkg/errno"
	"relay-core/pkg/logger"
	"relay-core/pkg/monitor"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

// Job 一个多 bundle 签名任务
type Job struct {
	ID        string
	UserID    string
	Type      model.JobType
	Plan      model.BundlePlan
	Meta      interface{} // 由具体 JobHandler 解释
	CreatedAt time.Time
}

// JobHandler 按任务类型处理完成/失败后的后续逻辑
type JobHandler interface {
	OnComplete(ctx context.Context, job *Job, signed []*solana.Transaction)
	OnFailure(ctx context.Context, job *Job, reason string)
}

type pendingBundle struct {
	job     *Job
	index   int
	signed  []*solana.Transaction
	awaited bool
	timer   *time.Timer
}

type result struct {
	signed []*solana.Transaction
	err    error
}

type resolver struct {
	ch    chan result
	timer *time.Timer
}

// Coordinator 多 bundle 顺序签名。
// 每个 job 同一时刻最多只有一个 pending bundle；fire-and-forget 与 await 共用同一套状态。
type Coordinator struct {
	mu        sync.Mutex
	pending   map[string]*pendingBundle
	resolvers map[string]*resolver
	handlers  map[model.JobType]JobHandler

	peers         hub.Messenger
	bundleTimeout time.Duration
	awaitTimeout  time.Duration
	ctx           context.Context
	log           *zap.Logger
}

func NewCoordinator(ctx context.Context, peers hub.Messenger, bundleTimeout, awaitTimeout time.Duration) *Coordinator {
	return &Coordinator{
		pending:       make(map[string]*pendingBundle),
		resolvers:     make(map[string]*resolver),
		handlers:      make(map[model.JobType]JobHandler),
		peers:         peers,
		bundleTimeout: bundleTimeout,
		awaitTimeout:  awaitTimeout,
		ctx:           ctx,
		log:           logger.Named("bundle"),
	}
}

// Handle 注册任务类型的处理器
func (c *Coordinator) Handle(t model.JobType, h JobHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = h
}

// SendBundleJob fire-and-forget: 下发第 0 个 bundle，完成后交给对应 JobHandler
func (c *Coordinator) SendBundleJob(userID string, plan model.BundlePlan, jobID string, jobType model.JobType, meta interface{}) error {
	return c.start(&Job{ID: jobID, UserID: userID, Type: jobType, Plan: plan, Meta: meta, CreatedAt: time.Now()}, false)
}

// AwaitBundleSignature 阻塞直到整个 job 的所有 bundle 签名完成，或失败/超时
func (c *Coordinator) AwaitBundleSignature(ctx context.Context, userID string, plan model.BundlePlan, jobID string, jobType model.JobType) ([]*solana.Transaction, error) {
	r := &resolver{ch: make(chan result, 1)}

	c.mu.Lock()
	if _, exists := c.resolvers[jobID]; exists {
		c.mu.Unlock()
		return nil, errno.ErrJobInProgress
	}
	c.resolvers[jobID] = r
	// 先摘除 resolver 再 retire，续传时据此判断等待者是否还在
	r.timer = time.AfterFunc(c.awaitTimeout, func() {
		c.settle(jobID, result{err: errno.ErrSettlementTimeout.WithMessage("bundle signature not received in time")})
		c.retire(jobID)
	})
	c.mu.Unlock()

	job := &Job{ID: jobID, UserID: userID, Type: jobType, Plan: plan, CreatedAt: time.Now()}
	if err := c.start(job, true); err != nil {
		c.takeResolver(jobID)
		return nil, err
	}

	select {
	case res := <-r.ch:
		return res.signed, res.err
	case <-ctx.Done():
		c.takeResolver(jobID)
		c.retire(jobID)
		return nil, ctx.Err()
	}
}

func (c *Coordinator) start(job *Job, awaited bool) error {
	if len(job.Plan.Bundles) == 0 {
		return errno.ErrValidation.WithMessage("empty bundle plan")
	}
	for i, b := range job.Plan.Bundles {
		if len(b.Transactions) == 0 || len(b.Transactions) > chain.MaxBundleSize {
			return errno.ErrValidation.WithMessage(fmt.Sprintf("bundle %d has %d transactions", i, len(b.Transactions)))
		}
	}

	p := &pendingBundle{job: job, awaited: awaited}
	c.mu.Lock()
	if _, exists := c.pending[job.ID]; exists {
		c.mu.Unlock()
		return errno.ErrJobInProgress
	}
	c.pending[job.ID] = p
	c.mu.Unlock()

	if err := c.dispatch(p); err != nil {
		c.retire(job.ID)
		return err
	}
	c.log.Info("[Bundle] 任务已启动",
		zap.String("job_id", job.ID),
		zap.String("type", string(job.Type)),
		zap.Int("bundles", len(job.Plan.Bundles)),
		zap.Bool("awaited", awaited),
	)
	return nil
}

// dispatch 下发 p.index 对应的 bundle，并为其启动计时器
func (c *Coordinator) dispatch(p *pendingBundle) error {
	b := p.job.Plan.Bundles[p.index]
	txs := make([]protocol.BundleTx, 0, len(b.Transactions))
	for _, utx := range b.Transactions {
		serialized, err := chain.EncodeUnsigned(utx.Tx)
		if err != nil {
			return err
		}
		signers := make([]string, len(utx.Signers))
		for i, s := range utx.Signers {
			signers[i] = s.String()
		}
		txs = append(txs, protocol.BundleTx{Serialized: serialized, Signers: signers})
	}

	wireID := WireID(p.job.ID, p.index)
	index := p.index
	c.mu.Lock()
	p.timer = time.AfterFunc(c.bundleTimeout, func() { c.expire(p.job.ID, index) })
	c.mu.Unlock()

	msg := protocol.NewSignBundleRequest(wireID, p.job.ID, p.job.Type, p.index, len(p.job.Plan.Bundles), txs)
	if err := c.peers.SendToSigner(p.job.UserID, msg); err != nil {
		return errno.ErrSignerOffline
	}
	return nil
}

// take 在 index 匹配时移除 pending，保证同一个 bundle 只被结算一次
func (c *Coordinator) take(jobID string, index int) *pendingBundle {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[jobID]
	if !ok || p.index != index {
		return nil
	}
	delete(c.pending, jobID)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

// retire 无条件移除 job 的 pending bundle
func (c *Coordinator) retire(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pending[jobID]; ok {
		delete(c.pending, jobID)
		if p.timer != nil {
			p.timer.Stop()
		}
	}
}

func (c *Coordinator) takeResolver(jobID string) *resolver {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.resolvers[jobID]
	if !ok {
		return nil
	}
	delete(c.resolvers, jobID)
	r.timer.Stop()
	return r
}

func (c *Coordinator) settle(jobID string, res result) bool {
	r := c.takeResolver(jobID)
	if r == nil {
		return false
	}
	r.ch <- res
	return true
}

func (c *Coordinator) expire(jobID string, index int) {
	p := c.take(jobID, index)
	if p == nil {
		return
	}
	c.log.Warn("[Bundle] bundle 签名超时", zap.String("job_id", jobID), zap.Int("index", index))
	c.fail(p, errno.ErrSettlementTimeout.WithMessage(fmt.Sprintf("bundle %d not signed in time", index)))
}

// HandleResponse 处理 sign_bundle_response
func (c *Coordinator) HandleResponse(userID string, resp *protocol.SignBundleResponse) error {
	jobID, index, err := ParseWireID(resp.RequestID)
	if err != nil {
		return errno.ErrValidation.WithMessage(err.Error())
	}

	c.mu.Lock()
	p, ok := c.pending[jobID]
	if ok && p.job.UserID != userID {
		c.mu.Unlock()
		return errno.ErrAuthorization.WithMessage("job does not belong to this user")
	}
	c.mu.Unlock()

	if p = c.take(jobID, index); p == nil {
		c.log.Debug("[Bundle] 丢弃未知或过期的响应", zap.String("request_id", resp.RequestID))
		return nil
	}

	if resp.Status == protocol.StatusRejected {
		reason := resp.Reason
		if reason == "" {
			reason = errno.ErrSignRejected.Message
		}
		c.fail(p, errno.ErrSignRejected.WithMessage(reason))
		return nil
	}

	signed, err := c.verify(p, resp.SignedTransactions)
	if err != nil {
		c.fail(p, errno.ErrSignRejected.WithMessage(err.Error()))
		return nil
	}

	p.signed = append(p.signed, signed...)

	// 顺序续传: 还有 bundle 则重新登记并下发下一个。
	// take 之后等待者可能已超时或取消，此时 resolver 已被摘除，不再续传。
	if p.index+1 < len(p.job.Plan.Bundles) {
		c.mu.Lock()
		if p.awaited && c.resolvers[jobID] == nil {
			c.mu.Unlock()
			c.log.Debug("[Bundle] 等待者已退出，停止续传", zap.String("job_id", jobID), zap.Int("index", p.index))
			return nil
		}
		p.index++
		c.pending[jobID] = p
		c.mu.Unlock()
		if err := c.dispatch(p); err != nil {
			if q := c.take(jobID, p.index); q != nil {
				c.fail(q, err)
			}
		}
		return nil
	}

	c.complete(p)
	return nil
}

func (c *Coordinator) verify(p *pendingBundle, encoded []string) ([]*solana.Transaction, error) {
	b := p.job.Plan.Bundles[p.index]
	if len(encoded) != len(b.Transactions) {
		return nil, fmt.Errorf("expected %d signed transactions, got %d", len(b.Transactions), len(encoded))
	}
	out := make([]*solana.Transaction, len(encoded))
	for i, s := range encoded {
		tx, err := chain.DecodeTransaction(s)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		if err := chain.VerifySigned(b.Transactions[i].Tx, tx); err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		out[i] = tx
	}
	return out, nil
}

func (c *Coordinator) complete(p *pendingBundle) {
	job := p.job
	monitor.Business.BundleJobsTotal.WithLabelValues(string(job.Type), "completed").Inc()
	c.log.Info("[Bundle] 任务签名完成", zap.String("job_id", job.ID), zap.Int("txs", len(p.signed)))

	// await 模式的结果只属于等待者，等待者已退出则直接丢弃
	if c.settle(job.ID, result{signed: p.signed}) || p.awaited {
		return
	}

	c.mu.Lock()
	h := c.handlers[job.Type]
	c.mu.Unlock()
	if h == nil {
		c.log.Error("[Bundle] 未注册的任务类型", zap.String("type", string(job.Type)))
		return
	}
	// 后续处理可能包含提交与轮询，不能阻塞签名端的读循环
	go h.OnComplete(c.ctx, job, p.signed)
}

// fail 任务失败: await 模式 reject 等待者，否则通知控制端并调用 OnFailure
func (c *Coordinator) fail(p *pendingBundle, err error) {
	job := p.job
	monitor.Business.BundleJobsTotal.WithLabelValues(string(job.Type), "failed").Inc()
	c.log.Warn("[Bundle] 任务失败", zap.String("job_id", job.ID), zap.Int("index", p.index), zap.Bool("awaited", p.awaited), zap.Error(err))

	if c.settle(job.ID, result{err: err}) || p.awaited {
		return
	}

	_, reason := errno.Decode(err)
	_ = c.peers.SendToController(job.UserID, protocol.NewBundleFailed(job.ID, reason))

	c.mu.Lock()
	h := c.handlers[job.Type]
	c.mu.Unlock()
	if h != nil {
		h.OnFailure(c.ctx, job, reason)
	}
}

// Pending 当前未结算的 job 数
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// WireID 签名端看到的请求 id: <jobId>#<bundleIndex>
func WireID(jobID string, index int) string {
	return jobID + "#" + strconv.Itoa(index)
}

func ParseWireID(id string) (string, int, error) {
	i := strings.LastIndexByte(id, '#')
	if i <= 0 {
		return "", 0, fmt.Errorf("malformed bundle request id %q", id)
	}
	index, err := strconv.Atoi(id[i+1:])
	if err != nil || index < 0 {
		return "", 0, fmt.Errorf("malformed bundle request id %q", id)
	}
	return id[:i], index, nil
}
