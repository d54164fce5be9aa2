package sign

import (
	"context"
	"fmt"
	"sync"
	"time"

	"relay-core/internal/chain"
	"relay-core/internal/hub"
	"relay-core/internal/protocol"
	"relay-core/pkg/errno"
	"relay-core/pkg/logger"
	"relay-core/pkg/monitor"
	"relay-core/pkg/safe_random"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

// Submitter 签名完成后的提交出口
type Submitter interface {
	Submit(ctx context.Context, tx *solana.Transaction, useRelay bool) (string, error)
}

// Metadata 随签名请求一起发给签名端，便于用户确认
type Metadata struct {
	Kind        string // buy / sell / transfer
	Wallet      string
	Description string
	UseRelay    bool
}

func (m Metadata) wire() map[string]string {
	out := map[string]string{"kind": m.Kind}
	if m.Wallet != "" {
		out["wallet"] = m.Wallet
	}
	if m.Description != "" {
		out["description"] = m.Description
	}
	return out
}

type pendingRequest struct {
	id        string
	userID    string
	tx        *solana.Transaction
	meta      Metadata
	createdAt time.Time
	timer     *time.Timer
}

// Coordinator 单笔交易签名: dispatched -> {approved, rejected, timed_out}
// 每个 pending 只会被 take 一次，谁先从 map 中删除谁负责结算
type Coordinator struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest

	peers     hub.Messenger
	submitter Submitter
	timeout   time.Duration
	ctx       context.Context
	log       *zap.Logger
}

func NewCoordinator(ctx context.Context, peers hub.Messenger, submitter Submitter, timeout time.Duration) *Coordinator {
	return &Coordinator{
		pending:   make(map[string]*pendingRequest),
		peers:     peers,
		submitter: submitter,
		timeout:   timeout,
		ctx:       ctx,
		log:       logger.Named("sign"),
	}
}

// RequestSignature 把待签交易 (签名位补零) 发给签名端，返回请求 id。
// 签名端不在线时同步返回 ErrSignerOffline，不会留下 pending。
func (c *Coordinator) RequestSignature(userID string, tx *solana.Transaction, meta Metadata) (string, error) {
	payload, err := chain.EncodeUnsigned(tx)
	if err != nil {
		return "", err
	}

	p := &pendingRequest{
		id:        safe_random.NewID("sign"),
		userID:    userID,
		tx:        tx,
		meta:      meta,
		createdAt: time.Now(),
	}

	// 先登记再发送，避免响应早于登记
	c.mu.Lock()
	c.pending[p.id] = p
	p.timer = time.AfterFunc(c.timeout, func() { c.expire(p.id) })
	c.mu.Unlock()

	if err := c.peers.SendToSigner(userID, protocol.NewSignRequest(p.id, payload, meta.wire())); err != nil {
		c.take(p.id)
		monitor.Business.SignRequestsTotal.WithLabelValues("offline").Inc()
		return "", errno.ErrSignerOffline
	}

	c.log.Info("[Sign] 签名请求已下发", zap.String("request_id", p.id), zap.String("user_id", userID), zap.String("kind", meta.Kind))
	return p.id, nil
}

// take 从 pending 中移除并停止计时器，只有第一次调用返回非 nil
func (c *Coordinator) take(id string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	p.timer.Stop()
	return p
}

func (c *Coordinator) expire(id string) {
	p := c.take(id)
	if p == nil {
		return
	}
	monitor.Business.SignRequestsTotal.WithLabelValues("timed_out").Inc()
	c.log.Warn("[Sign] 签名请求超时", zap.String("request_id", id), zap.String("user_id", p.userID))
	_ = c.peers.SendToController(p.userID, protocol.NewSignTimeout(id))
}

// HandleResponse 处理签名端的 sign_response。
// 未知或已结算的 id 直接丢弃，属于其他用户的 id 返回 ErrAuthorization 且不结算。
func (c *Coordinator) HandleResponse(userID string, resp *protocol.SignResponse) error {
	c.mu.Lock()
	p, ok := c.pending[resp.RequestID]
	if ok && p.userID != userID {
		c.mu.Unlock()
		return errno.ErrAuthorization.WithMessage("request does not belong to this user")
	}
	c.mu.Unlock()
	if !ok {
		c.log.Debug("[Sign] 丢弃未知或已结算的响应", zap.String("request_id", resp.RequestID))
		return nil
	}

	if p = c.take(resp.RequestID); p == nil {
		return nil
	}

	if resp.Status == protocol.StatusRejected {
		c.reject(p, resp.Reason)
		return nil
	}

	sig, err := solana.SignatureFromBase58(resp.Signature)
	if err == nil {
		err = chain.AttachSignature(p.tx, p.tx.Message.AccountKeys[0], sig)
	}
	if err != nil {
		c.reject(p, fmt.Sprintf("invalid signature: %v", err))
		return nil
	}

	monitor.Business.SignRequestsTotal.WithLabelValues("approved").Inc()
	go c.submit(p)
	return nil
}

func (c *Coordinator) reject(p *pendingRequest, reason string) {
	if reason == "" {
		reason = errno.ErrSignRejected.Message
	}
	monitor.Business.SignRequestsTotal.WithLabelValues("rejected").Inc()
	c.log.Info("[Sign] 签名被拒绝", zap.String("request_id", p.id), zap.String("reason", reason))
	_ = c.peers.SendToController(p.userID, protocol.NewSignRejected(p.id, reason))
}

func (c *Coordinator) submit(p *pendingRequest) {
	path := "direct"
	if p.meta.UseRelay {
		path = "relay"
	}

	txID, err := c.submitter.Submit(c.ctx, p.tx, p.meta.UseRelay)
	if err != nil {
		_, msg := errno.Decode(err)
		c.log.Error("[Sign] 提交失败", zap.String("request_id", p.id), zap.Error(err))
		_ = c.peers.SendToController(p.userID, protocol.NewSubmissionFailed(p.id, msg))
		return
	}
	c.log.Info("[Sign] 交易已提交", zap.String("request_id", p.id), zap.String("tx_id", txID), zap.String("path", path))
	_ = c.peers.SendToController(p.userID, protocol.NewTransactionSubmitted(p.id, txID, path))
}

// Pending 当前未结算的请求数
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
