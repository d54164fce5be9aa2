package submit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"relay-core/internal/chain"
	"relay-core/internal/event"
	"relay-core/internal/service/mq"
	"relay-core/pkg/errno"
	"relay-core/pkg/logger"
	"relay-core/pkg/monitor"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	PathDirect = "direct"
	PathRelay  = "relay"

	directAttempts = 3
)

// Options 提交参数
type Options struct {
	Endpoints  []string
	Attempts   int // 每个 chunk 的冗余提交次数
	BundleSize int // 每个 relay bundle 的交易数，最大 5
}

// BundleResult 多个 chunk 的汇总结果
type BundleResult struct {
	BundleIDs []string
	AnyFailed bool
}

// Engine 直连 RPC 或 relay 冗余提交
type Engine struct {
	chain    chain.Client
	relay    chain.Relay
	opts     Options
	producer mq.Producer
	log      *zap.Logger

	newBackOff func() backoff.BackOff
}

func NewEngine(c chain.Client, r chain.Relay, producer mq.Producer, opts Options) *Engine {
	if opts.Attempts <= 0 {
		opts.Attempts = 10
	}
	if opts.BundleSize <= 0 || opts.BundleSize > chain.MaxBundleSize {
		opts.BundleSize = chain.MaxBundleSize
	}
	return &Engine{
		chain:    c,
		relay:    r,
		opts:     opts,
		producer: producer,
		log:      logger.Named("submit"),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 300 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
}

// Submit 提交单笔已签名交易，返回交易 id (签名)
func (e *Engine) Submit(ctx context.Context, tx *solana.Transaction, useRelay bool) (string, error) {
	if len(tx.Signatures) == 0 {
		return "", errno.ErrValidation.WithMessage("transaction is not signed")
	}
	if useRelay {
		return e.submitRelayTx(ctx, tx)
	}
	return e.submitDirect(ctx, tx)
}

func (e *Engine) submitDirect(ctx context.Context, tx *solana.Transaction) (string, error) {
	attempts := 0
	var sig solana.Signature
	op := func() error {
		attempts++
		s, err := e.chain.SendTransaction(ctx, tx)
		if err != nil {
			e.log.Warn("[Submit] 直连提交失败", zap.Int("attempt", attempts), zap.Error(err))
			return err
		}
		sig = s
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), directAttempts-1), ctx)
	err := backoff.Retry(op, b)

	ev := event.SubmissionEvent{Path: PathDirect, Kind: "transaction", TxCount: 1, Attempts: attempts, Success: err == nil}
	if err != nil {
		ev.Error = err.Error()
		e.publish(ctx, ev)
		monitor.Business.SubmissionsTotal.WithLabelValues(PathDirect, "failed").Inc()
		return "", fmt.Errorf("direct submit after %d attempts: %w", attempts, err)
	}
	ev.ID = sig.String()
	e.publish(ctx, ev)
	monitor.Business.SubmissionsTotal.WithLabelValues(PathDirect, "success").Inc()
	return sig.String(), nil
}

func (e *Engine) submitRelayTx(ctx context.Context, tx *solana.Transaction) (string, error) {
	encoded, err := chain.EncodeSigned(tx)
	if err != nil {
		return "", err
	}

	_, failures, ok := e.spam(ctx, func(ctx context.Context, endpoint string) (string, error) {
		return e.relay.SendTransaction(ctx, endpoint, encoded)
	})

	ev := event.SubmissionEvent{Path: PathRelay, Kind: "transaction", TxCount: 1, Attempts: e.opts.Attempts, Success: ok, Failures: failures}
	if !ok {
		ev.Error = errno.ErrRelayExhausted.Message
		e.publish(ctx, ev)
		monitor.Business.SubmissionsTotal.WithLabelValues(PathRelay, "failed").Inc()
		return "", errno.ErrRelayExhausted
	}
	// relay 返回的也是签名，统一用本地签名作为交易 id
	ev.ID = tx.Signatures[0].String()
	e.publish(ctx, ev)
	monitor.Business.SubmissionsTotal.WithLabelValues(PathRelay, "success").Inc()
	return tx.Signatures[0].String(), nil
}

// SubmitBundles 按 BundleSize 切分后逐个 chunk 冗余提交。
// 单个 chunk 全部失败不会中断后续 chunk，只体现在 AnyFailed 上。
func (e *Engine) SubmitBundles(ctx context.Context, txs []*solana.Transaction) (BundleResult, error) {
	var res BundleResult
	if len(txs) == 0 {
		return res, errno.ErrValidation.WithMessage("no transactions to submit")
	}

	encoded := make([]string, len(txs))
	for i, tx := range txs {
		s, err := chain.EncodeSigned(tx)
		if err != nil {
			return res, err
		}
		encoded[i] = s
	}

	for start, idx := 0, 0; start < len(encoded); start, idx = start+e.opts.BundleSize, idx+1 {
		end := start + e.opts.BundleSize
		if end > len(encoded) {
			end = len(encoded)
		}
		chunk := encoded[start:end]

		id, failures, ok := e.spam(ctx, func(ctx context.Context, endpoint string) (string, error) {
			return e.relay.SendBundle(ctx, endpoint, chunk)
		})

		ev := event.SubmissionEvent{Path: PathRelay, Kind: "bundle", TxCount: len(chunk), Attempts: e.opts.Attempts, Success: ok, Failures: failures, ID: id}
		e.publish(ctx, ev)

		if !ok {
			res.AnyFailed = true
			monitor.Business.SubmissionsTotal.WithLabelValues(PathRelay, "failed").Inc()
			e.log.Error("[Submit] bundle 全部提交失败", zap.Int("chunk", idx), zap.Int("txs", len(chunk)))
			continue
		}
		monitor.Business.SubmissionsTotal.WithLabelValues(PathRelay, "success").Inc()
		res.BundleIDs = append(res.BundleIDs, id)
		e.log.Info("[Submit] bundle 已接收", zap.Int("chunk", idx), zap.String("bundle_id", id))
	}
	return res, nil
}

type attempt struct {
	endpoint string
	id       string
	err      error
}

// spam 并发发起 Attempts 次提交，endpoint 轮询分配，任意一次成功即视为接收。
// 返回第一个成功的 id，以及按错误文本聚合的失败次数。
func (e *Engine) spam(ctx context.Context, send func(ctx context.Context, endpoint string) (string, error)) (string, map[string]int, bool) {
	if len(e.opts.Endpoints) == 0 {
		return "", map[string]int{"no relay endpoints configured": 1}, false
	}

	p := pool.NewWithResults[attempt]().WithMaxGoroutines(e.opts.Attempts)
	for i := 0; i < e.opts.Attempts; i++ {
		endpoint := e.opts.Endpoints[i%len(e.opts.Endpoints)]
		p.Go(func() attempt {
			id, err := send(ctx, endpoint)
			return attempt{endpoint: endpoint, id: id, err: err}
		})
	}
	results := p.Wait()

	var firstID string
	failed := 0
	failures := make(map[string]int)
	for _, r := range results {
		label := "success"
		if r.err != nil {
			label = "failed"
			failed++
			failures[errorKey(r.err)]++
		} else if firstID == "" {
			firstID = r.id
		}
		monitor.Business.RelayAttemptsTotal.WithLabelValues(r.endpoint, label).Inc()
	}

	if failed > 0 {
		e.log.Debug("[Submit] relay 冗余提交失败汇总",
			zap.Int("failed", failed),
			zap.Int("attempts", len(results)),
			zap.Any("errors", failures),
		)
	}
	return firstID, failures, firstID != ""
}

// errorKey 把错误归一化成聚合用的文本
func errorKey(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	msg := err.Error()
	if len(msg) > 120 {
		msg = msg[:120]
	}
	return strings.TrimSpace(msg)
}

func (e *Engine) publish(ctx context.Context, ev event.SubmissionEvent) {
	if e.producer == nil {
		return
	}
	ev.Timestamp = time.Now()
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := e.producer.Publish(ctx, event.TopicSubmission, ev.Path, payload); err != nil {
		e.log.Warn("[Submit] 事件发布失败", zap.Error(err))
	}
}
