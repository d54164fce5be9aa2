package bundle

import (
	"context"

	"relay-core/internal/hub"
	"relay-core/internal/protocol"
	"relay-core/internal/service/submit"
	"relay-core/pkg/logger"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

// BundleSubmitter relay bundle 提交出口
type BundleSubmitter interface {
	SubmitBundles(ctx context.Context, txs []*solana.Transaction) (submit.BundleResult, error)
}

// SubmitHandler 通用任务: 签名完成后整体走 relay 提交
type SubmitHandler struct {
	submitter BundleSubmitter
	peers     hub.Messenger
}

func NewSubmitHandler(submitter BundleSubmitter, peers hub.Messenger) *SubmitHandler {
	return &SubmitHandler{submitter: submitter, peers: peers}
}

func (h *SubmitHandler) OnComplete(ctx context.Context, job *Job, signed []*solana.Transaction) {
	res, err := h.submitter.SubmitBundles(ctx, signed)
	if err != nil {
		logger.Error("[Bundle] 通用任务提交失败", zap.String("job_id", job.ID), zap.Error(err))
		_ = h.peers.SendToController(job.UserID, protocol.NewBundleFailed(job.ID, err.Error()))
		return
	}
	_ = h.peers.SendToController(job.UserID, protocol.NewBundleSubmitted(job.ID, res.BundleIDs, res.AnyFailed))
}

// OnFailure 控制端已收到 bundle_failed，通用任务没有需要清理的状态
func (h *SubmitHandler) OnFailure(context.Context, *Job, string) {}
