package bundle

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"relay-core/internal/chain"
	"relay-core/internal/chain/chaintest"
	"relay-core/internal/hub/hubtest"
	"relay-core/internal/model"
	"relay-core/internal/protocol"
	"relay-core/pkg/errno"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildPlan 按 sizes 构造计划，每笔交易的 fee payer 不同
func buildPlan(t *testing.T, sizes ...int) (model.BundlePlan, map[solana.PublicKey]solana.PrivateKey) {
	total := 0
	for _, n := range sizes {
		total += n
	}
	privs, pubs := chaintest.Keys(t, total)
	keys := make(map[solana.PublicKey]solana.PrivateKey, total)

	var plan model.BundlePlan
	k := 0
	for _, n := range sizes {
		var b model.Bundle
		for i := 0; i < n; i++ {
			tx, err := solana.NewTransaction(
				[]solana.Instruction{chain.NewSOLTransferInstruction(pubs[k], solana.SystemProgramID, uint64(k+1))},
				solana.Hash{5},
				solana.TransactionPayer(pubs[k]),
			)
			require.NoError(t, err)
			b.Transactions = append(b.Transactions, model.UnsignedTx{Tx: tx, Signers: []solana.PublicKey{pubs[k]}})
			keys[pubs[k]] = privs[k]
			k++
		}
		plan.Bundles = append(plan.Bundles, b)
	}
	return plan, keys
}

// signerSim 模拟签名端: 解码、签名、回传
type signerSim struct {
	t      *testing.T
	coord  *Coordinator
	keys   map[solana.PublicKey]solana.PrivateKey
	userID string

	mu         sync.Mutex
	indexes    []int
	maxPending int
	rejectAt   int // -1 表示不拒绝
	silent     bool
	duplicate  bool
}

func (s *signerSim) handle(msg interface{}) {
	req, ok := msg.(protocol.SignBundleRequest)
	if !ok {
		return
	}
	s.mu.Lock()
	s.indexes = append(s.indexes, req.BundleIndex)
	if p := s.coord.Pending(); p > s.maxPending {
		s.maxPending = p
	}
	s.mu.Unlock()

	if s.silent {
		return
	}
	if req.BundleIndex == s.rejectAt {
		_ = s.coord.HandleResponse(s.userID, &protocol.SignBundleResponse{RequestID: req.ID, Status: protocol.StatusRejected, Reason: "declined"})
		return
	}

	resp := s.approve(req)
	if resp == nil {
		return
	}
	_ = s.coord.HandleResponse(s.userID, resp)
	if s.duplicate {
		_ = s.coord.HandleResponse(s.userID, resp)
	}
}

// approve 对请求中的每笔交易签名并构造 approved 响应
func (s *signerSim) approve(req protocol.SignBundleRequest) *protocol.SignBundleResponse {
	signed := make([]string, len(req.Transactions))
	for i, btx := range req.Transactions {
		tx, err := chain.DecodeTransaction(btx.Serialized)
		if err != nil {
			s.t.Errorf("decode: %v", err)
			return nil
		}
		var privs []solana.PrivateKey
		for _, signer := range btx.Signers {
			privs = append(privs, s.keys[solana.MustPublicKeyFromBase58(signer)])
		}
		chaintest.SignAll(s.t, tx, privs...)
		enc, err := chain.EncodeSigned(tx)
		if err != nil {
			s.t.Errorf("encode: %v", err)
			return nil
		}
		signed[i] = enc
	}
	return &protocol.SignBundleResponse{RequestID: req.ID, Status: protocol.StatusApproved, SignedTransactions: signed}
}

type recordingHandler struct {
	mu        sync.Mutex
	completed [][]*solana.Transaction
	failures  []string
}

func (h *recordingHandler) OnComplete(_ context.Context, _ *Job, signed []*solana.Transaction) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.completed = append(h.completed, signed)
}

func (h *recordingHandler) OnFailure(_ context.Context, _ *Job, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, reason)
}

func (h *recordingHandler) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.completed), len(h.failures)
}

func setup(t *testing.T, bundleTimeout, awaitTimeout time.Duration, sizes ...int) (*Coordinator, *hubtest.Recorder, *signerSim, *recordingHandler, model.BundlePlan) {
	plan, keys := buildPlan(t, sizes...)
	peers := &hubtest.Recorder{}
	coord := NewCoordinator(context.Background(), peers, bundleTimeout, awaitTimeout)
	h := &recordingHandler{}
	coord.Handle(model.JobGeneric, h)

	sim := &signerSim{t: t, coord: coord, keys: keys, userID: "u1", rejectAt: -1}
	peers.OnSigner = sim.handle
	return coord, peers, sim, h, plan
}

func TestAwaitSequentialContinuation(t *testing.T) {
	coord, _, sim, h, plan := setup(t, time.Second, 5*time.Second, 5, 5, 2)

	signed, err := coord.AwaitBundleSignature(context.Background(), "u1", plan, "job-1", model.JobGeneric)
	require.NoError(t, err)
	require.Len(t, signed, plan.TxCount())

	// 签名结果顺序与计划一致
	k := 0
	for _, b := range plan.Bundles {
		for _, utx := range b.Transactions {
			assert.NoError(t, chain.VerifySigned(utx.Tx, signed[k]))
			k++
		}
	}

	sim.mu.Lock()
	assert.Equal(t, []int{0, 1, 2}, sim.indexes)
	assert.LessOrEqual(t, sim.maxPending, 1)
	sim.mu.Unlock()

	// await 模式不会调用 JobHandler
	completed, _ := h.counts()
	assert.Equal(t, 0, completed)
	assert.Equal(t, 0, coord.Pending())
}

func TestFireAndForgetHandsOffToHandler(t *testing.T) {
	coord, _, sim, h, plan := setup(t, time.Second, time.Second, 3, 1)
	sim.duplicate = true

	require.NoError(t, coord.SendBundleJob("u1", plan, "job-2", model.JobGeneric, nil))
	require.Eventually(t, func() bool {
		completed, _ := h.counts()
		return completed == 1
	}, time.Second, 5*time.Millisecond)

	h.mu.Lock()
	assert.Len(t, h.completed[0], 4)
	h.mu.Unlock()

	// 重复响应不会导致第二次完成
	time.Sleep(20 * time.Millisecond)
	completed, _ := h.counts()
	assert.Equal(t, 1, completed)
}

func TestRejectionRetiresJob(t *testing.T) {
	coord, peers, sim, _, plan := setup(t, time.Second, 5*time.Second, 5, 5, 5)
	sim.rejectAt = 1

	_, err := coord.AwaitBundleSignature(context.Background(), "u1", plan, "job-3", model.JobGeneric)
	assert.ErrorIs(t, err, errno.ErrSignRejected)
	assert.Equal(t, 2, peers.SignerCount(), "failed bundle must not advance")
	assert.Equal(t, 0, coord.Pending())
}

func TestFireAndForgetFailureNotifiesController(t *testing.T) {
	coord, peers, sim, h, plan := setup(t, time.Second, time.Second, 2)
	sim.rejectAt = 0

	require.NoError(t, coord.SendBundleJob("u1", plan, "job-4", model.JobGeneric, nil))
	require.Eventually(t, func() bool {
		_, failures := h.counts()
		return failures == 1
	}, time.Second, 5*time.Millisecond)

	var failed protocol.BundleFailed
	require.True(t, peers.ControllerOf(&failed))
	assert.Equal(t, "job-4", failed.JobID)
	assert.Equal(t, "declined", failed.Reason)
}

func TestBundleTimeoutAndLateReply(t *testing.T) {
	coord, peers, sim, h, plan := setup(t, 30*time.Millisecond, time.Second, 1)
	sim.silent = true

	require.NoError(t, coord.SendBundleJob("u1", plan, "job-5", model.JobGeneric, nil))
	require.Eventually(t, func() bool {
		return peers.CountController(protocol.BundleFailed{}) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, coord.Pending())

	// 超时后的响应被丢弃
	req := peers.SignerMessages()[0].(protocol.SignBundleRequest)
	require.NoError(t, coord.HandleResponse("u1", &protocol.SignBundleResponse{RequestID: req.ID, Status: protocol.StatusRejected}))
	completed, failures := h.counts()
	assert.Equal(t, 0, completed)
	assert.Equal(t, 1, failures)
}

func TestAwaitTimeout(t *testing.T) {
	coord, _, sim, _, plan := setup(t, time.Minute, 30*time.Millisecond, 1)
	sim.silent = true

	_, err := coord.AwaitBundleSignature(context.Background(), "u1", plan, "job-6", model.JobGeneric)
	assert.ErrorIs(t, err, errno.ErrSettlementTimeout)
	assert.Equal(t, 0, coord.Pending())
}

func TestAwaitContextCancel(t *testing.T) {
	coord, _, sim, _, plan := setup(t, time.Minute, time.Minute, 1)
	sim.silent = true

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := coord.AwaitBundleSignature(ctx, "u1", plan, "job-7", model.JobGeneric)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 0, coord.Pending())
}

func TestAwaiterLeavesWhileResponseInFlight(t *testing.T) {
	coord, peers, sim, _, plan := setup(t, 50*time.Millisecond, time.Minute, 1, 1)
	sim.silent = true
	h2 := &recordingHandler{}
	coord.Handle(model.JobDistribution, h2)

	for round := 0; round < 50; round++ {
		jobID := "job-race-" + strconv.Itoa(round)
		before := peers.SignerCount()

		// 1. 等待者启动，第 0 个 bundle 已下发
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = coord.AwaitBundleSignature(ctx, "u1", plan, jobID, model.JobDistribution)
		}()
		require.Eventually(t, func() bool { return peers.SignerCount() == before+1 }, time.Second, time.Millisecond)
		req := peers.SignerMessages()[before].(protocol.SignBundleRequest)
		resp := sim.approve(req)
		require.NotNil(t, resp)

		// 2. 等待者取消与签名响应同时到达
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); cancel() }()
		go func() { defer wg.Done(); _ = coord.HandleResponse("u1", resp) }()
		wg.Wait()
		<-done

		// 3. 不能留下无人等待的 pending bundle
		assert.Equal(t, 0, coord.Pending(), "round %d", round)
	}

	// 被遗留的 bundle 超时后会通知控制端并走到 JobHandler
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, peers.CountController(protocol.BundleFailed{}))
	completed, failures := h2.counts()
	assert.Zero(t, completed)
	assert.Zero(t, failures)
}

func TestWrongUserAndOffline(t *testing.T) {
	coord, peers, sim, _, plan := setup(t, time.Minute, time.Minute, 1)
	sim.silent = true

	require.NoError(t, coord.SendBundleJob("u1", plan, "job-8", model.JobGeneric, nil))
	err := coord.HandleResponse("u2", &protocol.SignBundleResponse{RequestID: WireID("job-8", 0), Status: protocol.StatusRejected})
	assert.ErrorIs(t, err, errno.ErrAuthorization)
	assert.Equal(t, 1, coord.Pending())

	assert.ErrorIs(t, coord.SendBundleJob("u1", plan, "job-8", model.JobGeneric, nil), errno.ErrJobInProgress)

	peers.SetSignerOffline(true)
	assert.ErrorIs(t, coord.SendBundleJob("u1", plan, "job-9", model.JobGeneric, nil), errno.ErrSignerOffline)
	assert.Equal(t, 1, coord.Pending())
}

func TestWireID(t *testing.T) {
	tests := []struct {
		in      string
		job     string
		index   int
		wantErr bool
	}{
		{"nuke_1_ab#0", "nuke_1_ab", 0, false},
		{"a#b#12", "a#b", 12, false},
		{"job", "", 0, true},
		{"#3", "", 0, true},
		{"job#-1", "", 0, true},
		{"job#x", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			job, index, err := ParseWireID(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.job, job)
			assert.Equal(t, tt.index, index)
			assert.Equal(t, tt.in, WireID(job, index))
		})
	}
}
