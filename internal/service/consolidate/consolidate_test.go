package consolidate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"relay-core/internal/chain"
	"relay-core/internal/chain/chaintest"
	"relay-core/internal/hub/hubtest"
	"relay-core/internal/model"
	"relay-core/internal/protocol"
	"relay-core/internal/service/bundle"
	"relay-core/internal/service/submit"
	"relay-core/internal/service/tip"
	"relay-core/pkg/errno"
	"relay-core/pkg/utils/lock"

	"github.com/alicebob/miniredis/v2"
	"github.com/gagliardetto/solana-go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMint = solana.MustPublicKeyFromBase58("4k3Dyjzvzp8eMZWUXbBCjEvwSkkk59S5iCNLY3QrkX6R")

func fundedChain(t *testing.T, n int, amount uint64) (*chaintest.Chain, []solana.PublicKey) {
	c := chaintest.NewChain()
	_, wallets := chaintest.Keys(t, n)
	for _, w := range wallets {
		c.SetTokenBalance(t, w, testMint, solana.TokenProgramID, amount)
	}
	return c, wallets
}

func tipState() *tip.State {
	return tip.NewState(100000, []solana.PublicKey{solana.MustPublicKeyFromBase58("96gYZGLnJYVFmbjzopPSU6QiEV5fGqZNyN9nmNhvrZU5")})
}

func isTip(tx *solana.Transaction, ix solana.CompiledInstruction) bool {
	return tx.Message.AccountKeys[ix.ProgramIDIndex].Equals(solana.SystemProgramID)
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

func TestPlanShape(t *testing.T) {
	for _, n := range []int{2, 8, 9, 36, 37, 80} {
		c, wallets := fundedChain(t, n, 100)
		plan, err := NewPlanner(c, tipState()).Plan(context.Background(), wallets, testMint, solana.TokenProgramID)
		require.NoError(t, err)

		assert.Equal(t, ceilDiv(n-1, WalletsPerTransaction), plan.TxCount(), "n=%d", n)
		assert.Equal(t, ceilDiv(ceilDiv(n-1, WalletsPerTransaction), TransactionsPerBundle), len(plan.Bundles), "n=%d", n)

		offset := 1
		for bi, b := range plan.Bundles {
			assert.LessOrEqual(t, len(b.Transactions), TransactionsPerBundle)
			size := MaxWalletsPerBundle
			if rest := n - offset; rest < size {
				size = rest
			}
			tipPayer := wallets[offset+size-1]
			offset += size

			tips := 0
			for ti, utx := range b.Transactions {
				assert.Equal(t, tipPayer, utx.Tx.Message.AccountKeys[0], "bundle %d tx %d fee payer", bi, ti)
				assert.Contains(t, utx.Signers, tipPayer)
				assert.ElementsMatch(t, chain.RequiredSigners(utx.Tx), utx.Signers)
				for ii, ix := range utx.Tx.Message.Instructions {
					if isTip(utx.Tx, ix) {
						tips++
						assert.Equal(t, len(b.Transactions)-1, ti, "tip only on last tx")
						assert.Equal(t, len(utx.Tx.Message.Instructions)-1, ii)
					}
				}
			}
			assert.Equal(t, 1, tips, "bundle %d", bi)
		}
	}
}

func TestPlanTenWallets(t *testing.T) {
	c, wallets := fundedChain(t, 10, 100)
	plan, err := NewPlanner(c, tipState()).Plan(context.Background(), wallets, testMint, solana.PublicKey{})
	require.NoError(t, err)

	ata, err := chain.AssociatedTokenAddress(wallets[0], testMint, solana.TokenProgramID)
	require.NoError(t, err)

	assert.Equal(t, wallets[0], plan.Destination)
	assert.Equal(t, ata, plan.DestinationATA)
	assert.Equal(t, uint64(100), plan.BalanceBefore)
	assert.Equal(t, uint64(900), plan.ExpectedIncrease)
	assert.Equal(t, 9, plan.Sources)
	assert.Len(t, plan.Bundles, 1)
	assert.Equal(t, 2, plan.TxCount())
}

func TestPlanSkipsEmptyWallets(t *testing.T) {
	c, wallets := fundedChain(t, 4, 50)
	ata, err := chain.AssociatedTokenAddress(wallets[0], testMint, solana.TokenProgramID)
	require.NoError(t, err)
	c.RemoveAccount(ata)
	c.SetTokenBalance(t, wallets[2], testMint, solana.TokenProgramID, 0)

	plan, err := NewPlanner(c, tipState()).Plan(context.Background(), wallets, testMint, solana.TokenProgramID)
	require.NoError(t, err)
	assert.Equal(t, wallets[1], plan.Destination)
	assert.Equal(t, uint64(50), plan.ExpectedIncrease)
	assert.Equal(t, 1, plan.TxCount())

	_, err = NewPlanner(c, tipState()).Plan(context.Background(), wallets[:3], testMint, solana.TokenProgramID)
	assert.ErrorIs(t, err, ErrNoBalance)
}

// ---- pipeline ----

type capturedJob struct {
	userID string
	plan   model.BundlePlan
	jobID  string
	meta   interface{}
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs []capturedJob
	err  error
}

func (f *fakeJobs) SendBundleJob(userID string, plan model.BundlePlan, jobID string, _ model.JobType, meta interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, capturedJob{userID: userID, plan: plan, jobID: jobID, meta: meta})
	return nil
}

type fakeSubmitter struct {
	res submit.BundleResult
	err error
}

func (f *fakeSubmitter) SubmitBundles(context.Context, []*solana.Transaction) (submit.BundleResult, error) {
	return f.res, f.err
}

type fakeSeller struct {
	mu     sync.Mutex
	wallet solana.PublicKey
	amount uint64
	err    error
}

func (f *fakeSeller) Sell(_ context.Context, _ string, wallet, _, _ solana.PublicKey, amount uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wallet, f.amount = wallet, amount
	if f.err != nil {
		return "", f.err
	}
	return "sign_1", nil
}

type fixture struct {
	svc     *Service
	chain   *chaintest.Chain
	wallets []solana.PublicKey
	jobs    *fakeJobs
	sub     *fakeSubmitter
	seller  *fakeSeller
	peers   *hubtest.Recorder
	locker  *lock.RedisLock
	redis   *miniredis.Miniredis
}

func newFixture(t *testing.T, n int) *fixture {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	c, wallets := fundedChain(t, n, 100)
	f := &fixture{
		chain:   c,
		wallets: wallets,
		jobs:    &fakeJobs{},
		sub:     &fakeSubmitter{res: submit.BundleResult{BundleIDs: []string{"b-1"}}},
		seller:  &fakeSeller{},
		peers:   &hubtest.Recorder{},
		locker:  lock.NewRedisLock(rdb),
		redis:   mr,
	}
	f.svc = NewService(NewPlanner(c, tipState()), f.jobs, f.sub, c, f.seller, f.locker, f.peers, Options{
		VerifyInterval: time.Millisecond,
		VerifyAttempts: 5,
		LockTTL:        time.Minute,
		Decimals:       2,
	})
	return f
}

func (f *fixture) start(t *testing.T) (*bundle.Job, *Plan) {
	jobID, err := f.svc.Start(context.Background(), "u1", f.wallets, testMint, solana.TokenProgramID)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)
	require.Len(t, f.jobs.jobs, 1)
	captured := f.jobs.jobs[0]
	meta := captured.meta.(*jobMeta)
	return &bundle.Job{ID: captured.jobID, UserID: captured.userID, Type: model.JobConsolidation, Plan: captured.plan, Meta: meta}, meta.plan
}

func (f *fixture) lockFree(t *testing.T) bool {
	token, ok, err := f.locker.Acquire(context.Background(), lockKey("u1"), time.Minute)
	require.NoError(t, err)
	if ok {
		require.NoError(t, f.locker.Release(context.Background(), lockKey("u1"), token))
	}
	return ok
}

func TestPipelineVerifiedThenSell(t *testing.T) {
	f := newFixture(t, 10)
	job, plan := f.start(t)

	var resp protocol.NukeResponse
	require.True(t, f.peers.ControllerOf(&resp))
	assert.Equal(t, protocol.NukeDispatched, resp.Status)
	assert.Equal(t, f.wallets[0].String(), resp.Destination)

	// 第二次读取时归集资金到账
	f.chain.BeforeRead = func(call int) {
		if call >= 3 {
			f.chain.SetTokenBalance(t, f.wallets[0], testMint, solana.TokenProgramID, 1000)
		}
	}
	f.svc.OnComplete(context.Background(), job, nil)

	var gather protocol.NukeGatherComplete
	require.True(t, f.peers.ControllerOf(&gather))
	assert.Equal(t, "9", gather.Received)
	assert.Equal(t, "9", gather.Expected)

	assert.Equal(t, plan.Destination, f.seller.wallet)
	assert.Equal(t, uint64(1000), f.seller.amount)

	msgs := f.peers.ControllerMessages()
	last := msgs[len(msgs)-1].(protocol.NukeResponse)
	assert.Equal(t, protocol.NukeSellDispatched, last.Status)
	assert.Equal(t, "sign_1", last.RequestID)
	assert.Equal(t, []string{"b-1"}, last.BundleIDs)
	assert.True(t, f.lockFree(t))
}

func TestPipelineInconclusive(t *testing.T) {
	f := newFixture(t, 3)
	job, _ := f.start(t)

	f.svc.OnComplete(context.Background(), job, nil)

	msgs := f.peers.ControllerMessages()
	last := msgs[len(msgs)-1].(protocol.NukeResponse)
	assert.Equal(t, protocol.NukeInconclusive, last.Status)
	assert.Equal(t, 0, f.peers.CountController(protocol.NukeGatherComplete{}))
	assert.True(t, f.lockFree(t))
}

func TestPipelineSellFailure(t *testing.T) {
	f := newFixture(t, 2)
	job, _ := f.start(t)
	f.seller.err = errno.ErrSignerOffline
	f.chain.BeforeRead = func(call int) {
		f.chain.SetTokenBalance(t, f.wallets[0], testMint, solana.TokenProgramID, 200)
	}

	f.svc.OnComplete(context.Background(), job, nil)
	msgs := f.peers.ControllerMessages()
	last := msgs[len(msgs)-1].(protocol.NukeResponse)
	assert.Equal(t, protocol.NukeSellFailed, last.Status)
	assert.Equal(t, errno.ErrSignerOffline.Message, last.Message)
}

func TestPipelineRelayFailure(t *testing.T) {
	f := newFixture(t, 3)
	job, _ := f.start(t)
	f.sub.res = submit.BundleResult{AnyFailed: true}

	f.svc.OnComplete(context.Background(), job, nil)
	msgs := f.peers.ControllerMessages()
	last := msgs[len(msgs)-1].(protocol.NukeResponse)
	assert.Equal(t, protocol.NukeFailed, last.Status)
	assert.True(t, f.lockFree(t))
}

func TestStartLocking(t *testing.T) {
	f := newFixture(t, 3)
	job, _ := f.start(t)

	_, err := f.svc.Start(context.Background(), "u1", f.wallets, testMint, solana.TokenProgramID)
	assert.ErrorIs(t, err, errno.ErrJobInProgress)

	f.svc.OnFailure(context.Background(), job, "declined")
	assert.True(t, f.lockFree(t))
}

func TestStartNoBalanceAndDispatchError(t *testing.T) {
	f := newFixture(t, 1)
	jobID, err := f.svc.Start(context.Background(), "u1", f.wallets, testMint, solana.TokenProgramID)
	require.NoError(t, err)
	assert.Empty(t, jobID)

	var resp protocol.NukeResponse
	require.True(t, f.peers.ControllerOf(&resp))
	assert.Equal(t, protocol.NukeNoBalance, resp.Status)
	assert.True(t, f.lockFree(t))

	g := newFixture(t, 3)
	g.jobs.err = errno.ErrSignerOffline
	_, err = g.svc.Start(context.Background(), "u1", g.wallets, testMint, solana.TokenProgramID)
	assert.True(t, errors.Is(err, errno.ErrSignerOffline))
	assert.True(t, g.lockFree(t))
}

func TestLockCoversEveryBundle(t *testing.T) {
	small := newFixture(t, 2)
	_, smallPlan := small.start(t)
	large := newFixture(t, 40)
	_, largePlan := large.start(t)
	require.Greater(t, len(largePlan.Bundles), len(smallPlan.Bundles))

	want := func(bundles int) time.Duration {
		return time.Minute + time.Duration(bundles)*60*time.Second + 5*time.Millisecond
	}
	assert.Equal(t, want(len(smallPlan.Bundles)), small.redis.TTL("lock:"+lockKey("u1")))
	assert.Equal(t, want(len(largePlan.Bundles)), large.redis.TTL("lock:"+lockKey("u1")))
}

func TestStartFailsWhenLockLost(t *testing.T) {
	f := newFixture(t, 3)
	// 规划期间锁过期并被他人持有
	f.chain.BeforeRead = func(int) {
		f.redis.Set("lock:"+lockKey("u1"), "other")
	}
	_, err := f.svc.Start(context.Background(), "u1", f.wallets, testMint, solana.TokenProgramID)
	assert.Error(t, err)
	assert.Empty(t, f.jobs.jobs)
}
