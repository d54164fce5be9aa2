package poller

import (
	"context"
	"sync"
	"testing"
	"time"

	"relay-core/internal/chain/chaintest"
	"relay-core/internal/hub/hubtest"
	"relay-core/internal/model"
	"relay-core/internal/protocol"
	"relay-core/internal/service/wallets"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMint = solana.MustPublicKeyFromBase58("4k3Dyjzvzp8eMZWUXbBCjEvwSkkk59S5iCNLY3QrkX6R")

func setup(t *testing.T, n int) (*Poller, *chaintest.Chain, *hubtest.Recorder, *wallets.Store, []solana.PublicKey) {
	c := chaintest.NewChain()
	peers := &hubtest.Recorder{}
	store := wallets.NewStore()
	_, keys := chaintest.Keys(t, n)

	records := make([]model.WalletRecord, n)
	for i, k := range keys {
		records[i] = model.WalletRecord{PublicKey: k, Label: "w"}
	}
	store.Replace("u1", records)

	p := New(c, peers, store, Options{Interval: time.Hour, RetryDelay: time.Millisecond, Decimals: 6})
	t.Cleanup(p.Shutdown)
	return p, c, peers, store, keys
}

func balanceUpdates(peers *hubtest.Recorder) []protocol.BalanceUpdate {
	var out []protocol.BalanceUpdate
	for _, m := range peers.ControllerMessages() {
		if u, ok := m.(protocol.BalanceUpdate); ok {
			out = append(out, u)
		}
	}
	return out
}

func TestFirstCycleMarksEveryWallet(t *testing.T) {
	p, _, peers, _, keys := setup(t, 3)
	snapshot := map[solana.PublicKey]model.Balances{}

	require.True(t, p.cycle(context.Background(), "u1", keys, nil, snapshot, true))

	us := balanceUpdates(peers)
	require.Len(t, us, 1)
	assert.Equal(t, 3, us[0].Changed)
	require.Len(t, us[0].Wallets, 3)
	for i, w := range us[0].Wallets {
		assert.Equal(t, keys[i].String(), w.PublicKey)
		assert.Zero(t, w.NativeBalance)
		assert.Zero(t, w.TokenBalance)
		assert.Equal(t, "w", w.Label)
	}
}

func TestDiffWithEpsilon(t *testing.T) {
	p, c, peers, store, keys := setup(t, 2)
	snapshot := map[solana.PublicKey]model.Balances{}
	c.SetLamports(keys[0], 1_000_000_000)

	require.True(t, p.cycle(context.Background(), "u1", keys, nil, snapshot, true))
	require.True(t, p.cycle(context.Background(), "u1", keys, nil, snapshot, false))

	// 小于 1e-6 SOL (1000 lamports) 的变化视为未变
	c.SetLamports(keys[0], 1_000_000_500)
	require.True(t, p.cycle(context.Background(), "u1", keys, nil, snapshot, false))

	c.SetLamports(keys[1], 5_000)
	require.True(t, p.cycle(context.Background(), "u1", keys, nil, snapshot, false))

	us := balanceUpdates(peers)
	require.Len(t, us, 4, "every cycle pushes the full set")
	assert.Equal(t, []int{2, 0, 0, 1}, []int{us[0].Changed, us[1].Changed, us[2].Changed, us[3].Changed})
	for _, u := range us {
		assert.Len(t, u.Wallets, 2)
	}

	list := store.List("u1")
	assert.True(t, list[0].Native.Equal(decimal.RequireFromString("1.0000005")))
	assert.True(t, list[1].Native.Equal(decimal.RequireFromString("0.000005")))
	assert.False(t, list[1].UpdatedAt.IsZero())
}

func TestTokenAccountsRetriedOnce(t *testing.T) {
	p, c, peers, _, keys := setup(t, 2)
	tracked := &model.TrackedToken{Mint: testMint, TokenProgram: solana.TokenProgramID}
	c.SetTokenBalance(t, keys[0], testMint, solana.TokenProgramID, 1_000_000)

	// 第 3 次读取 (重试) 时第二个钱包的代币账户才可见
	c.BeforeRead = func(call int) {
		if call == 3 {
			c.SetTokenBalance(t, keys[1], testMint, solana.TokenProgramID, 2_500_000)
		}
	}

	require.True(t, p.cycle(context.Background(), "u1", keys, tracked, map[solana.PublicKey]model.Balances{}, true))
	assert.Equal(t, 3, c.Calls)

	u := balanceUpdates(peers)[0]
	assert.Equal(t, 1.0, u.Wallets[0].TokenBalance)
	assert.Equal(t, 2.5, u.Wallets[1].TokenBalance)

	// 全部存在时不重试
	require.True(t, p.cycle(context.Background(), "u1", keys, tracked, map[solana.PublicKey]model.Balances{}, false))
	assert.Equal(t, 5, c.Calls)
}

func TestReadErrorSkipsPush(t *testing.T) {
	p, c, peers, _, keys := setup(t, 1)
	c.ReadErr = assert.AnError

	assert.False(t, p.cycle(context.Background(), "u1", keys, nil, map[solana.PublicKey]model.Balances{}, true))
	assert.Empty(t, balanceUpdates(peers))
}

func TestLifecycle(t *testing.T) {
	p, _, peers, _, _ := setup(t, 2)

	p.PairFormed("u1")
	require.Eventually(t, func() bool { return len(balanceUpdates(peers)) == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, p.Active("u1"))

	// 重启会立即执行新一轮首次轮询
	p.Refresh("u1")
	require.Eventually(t, func() bool { return len(balanceUpdates(peers)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, balanceUpdates(peers)[1].Changed)

	p.PairBroken("u1")
	assert.False(t, p.Active("u1"))

	p.Refresh("u1")
	assert.False(t, p.Active("u1"), "refresh does not start an idle user")
}

func TestIntervalTicks(t *testing.T) {
	c := chaintest.NewChain()
	peers := &hubtest.Recorder{}
	_, keys := chaintest.Keys(t, 1)
	p := New(c, peers, wallets.NewStore(), Options{Interval: 10 * time.Millisecond})

	p.Start("u1", keys, nil)
	require.Eventually(t, func() bool { return len(balanceUpdates(peers)) >= 3 }, time.Second, 5*time.Millisecond)
	p.Stop("u1")

	n := len(balanceUpdates(peers))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, len(balanceUpdates(peers)))
}

func TestConcurrentStartLeavesOneSession(t *testing.T) {
	c := chaintest.NewChain()
	peers := &hubtest.Recorder{}
	store := wallets.NewStore()
	_, keys := chaintest.Keys(t, 2)
	p := New(c, peers, store, Options{Interval: 5 * time.Millisecond})
	t.Cleanup(p.Shutdown)

	for round := 0; round < 5; round++ {
		// 1. 配对、钱包更新、关注代币变化可能在不同的读循环里同时触发重启
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if i%2 == 0 {
					p.Start("u1", keys, nil)
				} else {
					p.Refresh("u1")
				}
			}(i)
		}
		wg.Wait()
		require.True(t, p.Active("u1"))

		// 2. 断开后不能再有任何读取
		p.Stop("u1")
		require.False(t, p.Active("u1"))

		before := c.ReadCount()
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, before, c.ReadCount(), "round %d: poll loop still running after Stop", round)
	}
}

func TestRefreshRacingStopStaysStopped(t *testing.T) {
	p, c, _, _, keys := setup(t, 1)

	for round := 0; round < 20; round++ {
		p.Start("u1", keys, nil)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); p.PairBroken("u1") }()
		go func() { defer wg.Done(); p.Refresh("u1") }()
		wg.Wait()

		// Refresh 若抢先执行会留下一个 session，之后的 Stop 必须能结束它
		p.Stop("u1")
		require.False(t, p.Active("u1"))
		before := c.ReadCount()
		time.Sleep(5 * time.Millisecond)
		assert.Equal(t, before, c.ReadCount())
	}
}
