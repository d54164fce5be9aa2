package sign

import (
	"context"
	"sync"
	"testing"
	"time"

	"relay-core/internal/chain"
	"relay-core/internal/chain/chaintest"
	"relay-core/internal/hub/hubtest"
	"relay-core/internal/protocol"
	"relay-core/pkg/errno"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubmitter struct {
	mu  sync.Mutex
	txs []*solana.Transaction
}

func (f *fakeSubmitter) Submit(_ context.Context, tx *solana.Transaction, _ bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txs = append(f.txs, tx)
	return tx.Signatures[0].String(), nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.txs)
}

type fixture struct {
	coord *Coordinator
	peers *hubtest.Recorder
	sub   *fakeSubmitter
	payer solana.PrivateKey
	tx    *solana.Transaction
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	privs, pubs := chaintest.Keys(t, 2)
	tx, err := solana.NewTransaction(
		[]solana.Instruction{chain.NewSOLTransferInstruction(pubs[0], pubs[1], 1000)},
		solana.Hash{4},
		solana.TransactionPayer(pubs[0]),
	)
	require.NoError(t, err)

	peers := &hubtest.Recorder{}
	sub := &fakeSubmitter{}
	return &fixture{
		coord: NewCoordinator(context.Background(), peers, sub, timeout),
		peers: peers,
		sub:   sub,
		payer: privs[0],
		tx:    tx,
	}
}

func (f *fixture) signature(t *testing.T) string {
	msg, err := f.tx.Message.MarshalBinary()
	require.NoError(t, err)
	sig, err := f.payer.Sign(msg)
	require.NoError(t, err)
	return sig.String()
}

func TestApprovedIsSubmittedOnce(t *testing.T) {
	f := newFixture(t, time.Minute)

	id, err := f.coord.RequestSignature("u1", f.tx, Metadata{Kind: "buy"})
	require.NoError(t, err)
	require.Equal(t, 1, f.peers.SignerCount())

	req := f.peers.SignerMessages()[0].(protocol.SignRequest)
	assert.Equal(t, id, req.ID)
	assert.Equal(t, "buy", req.Metadata["kind"])

	// 下发的是签名位补零的完整交易
	sent, err := chain.DecodeTransaction(req.UnsignedTxSerialized)
	require.NoError(t, err)
	assert.Equal(t, []solana.Signature{{}}, sent.Signatures)
	want, err := f.tx.Message.MarshalBinary()
	require.NoError(t, err)
	got, err := sent.Message.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	resp := &protocol.SignResponse{RequestID: id, Status: protocol.StatusApproved, Signature: f.signature(t)}
	require.NoError(t, f.coord.HandleResponse("u1", resp))
	// 重复响应被丢弃
	require.NoError(t, f.coord.HandleResponse("u1", resp))

	require.Eventually(t, func() bool {
		var out protocol.TransactionSubmitted
		return f.peers.ControllerOf(&out) && out.RequestID == id
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, f.sub.count())
	assert.Equal(t, 0, f.coord.Pending())
}

func TestRejectedNotifiesController(t *testing.T) {
	f := newFixture(t, time.Minute)
	id, err := f.coord.RequestSignature("u1", f.tx, Metadata{Kind: "sell"})
	require.NoError(t, err)

	require.NoError(t, f.coord.HandleResponse("u1", &protocol.SignResponse{RequestID: id, Status: protocol.StatusRejected, Reason: "user declined"}))

	var out protocol.SignRejected
	require.True(t, f.peers.ControllerOf(&out))
	assert.Equal(t, "user declined", out.Reason)
	assert.Equal(t, 0, f.sub.count())
}

func TestInvalidSignatureTreatedAsRejection(t *testing.T) {
	f := newFixture(t, time.Minute)
	id, err := f.coord.RequestSignature("u1", f.tx, Metadata{})
	require.NoError(t, err)

	other, _ := chaintest.Keys(t, 1)
	msg, err := f.tx.Message.MarshalBinary()
	require.NoError(t, err)
	forged, err := other[0].Sign(msg)
	require.NoError(t, err)

	require.NoError(t, f.coord.HandleResponse("u1", &protocol.SignResponse{RequestID: id, Status: protocol.StatusApproved, Signature: forged.String()}))
	assert.Equal(t, 1, f.peers.CountController(protocol.SignRejected{}))
	assert.Equal(t, 0, f.sub.count())
}

func TestTimeoutThenLateReplyDiscarded(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	id, err := f.coord.RequestSignature("u1", f.tx, Metadata{})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return f.coord.Pending() == 0 }, time.Second, 5*time.Millisecond)

	var timeout protocol.SignTimeout
	require.True(t, f.peers.ControllerOf(&timeout))
	assert.Equal(t, id, timeout.RequestID)

	require.NoError(t, f.coord.HandleResponse("u1", &protocol.SignResponse{RequestID: id, Status: protocol.StatusApproved, Signature: f.signature(t)}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, f.sub.count())
}

func TestWrongUserKeepsPending(t *testing.T) {
	f := newFixture(t, time.Minute)
	id, err := f.coord.RequestSignature("u1", f.tx, Metadata{})
	require.NoError(t, err)

	err = f.coord.HandleResponse("u2", &protocol.SignResponse{RequestID: id, Status: protocol.StatusRejected})
	assert.ErrorIs(t, err, errno.ErrAuthorization)
	assert.Equal(t, 1, f.coord.Pending())
}

func TestUnknownIDIsNoop(t *testing.T) {
	f := newFixture(t, time.Minute)
	assert.NoError(t, f.coord.HandleResponse("u1", &protocol.SignResponse{RequestID: "sign_missing", Status: protocol.StatusRejected}))
	assert.Empty(t, f.peers.ControllerMessages())
}

func TestSignerOffline(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.peers.SetSignerOffline(true)

	_, err := f.coord.RequestSignature("u1", f.tx, Metadata{})
	assert.ErrorIs(t, err, errno.ErrSignerOffline)
	assert.Equal(t, 0, f.coord.Pending())
}
