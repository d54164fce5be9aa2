package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"relay-core/pkg/errno"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/hashicorp/go-retryablehttp"
)

// MaxAccountsPerCall getMultipleAccounts 单次最多查询的账户数
const MaxAccountsPerCall = 100

// AccountInfo 账户快照，账户不存在时对应位置为 nil
type AccountInfo struct {
	Lamports uint64
	Data     []byte
}

// SignatureStatus 交易确认状态
type SignatureStatus struct {
	Confirmed bool
	Err       string
}

// Client 链上 RPC 能力
type Client interface {
	GetMultipleAccounts(ctx context.Context, keys []solana.PublicKey) ([]*AccountInfo, error)
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	SignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error)
}

// RPCClient 基于 solana-go rpc 的实现
type RPCClient struct {
	rpc        *rpc.Client
	commitment rpc.CommitmentType
}

// NewRPCClient 创建 RPC 客户端，底层 HTTP 使用 retryablehttp 处理 429/5xx
func NewRPCClient(endpoint, commitment string) *RPCClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil

	httpClient := rc.StandardClient()
	httpClient.Timeout = 15 * time.Second

	jc := jsonrpc.NewClientWithOpts(endpoint, &jsonrpc.RPCClientOpts{HTTPClient: httpClient})
	return &RPCClient{
		rpc:        rpc.NewWithCustomRPCClient(jc),
		commitment: rpc.CommitmentType(commitment),
	}
}

func (c *RPCClient) GetMultipleAccounts(ctx context.Context, keys []solana.PublicKey) ([]*AccountInfo, error) {
	out := make([]*AccountInfo, 0, len(keys))
	for start := 0; start < len(keys); start += MaxAccountsPerCall {
		end := start + MaxAccountsPerCall
		if end > len(keys) {
			end = len(keys)
		}

		res, err := c.rpc.GetMultipleAccountsWithOpts(ctx, keys[start:end], &rpc.GetMultipleAccountsOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: c.commitment,
		})
		if err != nil {
			return nil, upstream("getMultipleAccounts", err)
		}
		if len(res.Value) != end-start {
			return nil, upstream("getMultipleAccounts", fmt.Errorf("expected %d accounts, got %d", end-start, len(res.Value)))
		}

		for _, acc := range res.Value {
			if acc == nil {
				out = append(out, nil)
				continue
			}
			info := &AccountInfo{Lamports: acc.Lamports}
			if acc.Data != nil {
				info.Data = acc.Data.GetBinary()
			}
			out = append(out, info)
		}
	}
	return out, nil
}

func (c *RPCClient) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	res, err := c.rpc.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return solana.Hash{}, upstream("getLatestBlockhash", err)
	}
	return res.Value.Blockhash, nil
}

func (c *RPCClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return solana.Signature{}, fmt.Errorf("serialize transaction: %w", err)
	}
	sig, err := c.rpc.SendRawTransactionWithOpts(ctx, raw, rpc.TransactionOpts{
		SkipPreflight:       true,
		PreflightCommitment: c.commitment,
	})
	if err != nil {
		return solana.Signature{}, upstream("sendTransaction", err)
	}
	return sig, nil
}

func (c *RPCClient) SignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error) {
	res, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, upstream("getSignatureStatuses", err)
	}
	if len(res.Value) == 0 || res.Value[0] == nil {
		return &SignatureStatus{}, nil
	}

	st := res.Value[0]
	out := &SignatureStatus{}
	if st.Err != nil {
		out.Err = fmt.Sprintf("%v", st.Err)
		return out, nil
	}
	switch st.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		out.Confirmed = true
	}
	return out, nil
}

func upstream(method string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%s: %w", method, errno.ErrUpstream.WithMessage(err.Error()))
}
