package trade

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"relay-core/pkg/errno"

	"github.com/gagliardetto/solana-go"
	"github.com/hashicorp/go-retryablehttp"
)

// BuildRequest 交易构造参数
type BuildRequest struct {
	Action       string `json:"action"`
	Wallet       string `json:"wallet"`
	Mint         string `json:"mint"`
	Amount       string `json:"amount"` // buy 为 SOL，sell 为代币数量
	TokenProgram string `json:"tokenProgram,omitempty"`
}

// Builder 外部指令构造服务，返回不透明的指令列表
type Builder interface {
	Build(ctx context.Context, req BuildRequest) ([]solana.Instruction, error)
}

type accountJSON struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"isSigner"`
	IsWritable bool   `json:"isWritable"`
}

type instructionJSON struct {
	ProgramID string        `json:"programId"`
	Accounts  []accountJSON `json:"accounts"`
	Data      string        `json:"data"` // base64
}

type buildResponse struct {
	Instructions []instructionJSON `json:"instructions"`
	Error        string            `json:"error,omitempty"`
}

// HTTPBuilder 通过 HTTP 调用构造服务
type HTTPBuilder struct {
	client *retryablehttp.Client
	url    string
}

func NewHTTPBuilder(url string, timeout time.Duration) *HTTPBuilder {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil
	return &HTTPBuilder{client: rc, url: url}
}

func (b *HTTPBuilder) Build(ctx context.Context, req BuildRequest) ([]solana.Instruction, error) {
	if b.url == "" {
		return nil, errno.ErrUpstream.WithMessage("instruction builder is not configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, errno.ErrUpstream.WithMessage(fmt.Sprintf("instruction builder: %v", err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errno.ErrUpstream.WithMessage(fmt.Sprintf("instruction builder: %v", err))
	}

	var out buildResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errno.ErrUpstream.WithMessage(fmt.Sprintf("instruction builder status %d", resp.StatusCode))
	}
	// 4xx 表示参数被构造服务拒绝
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return nil, errno.ErrValidation.WithMessage(out.Error)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errno.ErrUpstream.WithMessage(fmt.Sprintf("instruction builder status %d", resp.StatusCode))
	}
	return decodeInstructions(out.Instructions)
}

func decodeInstructions(in []instructionJSON) ([]solana.Instruction, error) {
	if len(in) == 0 {
		return nil, errno.ErrUpstream.WithMessage("instruction builder returned no instructions")
	}
	out := make([]solana.Instruction, 0, len(in))
	for i, ix := range in {
		program, err := solana.PublicKeyFromBase58(ix.ProgramID)
		if err != nil {
			return nil, fmt.Errorf("instruction %d program: %w", i, err)
		}
		data, err := base64.StdEncoding.DecodeString(ix.Data)
		if err != nil {
			return nil, fmt.Errorf("instruction %d data: %w", i, err)
		}
		metas := make(solana.AccountMetaSlice, 0, len(ix.Accounts))
		for _, a := range ix.Accounts {
			pk, err := solana.PublicKeyFromBase58(a.Pubkey)
			if err != nil {
				return nil, fmt.Errorf("instruction %d account: %w", i, err)
			}
			metas = append(metas, solana.NewAccountMeta(pk, a.IsWritable, a.IsSigner))
		}
		out = append(out, solana.NewInstruction(program, metas, data))
	}
	return out, nil
}
