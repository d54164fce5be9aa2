package chain

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// MaxBundleSize relay 协议允许的单个 bundle 最大交易数
const MaxBundleSize = 5

// Relay 按指定 endpoint 提交交易或 bundle，返回 relay 分配的 id
type Relay interface {
	SendBundle(ctx context.Context, endpoint string, txs []string) (string, error)
	SendTransaction(ctx context.Context, endpoint string, tx string) (string, error)
}

// JitoRelay block engine 的 JSON-RPC 客户端，每个 endpoint 复用一个连接
type JitoRelay struct {
	mu      sync.Mutex
	clients map[string]jsonrpc.RPCClient
	timeout time.Duration
}

func NewJitoRelay(timeout time.Duration) *JitoRelay {
	return &JitoRelay{
		clients: make(map[string]jsonrpc.RPCClient),
		timeout: timeout,
	}
}

func (r *JitoRelay) client(url string) jsonrpc.RPCClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[url]
	if !ok {
		c = jsonrpc.NewClient(url)
		r.clients[url] = c
	}
	return c
}

func (r *JitoRelay) SendBundle(ctx context.Context, endpoint string, txs []string) (string, error) {
	if len(txs) == 0 || len(txs) > MaxBundleSize {
		return "", fmt.Errorf("bundle size %d out of range", len(txs))
	}
	return r.call(ctx, endpoint, "/api/v1/bundles", "sendBundle", txs)
}

func (r *JitoRelay) SendTransaction(ctx context.Context, endpoint string, tx string) (string, error) {
	return r.call(ctx, endpoint, "/api/v1/transactions", "sendTransaction", tx)
}

func (r *JitoRelay) call(ctx context.Context, endpoint, path, method string, payload interface{}) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out string
	params := []interface{}{payload, map[string]string{"encoding": "base64"}}
	if err := r.client(strings.TrimRight(endpoint, "/")+path).CallForInto(ctx, &out, method, params); err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("%s: empty result", method)
	}
	return out, nil
}
