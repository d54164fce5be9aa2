package model

import (
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// Role 连接角色
type Role string

const (
	RoleController Role = "controller"
	RoleSigner     Role = "signer"
	RoleUnknown    Role = "unknown"
)

// Principal 身份服务返回的认证结果
type Principal struct {
	UserID string `json:"userId"`
	Tier   string `json:"tier"`
}

// JobType 区分 bundle 任务完成后的后续处理
type JobType string

const (
	JobGeneric       JobType = "generic"
	JobConsolidation JobType = "consolidation"
	JobDistribution  JobType = "distribution"
)

// Balances 一个钱包的余额 (native 单位 SOL, token 单位为 UI 数量)
type Balances struct {
	Native decimal.Decimal `json:"nativeBalance"`
	Token  decimal.Decimal `json:"tokenBalance"`
}

// WalletRecord 用户钱包的公开身份及缓存余额
type WalletRecord struct {
	PublicKey solana.PublicKey `json:"publicKey"`
	Label     string           `json:"label,omitempty"`
	Balances
	UpdatedAt time.Time `json:"updatedAt"`
}

// TrackedToken 用户当前关注的代币
type TrackedToken struct {
	Mint         solana.PublicKey `json:"mint"`
	TokenProgram solana.PublicKey `json:"tokenProgram"`
}

// UnsignedTx 待签名交易及其需要的签名钱包
type UnsignedTx struct {
	Tx      *solana.Transaction
	Signers []solana.PublicKey
}

// Bundle 一次提交给签名端的交易组 (最多 5 笔)
type Bundle struct {
	Transactions []UnsignedTx
}

// BundlePlan 有序的 bundle 列表
type BundlePlan struct {
	Bundles []Bundle
}

// TxCount 返回计划中的交易总数
func (p BundlePlan) TxCount() int {
	n := 0
	for _, b := range p.Bundles {
		n += len(b.Transactions)
	}
	return n
}
