package chain

import (
	"bytes"
	"encoding/binary"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/shopspring/decimal"
)

const (
	// LamportsPerSOL native 精度
	LamportsPerSOL = 1_000_000_000
	// SPL token 账户布局: mint(32) | owner(32) | amount(8) | ...
	tokenAmountOffset = 64
	tokenTransferOp   = 3
)

// AssociatedTokenAddress 推导 wallet 在 mint 下的关联代币账户
func AssociatedTokenAddress(wallet, mint, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{wallet.Bytes(), tokenProgram.Bytes(), mint.Bytes()},
		solana.SPLAssociatedTokenAccountProgramID,
	)
	return addr, err
}

// TokenAmount 从 token 账户数据中读取原始余额
func TokenAmount(data []byte) (uint64, error) {
	if len(data) < tokenAmountOffset+8 {
		return 0, fmt.Errorf("token account data too short: %d", len(data))
	}
	return bin.NewBinDecoder(data[tokenAmountOffset : tokenAmountOffset+8]).ReadUint64(binary.LittleEndian)
}

// EncodeTokenAccount 构造一个只包含 mint/owner/amount 的 token 账户数据 (测试和模拟使用)
func EncodeTokenAccount(mint, owner solana.PublicKey, amount uint64) []byte {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	_ = enc.WriteBytes(mint.Bytes(), false)
	_ = enc.WriteBytes(owner.Bytes(), false)
	_ = enc.WriteUint64(amount, binary.LittleEndian)
	// 剩余字段 (delegate/state/...) 补零到标准长度 165
	_ = enc.WriteBytes(make([]byte, 165-buf.Len()), false)
	return buf.Bytes()
}

// NewTokenTransferInstruction SPL Transfer: source/destination 可写，owner 签名
func NewTokenTransferInstruction(tokenProgram, source, destination, owner solana.PublicKey, amount uint64) solana.Instruction {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	_ = enc.WriteUint8(tokenTransferOp)
	_ = enc.WriteUint64(amount, binary.LittleEndian)

	return solana.NewInstruction(tokenProgram, solana.AccountMetaSlice{
		solana.NewAccountMeta(source, true, false),
		solana.NewAccountMeta(destination, true, false),
		solana.NewAccountMeta(owner, false, true),
	}, buf.Bytes())
}

// NewSOLTransferInstruction system transfer
func NewSOLTransferInstruction(from, to solana.PublicKey, lamports uint64) solana.Instruction {
	return system.NewTransferInstruction(lamports, from, to).Build()
}

// LamportsToSOL 转换为 SOL 数量
func LamportsToSOL(lamports uint64) decimal.Decimal {
	return decimal.NewFromInt(int64(lamports)).Shift(-9)
}

// SOLToLamports 按 SOL 数量换算 lamports (向下取整)
func SOLToLamports(sol decimal.Decimal) uint64 {
	if sol.Sign() <= 0 {
		return 0
	}
	return uint64(sol.Shift(9).IntPart())
}

// UIAmount 原始代币数量按精度换算
func UIAmount(raw uint64, decimals int) decimal.Decimal {
	return decimal.NewFromInt(int64(raw)).Shift(-int32(decimals))
}

// RawAmount UI 数量换算为原始代币数量 (向下取整)
func RawAmount(ui decimal.Decimal, decimals int) uint64 {
	if ui.Sign() <= 0 {
		return 0
	}
	return uint64(ui.Shift(int32(decimals)).IntPart())
}
