package chain

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrMessageMismatch  = errors.New("signed transaction does not match request")
)

// RequiredSigners 返回交易 message 中需要签名的账户，第一个是 fee payer
func RequiredSigners(tx *solana.Transaction) []solana.PublicKey {
	n := int(tx.Message.Header.NumRequiredSignatures)
	if n > len(tx.Message.AccountKeys) {
		n = len(tx.Message.AccountKeys)
	}
	return tx.Message.AccountKeys[:n]
}

// EncodeUnsigned 序列化交易，缺失的签名位置补零。
// sign_request 和 sign_bundle_request 下发的都是这种格式。
func EncodeUnsigned(tx *solana.Transaction) (string, error) {
	cp := *tx
	cp.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	copy(cp.Signatures, tx.Signatures)
	raw, err := cp.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("serialize transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// EncodeSigned 序列化完整签名的交易 (relay 提交格式)
func EncodeSigned(tx *solana.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("serialize transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeTransaction 解析 base64 编码的交易
func DecodeTransaction(b64 string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	return tx, nil
}

// AttachSignature 校验 signer 对 message 的签名，并写入交易对应位置
func AttachSignature(tx *solana.Transaction, signer solana.PublicKey, sig solana.Signature) error {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}
	if !sig.Verify(signer, msg) {
		return ErrInvalidSignature
	}

	signers := RequiredSigners(tx)
	idx := -1
	for i, pk := range signers {
		if pk.Equals(signer) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%s is not a required signer", signer)
	}

	if len(tx.Signatures) < len(signers) {
		sigs := make([]solana.Signature, len(signers))
		copy(sigs, tx.Signatures)
		tx.Signatures = sigs
	}
	tx.Signatures[idx] = sig
	return nil
}

// VerifySigned 确认签名端返回的交易与请求一致且所有签名有效
func VerifySigned(expected, signed *solana.Transaction) error {
	want, err := expected.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}
	got, err := signed.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("serialize message: %w", err)
	}
	if !bytes.Equal(want, got) {
		return ErrMessageMismatch
	}
	if len(signed.Signatures) != int(signed.Message.Header.NumRequiredSignatures) {
		return ErrInvalidSignature
	}
	if err := signed.VerifySignatures(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}
