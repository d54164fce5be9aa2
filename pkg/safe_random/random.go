package safe_random

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"time"
)

// GenerateRandomBytes 生成指定长度的安全随机字节切片。
// 如果系统的安全随机数生成器失败，将返回错误。
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := io.ReadFull(Reader, b)
	if err != nil {
		return nil, fmt.Errorf("生成随机字节失败: %w", err)
	}
	return b, nil
}

// GenerateRandomHexString 生成 n 字节随机数的 Hex 编码，长度为 2n。
func GenerateRandomHexString(n int) (string, error) {
	b, err := GenerateRandomBytes(n)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GenerateRandomInt 生成一个 [0, max) 范围内的均匀随机值。
func GenerateRandomInt(max *big.Int) (*big.Int, error) {
	if max.Sign() <= 0 {
		return nil, fmt.Errorf("最大值必须为正数")
	}
	return rand.Int(Reader, max)
}

// PickIndex 在 [0, n) 中均匀选取一个下标，n <= 0 时返回 0
func PickIndex(n int) int {
	if n <= 1 {
		return 0
	}
	v, err := GenerateRandomInt(big.NewInt(int64(n)))
	if err != nil {
		return int(time.Now().UnixNano() % int64(n))
	}
	return int(v.Int64())
}

// NewID 生成 "<prefix>_<毫秒时间戳>_<8 位随机 hex>" 形式的请求 ID
func NewID(prefix string) string {
	suffix, err := GenerateRandomHexString(4)
	if err != nil {
		suffix = strconv.FormatInt(time.Now().UnixNano()&0xffffffff, 16)
	}
	return prefix + "_" + strconv.FormatInt(time.Now().UnixMilli(), 10) + "_" + suffix
}

// Reader 是一个全局共享的加密安全随机数生成器实例。
// 默认为 crypto/rand.Reader。
var Reader io.Reader = rand.Reader
