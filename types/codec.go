// types/codec.go
// 线格式编解码（RLP）。所有跨进程/落盘记录统一走这里。
package types

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// ===================== Witness =====================

// Encode RLP 编码
func (w *Witness) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(w)
}

// DecodeWitness 解码见证；格式非法返回错误
func DecodeWitness(b []byte) (*Witness, error) {
	var w Witness
	if err := rlp.DecodeBytes(b, &w); err != nil {
		return nil, fmt.Errorf("decode witness: %w", err)
	}
	return &w, nil
}

// ===================== AccountStub =====================

// Encode RLP 编码
func (s *AccountStub) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(s)
}

// DecodeStub 解码存根
func DecodeStub(b []byte) (*AccountStub, error) {
	var s AccountStub
	if err := rlp.DecodeBytes(b, &s); err != nil {
		return nil, fmt.Errorf("decode stub: %w", err)
	}
	return &s, nil
}

// ===================== Account =====================

// Encode RLP 编码（落盘用完整账户）
func (a *Account) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(a)
}

// DecodeAccount 解码账户
func DecodeAccount(b []byte) (*Account, error) {
	var a Account
	if err := rlp.DecodeBytes(b, &a); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}
	return &a, nil
}

// ===================== ExpiryRecord =====================

// Encode RLP 编码
func (r *ExpiryRecord) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(r)
}

// DecodeExpiryRecord 解码过期记录
func DecodeExpiryRecord(b []byte) (*ExpiryRecord, error) {
	var r ExpiryRecord
	if err := rlp.DecodeBytes(b, &r); err != nil {
		return nil, fmt.Errorf("decode expiry record: %w", err)
	}
	return &r, nil
}

// ===================== BlockOutcome =====================

// Encode RLP 编码（随区块状态持久化）
func (o *BlockOutcome) Encode() ([]byte, error) {
	return rlp.EncodeToBytes(o)
}

// DecodeBlockOutcome 解码区块出参
func DecodeBlockOutcome(b []byte) (*BlockOutcome, error) {
	var o BlockOutcome
	if err := rlp.DecodeBytes(b, &o); err != nil {
		return nil, fmt.Errorf("decode block outcome: %w", err)
	}
	return &o, nil
}
