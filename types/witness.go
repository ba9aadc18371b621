// types/witness.go
// 见证（witness）与证明方案的线格式定义
package types

import (
	"fmt"
	"strings"
)

// ===================== 证明方案 =====================

// SchemeID 承诺方案标识
type SchemeID uint8

const (
	SchemeMerkle SchemeID = iota + 1
	SchemeKZG
	SchemeVerkle
)

func (s SchemeID) String() string {
	switch s {
	case SchemeMerkle:
		return "merkle"
	case SchemeKZG:
		return "kzg"
	case SchemeVerkle:
		return "verkle"
	default:
		return fmt.Sprintf("scheme(%d)", uint8(s))
	}
}

// Valid 方案取值是否可识别
func (s SchemeID) Valid() bool {
	return s >= SchemeMerkle && s <= SchemeVerkle
}

// ParseScheme 从配置字符串解析方案标识
func ParseScheme(name string) (SchemeID, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "merkle":
		return SchemeMerkle, nil
	case "kzg":
		return SchemeKZG, nil
	case "verkle":
		return SchemeVerkle, nil
	default:
		return 0, fmt.Errorf("unknown commitment scheme %q", name)
	}
}

// ===================== 拒绝原因码 =====================

// RejectReason 见证校验失败的机器可读原因码
type RejectReason uint8

const (
	ReasonNone           RejectReason = iota // 未拒绝
	ReasonMalformedProof                     // 证明格式非法或解码失败
	ReasonRootMismatch                       // 重算结果与受信根不一致
	ReasonExpiredHeight                      // 见证高度超出可接受窗口
	ReasonUnknownScheme                      // 未知承诺方案
	ReasonMissingWitness                     // 引用冷/归档账户却未携带见证
	ReasonDataIntegrity                      // 解冻数据与存根哈希不符（伪造未遂）
)

func (r RejectReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonMalformedProof:
		return "malformed_proof"
	case ReasonRootMismatch:
		return "root_mismatch"
	case ReasonExpiredHeight:
		return "expired_height"
	case ReasonUnknownScheme:
		return "unknown_scheme"
	case ReasonMissingWitness:
		return "missing_witness"
	case ReasonDataIntegrity:
		return "data_integrity_violation"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// ===================== 见证 =====================

// Witness 账户包含性见证。
// 只在其声明高度的根下有效；宽限窗口开启时须附带根转移链。
type Witness struct {
	AccountKey AccountKey
	DataHash   Hash
	Scheme     SchemeID
	Height     uint64 // 生成见证时的区块高度
	Proof      []byte // 方案私有的证明编码

	// RootChain 根转移链（可选）。按高度升序覆盖
	// (Height, 受信高度] 区间，供宽限窗口策略校验。
	RootChain []RootTransition
}

// RootTransition 一次根替换记录：parent 为前一高度的根
type RootTransition struct {
	Height uint64
	Parent Hash
	Root   Hash
}

// ProofSize 证明体字节数（费率计价可见）
func (w *Witness) ProofSize() int {
	return len(w.Proof)
}
