// witness/types.go
// 见证模块核心类型：引擎视图接口、账本哈希视图与裁决
package witness

import (
	"errors"
	"fmt"

	"glacier/types"
)

// ===================== 错误定义 =====================

var (
	// ErrUnknownAccount 键不在该高度的累加器定义域内
	ErrUnknownAccount = errors.New("account not in accumulator")

	// ErrStaleHeight 高度已出保留窗口，或账户数据在该高度之后
	// 已变更、旧高度对当前哈希不再可证
	ErrStaleHeight = errors.New("height outside retained window")
)

// ===================== 协作方接口 =====================

// Source 见证生成与校验所需的承诺引擎能力子集。
// commitment.Engine 实现本接口；测试注入假源。
type Source interface {
	SchemeID() types.SchemeID
	RootAt(height uint64) (types.Hash, error)
	Prove(height uint64, key types.AccountKey) ([]byte, error)
	Contains(height uint64, key types.AccountKey) (bool, error)
	VerifyProof(root types.Hash, key types.AccountKey, valueHash types.Hash, proof []byte) error
	ProofSizeHint() int
	TransitionAt(height uint64) (types.RootTransition, error)
	TransitionsBetween(from, to uint64) ([]types.RootTransition, error)
}

// AccountHashes 账本侧的账户规范哈希视图：热账户由数据现算，
// 冷/归档账户取存根记录的哈希。层级管理器实现本接口。
type AccountHashes interface {
	DataHashOf(key types.AccountKey) (types.Hash, error)
}

// ===================== 裁决 =====================

// Verdict 见证校验裁决。接受时 DataHash 为见证声明的数据哈希；
// 拒绝时 Reason 给出机器可读原因，Detail 仅供日志。
type Verdict struct {
	Accepted bool
	DataHash types.Hash
	Reason   types.RejectReason
	Detail   string
}

func accept(dataHash types.Hash) Verdict {
	return Verdict{Accepted: true, DataHash: dataHash}
}

func reject(reason types.RejectReason, format string, args ...interface{}) Verdict {
	return Verdict{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}
